package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"redcortex/internal/audit"
	"redcortex/internal/config"
	"redcortex/internal/framework"
	"redcortex/internal/gateway"
	"redcortex/internal/oracle"
	"redcortex/internal/pipeline"
	"redcortex/internal/platform"
	"redcortex/internal/reasoning"
	"redcortex/internal/tools"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "redcortex",
	Short: "redcortex - policy-gated reasoning core for authorized security assessments",
	Long: `redcortex turns reconnaissance artifacts into ranked, evidence-linked
findings, and executes verification steps only through a policy gateway:
every tool invocation is validated against role, scope, and rate policy,
audited per state transition, and rolled back on failure where possible.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var (
	runProject     string
	runMethodology string
	runArtifacts   string
	runInitiator   string
	runSuggest     bool
	runExecute     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Trigger an analysis run and print the ranked report",
	Long: `Runs the full analysis pipeline for one project from an artifact export:
normalize, derive hypotheses, assess feasibility, score risk, synthesize.

With --suggest, the ranked report is handed to the reasoning oracle and the
vetted verification suggestions are printed. With --execute, accepted
suggestions are additionally submitted through the policy gateway.

SIGINT engages the kill switch: the run and any in-flight invocations are
aborted and audited before exit.`,
	RunE: runAnalysis,
}

var invokeCmd = &cobra.Command{
	Use:   "invoke [tool]",
	Short: "Submit one tool invocation through the policy gateway",
	Args:  cobra.ExactArgs(1),
	RunE:  invokeTool,
}

var (
	invokeProject string
	invokeAs      string
	invokeInputs  []string
)

var resultCmd = &cobra.Command{
	Use:   "result [run-id]",
	Short: "Print the stored report for a completed run",
	Args:  cobra.ExactArgs(1),
	RunE:  showResult,
}

var runsCmd = &cobra.Command{
	Use:   "runs [project-id]",
	Short: "List stored analysis runs for a project",
	Args:  cobra.ExactArgs(1),
	RunE:  listRuns,
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Print the declared tool catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(tools.DefaultRegistry().Specs())
	},
}

var auditTail int

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Print the tail of the audit log sink",
	RunE:  showAudit,
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")

	runCmd.Flags().StringVar(&runProject, "project", "", "project ID (required)")
	runCmd.Flags().StringVar(&runMethodology, "methodology", "/pentest", "methodology: /bug_bounty, /owasp, /red_team, /pentest")
	runCmd.Flags().StringVar(&runArtifacts, "artifacts", "", "artifact export JSON file (required)")
	runCmd.Flags().StringVar(&runInitiator, "as", "", "initiating identity (required)")
	runCmd.Flags().BoolVar(&runSuggest, "suggest", false, "ask the oracle for verification suggestions")
	runCmd.Flags().BoolVar(&runExecute, "execute", false, "submit accepted suggestions through the gateway")
	_ = runCmd.MarkFlagRequired("project")
	_ = runCmd.MarkFlagRequired("artifacts")
	_ = runCmd.MarkFlagRequired("as")

	invokeCmd.Flags().StringVar(&invokeProject, "project", "", "project ID (required)")
	invokeCmd.Flags().StringVar(&invokeAs, "as", "", "requesting identity (required)")
	invokeCmd.Flags().StringArrayVar(&invokeInputs, "input", nil, "tool input as key=value (repeatable)")
	_ = invokeCmd.MarkFlagRequired("project")
	_ = invokeCmd.MarkFlagRequired("as")

	auditCmd.Flags().IntVar(&auditTail, "tail", 50, "number of entries to print")

	rootCmd.AddCommand(runCmd, invokeCmd, resultCmd, runsCmd, toolsCmd, auditCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runAnalysis(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	m := reasoning.Methodology(runMethodology)
	if !reasoning.ValidMethodology(m) {
		return fmt.Errorf("unknown methodology %q", runMethodology)
	}

	source, err := pipeline.LoadStaticSource(runArtifacts, runProject)
	if err != nil {
		return err
	}

	log, err := audit.NewLog(audit.WithSink(cfg.Audit.SinkPath), audit.WithLogger(logger))
	if err != nil {
		return err
	}
	defer log.Close()

	store, err := pipeline.OpenStore(cfg.Pipeline.StorePath)
	if err != nil {
		return err
	}
	defer store.Close()

	orch := pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
		FeasibilityWorkers: cfg.Pipeline.FeasibilityWorkers,
		StageTimeout:       cfg.Pipeline.StageTimeout,
	}, source, store, log, logger)
	defer orch.Shutdown()

	runID, err := orch.Trigger(cmd.Context(), runProject, m, runInitiator)
	if err != nil {
		return err
	}
	logger.Info("run triggered", zap.String("run", runID), zap.String("project", runProject))

	// SIGINT is the kill switch.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		if _, ok := <-sigCh; ok {
			logger.Warn("kill switch engaged by signal")
			orch.AbortProject(runProject, "operator signal")
		}
	}()

	<-orch.Done(runID)
	report, status, err := orch.Result(runID)
	if err != nil {
		return fmt.Errorf("run %s finished %s: %w", runID, status, err)
	}
	if err := printJSON(report); err != nil {
		return err
	}

	if !runSuggest {
		return nil
	}
	return suggestAndMaybeExecute(cmd.Context(), cfg, log, report)
}

// suggestAndMaybeExecute runs the oracle suggestion loop over a report and,
// when requested, pushes accepted suggestions through the gateway.
func suggestAndMaybeExecute(ctx context.Context, cfg *config.Config, log *audit.Log, report *reasoning.Report) error {
	registry := tools.DefaultRegistry()
	client := oracle.NewHTTPClient(oracle.Config{
		BaseURL: cfg.Oracle.BaseURL,
		APIKey:  cfg.Oracle.APIKey,
		Model:   cfg.Oracle.Model,
		Timeout: cfg.Oracle.Timeout,
	}, logger)
	suggester := oracle.NewSuggester(client, registry, logger)

	accepted, rejected, err := suggester.Suggest(ctx, report)
	if err != nil {
		return err
	}
	for _, r := range rejected {
		log.Append(audit.Entry{
			Type:      audit.EntryOracleDecision,
			ProjectID: report.ProjectID,
			Reason:    r.Reason,
			Summary:   fmt.Sprintf("oracle suggestion for %s rejected", r.Suggestion.Tool),
		})
	}
	if err := printJSON(accepted); err != nil {
		return err
	}
	if !runExecute || len(accepted) == 0 {
		return nil
	}

	policy, err := platform.NewFilePolicyProvider(cfg.Policy.Path, logger)
	if err != nil {
		return err
	}
	defer policy.Close()

	connector := framework.NewHTTPConnector(framework.Config{
		BaseURL: cfg.Framework.BaseURL,
		Token:   cfg.Framework.Token,
		Timeout: cfg.Framework.Timeout,
	}, logger)

	gw := gateway.New(gateway.Config{
		DefaultDeadline:      cfg.Gateway.DefaultDeadline,
		MaxRunningPerProject: int64(cfg.Gateway.MaxRunningPerProject),
		DefaultRatePerMinute: cfg.Gateway.DefaultRatePerMinute,
	}, registry, policy, connector, log, logger)
	defer gw.Shutdown()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		if _, ok := <-sigCh; ok {
			gw.KillSwitchAll("operator signal")
		}
	}()

	outcomes := make([]gateway.Invocation, 0, len(accepted))
	for _, s := range accepted {
		log.Append(audit.Entry{
			Type:      audit.EntryOracleDecision,
			ProjectID: report.ProjectID,
			Success:   true,
			Summary:   fmt.Sprintf("oracle suggested %s for hypothesis %s", s.Tool, s.HypothesisID),
		})
		inv, err := gw.Submit(ctx, gateway.Request{
			ToolName:    s.Tool,
			Inputs:      s.Inputs,
			RequestedBy: runInitiator,
			ProjectID:   report.ProjectID,
		})
		if err != nil {
			logger.Warn("suggestion refused by gateway",
				zap.String("tool", s.Tool), zap.Error(err))
			outcomes = append(outcomes, inv)
			continue
		}
		gw.Wait()
		final, err := gw.Status(inv.ID)
		if err != nil {
			return err
		}
		outcomes = append(outcomes, final)
	}
	return printJSON(outcomes)
}

func invokeTool(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	inputs := make(map[string]any, len(invokeInputs))
	for _, kv := range invokeInputs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("bad --input %q, want key=value", kv)
		}
		inputs[key] = coerce(value)
	}

	log, err := audit.NewLog(audit.WithSink(cfg.Audit.SinkPath), audit.WithLogger(logger))
	if err != nil {
		return err
	}
	defer log.Close()

	policy, err := platform.NewFilePolicyProvider(cfg.Policy.Path, logger)
	if err != nil {
		return err
	}
	defer policy.Close()

	connector := framework.NewHTTPConnector(framework.Config{
		BaseURL: cfg.Framework.BaseURL,
		Token:   cfg.Framework.Token,
		Timeout: cfg.Framework.Timeout,
	}, logger)

	gw := gateway.New(gateway.Config{
		DefaultDeadline:      cfg.Gateway.DefaultDeadline,
		MaxRunningPerProject: int64(cfg.Gateway.MaxRunningPerProject),
		DefaultRatePerMinute: cfg.Gateway.DefaultRatePerMinute,
	}, tools.DefaultRegistry(), policy, connector, log, logger)
	defer gw.Shutdown()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		if _, ok := <-sigCh; ok {
			gw.KillSwitchAll("operator signal")
		}
	}()

	inv, err := gw.Submit(cmd.Context(), gateway.Request{
		ToolName:    args[0],
		Inputs:      inputs,
		RequestedBy: invokeAs,
		ProjectID:   invokeProject,
	})
	if err != nil {
		// Print the rejected record too: the rejection reason is part of it.
		_ = printJSON(inv)
		return err
	}
	gw.Wait()
	final, err := gw.Status(inv.ID)
	if err != nil {
		return err
	}
	return printJSON(final)
}

func showResult(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store, err := pipeline.OpenStore(cfg.Pipeline.StorePath)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.Run(args[0])
	if err != nil {
		return err
	}
	if run.Status != pipeline.RunCompleted {
		return fmt.Errorf("run %s is %s: %s", run.RunID, run.Status, run.Error)
	}
	report, err := store.Report(args[0])
	if err != nil {
		return err
	}
	return printJSON(report)
}

func listRuns(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store, err := pipeline.OpenStore(cfg.Pipeline.StorePath)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.RunsForProject(args[0], 50)
	if err != nil {
		return err
	}
	return printJSON(runs)
}

func showAudit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(cfg.Audit.SinkPath)
	if err != nil {
		return fmt.Errorf("read audit sink: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if auditTail > 0 && len(lines) > auditTail {
		lines = lines[len(lines)-auditTail:]
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

// coerce turns flag values into JSON-ish types so schemas with integer and
// boolean properties validate.
func coerce(s string) any {
	if s == "true" {
		return true
	}
	if s == "false" {
		return false
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil && fmt.Sprint(n) == s {
		return n
	}
	return s
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
