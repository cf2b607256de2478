package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"redcortex/internal/reasoning"
	"redcortex/internal/tools"
)

// Suggestion is a candidate tool invocation proposed by the oracle for a
// ranked finding. It is not authorization: every suggestion still passes the
// full gateway validation before anything executes.
type Suggestion struct {
	HypothesisID string         `json:"hypothesis_id"`
	Tool         string         `json:"tool"`
	Inputs       map[string]any `json:"inputs"`
	Rationale    string         `json:"rationale"`
}

// Rejection records a proposed suggestion the suggester refused to pass on.
type Rejection struct {
	Suggestion Suggestion
	Reason     string
}

// Suggester renders ranked findings against the declared tool surface and
// parses the oracle's proposals.
type Suggester struct {
	client   LLMClient
	registry *tools.Registry
	logger   *zap.Logger
}

// NewSuggester builds a suggester over the given client and tool catalog.
func NewSuggester(client LLMClient, registry *tools.Registry, logger *zap.Logger) *Suggester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Suggester{client: client, registry: registry, logger: logger}
}

const systemPrompt = `You are a verification planner for an authorized security assessment.
You are given ranked findings and a fixed catalog of tools. Propose at most one
tool call per finding that would best verify it. Prefer read-only checks
(module_search, module_info, target_compat) over execution. Never propose
targets that do not appear in the findings.

Respond with a JSON array only, no prose. Each element:
{"hypothesis_id": "...", "tool": "...", "inputs": {...}, "rationale": "..."}`

// Suggest asks the oracle for verification steps for the report's entries.
// Proposals naming unknown tools, failing schema validation, citing targets
// not present in the report, or carrying blocked content are rejected rather
// than fixed up.
func (s *Suggester) Suggest(ctx context.Context, report *reasoning.Report) ([]Suggestion, []Rejection, error) {
	if len(report.Entries) == 0 {
		return nil, nil, nil
	}

	raw, err := s.client.CompleteWithSystem(ctx, systemPrompt, s.renderPrompt(report))
	if err != nil {
		return nil, nil, fmt.Errorf("suggest: %w", err)
	}

	proposals, err := parseSuggestions(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("suggest: %w", err)
	}

	targets := make(map[string]bool, len(report.Entries))
	for _, e := range report.Entries {
		targets[strings.ToLower(e.TargetRef)] = true
	}

	var accepted []Suggestion
	var rejected []Rejection
	for _, p := range proposals {
		if reason := s.vet(p, targets); reason != "" {
			s.logger.Warn("oracle suggestion rejected",
				zap.String("tool", p.Tool),
				zap.String("reason", reason))
			rejected = append(rejected, Rejection{Suggestion: p, Reason: reason})
			continue
		}
		accepted = append(accepted, p)
	}
	return accepted, rejected, nil
}

// vet returns a rejection reason, or "" when the proposal is acceptable.
func (s *Suggester) vet(p Suggestion, targets map[string]bool) string {
	spec, err := s.registry.Get(p.Tool)
	if err != nil {
		return "unknown_tool"
	}
	if err := s.registry.ValidateInputs(spec, p.Inputs); err != nil {
		return "schema_violation"
	}
	if err := tools.ScrubInputs(p.Inputs); err != nil {
		return "content_blocked"
	}
	if spec.TargetParam != "" {
		host, _ := p.Inputs[spec.TargetParam].(string)
		if !targets[strings.ToLower(host)] {
			return "target_not_in_findings"
		}
	}
	return ""
}

// renderPrompt serializes the tool surface and the report for the oracle.
// Evidence references travel as opaque IDs; raw artifact content never does.
func (s *Suggester) renderPrompt(report *reasoning.Report) string {
	var b strings.Builder

	b.WriteString("## Tool catalog\n")
	catalog, _ := json.MarshalIndent(s.registry.Specs(), "", "  ")
	b.Write(catalog)

	b.WriteString("\n\n## Ranked findings\n")
	for _, e := range report.Entries {
		fmt.Fprintf(&b, "%d. [%s] %s target=%s technique=%s composite=%.4f hypothesis_id=%s evidence_refs=%s\n",
			e.Rank, e.Severity, e.Description, e.TargetRef, e.Technique,
			e.Composite, e.HypothesisID, strings.Join(e.Evidence, ","))
	}
	return b.String()
}

// parseSuggestions extracts the JSON array from the completion, tolerating
// code fences around it.
func parseSuggestions(raw string) ([]Suggestion, error) {
	trimmed := strings.TrimSpace(raw)
	if i := strings.Index(trimmed, "["); i >= 0 {
		if j := strings.LastIndex(trimmed, "]"); j > i {
			trimmed = trimmed[i : j+1]
		}
	}
	var out []Suggestion
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return nil, fmt.Errorf("%w: unparseable suggestions: %v", ErrOracle, err)
	}
	return out, nil
}
