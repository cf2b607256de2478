package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"redcortex/internal/audit"
	"redcortex/internal/framework"
	"redcortex/internal/platform"
	"redcortex/internal/tools"
)

// Config bounds gateway execution.
type Config struct {
	// DefaultDeadline bounds side-effecting invocations that do not set one.
	DefaultDeadline time.Duration

	// MaxRunningPerProject caps concurrently running side-effecting
	// invocations per project.
	MaxRunningPerProject int64

	// DefaultRatePerMinute applies to projects whose scope policy does not set
	// its own cap.
	DefaultRatePerMinute int
}

// Gateway validates, schedules, executes, and audits tool invocations.
type Gateway struct {
	cfg       Config
	registry  *tools.Registry
	policy    platform.PolicyProvider
	connector framework.Connector
	log       *audit.Log
	logger    *zap.Logger

	rootCtx    context.Context
	rootCancel context.CancelCauseFunc

	mu          sync.Mutex
	invocations map[string]*Invocation
	projects    map[string]*projectState

	wg sync.WaitGroup
}

// projectState holds the per-project execution budget and kill switch.
type projectState struct {
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	ctx     context.Context
	cancel  context.CancelCauseFunc
}

// New builds a gateway.
func New(cfg Config, registry *tools.Registry, policy platform.PolicyProvider, connector framework.Connector, log *audit.Log, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = 5 * time.Minute
	}
	if cfg.MaxRunningPerProject <= 0 {
		cfg.MaxRunningPerProject = 2
	}
	if cfg.DefaultRatePerMinute <= 0 {
		cfg.DefaultRatePerMinute = 30
	}
	rootCtx, rootCancel := context.WithCancelCause(context.Background())
	return &Gateway{
		cfg:         cfg,
		registry:    registry,
		policy:      policy,
		connector:   connector,
		log:         log,
		logger:      logger,
		rootCtx:     rootCtx,
		rootCancel:  rootCancel,
		invocations: make(map[string]*Invocation),
		projects:    make(map[string]*projectState),
	}
}

// Submit runs the validation chain and, on success, executes the invocation.
// Read-only tools execute before Submit returns; side-effecting tools are
// scheduled and run asynchronously under the project's execution budget.
// Policy is re-read on every submission: scope narrowed a second ago binds
// now.
func (g *Gateway) Submit(ctx context.Context, req Request) (Invocation, error) {
	if err := ctx.Err(); err != nil {
		return Invocation{}, err
	}

	inv := &Invocation{
		ID:          uuid.NewString(),
		Request:     req,
		State:       StateRequested,
		SubmittedAt: time.Now().UTC(),
	}
	g.mu.Lock()
	g.invocations[inv.ID] = inv
	g.mu.Unlock()
	g.auditState(inv)

	spec, err := g.registry.Get(req.ToolName)
	if err != nil {
		return g.reject(inv, RejectUnknownTool, err)
	}
	g.mu.Lock()
	inv.Tool = spec
	g.mu.Unlock()

	role, err := g.policy.Role(req.RequestedBy)
	if err != nil {
		return g.reject(inv, RejectInsufficientRole, err)
	}
	if !role.Allows(spec.Tier) {
		return g.reject(inv, RejectInsufficientRole,
			fmt.Errorf("role %s does not hold tier %s", role.Name, spec.Tier))
	}

	scope, err := g.policy.ScopePolicy(req.ProjectID)
	if err != nil {
		return g.reject(inv, RejectOutOfScope, err)
	}
	if spec.TargetParam != "" {
		host, _ := req.Inputs[spec.TargetParam].(string)
		if !scope.InScope(host) {
			return g.reject(inv, RejectOutOfScope,
				fmt.Errorf("target %q not authorized for project %s", host, req.ProjectID))
		}
	}

	if err := g.registry.ValidateInputs(spec, req.Inputs); err != nil {
		return g.reject(inv, RejectInvalidInputs, err)
	}
	if err := tools.ScrubInputs(req.Inputs); err != nil {
		return g.reject(inv, RejectContentBlocked, err)
	}

	ps := g.budgetFor(req.ProjectID, scope)
	if ps.ctx.Err() != nil {
		return g.reject(inv, RejectKilled, context.Cause(ps.ctx))
	}
	if !ps.limiter.Allow() {
		return g.reject(inv, RejectRateLimited,
			fmt.Errorf("project %s exceeded its invocation rate", req.ProjectID))
	}

	g.setState(inv, StateValidated)
	g.setState(inv, StateScheduled)

	if !spec.SideEffecting {
		g.runReadOnly(inv, ps)
		return g.snapshot(inv.ID)
	}

	g.wg.Add(1)
	go g.runSideEffecting(inv, ps)
	return g.snapshot(inv.ID)
}

// runReadOnly executes a query tool synchronously. Transport failures on the
// read path are retried by the connector when it supports idempotent retry.
func (g *Gateway) runReadOnly(inv *Invocation, ps *projectState) {
	deadline := inv.Request.Deadline
	if deadline <= 0 {
		deadline = g.cfg.DefaultDeadline
	}
	callCtx, cancel := context.WithTimeout(ps.ctx, deadline)
	defer cancel()

	g.setState(inv, StateRunning)

	type idempotentInvoker interface {
		InvokeIdempotent(ctx context.Context, toolName string, inputs map[string]any) (map[string]any, error)
	}

	var result map[string]any
	var err error
	if ii, ok := g.connector.(idempotentInvoker); ok {
		result, err = ii.InvokeIdempotent(callCtx, inv.Tool.Name, inv.Request.Inputs)
	} else {
		result, err = g.connector.Invoke(callCtx, inv.Tool.Name, inv.Request.Inputs)
	}
	if err != nil {
		if ps.ctx.Err() != nil {
			g.finish(inv, StateAborted, context.Cause(ps.ctx))
		} else {
			g.finish(inv, StateFailed, err)
		}
		return
	}
	g.mu.Lock()
	inv.Result = tools.ScrubResult(result)
	g.mu.Unlock()
	g.finish(inv, StateCompleted, nil)
}

// runSideEffecting executes an action or session tool under the project's
// concurrency budget and deadline, with scope re-checked at the last moment
// before the framework is touched.
func (g *Gateway) runSideEffecting(inv *Invocation, ps *projectState) {
	defer g.wg.Done()

	if err := ps.sem.Acquire(ps.ctx, 1); err != nil {
		g.finish(inv, StateAborted, context.Cause(ps.ctx))
		return
	}
	defer ps.sem.Release(1)

	deadline := inv.Request.Deadline
	if deadline <= 0 {
		deadline = g.cfg.DefaultDeadline
	}
	callCtx, cancel := context.WithTimeout(ps.ctx, deadline)
	defer cancel()

	// The scope that validated this invocation may have narrowed while it sat
	// in the queue. A target no longer authorized at this point means the
	// project's authorization basis is gone: engage the kill switch rather
	// than just dropping the one invocation.
	scope, err := g.policy.ScopePolicy(inv.Request.ProjectID)
	if err != nil {
		g.finish(inv, StateAborted, fmt.Errorf("scope re-check: %w", err))
		return
	}
	if inv.Tool.TargetParam != "" {
		host, _ := inv.Request.Inputs[inv.Tool.TargetParam].(string)
		if !scope.InScope(host) {
			g.KillSwitch(inv.Request.ProjectID,
				fmt.Sprintf("target %q left authorized scope before execution", host))
			g.finish(inv, StateAborted, fmt.Errorf("target %q no longer in scope", host))
			return
		}
	}

	g.setState(inv, StateRunning)
	result, err := g.connector.Invoke(callCtx, inv.Tool.Name, inv.Request.Inputs)
	if err != nil {
		if ps.ctx.Err() != nil {
			g.finish(inv, StateAborted, context.Cause(ps.ctx))
		} else {
			g.finish(inv, StateFailed, err)
		}
		g.rollback(inv)
		return
	}

	g.mu.Lock()
	inv.Result = tools.ScrubResult(result)
	g.mu.Unlock()
	g.finish(inv, StateCompleted, nil)
}

// rollback issues the compensating call for a failed or aborted invocation.
// It runs on a fresh context: rollback must proceed even when the project or
// the whole gateway has been killed. The bridge keys jobs by the invocation
// ID that started them.
func (g *Gateway) rollback(inv *Invocation) {
	if !inv.Tool.RollbackSupported {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := g.connector.Invoke(ctx, inv.Tool.RollbackTool, map[string]any{"job_id": inv.ID})
	if err != nil {
		g.mu.Lock()
		inv.Error = fmt.Sprintf("%s; %v: %v", inv.Error, ErrRollbackFailed, err)
		g.mu.Unlock()
		g.logger.Error("rollback failed",
			zap.String("invocation", inv.ID),
			zap.String("tool", inv.Tool.Name),
			zap.String("rollback_tool", inv.Tool.RollbackTool),
			zap.Error(err))
		g.log.Append(audit.Entry{
			Type:         audit.EntryRollback,
			ProjectID:    inv.Request.ProjectID,
			InvocationID: inv.ID,
			Actor:        inv.Request.RequestedBy,
			Reason:       err.Error(),
			Success:      false,
			Summary:      fmt.Sprintf("rollback via %s failed, manual cleanup required", inv.Tool.RollbackTool),
		})
		return
	}

	g.setState(inv, StateRolledBack)
	g.log.Append(audit.Entry{
		Type:         audit.EntryRollback,
		ProjectID:    inv.Request.ProjectID,
		InvocationID: inv.ID,
		Actor:        inv.Request.RequestedBy,
		Success:      true,
		Summary:      fmt.Sprintf("rolled back via %s", inv.Tool.RollbackTool),
	})
}

// KillSwitch cancels everything in flight for a project and blocks new
// submissions until the process restarts with restored authorization.
func (g *Gateway) KillSwitch(projectID, reason string) {
	g.mu.Lock()
	ps, ok := g.projects[projectID]
	if !ok {
		ctx, cancel := context.WithCancelCause(g.rootCtx)
		ps = &projectState{
			limiter: rate.NewLimiter(perMinute(g.cfg.DefaultRatePerMinute), g.cfg.DefaultRatePerMinute),
			sem:     semaphore.NewWeighted(g.cfg.MaxRunningPerProject),
			ctx:     ctx,
			cancel:  cancel,
		}
		g.projects[projectID] = ps
	}
	g.mu.Unlock()

	ps.cancel(fmt.Errorf("kill switch: %s", reason))
	g.logger.Warn("kill switch engaged", zap.String("project", projectID), zap.String("reason", reason))
	g.log.Append(audit.Entry{
		Type:      audit.EntryKillSwitch,
		ProjectID: projectID,
		Reason:    reason,
		Success:   true,
		Summary:   "project kill switch engaged",
	})
}

// KillSwitchAll cancels every project at once.
func (g *Gateway) KillSwitchAll(reason string) {
	g.rootCancel(fmt.Errorf("global kill switch: %s", reason))
	g.logger.Warn("global kill switch engaged", zap.String("reason", reason))
	g.log.Append(audit.Entry{
		Type:    audit.EntryKillSwitch,
		Reason:  reason,
		Success: true,
		Summary: "global kill switch engaged",
	})
}

// Status returns a copy of the invocation record.
func (g *Gateway) Status(invocationID string) (Invocation, error) {
	return g.snapshot(invocationID)
}

// Wait blocks until every in-flight side-effecting invocation settles,
// including rollbacks.
func (g *Gateway) Wait() {
	g.wg.Wait()
}

// Shutdown cancels all in-flight work and waits for it to settle.
func (g *Gateway) Shutdown() {
	g.rootCancel(fmt.Errorf("gateway shutdown"))
	g.wg.Wait()
}

// budgetFor returns (creating if needed) the execution budget for a project.
// The rate cap comes from the scope policy when set, and is refreshed on
// every call: like targets, a platform-side cap change binds immediately.
func (g *Gateway) budgetFor(projectID string, scope platform.ScopePolicy) *projectState {
	g.mu.Lock()
	defer g.mu.Unlock()

	perMin := scope.RatePerMinute
	if perMin <= 0 {
		perMin = g.cfg.DefaultRatePerMinute
	}
	if ps, ok := g.projects[projectID]; ok {
		if limit := perMinute(perMin); ps.limiter.Limit() != limit {
			ps.limiter.SetLimit(limit)
			ps.limiter.SetBurst(perMin)
		}
		return ps
	}
	ctx, cancel := context.WithCancelCause(g.rootCtx)
	ps := &projectState{
		limiter: rate.NewLimiter(perMinute(perMin), perMin),
		sem:     semaphore.NewWeighted(g.cfg.MaxRunningPerProject),
		ctx:     ctx,
		cancel:  cancel,
	}
	g.projects[projectID] = ps
	return ps
}

func perMinute(n int) rate.Limit {
	return rate.Every(time.Minute / time.Duration(n))
}

// reject terminates validation, audits the refusal, and returns the wrapped
// rejection. A rejected request never reaches /scheduled.
func (g *Gateway) reject(inv *Invocation, reason RejectionReason, cause error) (Invocation, error) {
	g.mu.Lock()
	inv.Rejection = reason
	inv.Error = cause.Error()
	inv.FinishedAt = time.Now().UTC()
	g.mu.Unlock()

	g.log.Append(audit.Entry{
		Type:         audit.EntryValidationReject,
		ProjectID:    inv.Request.ProjectID,
		InvocationID: inv.ID,
		Actor:        inv.Request.RequestedBy,
		State:        string(inv.State),
		Reason:       string(reason),
		Summary:      fmt.Sprintf("%s rejected: %s", inv.Request.ToolName, cause),
	})
	snap, _ := g.snapshot(inv.ID)
	return snap, fmt.Errorf("%w (%s): %v", ErrRejected, reason, cause)
}

// setState advances the state machine and audits the transition.
func (g *Gateway) setState(inv *Invocation, next State) {
	g.mu.Lock()
	inv.State = next
	g.mu.Unlock()
	g.auditState(inv)
}

// finish moves the invocation to a terminal state.
func (g *Gateway) finish(inv *Invocation, final State, cause error) {
	g.mu.Lock()
	inv.State = final
	inv.FinishedAt = time.Now().UTC()
	if cause != nil {
		inv.Error = cause.Error()
	}
	g.mu.Unlock()
	g.auditState(inv)
}

func (g *Gateway) auditState(inv *Invocation) {
	g.mu.Lock()
	state := inv.State
	errText := inv.Error
	g.mu.Unlock()

	g.log.Append(audit.Entry{
		Type:         audit.EntryInvocationState,
		ProjectID:    inv.Request.ProjectID,
		InvocationID: inv.ID,
		Actor:        inv.Request.RequestedBy,
		State:        string(state),
		Reason:       errText,
		Success:      state != StateFailed && state != StateAborted,
		Summary:      fmt.Sprintf("%s -> %s", inv.Request.ToolName, state),
	})
}

func (g *Gateway) snapshot(invocationID string) (Invocation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	inv, ok := g.invocations[invocationID]
	if !ok {
		return Invocation{}, fmt.Errorf("%w: %s", ErrInvocationNotFound, invocationID)
	}
	snap := *inv
	if inv.Result != nil {
		result := make(map[string]any, len(inv.Result))
		for k, v := range inv.Result {
			result[k] = v
		}
		snap.Result = result
	}
	return snap, nil
}
