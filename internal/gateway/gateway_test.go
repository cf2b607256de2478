package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"redcortex/internal/audit"
	"redcortex/internal/framework"
	"redcortex/internal/platform"
	"redcortex/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testPolicy() *platform.StaticPolicyProvider {
	return &platform.StaticPolicyProvider{
		Projects: map[string]platform.ScopePolicy{
			"prj-1": {
				ProjectID:     "prj-1",
				Targets:       []string{"web.example.com", "*.staging.example.com"},
				RatePerMinute: 100,
			},
		},
		Roles: map[string]platform.Role{
			"operator@example.com": {
				Identity:     "operator@example.com",
				Name:         "operator",
				GrantedTiers: []platform.Tier{platform.TierReadOnly, platform.TierAction, platform.TierSession},
			},
			"analyst@example.com": {
				Identity:     "analyst@example.com",
				Name:         "analyst",
				GrantedTiers: []platform.Tier{platform.TierReadOnly},
			},
		},
	}
}

func newTestGateway(t *testing.T, policy platform.PolicyProvider, fake *framework.Fake) (*Gateway, *audit.Log) {
	t.Helper()
	log, err := audit.NewLog()
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}
	g := New(Config{
		DefaultDeadline:      5 * time.Second,
		MaxRunningPerProject: 2,
		DefaultRatePerMinute: 100,
	}, tools.DefaultRegistry(), policy, fake, log, nil)
	t.Cleanup(g.Shutdown)
	return g, log
}

// settle waits for all async invocations (including rollbacks) and returns
// the final record.
func settle(t *testing.T, g *Gateway, id string) Invocation {
	t.Helper()
	g.Wait()
	inv, err := g.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !inv.State.Terminal() {
		t.Fatalf("invocation %s settled in non-terminal state %s", id, inv.State)
	}
	return inv
}

func moduleRunRequest(by string) Request {
	return Request{
		ToolName:    "module_run",
		Inputs:      map[string]any{"module_path": "exploit/multi/http/x", "host": "web.example.com"},
		RequestedBy: by,
		ProjectID:   "prj-1",
	}
}

func TestReadOnlyToolRunsSynchronously(t *testing.T) {
	fake := &framework.Fake{}
	g, _ := newTestGateway(t, testPolicy(), fake)

	inv, err := g.Submit(context.Background(), Request{
		ToolName:    "module_search",
		Inputs:      map[string]any{"query": "tomcat"},
		RequestedBy: "analyst@example.com",
		ProjectID:   "prj-1",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if inv.State != StateCompleted {
		t.Fatalf("state = %s, want %s", inv.State, StateCompleted)
	}
	if inv.Result["status"] != "ok" {
		t.Errorf("result = %v", inv.Result)
	}
	if calls := fake.Calls(); len(calls) != 1 || calls[0].Tool != "module_search" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestInsufficientRoleNeverSchedules(t *testing.T) {
	fake := &framework.Fake{}
	g, log := newTestGateway(t, testPolicy(), fake)

	_, err := g.Submit(context.Background(), moduleRunRequest("analyst@example.com"))
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("want ErrRejected, got %v", err)
	}

	if len(fake.Calls()) != 0 {
		t.Error("rejected request must never reach the framework")
	}
	for _, e := range log.Entries(0) {
		if e.Type == audit.EntryInvocationState && e.State == string(StateScheduled) {
			t.Error("rejected request must never be scheduled")
		}
		if e.Type == audit.EntryValidationReject && e.Reason != string(RejectInsufficientRole) {
			t.Errorf("rejection reason = %s", e.Reason)
		}
	}
}

func TestOutOfScopeTargetRejected(t *testing.T) {
	fake := &framework.Fake{}
	g, _ := newTestGateway(t, testPolicy(), fake)

	req := moduleRunRequest("operator@example.com")
	req.Inputs["host"] = "victim.example.net"
	inv, err := g.Submit(context.Background(), req)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("want ErrRejected, got %v", err)
	}
	if inv.Rejection != RejectOutOfScope {
		t.Errorf("rejection = %s, want %s", inv.Rejection, RejectOutOfScope)
	}
	if len(fake.Calls()) != 0 {
		t.Error("out-of-scope request must never reach the framework")
	}
}

func TestUnknownToolRejected(t *testing.T) {
	g, _ := newTestGateway(t, testPolicy(), &framework.Fake{})

	inv, err := g.Submit(context.Background(), Request{
		ToolName:    "shell",
		Inputs:      map[string]any{},
		RequestedBy: "operator@example.com",
		ProjectID:   "prj-1",
	})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("want ErrRejected, got %v", err)
	}
	if inv.Rejection != RejectUnknownTool {
		t.Errorf("rejection = %s", inv.Rejection)
	}
}

func TestBlockedContentRejected(t *testing.T) {
	g, _ := newTestGateway(t, testPolicy(), &framework.Fake{})

	req := moduleRunRequest("operator@example.com")
	req.Inputs["module_path"] = string([]byte{0x4d, 0x5a, 0x90, 0x00})
	inv, err := g.Submit(context.Background(), req)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("want ErrRejected, got %v", err)
	}
	if inv.Rejection != RejectContentBlocked {
		t.Errorf("rejection = %s", inv.Rejection)
	}
}

func TestRateLimitEnforced(t *testing.T) {
	policy := testPolicy()
	p := policy.Projects["prj-1"]
	p.RatePerMinute = 1
	policy.Projects["prj-1"] = p

	g, _ := newTestGateway(t, policy, &framework.Fake{})

	ok := Request{
		ToolName:    "listener_list",
		Inputs:      map[string]any{},
		RequestedBy: "analyst@example.com",
		ProjectID:   "prj-1",
	}
	if _, err := g.Submit(context.Background(), ok); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	inv, err := g.Submit(context.Background(), ok)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("want ErrRejected, got %v", err)
	}
	if inv.Rejection != RejectRateLimited {
		t.Errorf("rejection = %s", inv.Rejection)
	}
}

func TestSideEffectingToolCompletesWithFilteredResult(t *testing.T) {
	fake := &framework.Fake{Handlers: map[string]func(map[string]any) (map[string]any, error){
		"module_run": func(map[string]any) (map[string]any, error) {
			return map[string]any{"job_id": "42", "hashdump": "aa:bb:cc"}, nil
		},
	}}
	g, _ := newTestGateway(t, testPolicy(), fake)

	inv, err := g.Submit(context.Background(), moduleRunRequest("operator@example.com"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final := settle(t, g, inv.ID)
	if final.State != StateCompleted {
		t.Fatalf("state = %s, want %s (error: %s)", final.State, StateCompleted, final.Error)
	}
	if final.Result["job_id"] != "42" {
		t.Errorf("job_id = %v", final.Result["job_id"])
	}
	if final.Result["hashdump"] != "[filtered]" {
		t.Errorf("credential material must be filtered, got %v", final.Result["hashdump"])
	}
}

func TestFailedInvocationRollsBack(t *testing.T) {
	fake := &framework.Fake{Handlers: map[string]func(map[string]any) (map[string]any, error){
		"module_run": func(map[string]any) (map[string]any, error) {
			return nil, errors.New("exploit session failed to bind")
		},
	}}
	g, log := newTestGateway(t, testPolicy(), fake)

	inv, err := g.Submit(context.Background(), moduleRunRequest("operator@example.com"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final := settle(t, g, inv.ID)
	if final.State != StateRolledBack {
		t.Fatalf("state = %s, want %s", final.State, StateRolledBack)
	}

	calls := fake.Calls()
	if len(calls) != 2 || calls[1].Tool != "job_stop" {
		t.Fatalf("calls = %+v, want module_run then job_stop", calls)
	}

	var rollbacks int
	for _, e := range log.Entries(0) {
		if e.Type == audit.EntryRollback && e.Success {
			rollbacks++
		}
	}
	if rollbacks != 1 {
		t.Errorf("rollback audit entries = %d, want 1", rollbacks)
	}
}

func TestRollbackFailureIsEscalated(t *testing.T) {
	fake := &framework.Fake{Handlers: map[string]func(map[string]any) (map[string]any, error){
		"module_run": func(map[string]any) (map[string]any, error) {
			return nil, errors.New("timed out")
		},
		"job_stop": func(map[string]any) (map[string]any, error) {
			return nil, errors.New("bridge unreachable")
		},
	}}
	g, log := newTestGateway(t, testPolicy(), fake)

	inv, err := g.Submit(context.Background(), moduleRunRequest("operator@example.com"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final := settle(t, g, inv.ID)
	if final.State != StateFailed {
		t.Fatalf("state = %s, want %s when rollback also fails", final.State, StateFailed)
	}

	found := false
	for _, e := range log.Entries(0) {
		if e.Type == audit.EntryRollback && !e.Success {
			found = true
		}
	}
	if !found {
		t.Error("failed rollback must be audited as unsuccessful")
	}
}

func TestKillSwitchAbortsAndBlocksProject(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	fake := &framework.Fake{Handlers: map[string]func(map[string]any) (map[string]any, error){
		"session_command": func(map[string]any) (map[string]any, error) {
			close(started)
			<-release
			return nil, errors.New("interrupted")
		},
	}}
	g, log := newTestGateway(t, testPolicy(), fake)
	defer close(release)

	inv, err := g.Submit(context.Background(), Request{
		ToolName:    "session_command",
		Inputs:      map[string]any{"session_id": "s1", "command": "id"},
		RequestedBy: "operator@example.com",
		ProjectID:   "prj-1",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	g.KillSwitch("prj-1", "operator emergency stop")
	release <- struct{}{}

	final := settle(t, g, inv.ID)
	if final.State != StateAborted {
		t.Fatalf("state = %s, want %s", final.State, StateAborted)
	}

	// New submissions for the killed project are refused.
	_, err = g.Submit(context.Background(), Request{
		ToolName:    "listener_list",
		Inputs:      map[string]any{},
		RequestedBy: "analyst@example.com",
		ProjectID:   "prj-1",
	})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("want ErrRejected after kill switch, got %v", err)
	}

	found := false
	for _, e := range log.Entries(0) {
		if e.Type == audit.EntryKillSwitch && e.ProjectID == "prj-1" {
			found = true
		}
	}
	if !found {
		t.Error("kill switch must be audited")
	}
}

// narrowingPolicy serves a scope that loses its targets after the first read.
type narrowingPolicy struct {
	*platform.StaticPolicyProvider
	reads int
}

func (n *narrowingPolicy) ScopePolicy(projectID string) (platform.ScopePolicy, error) {
	sp, err := n.StaticPolicyProvider.ScopePolicy(projectID)
	n.reads++
	if n.reads > 1 {
		sp.Targets = nil
	}
	return sp, err
}

func TestScopeRecheckTripsKillSwitch(t *testing.T) {
	fake := &framework.Fake{}
	policy := &narrowingPolicy{StaticPolicyProvider: testPolicy()}
	g, log := newTestGateway(t, policy, fake)

	inv, err := g.Submit(context.Background(), moduleRunRequest("operator@example.com"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final := settle(t, g, inv.ID)
	if final.State != StateAborted {
		t.Fatalf("state = %s, want %s", final.State, StateAborted)
	}

	for _, c := range fake.Calls() {
		if c.Tool == "module_run" {
			t.Error("execution must not reach the framework after scope narrowed")
		}
	}

	found := false
	for _, e := range log.Entries(0) {
		if e.Type == audit.EntryKillSwitch && e.ProjectID == "prj-1" {
			found = true
		}
	}
	if !found {
		t.Error("scope violation at the choke point must engage the kill switch")
	}
}

func TestDeadlineBoundsExecution(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	fake := &framework.Fake{Handlers: map[string]func(map[string]any) (map[string]any, error){
		"listener_start": func(map[string]any) (map[string]any, error) {
			<-release
			return map[string]any{"job_id": "9"}, nil
		},
	}}

	g, log := newTestGateway(t, testPolicy(), fake)

	req := Request{
		ToolName:    "listener_start",
		Inputs:      map[string]any{"payload_path": "generic/handler"},
		RequestedBy: "operator@example.com",
		ProjectID:   "prj-1",
		Deadline:    50 * time.Millisecond,
	}
	inv, err := g.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Unblock the handler after the deadline has long passed.
	time.Sleep(100 * time.Millisecond)
	release <- struct{}{}

	// The timed-out listener_start supports rollback, so the terminal state is
	// /rolled_back, with both the failure and the rollback audited.
	final := settle(t, g, inv.ID)
	if final.State != StateRolledBack {
		t.Fatalf("state = %s, want %s (error: %s)", final.State, StateRolledBack, final.Error)
	}

	var failed, rolledBack bool
	for _, e := range log.Entries(0) {
		if e.Type == audit.EntryInvocationState && e.InvocationID == inv.ID && e.State == string(StateFailed) {
			failed = true
		}
		if e.Type == audit.EntryRollback && e.InvocationID == inv.ID && e.Success {
			rolledBack = true
		}
	}
	if !failed {
		t.Error("deadline expiry must be audited as a failed transition")
	}
	if !rolledBack {
		t.Error("compensating call must be audited")
	}
}

func TestKillSwitchAbortsReadOnlyInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	fake := &framework.Fake{Handlers: map[string]func(map[string]any) (map[string]any, error){
		"module_search": func(map[string]any) (map[string]any, error) {
			close(started)
			<-release
			return map[string]any{"modules": []any{}}, nil
		},
	}}
	g, _ := newTestGateway(t, testPolicy(), fake)

	done := make(chan Invocation, 1)
	go func() {
		inv, _ := g.Submit(context.Background(), Request{
			ToolName:    "module_search",
			Inputs:      map[string]any{"query": "tomcat"},
			RequestedBy: "analyst@example.com",
			ProjectID:   "prj-1",
		})
		done <- inv
	}()
	<-started

	g.KillSwitch("prj-1", "operator emergency stop")
	release <- struct{}{}

	inv := <-done
	if inv.State != StateAborted {
		t.Fatalf("state = %s, want %s (error: %s)", inv.State, StateAborted, inv.Error)
	}
}

func TestRateCapRefreshedFromPolicy(t *testing.T) {
	policy := testPolicy()
	g, _ := newTestGateway(t, policy, &framework.Fake{})

	req := Request{
		ToolName:    "listener_list",
		Inputs:      map[string]any{},
		RequestedBy: "analyst@example.com",
		ProjectID:   "prj-1",
	}
	if _, err := g.Submit(context.Background(), req); err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	// The platform lowers the cap after the project budget already exists.
	p := policy.Projects["prj-1"]
	p.RatePerMinute = 1
	policy.Projects["prj-1"] = p

	if _, err := g.Submit(context.Background(), req); err != nil {
		t.Fatalf("Submit under new cap: %v", err)
	}
	inv, err := g.Submit(context.Background(), req)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("want ErrRejected under lowered cap, got %v", err)
	}
	if inv.Rejection != RejectRateLimited {
		t.Errorf("rejection = %s, want %s", inv.Rejection, RejectRateLimited)
	}
}

func TestStatusSafeDuringValidation(t *testing.T) {
	g, log := newTestGateway(t, testPolicy(), &framework.Fake{})

	// Read every invocation the moment its ID becomes visible on the audit
	// stream, while submissions are still mid-validation.
	ch, cancelSub := log.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			if e.InvocationID != "" {
				_, _ = g.Status(e.InvocationID)
			}
		}
	}()

	for i := 0; i < 20; i++ {
		if _, err := g.Submit(context.Background(), Request{
			ToolName:    "listener_list",
			Inputs:      map[string]any{},
			RequestedBy: "analyst@example.com",
			ProjectID:   "prj-1",
		}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	cancelSub()
	<-done
}

func TestStatusUnknownInvocation(t *testing.T) {
	g, _ := newTestGateway(t, testPolicy(), &framework.Fake{})
	if _, err := g.Status("nope"); !errors.Is(err, ErrInvocationNotFound) {
		t.Fatalf("want ErrInvocationNotFound, got %v", err)
	}
}
