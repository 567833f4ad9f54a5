package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/reviewd/internal/aggregate"
	"github.com/fyrsmithlabs/reviewd/internal/checks"
	"github.com/fyrsmithlabs/reviewd/internal/codehost"
	"github.com/fyrsmithlabs/reviewd/internal/config"
	"github.com/fyrsmithlabs/reviewd/internal/logging"
	"github.com/fyrsmithlabs/reviewd/internal/store"
	"github.com/fyrsmithlabs/reviewd/internal/ticket"
	"github.com/fyrsmithlabs/reviewd/internal/workflow"
)

type fakeChecker struct {
	name    string
	outcome checks.Outcome
	err     error

	mu    sync.Mutex
	calls int
}

func (f *fakeChecker) Name() string { return f.name }

func (f *fakeChecker) Run(ctx context.Context, ref checks.ChangeRef) (checks.Outcome, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.outcome, f.err
}

func (f *fakeChecker) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// gateChecker holds one revision's check open until released; checks for
// other revisions block until their context ends.
type gateChecker struct {
	name     string
	revision string
	entered  chan struct{}
	release  chan struct{}
}

func (g *gateChecker) Name() string { return g.name }

func (g *gateChecker) Run(ctx context.Context, ref checks.ChangeRef) (checks.Outcome, error) {
	if ref.Revision != g.revision {
		<-ctx.Done()
		return checks.Outcome{}, ctx.Err()
	}
	g.entered <- struct{}{}
	<-g.release
	return checks.Outcome{Verdict: checks.VerdictPass}, nil
}

// blockingChecker never answers; it waits out its context.
type blockingChecker struct {
	name string
}

func (b *blockingChecker) Name() string { return b.name }

func (b *blockingChecker) Run(ctx context.Context, ref checks.ChangeRef) (checks.Outcome, error) {
	<-ctx.Done()
	return checks.Outcome{}, ctx.Err()
}

type fakeHost struct {
	mu       sync.Mutex
	statuses []codehost.StatusState
	comments []string
	merged   bool
}

func (f *fakeHost) ChangedPaths(ctx context.Context, repository, changeID string) ([]string, error) {
	return []string{"internal/service/handler.go"}, nil
}

func (f *fakeHost) SetStatus(ctx context.Context, repository, revision string, state codehost.StatusState, summary, targetURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, state)
	return nil
}

func (f *fakeHost) UpsertComment(ctx context.Context, repository, changeID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, body)
	return nil
}

func (f *fakeHost) Merge(ctx context.Context, repository, changeID, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged = true
	return nil
}

func (f *fakeHost) ChangeURL(repository, changeID string) string {
	return "https://example.test/" + repository + "/pull/" + changeID
}

func (f *fakeHost) Merged() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.merged
}

func (f *fakeHost) LastStatus() codehost.StatusState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return ""
	}
	return f.statuses[len(f.statuses)-1]
}

type fakeTickets struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeTickets) FileTicket(ctx context.Context, inst *workflow.Instance, report aggregate.Report, changeURL, runURL string) (ticket.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return ticket.Result{Status: ticket.StatusFailure}, f.err
	}
	return ticket.Result{
		Ticket: &workflow.Ticket{ExternalKey: "REV-1", InstanceKey: inst.Key(), WorkflowID: inst.ID},
		Status: ticket.StatusSuccess,
	}, nil
}

func (f *fakeTickets) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	engine  *Engine
	store   *store.Store
	host    *fakeHost
	tickets *fakeTickets
}

func newHarness(t *testing.T, steps []config.StepConfig, checkers ...checks.Checker) *harness {
	t.Helper()
	cfg := config.PipelineConfig{
		Steps:                steps,
		WorkflowDeadline:     config.Duration(time.Hour),
		Review:               config.ReviewConfig{Deadline: config.Duration(time.Hour), MinApprovals: 1},
		MaxConcurrentPerRepo: 4,
	}
	return newHarnessCfg(t, cfg, checkers...)
}

func newHarnessCfg(t *testing.T, cfg config.PipelineConfig, checkers ...checks.Checker) *harness {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "state.jsonl"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	registry := checks.NewRegistry()
	for _, c := range checkers {
		registry.Register(c)
	}

	host := &fakeHost{}
	tickets := &fakeTickets{}
	eng := New(cfg, "http://reviewd.test", registry, st, host, tickets, logging.NewTestLogger().Logger, nil)
	t.Cleanup(eng.Close)

	return &harness{engine: eng, store: st, host: host, tickets: tickets}
}

func checkerSteps(names ...string) []config.StepConfig {
	steps := make([]config.StepConfig, 0, len(names))
	for _, n := range names {
		steps = append(steps, config.StepConfig{
			Name: n, Required: true, Timeout: config.Duration(5 * time.Second),
		})
	}
	return steps
}

func event(revision string) *workflow.ChangeEvent {
	return &workflow.ChangeEvent{
		Repository:   "acme/api",
		ChangeID:     "42",
		Revision:     revision,
		Author:       workflow.AuthorIdentity{Username: "dev", Email: "dev@acme.test"},
		ChangedPaths: []string{"internal/service/handler.go"},
	}
}

func (h *harness) waitTerminal(t *testing.T, id string) *workflow.Instance {
	t.Helper()
	var inst *workflow.Instance
	require.Eventually(t, func() bool {
		got, err := h.store.InstanceByID(id)
		if err != nil {
			return false
		}
		inst = got
		return inst.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return inst
}

func (h *harness) waitStatus(t *testing.T, id string, status workflow.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		inst, err := h.store.InstanceByID(id)
		return err == nil && inst.Status == status
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEngine_ApprovesWhenAllStepsPass(t *testing.T) {
	h := newHarness(t, checkerSteps("StandardsCheck", "ArchitectureCheck"),
		&fakeChecker{name: "StandardsCheck", outcome: checks.Outcome{Verdict: checks.VerdictPass}},
		&fakeChecker{name: "ArchitectureCheck", outcome: checks.Outcome{Verdict: checks.VerdictPass}},
	)

	id, err := h.engine.Start(context.Background(), event("rev1"))
	require.NoError(t, err)

	inst := h.waitTerminal(t, id)
	assert.Equal(t, workflow.StatusCompleted, inst.Status)
	assert.Equal(t, workflow.ResultApproved, inst.Result)
	assert.True(t, h.host.Merged())
	assert.Equal(t, codehost.StatusSuccess, h.host.LastStatus())
	assert.Equal(t, 0, h.tickets.Calls())
}

func TestEngine_FailFastBlocksAndFilesTicket(t *testing.T) {
	second := &fakeChecker{name: "ArchitectureCheck", outcome: checks.Outcome{Verdict: checks.VerdictPass}}
	h := newHarness(t, checkerSteps("StandardsCheck", "ArchitectureCheck"),
		&fakeChecker{name: "StandardsCheck", outcome: checks.Outcome{
			Verdict: checks.VerdictFail,
			Findings: []workflow.Finding{
				{SourceStep: "StandardsCheck", Severity: workflow.SeverityMajor, Message: "naming violation"},
			},
		}},
		second,
	)

	id, err := h.engine.Start(context.Background(), event("rev1"))
	require.NoError(t, err)

	inst := h.waitTerminal(t, id)
	assert.Equal(t, workflow.StatusBlocked, inst.Status)
	assert.Equal(t, workflow.ResultBlocked, inst.Result)
	assert.Equal(t, "REV-1", inst.TicketKey)
	assert.Equal(t, 1, h.tickets.Calls())
	assert.Equal(t, 0, second.Calls(), "later steps must not run after a failure")
	assert.False(t, h.host.Merged())
	assert.Equal(t, codehost.StatusFailure, h.host.LastStatus())
}

func TestEngine_CheckerErrorTimesOutStep(t *testing.T) {
	h := newHarness(t, checkerSteps("StandardsCheck"),
		&fakeChecker{name: "StandardsCheck", err: context.DeadlineExceeded},
	)

	id, err := h.engine.Start(context.Background(), event("rev1"))
	require.NoError(t, err)

	inst := h.waitTerminal(t, id)
	assert.Equal(t, workflow.StatusBlocked, inst.Status)
	res := inst.StepResultFor("StandardsCheck")
	require.NotNil(t, res)
	assert.Equal(t, workflow.StepTimedOut, res.Status)
	assert.Equal(t, 1, h.tickets.Calls())
}

func TestEngine_ConditionalStepSkippedWithoutHint(t *testing.T) {
	conditional := &fakeChecker{name: "DesignAlignmentCheck", outcome: checks.Outcome{Verdict: checks.VerdictPass}}
	steps := []config.StepConfig{
		{Name: "ArchitectureCheck", Required: true, Timeout: config.Duration(5 * time.Second)},
		{Name: "DesignAlignmentCheck", Required: true, Timeout: config.Duration(5 * time.Second), Condition: "hint:novel_pattern"},
	}
	h := newHarness(t, steps,
		&fakeChecker{name: "ArchitectureCheck", outcome: checks.Outcome{Verdict: checks.VerdictPass}},
		conditional,
	)

	id, err := h.engine.Start(context.Background(), event("rev1"))
	require.NoError(t, err)

	inst := h.waitTerminal(t, id)
	assert.Equal(t, workflow.StatusCompleted, inst.Status)
	assert.Equal(t, workflow.PathFast, inst.Path)
	assert.Equal(t, 0, conditional.Calls())

	res := inst.StepResultFor("DesignAlignmentCheck")
	require.NotNil(t, res)
	assert.Equal(t, workflow.StepSkipped, res.Status)
}

func TestEngine_ConditionalStepRunsOnHint(t *testing.T) {
	conditional := &fakeChecker{name: "DesignAlignmentCheck", outcome: checks.Outcome{Verdict: checks.VerdictPass}}
	steps := []config.StepConfig{
		{Name: "ArchitectureCheck", Required: true, Timeout: config.Duration(5 * time.Second)},
		{Name: "DesignAlignmentCheck", Required: true, Timeout: config.Duration(5 * time.Second), Condition: "hint:novel_pattern"},
	}
	h := newHarness(t, steps,
		&fakeChecker{name: "ArchitectureCheck", outcome: checks.Outcome{
			Verdict: checks.VerdictPass,
			Hint:    "novel_pattern",
		}},
		conditional,
	)

	id, err := h.engine.Start(context.Background(), event("rev1"))
	require.NoError(t, err)

	inst := h.waitTerminal(t, id)
	assert.Equal(t, workflow.StatusCompleted, inst.Status)
	assert.Equal(t, workflow.PathFull, inst.Path)
	assert.Equal(t, 1, conditional.Calls())
}

func reviewSteps() []config.StepConfig {
	return []config.StepConfig{
		{Name: "StandardsCheck", Required: true, Timeout: config.Duration(5 * time.Second)},
		{Name: config.HumanReviewStep, Required: true, Timeout: config.Duration(time.Hour)},
	}
}

func TestEngine_ReviewApprovalCompletes(t *testing.T) {
	h := newHarness(t, reviewSteps(),
		&fakeChecker{name: "StandardsCheck", outcome: checks.Outcome{Verdict: checks.VerdictPass}},
	)

	id, err := h.engine.Start(context.Background(), event("rev1"))
	require.NoError(t, err)
	h.waitStatus(t, id, workflow.StatusWaitingReview)

	err = h.engine.SubmitReview(context.Background(), id, workflow.ReviewEvent{
		Reviewer: "alice", Approved: true,
	})
	require.NoError(t, err)

	inst := h.waitTerminal(t, id)
	assert.Equal(t, workflow.StatusCompleted, inst.Status)
	assert.Equal(t, workflow.ResultApproved, inst.Result)
	assert.True(t, h.host.Merged())
	require.NotNil(t, inst.Review)
	assert.Equal(t, 1, inst.Review.Approvals())
}

func TestEngine_ReviewRejectionBlocks(t *testing.T) {
	h := newHarness(t, reviewSteps(),
		&fakeChecker{name: "StandardsCheck", outcome: checks.Outcome{Verdict: checks.VerdictPass}},
	)

	id, err := h.engine.Start(context.Background(), event("rev1"))
	require.NoError(t, err)
	h.waitStatus(t, id, workflow.StatusWaitingReview)

	err = h.engine.SubmitReview(context.Background(), id, workflow.ReviewEvent{
		Reviewer: "bob", Approved: false, Comment: "needs a migration plan",
	})
	require.NoError(t, err)

	inst := h.waitTerminal(t, id)
	assert.Equal(t, workflow.StatusBlocked, inst.Status)
	assert.Equal(t, workflow.ResultBlocked, inst.Result)
	assert.False(t, h.host.Merged())
	assert.Equal(t, 1, h.tickets.Calls())

	res := inst.StepResultFor(config.HumanReviewStep)
	require.NotNil(t, res)
	assert.Equal(t, workflow.StepFail, res.Status)
	require.NotEmpty(t, res.Findings)
	assert.Contains(t, res.Findings[0].Message, "bob")
}

func TestEngine_SupersessionCancelsActiveInstance(t *testing.T) {
	h := newHarness(t, reviewSteps(),
		&fakeChecker{name: "StandardsCheck", outcome: checks.Outcome{Verdict: checks.VerdictPass}},
	)

	oldID, err := h.engine.Start(context.Background(), event("rev1"))
	require.NoError(t, err)
	h.waitStatus(t, oldID, workflow.StatusWaitingReview)

	newID, err := h.engine.Start(context.Background(), event("rev2"))
	require.NoError(t, err)
	require.NotEqual(t, oldID, newID)

	old := h.waitTerminal(t, oldID)
	assert.Equal(t, workflow.StatusFailed, old.Status)
	assert.Equal(t, workflow.FailureSuperseded, old.FailureReason)
	assert.Empty(t, old.TicketKey)
	assert.Equal(t, 0, h.tickets.Calls(), "superseded instances must not file tickets")

	h.waitStatus(t, newID, workflow.StatusWaitingReview)
}

func TestEngine_SupersededDuringFinalStepDoesNotApprove(t *testing.T) {
	gate := &gateChecker{
		name:     "StandardsCheck",
		revision: "rev1",
		entered:  make(chan struct{}, 1),
		release:  make(chan struct{}),
	}
	h := newHarness(t, checkerSteps("StandardsCheck"), gate)

	oldID, err := h.engine.Start(context.Background(), event("rev1"))
	require.NoError(t, err)
	<-gate.entered // the old run is inside its last checker call

	newID, err := h.engine.Start(context.Background(), event("rev2"))
	require.NoError(t, err)
	require.NotEqual(t, oldID, newID)

	// The in-flight check now returns a pass; the run must still end
	// superseded, not approved.
	close(gate.release)

	old := h.waitTerminal(t, oldID)
	assert.Equal(t, workflow.StatusFailed, old.Status)
	assert.Equal(t, workflow.FailureSuperseded, old.FailureReason)
	assert.NotEqual(t, workflow.ResultApproved, old.Result)
	assert.False(t, h.host.Merged(), "superseded instances must not merge")
	assert.NotEqual(t, codehost.StatusSuccess, h.host.LastStatus())
	assert.Equal(t, 0, h.tickets.Calls())
}

func TestEngine_WorkflowDeadlineTimesOutPendingStep(t *testing.T) {
	cfg := config.PipelineConfig{
		Steps:                checkerSteps("StandardsCheck"),
		WorkflowDeadline:     config.Duration(100 * time.Millisecond),
		Review:               config.ReviewConfig{Deadline: config.Duration(time.Hour), MinApprovals: 1},
		MaxConcurrentPerRepo: 4,
	}
	h := newHarnessCfg(t, cfg, &blockingChecker{name: "StandardsCheck"})

	id, err := h.engine.Start(context.Background(), event("rev1"))
	require.NoError(t, err)

	inst := h.waitTerminal(t, id)
	assert.Equal(t, workflow.StatusBlocked, inst.Status)
	assert.Equal(t, workflow.ResultBlocked, inst.Result)

	res := inst.StepResultFor("StandardsCheck")
	require.NotNil(t, res)
	assert.Equal(t, workflow.StepTimedOut, res.Status)
	assert.Equal(t, 1, h.tickets.Calls())
	assert.False(t, h.host.Merged())
}

func TestEngine_RedeliveryReturnsExistingInstance(t *testing.T) {
	h := newHarness(t, reviewSteps(),
		&fakeChecker{name: "StandardsCheck", outcome: checks.Outcome{Verdict: checks.VerdictPass}},
	)

	first, err := h.engine.Start(context.Background(), event("rev1"))
	require.NoError(t, err)
	h.waitStatus(t, first, workflow.StatusWaitingReview)

	second, err := h.engine.Start(context.Background(), event("rev1"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEngine_DraftsAreIgnored(t *testing.T) {
	h := newHarness(t, checkerSteps("StandardsCheck"),
		&fakeChecker{name: "StandardsCheck", outcome: checks.Outcome{Verdict: checks.VerdictPass}},
	)

	ev := event("rev1")
	ev.IsDraft = true
	_, err := h.engine.Start(context.Background(), ev)
	assert.ErrorIs(t, err, ErrDraftChange)
	assert.Empty(t, h.store.ListInstances())
}

func TestEngine_TicketFailurePostsDeclineComment(t *testing.T) {
	h := newHarness(t, checkerSteps("StandardsCheck"),
		&fakeChecker{name: "StandardsCheck", outcome: checks.Outcome{
			Verdict: checks.VerdictFail,
			Findings: []workflow.Finding{
				{SourceStep: "StandardsCheck", Severity: workflow.SeverityCritical, Message: "hardcoded credential"},
			},
		}},
	)
	h.tickets.err = context.DeadlineExceeded

	id, err := h.engine.Start(context.Background(), event("rev1"))
	require.NoError(t, err)

	inst := h.waitTerminal(t, id)
	assert.Equal(t, workflow.StatusBlocked, inst.Status)
	assert.Empty(t, inst.TicketKey)

	h.host.mu.Lock()
	defer h.host.mu.Unlock()
	require.NotEmpty(t, h.host.comments)
	assert.Contains(t, h.host.comments[len(h.host.comments)-1], "ticket could not be filed")
}

func TestEngine_SubmitReviewOnTerminalWorkflowFails(t *testing.T) {
	h := newHarness(t, checkerSteps("StandardsCheck"),
		&fakeChecker{name: "StandardsCheck", outcome: checks.Outcome{Verdict: checks.VerdictPass}},
	)

	id, err := h.engine.Start(context.Background(), event("rev1"))
	require.NoError(t, err)
	h.waitTerminal(t, id)

	err = h.engine.SubmitReview(context.Background(), id, workflow.ReviewEvent{Reviewer: "alice", Approved: true})
	assert.ErrorIs(t, err, ErrNotWaitingReview)
}

func TestEngine_SubmitReviewBeforeParkFails(t *testing.T) {
	gate := &gateChecker{
		name:     "StandardsCheck",
		revision: "rev1",
		entered:  make(chan struct{}, 1),
		release:  make(chan struct{}),
	}
	h := newHarness(t, reviewSteps(), gate)

	id, err := h.engine.Start(context.Background(), event("rev1"))
	require.NoError(t, err)
	<-gate.entered // in progress, not yet parked for review

	err = h.engine.SubmitReview(context.Background(), id, workflow.ReviewEvent{Reviewer: "alice", Approved: true})
	assert.ErrorIs(t, err, ErrNotWaitingReview)

	// Once parked, the same submission is accepted.
	close(gate.release)
	h.waitStatus(t, id, workflow.StatusWaitingReview)
	err = h.engine.SubmitReview(context.Background(), id, workflow.ReviewEvent{Reviewer: "alice", Approved: true})
	require.NoError(t, err)
	h.waitTerminal(t, id)
}

func TestEngine_ResumeRelaunchesNonTerminal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.jsonl")

	st, err := store.Open(path, nil)
	require.NoError(t, err)
	inst := &workflow.Instance{
		ID:           "wf-resume",
		Repository:   "acme/api",
		ChangeID:     "42",
		HeadRevision: "rev1",
		Status:       workflow.StatusInProgress,
		Path:         workflow.PathFull,
		StartedAt:    time.Now().UTC(),
		Deadline:     time.Now().UTC().Add(time.Hour),
		Steps: []workflow.StepResult{
			{StepName: "StandardsCheck", Status: workflow.StepPass},
		},
	}
	require.NoError(t, st.SaveInstance(context.Background(), inst))
	require.NoError(t, st.Close())

	st2, err := store.Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st2.Close() })

	second := &fakeChecker{name: "ArchitectureCheck", outcome: checks.Outcome{Verdict: checks.VerdictPass}}
	first := &fakeChecker{name: "StandardsCheck", outcome: checks.Outcome{Verdict: checks.VerdictPass}}
	registry := checks.NewRegistry()
	registry.Register(first)
	registry.Register(second)

	cfg := config.PipelineConfig{
		Steps:                checkerSteps("StandardsCheck", "ArchitectureCheck"),
		WorkflowDeadline:     config.Duration(time.Hour),
		Review:               config.ReviewConfig{Deadline: config.Duration(time.Hour), MinApprovals: 1},
		MaxConcurrentPerRepo: 4,
	}
	host := &fakeHost{}
	eng := New(cfg, "", registry, st2, host, &fakeTickets{}, logging.NewTestLogger().Logger, nil)
	t.Cleanup(eng.Close)

	resumed := eng.Resume(context.Background())
	assert.Equal(t, 1, resumed)

	require.Eventually(t, func() bool {
		got, err := st2.InstanceByID("wf-resume")
		return err == nil && got.Status == workflow.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	// The already recorded step is not re-executed.
	assert.Equal(t, 0, first.Calls())
	assert.Equal(t, 1, second.Calls())
}
