// Package engine runs the review pipeline: it owns workflow instances from
// the inbound change event through checker steps, human review, and the
// final merge decision. One goroutine drives each instance; the engine
// enforces the single-active-instance rule per change, fail-fast on step
// failure, per-repository concurrency caps, and resume of in-flight
// instances after a restart.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewd/internal/aggregate"
	"github.com/fyrsmithlabs/reviewd/internal/checks"
	"github.com/fyrsmithlabs/reviewd/internal/codehost"
	"github.com/fyrsmithlabs/reviewd/internal/config"
	"github.com/fyrsmithlabs/reviewd/internal/logging"
	"github.com/fyrsmithlabs/reviewd/internal/sla"
	"github.com/fyrsmithlabs/reviewd/internal/store"
	"github.com/fyrsmithlabs/reviewd/internal/ticket"
	"github.com/fyrsmithlabs/reviewd/internal/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/reviewd/internal/engine"

// stepWorkflow is the monitor entry name for the whole-workflow deadline.
const stepWorkflow = "workflow"

// actionTimeout bounds terminal host and tracker actions, which run on a
// fresh context because the instance context may already be dead.
const actionTimeout = 2 * time.Minute

var (
	// ErrDraftChange is returned for draft changes, which are not reviewed
	// until marked ready.
	ErrDraftChange = errors.New("draft changes are not reviewed")

	// ErrNotWaitingReview is returned when a review is submitted for an
	// instance that is not parked in WaitingReview.
	ErrNotWaitingReview = errors.New("workflow is not waiting for review")
)

// CodeHost is the slice of the code-host client the engine needs.
type CodeHost interface {
	ChangedPaths(ctx context.Context, repository, changeID string) ([]string, error)
	SetStatus(ctx context.Context, repository, revision string, state codehost.StatusState, summary, targetURL string) error
	UpsertComment(ctx context.Context, repository, changeID, body string) error
	Merge(ctx context.Context, repository, changeID, summary string) error
	ChangeURL(repository, changeID string) string
}

// TicketFiler files tickets for blocked instances.
type TicketFiler interface {
	FileTicket(ctx context.Context, inst *workflow.Instance, report aggregate.Report, changeURL, runURL string) (ticket.Result, error)
}

// AlarmFunc receives operational alarms (SLA escalations, merge failures).
type AlarmFunc func(ctx context.Context, reason string, err error)

// run is the engine-side handle for one live instance. The instance itself
// is owned by its goroutine; other goroutines only touch the immutable
// identifiers and the channels.
type run struct {
	id        string
	key       string
	changeKey string

	inst   *workflow.Instance
	cancel context.CancelFunc

	superseded atomic.Bool

	reviewCh chan workflow.ReviewEvent
	breachCh chan struct{}
}

// reviewOutcome is how a human-review park resolved.
type reviewOutcome int

const (
	reviewApproved reviewOutcome = iota
	reviewRejected
	reviewTimedOut
	reviewInterrupted
)

// Engine orchestrates review workflow instances.
type Engine struct {
	cfg     config.PipelineConfig
	baseURL string

	registry *checks.Registry
	store    *store.Store
	monitor  *sla.Monitor
	host     CodeHost
	tickets  TicketFiler
	logger   *logging.Logger
	alarm    AlarmFunc

	tracer            trace.Tracer
	startedCounter    metric.Int64Counter
	completedCounter  metric.Int64Counter
	blockedCounter    metric.Int64Counter
	supersededCounter metric.Int64Counter

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu        sync.Mutex
	runs      map[string]*run   // by workflow ID
	byChange  map[string]string // change key -> workflow ID
	repoSlots map[string]chan struct{}
}

// New creates an engine and starts its SLA event consumer. baseURL is the
// externally reachable address used in workflow-run links; empty disables
// run links.
func New(cfg config.PipelineConfig, baseURL string, registry *checks.Registry, st *store.Store, host CodeHost, tickets TicketFiler, logger *logging.Logger, alarm AlarmFunc) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		baseURL:    baseURL,
		registry:   registry,
		store:      st,
		monitor:    sla.NewMonitor(logger),
		host:       host,
		tickets:    tickets,
		logger:     logger.Named("engine"),
		alarm:      alarm,
		tracer:     otel.Tracer(instrumentationName),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		runs:       make(map[string]*run),
		byChange:   make(map[string]string),
		repoSlots:  make(map[string]chan struct{}),
	}
	e.initMetrics()
	e.wg.Add(1)
	go e.consumeSLAEvents()
	return e
}

// initMetrics initializes OpenTelemetry metrics.
func (e *Engine) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error

	e.startedCounter, err = meter.Int64Counter(
		"reviewd.workflows.started_total",
		metric.WithDescription("Total number of workflow instances started"),
		metric.WithUnit("{workflow}"),
	)
	if err != nil {
		e.logger.Warn(context.Background(), "failed to create started counter", zap.Error(err))
	}

	e.completedCounter, err = meter.Int64Counter(
		"reviewd.workflows.completed_total",
		metric.WithDescription("Total number of workflow instances completed with approval"),
		metric.WithUnit("{workflow}"),
	)
	if err != nil {
		e.logger.Warn(context.Background(), "failed to create completed counter", zap.Error(err))
	}

	e.blockedCounter, err = meter.Int64Counter(
		"reviewd.workflows.blocked_total",
		metric.WithDescription("Total number of workflow instances blocked"),
		metric.WithUnit("{workflow}"),
	)
	if err != nil {
		e.logger.Warn(context.Background(), "failed to create blocked counter", zap.Error(err))
	}

	e.supersededCounter, err = meter.Int64Counter(
		"reviewd.workflows.superseded_total",
		metric.WithDescription("Total number of workflow instances cancelled by a newer revision"),
		metric.WithUnit("{workflow}"),
	)
	if err != nil {
		e.logger.Warn(context.Background(), "failed to create superseded counter", zap.Error(err))
	}
}

// Start begins a workflow instance for a change event. A newer event for a
// change supersedes any active instance for the same change; redelivery of
// the same revision returns the existing instance instead of starting a new
// one. Draft changes return ErrDraftChange.
func (e *Engine) Start(ctx context.Context, ev *workflow.ChangeEvent) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.start")
	defer span.End()

	if ev.IsDraft {
		return "", ErrDraftChange
	}
	if ev.Repository == "" || ev.ChangeID == "" || ev.Revision == "" {
		return "", fmt.Errorf("change event missing repository, change id, or revision")
	}

	key := workflow.InstanceKey(ev.Repository, ev.ChangeID, ev.Revision)
	changeKey := workflow.ChangeKey(ev.Repository, ev.ChangeID)
	span.SetAttributes(attribute.String("instance_key", key))

	e.mu.Lock()
	var supersededLive string
	if id, ok := e.byChange[changeKey]; ok {
		r := e.runs[id]
		if r != nil && r.key == key {
			e.mu.Unlock()
			e.logger.Info(ctx, "event redelivered for active revision, reusing instance",
				zap.String("workflow_id", id),
			)
			return id, nil
		}
		if r != nil {
			e.supersedeLocked(ctx, r)
			supersededLive = r.id
		}
	}
	e.mu.Unlock()

	// An active persisted instance with no live run (crash before resume,
	// or resume raced with this event) is superseded directly in the store.
	// A run cancelled above finalizes its own record and counts itself.
	if prev, ok := e.store.ActiveForChange(changeKey); ok && prev.Key() != key {
		if prev.ID != supersededLive {
			e.failSuperseded(ctx, prev)
		}
	} else if ok && prev.Key() == key {
		return prev.ID, nil
	}

	paths := ev.ChangedPaths
	if len(paths) == 0 {
		fetched, err := e.host.ChangedPaths(ctx, ev.Repository, ev.ChangeID)
		if err != nil {
			e.logger.Warn(ctx, "failed to list changed paths, continuing without",
				zap.Error(err),
			)
		} else {
			paths = fetched
		}
	}

	now := time.Now().UTC()
	inst := &workflow.Instance{
		ID:           uuid.NewString(),
		Repository:   ev.Repository,
		ChangeID:     ev.ChangeID,
		HeadRevision: ev.Revision,
		Author:       ev.Author,
		ChangedPaths: paths,
		Status:       workflow.StatusPending,
		Path:         workflow.PathFull,
		StartedAt:    now,
		Deadline:     now.Add(e.cfg.WorkflowDeadline.Duration()),
	}
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return "", fmt.Errorf("failed to persist new instance: %w", err)
	}

	e.launch(inst)
	e.count(ctx, e.startedCounter)
	e.logger.Info(ctx, "workflow started",
		zap.String("workflow_id", inst.ID),
		zap.String("repository", inst.Repository),
		zap.String("change_id", inst.ChangeID),
		zap.String("revision", inst.HeadRevision),
	)
	return inst.ID, nil
}

// Resume relaunches every non-terminal persisted instance. Called once at
// startup, before the webhook listener begins accepting events.
func (e *Engine) Resume(ctx context.Context) int {
	resumed := 0
	for _, inst := range e.store.NonTerminal() {
		e.mu.Lock()
		_, live := e.byChange[inst.ChangeKey()]
		e.mu.Unlock()
		if live {
			continue
		}
		e.launch(inst)
		resumed++
		e.logger.Info(ctx, "workflow resumed",
			zap.String("workflow_id", inst.ID),
			zap.String("status", string(inst.Status)),
		)
	}
	return resumed
}

// launch registers a run for the instance and starts its goroutine.
func (e *Engine) launch(inst *workflow.Instance) {
	runCtx, cancel := context.WithDeadline(e.rootCtx, inst.Deadline)
	r := &run{
		id:        inst.ID,
		key:       inst.Key(),
		changeKey: inst.ChangeKey(),
		inst:      inst,
		cancel:    cancel,
		reviewCh:  make(chan workflow.ReviewEvent, 8),
		breachCh:  make(chan struct{}, 1),
	}

	e.mu.Lock()
	e.runs[r.id] = r
	e.byChange[r.changeKey] = r.id
	e.mu.Unlock()

	e.monitor.Schedule(r.id, stepWorkflow, inst.Deadline)

	e.wg.Add(1)
	go e.runInstance(runCtx, r)
}

// SubmitReview delivers a human review to an instance parked in
// WaitingReview. Any other state, live run or not, returns
// ErrNotWaitingReview.
func (e *Engine) SubmitReview(ctx context.Context, workflowID string, ev workflow.ReviewEvent) error {
	inst, err := e.store.InstanceByID(workflowID)
	if err != nil {
		return fmt.Errorf("unknown workflow %s: %w", workflowID, err)
	}
	e.mu.Lock()
	r, ok := e.runs[workflowID]
	e.mu.Unlock()
	if !ok || inst.Status != workflow.StatusWaitingReview {
		return fmt.Errorf("workflow %s is %s: %w", workflowID, inst.Status, ErrNotWaitingReview)
	}
	if ev.SubmittedAt.IsZero() {
		ev.SubmittedAt = time.Now().UTC()
	}
	select {
	case r.reviewCh <- ev:
		return nil
	default:
		return fmt.Errorf("review queue full for workflow %s", workflowID)
	}
}

// Instance returns a snapshot of the instance with the given workflow ID.
func (e *Engine) Instance(id string) (*workflow.Instance, error) {
	return e.store.InstanceByID(id)
}

// Instances returns snapshots of all known instances.
func (e *Engine) Instances() []*workflow.Instance {
	return e.store.ListInstances()
}

// Close stops all in-flight runs and the SLA consumer. In-flight instances
// stay persisted in their current state and resume on next start.
func (e *Engine) Close() {
	e.rootCancel()
	e.monitor.Close()
	e.wg.Wait()
}

// runInstance drives one instance from its current persisted state to a
// terminal status. Already recorded steps are skipped, which is what makes
// resume after restart work.
func (e *Engine) runInstance(ctx context.Context, r *run) {
	defer e.wg.Done()
	defer e.cleanup(r)

	ctx = logging.WithWorkflowID(ctx, r.id)
	inst := r.inst

	if !e.acquireRepoSlot(ctx, r) {
		e.finishInterrupted(ctx, r, "")
		return
	}
	defer e.releaseRepoSlot(inst.Repository)

	if inst.Status == workflow.StatusPending {
		inst.Status = workflow.StatusInProgress
		if err := e.store.SaveInstance(ctx, inst); err != nil {
			e.logger.Error(ctx, "failed to persist in_progress transition", zap.Error(err))
		}
		e.setStatus(ctx, inst, codehost.StatusPending, "review pipeline running")
	}

	prevHint := lastExecutedHint(inst.Steps)
	for _, sc := range e.cfg.Steps {
		if existing := inst.StepResultFor(sc.Name); existing != nil {
			switch existing.Status {
			case workflow.StepPass:
				prevHint = existing.Hint
			case workflow.StepFail, workflow.StepTimedOut:
				// Crash window between recording the failure and acting
				// on it: finish the blocked path now.
				e.finishBlocked(ctx, r)
				return
			}
			continue
		}

		if ctx.Err() != nil {
			e.finishInterrupted(ctx, r, sc.Name)
			return
		}

		if sc.Name == config.HumanReviewStep {
			switch e.parkForReview(ctx, r) {
			case reviewApproved:
				continue
			case reviewRejected, reviewTimedOut:
				e.finishBlocked(ctx, r)
				return
			case reviewInterrupted:
				e.finishInterrupted(ctx, r, sc.Name)
				return
			}
		}

		if !predicateMet(sc.Condition, prevHint) {
			inst.Steps = append(inst.Steps, workflow.StepResult{
				StepName: sc.Name,
				Status:   workflow.StepSkipped,
			})
			inst.Path = workflow.PathFast
			if err := e.store.SaveInstance(ctx, inst); err != nil {
				e.logger.Error(ctx, "failed to persist skipped step", zap.Error(err))
			}
			e.logger.Info(ctx, "step skipped, condition not met",
				zap.String("step", sc.Name),
				zap.String("condition", sc.Condition),
			)
			continue
		}

		res := e.executeStep(ctx, r, sc)
		inst.Steps = append(inst.Steps, res)
		if err := e.store.SaveInstance(ctx, inst); err != nil {
			e.logger.Error(ctx, "failed to persist step result", zap.Error(err))
		}

		switch res.Status {
		case workflow.StepPass:
			prevHint = res.Hint
		case workflow.StepFail, workflow.StepTimedOut:
			if ctx.Err() != nil && !r.superseded.Load() && ctx.Err() != context.DeadlineExceeded {
				// Shutdown, not a real timeout: leave the instance for resume.
				e.finishInterrupted(ctx, r, sc.Name)
				return
			}
			e.finishBlocked(ctx, r)
			return
		}
	}

	e.finishApproved(ctx, r)
}

// executeStep invokes the checker for one step under the step's timeout and
// maps the outcome (or the failure to obtain one) onto a step result.
func (e *Engine) executeStep(ctx context.Context, r *run, sc config.StepConfig) workflow.StepResult {
	ctx, span := e.tracer.Start(ctx, "engine.step",
		trace.WithAttributes(attribute.String("step", sc.Name)))
	defer span.End()

	inst := r.inst
	deadline := time.Now().Add(sc.Timeout.Duration())
	e.monitor.Schedule(r.id, sc.Name, deadline)
	defer e.monitor.Cancel(r.id, sc.Name)

	stepCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	started := time.Now()
	res := workflow.StepResult{StepName: sc.Name}

	checker, err := e.registry.Lookup(sc.Name)
	if err != nil {
		// A declared step with no checker cannot produce a verdict; the
		// change must not slip through unreviewed.
		e.logger.Error(ctx, "no checker for configured step", zap.String("step", sc.Name), zap.Error(err))
		res.Status = workflow.StepTimedOut
		res.Duration = time.Since(started)
		return res
	}

	outcome, err := checker.Run(stepCtx, checks.ChangeRef{
		Repository:   inst.Repository,
		ChangeID:     inst.ChangeID,
		Revision:     inst.HeadRevision,
		ChangedPaths: inst.ChangedPaths,
	})
	res.Duration = time.Since(started)

	if err != nil {
		// The gateway already retried transients; whatever is left means no
		// verdict was obtained within the step's window.
		e.logger.Warn(ctx, "step did not produce a verdict",
			zap.String("step", sc.Name),
			zap.Duration("duration", res.Duration),
			zap.Error(err),
		)
		res.Status = workflow.StepTimedOut
		return res
	}

	res.Findings = outcome.Findings
	res.Hint = outcome.Hint
	if outcome.Verdict == checks.VerdictPass {
		res.Status = workflow.StepPass
	} else {
		res.Status = workflow.StepFail
	}
	e.logger.Info(ctx, "step finished",
		zap.String("step", sc.Name),
		zap.String("status", string(res.Status)),
		zap.Int("findings", len(res.Findings)),
		zap.Duration("duration", res.Duration),
	)
	return res
}

// parkForReview transitions the instance to WaitingReview and blocks until
// the review resolves, the review deadline breaches, or the run is
// interrupted. Records the review step result before returning.
func (e *Engine) parkForReview(ctx context.Context, r *run) reviewOutcome {
	inst := r.inst
	minApprovals := e.cfg.Review.MinApprovals

	if inst.Review == nil {
		inst.Review = &workflow.ReviewState{StartedAt: time.Now().UTC()}
	}

	// Already resolved (resume after crash during the terminal actions).
	if out, done := resolvedReview(inst.Review, minApprovals); done {
		e.recordReviewStep(ctx, r, out)
		return out
	}

	inst.Status = workflow.StatusWaitingReview
	inst.Result = workflow.ResultWaitingReview
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		e.logger.Error(ctx, "failed to persist waiting_review transition", zap.Error(err))
	}
	e.setStatus(ctx, inst, codehost.StatusPending, "awaiting human review")

	deadline := inst.Review.StartedAt.Add(e.cfg.Review.Deadline.Duration())
	e.monitor.ScheduleFrom(r.id, config.HumanReviewStep, inst.Review.StartedAt, deadline, sla.ReviewThresholds...)
	defer e.monitor.Cancel(r.id, config.HumanReviewStep)

	e.logger.Info(ctx, "workflow waiting for human review",
		zap.Time("deadline", deadline),
		zap.Int("min_approvals", minApprovals),
	)

	for {
		select {
		case ev := <-r.reviewCh:
			inst.Review.Reviews = append(inst.Review.Reviews, ev)
			if !ev.Approved {
				inst.Review.Rejected = true
			}
			if err := e.store.SaveInstance(ctx, inst); err != nil {
				e.logger.Error(ctx, "failed to persist review submission", zap.Error(err))
			}
			e.logger.Info(ctx, "review submitted",
				zap.String("reviewer", ev.Reviewer),
				zap.Bool("approved", ev.Approved),
				zap.Int("approvals", inst.Review.Approvals()),
			)
			if out, done := resolvedReview(inst.Review, minApprovals); done {
				inst.Status = workflow.StatusInProgress
				e.recordReviewStep(ctx, r, out)
				return out
			}

		case <-r.breachCh:
			inst.Review.TimedOut = true
			inst.Status = workflow.StatusInProgress
			if err := e.store.SaveInstance(ctx, inst); err != nil {
				e.logger.Error(ctx, "failed to persist review timeout", zap.Error(err))
			}
			e.logger.Warn(ctx, "human review deadline breached")
			e.recordReviewStep(ctx, r, reviewTimedOut)
			return reviewTimedOut

		case <-ctx.Done():
			return reviewInterrupted
		}
	}
}

// resolvedReview reports whether the review state is final and how.
func resolvedReview(rs *workflow.ReviewState, minApprovals int) (reviewOutcome, bool) {
	switch {
	case rs.Rejected:
		return reviewRejected, true
	case rs.TimedOut:
		return reviewTimedOut, true
	case rs.Approvals() >= minApprovals:
		return reviewApproved, true
	}
	return reviewApproved, false
}

// recordReviewStep appends the human-review step result. A rejection
// carries a synthesized finding so the blocked-change ticket explains who
// rejected and why.
func (e *Engine) recordReviewStep(ctx context.Context, r *run, out reviewOutcome) {
	inst := r.inst
	res := workflow.StepResult{
		StepName: config.HumanReviewStep,
		Duration: time.Since(inst.Review.StartedAt),
	}
	switch out {
	case reviewApproved:
		res.Status = workflow.StepPass
	case reviewTimedOut:
		res.Status = workflow.StepTimedOut
	case reviewRejected:
		res.Status = workflow.StepFail
		res.Findings = rejectionFindings(inst.Review)
	}
	inst.Steps = append(inst.Steps, res)
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		e.logger.Error(ctx, "failed to persist review step result", zap.Error(err))
	}
}

// rejectionFindings converts rejecting reviews into findings.
func rejectionFindings(rs *workflow.ReviewState) []workflow.Finding {
	var findings []workflow.Finding
	for _, rev := range rs.Reviews {
		if rev.Approved {
			continue
		}
		msg := fmt.Sprintf("change rejected by %s", rev.Reviewer)
		if rev.Comment != "" {
			msg += ": " + rev.Comment
		}
		findings = append(findings, workflow.Finding{
			SourceStep: config.HumanReviewStep,
			Severity:   workflow.SeverityMajor,
			Message:    msg,
		})
	}
	return findings
}

// finishApproved renders the approval decision and performs the terminal
// host actions: success status, summary comment, merge request. Superseded
// runs skip all outward actions: a supersession that lands while the final
// checker call is in flight must not merge the old revision.
func (e *Engine) finishApproved(ctx context.Context, r *run) {
	if r.superseded.Load() {
		e.finishSuperseded(r)
		return
	}

	inst := r.inst
	inst.Result = Decide(inst.Steps, e.cfg.Steps, inst.Review, e.cfg.Review.MinApprovals)
	if inst.Result != workflow.ResultApproved {
		// The step loop finished without a failure, so the decision must be
		// approval; anything else is a bug worth loud logging.
		e.logger.Error(ctx, "decision disagrees with step outcomes",
			zap.String("result", string(inst.Result)),
		)
		e.finishBlocked(ctx, r)
		return
	}
	inst.Status = workflow.StatusCompleted

	actionCtx, cancel := e.actionContext(r.id)
	defer cancel()

	e.setStatus(actionCtx, inst, codehost.StatusSuccess, "review pipeline approved")
	if err := e.host.UpsertComment(actionCtx, inst.Repository, inst.ChangeID, renderApprovedComment(inst)); err != nil {
		e.logger.Warn(actionCtx, "failed to post approval comment", zap.Error(err))
	}
	if err := e.host.Merge(actionCtx, inst.Repository, inst.ChangeID, mergeSummary(inst)); err != nil {
		e.logger.Error(actionCtx, "merge request failed", zap.Error(err))
		e.raiseAlarm(actionCtx, "approved change failed to merge", err)
	}

	if err := e.store.SaveInstance(actionCtx, inst); err != nil {
		e.logger.Error(actionCtx, "failed to persist completed instance", zap.Error(err))
	}
	e.count(actionCtx, e.completedCounter)
	e.logger.Info(actionCtx, "workflow completed, change approved",
		zap.String("path", string(inst.Path)),
	)
}

// finishBlocked aggregates findings, files the ticket, posts the blocked
// status and comment, and records the terminal state. Superseded runs skip
// all outward actions.
func (e *Engine) finishBlocked(ctx context.Context, r *run) {
	if r.superseded.Load() {
		e.finishSuperseded(r)
		return
	}

	inst := r.inst
	report := aggregate.Aggregate(inst.Steps)
	inst.Result = workflow.ResultBlocked
	inst.Status = workflow.StatusBlocked

	actionCtx, cancel := e.actionContext(r.id)
	defer cancel()

	changeURL := e.host.ChangeURL(inst.Repository, inst.ChangeID)
	runURL := e.runURL(inst.ID)

	var body string
	res, err := e.tickets.FileTicket(actionCtx, inst, report, changeURL, runURL)
	if err != nil {
		// The change stays blocked; the author learns the pipeline noticed
		// even though the ticket is missing. Alarm already raised inside.
		body = ticket.ComposeDeclineComment(inst, report)
	} else {
		inst.TicketKey = res.Ticket.ExternalKey
		body = renderBlockedComment(inst, report, res.Ticket.ExternalKey)
	}

	e.setStatus(actionCtx, inst, codehost.StatusFailure, "review pipeline blocked: "+string(report.Severity))
	if err := e.host.UpsertComment(actionCtx, inst.Repository, inst.ChangeID, body); err != nil {
		e.logger.Warn(actionCtx, "failed to post blocked comment", zap.Error(err))
	}

	if err := e.store.SaveInstance(actionCtx, inst); err != nil {
		e.logger.Error(actionCtx, "failed to persist blocked instance", zap.Error(err))
	}
	e.count(actionCtx, e.blockedCounter)
	e.logger.Info(actionCtx, "workflow blocked",
		zap.String("severity", string(report.Severity)),
		zap.String("ticket", inst.TicketKey),
	)
}

// finishSuperseded records the terminal superseded state. No ticket, no
// status update, no merge: the newer revision's instance owns the change
// from here on.
func (e *Engine) finishSuperseded(r *run) {
	inst := r.inst
	inst.Status = workflow.StatusFailed
	inst.FailureReason = workflow.FailureSuperseded

	actionCtx, cancel := e.actionContext(r.id)
	defer cancel()
	if err := e.store.SaveInstance(actionCtx, inst); err != nil {
		e.logger.Error(actionCtx, "failed to persist superseded instance", zap.Error(err))
	}
	e.count(actionCtx, e.supersededCounter)
	e.logger.Info(actionCtx, "workflow superseded by newer revision")
}

// finishInterrupted handles a dead run context: supersession finalizes the
// instance, a breached workflow deadline records the pending step as timed
// out and blocks, and a shutdown leaves the instance persisted for resume.
func (e *Engine) finishInterrupted(ctx context.Context, r *run, pendingStep string) {
	if r.superseded.Load() {
		e.finishSuperseded(r)
		return
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if pendingStep != "" && r.inst.StepResultFor(pendingStep) == nil {
			r.inst.Steps = append(r.inst.Steps, workflow.StepResult{
				StepName: pendingStep,
				Status:   workflow.StepTimedOut,
			})
		}
		if r.inst.Review != nil && !r.inst.Review.TimedOut && pendingStep == config.HumanReviewStep {
			r.inst.Review.TimedOut = true
		}
		e.logger.Warn(context.Background(), "workflow deadline exceeded",
			zap.String("workflow_id", r.id),
			zap.String("pending_step", pendingStep),
		)
		e.finishBlocked(ctx, r)
		return
	}
	// Shutdown: the persisted state is the resume point.
	e.logger.Info(context.Background(), "workflow interrupted by shutdown, will resume",
		zap.String("workflow_id", r.id),
	)
}

// supersedeLocked marks a live run superseded and cancels it. Caller holds
// e.mu.
func (e *Engine) supersedeLocked(ctx context.Context, r *run) {
	r.superseded.Store(true)
	r.cancel()
	e.logger.Info(ctx, "superseding active instance",
		zap.String("workflow_id", r.id),
		zap.String("instance_key", r.key),
	)
}

// failSuperseded terminates a persisted instance that has no live run.
func (e *Engine) failSuperseded(ctx context.Context, inst *workflow.Instance) {
	inst.Status = workflow.StatusFailed
	inst.FailureReason = workflow.FailureSuperseded
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		e.logger.Error(ctx, "failed to persist superseded instance", zap.Error(err))
	}
	e.count(ctx, e.supersededCounter)
	e.monitor.CancelAll(inst.ID)
}

// consumeSLAEvents drains the monitor's event stream. Breaches of the
// human-review deadline wake the parked run; everything else is escalation
// logging and alarms.
func (e *Engine) consumeSLAEvents() {
	defer e.wg.Done()
	for ev := range e.monitor.Events() {
		ctx := logging.WithWorkflowID(context.Background(), ev.WorkflowID)
		switch ev.Kind {
		case sla.EventApproaching:
			e.logger.Warn(ctx, "deadline approaching",
				zap.String("step", ev.StepName),
				zap.Float64("pct", ev.Pct),
			)
			e.raiseAlarm(ctx, fmt.Sprintf("deadline %.1f%% consumed for %s", ev.Pct, ev.StepName), nil)

		case sla.EventBreached:
			if ev.StepName == config.HumanReviewStep {
				e.mu.Lock()
				r, ok := e.runs[ev.WorkflowID]
				e.mu.Unlock()
				if ok {
					select {
					case r.breachCh <- struct{}{}:
					default:
					}
				}
				continue
			}
			// Checker steps and the workflow deadline are enforced by their
			// contexts; the event is the escalation record.
			e.logger.Warn(ctx, "deadline breached",
				zap.String("step", ev.StepName),
			)
		}
	}
}

// acquireRepoSlot blocks until a per-repository concurrency slot is free.
func (e *Engine) acquireRepoSlot(ctx context.Context, r *run) bool {
	slot := e.repoSlot(r.inst.Repository)
	select {
	case slot <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) releaseRepoSlot(repository string) {
	<-e.repoSlot(repository)
}

func (e *Engine) repoSlot(repository string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	slot, ok := e.repoSlots[repository]
	if !ok {
		slot = make(chan struct{}, e.cfg.MaxConcurrentPerRepo)
		e.repoSlots[repository] = slot
	}
	return slot
}

// cleanup deregisters a finished run.
func (e *Engine) cleanup(r *run) {
	e.monitor.CancelAll(r.id)
	e.mu.Lock()
	delete(e.runs, r.id)
	if e.byChange[r.changeKey] == r.id {
		delete(e.byChange, r.changeKey)
	}
	e.mu.Unlock()
}

// actionContext returns a context for terminal actions, detached from the
// run context but bounded and carrying the workflow ID for logs.
func (e *Engine) actionContext(workflowID string) (context.Context, context.CancelFunc) {
	ctx := logging.WithWorkflowID(context.Background(), workflowID)
	return context.WithTimeout(ctx, actionTimeout)
}

// setStatus publishes the commit status, best-effort.
func (e *Engine) setStatus(ctx context.Context, inst *workflow.Instance, state codehost.StatusState, summary string) {
	if err := e.host.SetStatus(ctx, inst.Repository, inst.HeadRevision, state, summary, e.runURL(inst.ID)); err != nil {
		e.logger.Warn(ctx, "failed to publish commit status",
			zap.String("state", string(state)),
			zap.Error(err),
		)
	}
}

// runURL builds the externally reachable link to a workflow run.
func (e *Engine) runURL(workflowID string) string {
	if e.baseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/api/v1/workflows/%s", e.baseURL, workflowID)
}

// lastExecutedHint returns the hint of the most recent non-skipped step.
func lastExecutedHint(steps []workflow.StepResult) string {
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Status != workflow.StepSkipped {
			return steps[i].Hint
		}
	}
	return ""
}

func (e *Engine) count(ctx context.Context, c metric.Int64Counter) {
	if c != nil {
		c.Add(ctx, 1)
	}
}

func (e *Engine) raiseAlarm(ctx context.Context, reason string, err error) {
	if e.alarm != nil {
		e.alarm(ctx, reason, err)
	}
}
