// Package ticket files exactly one tracked ticket per blocked workflow
// instance. Creation is idempotent on the instance's natural key: the local
// store is consulted first, then the tracker itself via a label search, so
// a retried or crashed-and-resumed invocation reuses the existing ticket
// instead of duplicating it. Linking and commenting are best-effort and
// degrade to PartialSuccess; only failure to create the ticket itself is a
// hard failure, because an untracked block is silently lost work.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewd/internal/aggregate"
	"github.com/fyrsmithlabs/reviewd/internal/config"
	"github.com/fyrsmithlabs/reviewd/internal/identity"
	"github.com/fyrsmithlabs/reviewd/internal/logging"
	"github.com/fyrsmithlabs/reviewd/internal/store"
	"github.com/fyrsmithlabs/reviewd/internal/ticketing"
	"github.com/fyrsmithlabs/reviewd/internal/workflow"
)

const instrumentationName = "github.com/fyrsmithlabs/reviewd/internal/ticket"

// Status classifies a FileTicket outcome.
type Status string

const (
	// StatusSuccess means the ticket exists and all enrichment succeeded.
	StatusSuccess Status = "success"
	// StatusPartial means the ticket exists but linking or assignment
	// degraded; the degraded operations are queued for async retry.
	StatusPartial Status = "partial_success"
	// StatusFailure means the ticket could not be created at all. The only
	// outcome that must still block the merge and raise an alarm.
	StatusFailure Status = "failure"
)

// Result is the outcome of filing a ticket.
type Result struct {
	Ticket       *workflow.Ticket
	Status       Status
	Deduplicated bool
	Warnings     []string
}

// Tracker is the slice of the ticketing client this service needs.
type Tracker interface {
	Create(ctx context.Context, req ticketing.CreateRequest) (string, error)
	Link(ctx context.Context, key, title, url string) error
	Comment(ctx context.Context, key, body string) error
	SearchByLabel(ctx context.Context, label string) ([]ticketing.Issue, error)
}

// Resolver resolves the change author to a tracker account.
type Resolver interface {
	Resolve(ctx context.Context, author workflow.AuthorIdentity, changedPaths []string) identity.Resolution
}

// AlarmFunc receives operational alarms raised by the service.
type AlarmFunc func(ctx context.Context, reason string, err error)

// retryJob is one queued best-effort operation awaiting async retry.
type retryJob struct {
	op string
	fn func(ctx context.Context) error
}

// Service is the ticket automation subsystem.
type Service struct {
	cfg      config.TicketingConfig
	tracker  Tracker
	resolver Resolver
	store    *store.Store
	logger   *logging.Logger
	alarm    AlarmFunc

	tracer        trace.Tracer
	filedCounter  metric.Int64Counter
	dedupCounter  metric.Int64Counter
	failedCounter metric.Int64Counter

	// mu serializes FileTicket per process so two concurrent invocations
	// for the same key cannot both pass the duplicate check.
	mu sync.Mutex

	retryCh chan retryJob
	wg      sync.WaitGroup
	closed  chan struct{}
}

// NewService creates the ticket service and starts its async-retry worker.
func NewService(cfg config.TicketingConfig, tracker Tracker, resolver Resolver, st *store.Store, logger *logging.Logger, alarm AlarmFunc) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Service{
		cfg:      cfg,
		tracker:  tracker,
		resolver: resolver,
		store:    st,
		logger:   logger.Named("ticket"),
		alarm:    alarm,
		tracer:   otel.Tracer(instrumentationName),
		retryCh:  make(chan retryJob, 64),
		closed:   make(chan struct{}),
	}
	s.initMetrics()
	s.wg.Add(1)
	go s.retryWorker()
	return s
}

// initMetrics initializes OpenTelemetry metrics.
func (s *Service) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error

	s.filedCounter, err = meter.Int64Counter(
		"reviewd.tickets.filed_total",
		metric.WithDescription("Total number of tickets created"),
		metric.WithUnit("{ticket}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create filed counter", zap.Error(err))
	}

	s.dedupCounter, err = meter.Int64Counter(
		"reviewd.tickets.deduplicated_total",
		metric.WithDescription("Total number of ticket creations resolved to an existing ticket"),
		metric.WithUnit("{ticket}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create dedup counter", zap.Error(err))
	}

	s.failedCounter, err = meter.Int64Counter(
		"reviewd.tickets.failed_total",
		metric.WithDescription("Total number of ticket creation failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create failed counter", zap.Error(err))
	}
}

// FileTicket files (or finds) the ticket for a blocked instance.
func (s *Service) FileTicket(ctx context.Context, inst *workflow.Instance, report aggregate.Report, changeURL, runURL string) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "ticket.file")
	defer span.End()
	span.SetAttributes(
		attribute.String("instance_key", inst.Key()),
		attribute.String("severity", string(report.Severity)),
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Idempotency, layer 1: our own durable record.
	if existing, err := s.store.Ticket(inst.Key()); err == nil {
		s.count(ctx, s.dedupCounter)
		s.logger.Info(ctx, "ticket already filed for instance, reusing",
			zap.String("ticket_key", existing.ExternalKey),
		)
		return Result{Ticket: existing, Status: StatusSuccess, Deduplicated: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{Status: StatusFailure}, fmt.Errorf("failed to check for existing ticket: %w", err)
	}

	// Idempotency, layer 2: the tracker itself. Covers the crash window
	// between a successful create and our store write.
	label := IdempotencyLabel(inst)
	if existing, found := s.trackerLookup(ctx, inst, label); found {
		s.count(ctx, s.dedupCounter)
		return Result{Ticket: existing, Status: StatusSuccess, Deduplicated: true}, nil
	}

	var warnings []string

	resolution := s.resolver.Resolve(ctx, inst.Author, inst.ChangedPaths)
	if resolution.Unresolved() {
		warnings = append(warnings, "assignee could not be resolved; ticket filed unassigned")
		s.raiseAlarm(ctx, "ticket assignee unresolved", nil)
	}

	req := ticketing.CreateRequest{
		Project:   s.cfg.Project,
		IssueType: s.cfg.IssueType,
		Summary:   ComposeSummary(inst, report),
		Body:      ComposeBody(inst, report, changeURL, runURL),
		Assignee:  resolution.AccountID,
		Labels:    append(append([]string(nil), s.cfg.Labels...), label),
	}

	key, err := s.tracker.Create(ctx, req)
	if err != nil {
		s.count(ctx, s.failedCounter)
		s.raiseAlarm(ctx, "ticket creation failed", err)
		return Result{Status: StatusFailure}, fmt.Errorf("failed to create ticket for %s: %w", inst.Key(), err)
	}
	s.count(ctx, s.filedCounter)

	t := &workflow.Ticket{
		ExternalKey:      key,
		InstanceKey:      inst.Key(),
		WorkflowID:       inst.ID,
		AssigneeAccount:  resolution.AccountID,
		AssignmentMethod: resolution.Method,
		CreatedAt:        time.Now().UTC(),
	}

	// Best-effort enrichment. Failures degrade the result, never fail it.
	if changeURL != "" {
		if err := s.tracker.Link(ctx, key, "Originating change", changeURL); err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to link ticket to change: %v", err))
			s.queueRetry("link", func(ctx context.Context) error {
				return s.tracker.Link(ctx, key, "Originating change", changeURL)
			})
		} else {
			t.Links = append(t.Links, workflow.ExternalLink{Kind: "change", URL: changeURL})
		}
	}
	refComment := fmt.Sprintf("Filed from review pipeline run %s for %s#%s.", inst.ID, inst.Repository, inst.ChangeID)
	if err := s.tracker.Comment(ctx, key, refComment); err != nil {
		warnings = append(warnings, fmt.Sprintf("failed to add reference comment: %v", err))
		s.queueRetry("comment", func(ctx context.Context) error {
			return s.tracker.Comment(ctx, key, refComment)
		})
	}

	if err := s.store.SaveTicket(ctx, t); err != nil {
		// The ticket exists; losing the local record only weakens the first
		// idempotency layer. The tracker-side label search still holds.
		warnings = append(warnings, fmt.Sprintf("failed to persist ticket record: %v", err))
		s.logger.Error(ctx, "failed to persist ticket record", zap.Error(err))
	}

	status := StatusSuccess
	if len(warnings) > 0 {
		status = StatusPartial
		for _, w := range warnings {
			s.logger.Warn(ctx, "ticket filed with degraded enrichment", zap.String("warning", w))
		}
	}
	s.logger.Info(ctx, "ticket filed",
		zap.String("ticket_key", key),
		zap.String("assignee", resolution.AccountID),
		zap.String("assignment_method", string(resolution.Method)),
		zap.String("status", string(status)),
	)
	return Result{Ticket: t, Status: status, Warnings: warnings}, nil
}

// trackerLookup searches the tracker for a ticket already carrying this
// instance's idempotency label. Two or more matches is an internal
// inconsistency: the oldest ticket is canonical, the rest are alarmed about.
func (s *Service) trackerLookup(ctx context.Context, inst *workflow.Instance, label string) (*workflow.Ticket, bool) {
	issues, err := s.tracker.SearchByLabel(ctx, label)
	if err != nil {
		// Search is a backstop; a failed search must not block filing.
		s.logger.Warn(ctx, "tracker-side idempotency search failed", zap.Error(err))
		return nil, false
	}
	if len(issues) == 0 {
		return nil, false
	}
	if len(issues) > 1 {
		s.raiseAlarm(ctx, fmt.Sprintf("found %d tickets for one instance key, treating oldest as canonical", len(issues)), nil)
	}

	t := &workflow.Ticket{
		ExternalKey:      issues[0].Key,
		InstanceKey:      inst.Key(),
		WorkflowID:       inst.ID,
		AssignmentMethod: workflow.AssignUnresolved,
		CreatedAt:        issues[0].Created,
	}
	if err := s.store.SaveTicket(ctx, t); err != nil {
		s.logger.Error(ctx, "failed to persist recovered ticket record", zap.Error(err))
	}
	s.logger.Info(ctx, "recovered existing ticket from tracker",
		zap.String("ticket_key", t.ExternalKey),
	)
	return t, true
}

// queueRetry hands a degraded best-effort operation to the async worker.
func (s *Service) queueRetry(op string, fn func(ctx context.Context) error) {
	select {
	case s.retryCh <- retryJob{op: op, fn: fn}:
	default:
		s.logger.Warn(context.Background(), "async retry queue full, dropping job",
			zap.String("operation", op),
		)
	}
}

// retryWorker replays queued best-effort operations with spaced attempts.
func (s *Service) retryWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closed:
			return
		case job := <-s.retryCh:
			s.runRetry(job)
		}
	}
}

func (s *Service) runRetry(job retryJob) {
	const attempts = 3
	for i := 1; i <= attempts; i++ {
		select {
		case <-s.closed:
			return
		case <-time.After(time.Duration(i) * 30 * time.Second):
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := job.fn(ctx)
		cancel()
		if err == nil {
			s.logger.Info(context.Background(), "async retry succeeded",
				zap.String("operation", job.op),
				zap.Int("attempt", i),
			)
			return
		}
		s.logger.Warn(context.Background(), "async retry failed",
			zap.String("operation", job.op),
			zap.Int("attempt", i),
			zap.Error(err),
		)
	}
}

// Close stops the async-retry worker.
func (s *Service) Close() {
	close(s.closed)
	s.wg.Wait()
}

func (s *Service) count(ctx context.Context, c metric.Int64Counter) {
	if c != nil {
		c.Add(ctx, 1)
	}
}

func (s *Service) raiseAlarm(ctx context.Context, reason string, err error) {
	s.logger.Error(ctx, "operational alarm", zap.String("reason", reason), zap.Error(err))
	if s.alarm != nil {
		s.alarm(ctx, reason, err)
	}
}
