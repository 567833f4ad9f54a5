// Package sla tracks per-step and whole-workflow deadlines and emits
// escalation events. Steps register a deadline when they start; the monitor
// fires DeadlineApproaching at configured percentages of the allowed window
// and DeadlineBreached at the deadline itself. Events are delivered on a
// channel consumed by the engine; the monitor never calls back inline.
package sla

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewd/internal/logging"
)

// EventKind distinguishes escalation notifications.
type EventKind string

const (
	// EventApproaching fires once per configured threshold percentage.
	EventApproaching EventKind = "deadline_approaching"
	// EventBreached fires once when the deadline passes.
	EventBreached EventKind = "deadline_breached"
)

// Event is an escalation notification for a scheduled step deadline.
type Event struct {
	WorkflowID string
	StepName   string
	Kind       EventKind
	// Pct is the threshold percentage for EventApproaching (e.g. 50, 87.5).
	Pct float64
	At  time.Time
}

// ReviewThresholds are the escalation points for long human-review windows.
var ReviewThresholds = []float64{50, 87.5}

type entry struct {
	workflowID string
	stepName   string
	startedAt  time.Time
	deadline   time.Time

	thresholds []float64
	fired      map[float64]bool
	breached   bool

	timers []*time.Timer
}

// Monitor schedules deadline timers and emits escalation events.
// Safe for concurrent use.
type Monitor struct {
	logger *logging.Logger
	events chan Event
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// NewMonitor creates a monitor. The event channel is buffered; consumers
// must drain it promptly.
func NewMonitor(logger *logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Monitor{
		logger:  logger.Named("sla"),
		events:  make(chan Event, 64),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Events returns the escalation event stream.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// Schedule registers a deadline for a step whose window starts now.
// thresholds are percentages of the window at which DeadlineApproaching
// events fire; each fires at most once per schedule. Scheduling the same
// (workflow, step) again replaces the prior registration.
func (m *Monitor) Schedule(workflowID, stepName string, deadline time.Time, thresholds ...float64) {
	m.ScheduleFrom(workflowID, stepName, m.now(), deadline, thresholds...)
}

// ScheduleFrom registers a deadline for a window that started at start.
// Threshold percentages are measured from start, not from registration time,
// so a window re-registered after a restart escalates on the original
// schedule. Thresholds already past are fired by their immediate timers.
func (m *Monitor) ScheduleFrom(workflowID, stepName string, start, deadline time.Time, thresholds ...float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	key := entryKey(workflowID, stepName)
	if old, ok := m.entries[key]; ok {
		stopTimers(old)
	}

	e := &entry{
		workflowID: workflowID,
		stepName:   stepName,
		startedAt:  start,
		deadline:   deadline,
		thresholds: thresholds,
		fired:      make(map[float64]bool, len(thresholds)),
	}
	m.entries[key] = e

	now := m.now()
	window := deadline.Sub(start)
	for _, pct := range thresholds {
		at := start.Add(time.Duration(float64(window) * pct / 100))
		p := pct
		e.timers = append(e.timers, time.AfterFunc(at.Sub(now), func() {
			m.fireThreshold(key, p)
		}))
	}
	e.timers = append(e.timers, time.AfterFunc(deadline.Sub(now), func() {
		m.fireBreach(key)
	}))
}

// Cancel removes a scheduled deadline. Cancelling an unknown or already
// fired entry is a no-op: completion legitimately races late timer firings.
func (m *Monitor) Cancel(workflowID, stepName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entryKey(workflowID, stepName)
	if e, ok := m.entries[key]; ok {
		stopTimers(e)
		delete(m.entries, key)
	}
}

// CancelAll removes every scheduled deadline for a workflow. Used when an
// instance is superseded.
func (m *Monitor) CancelAll(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.entries {
		if e.workflowID == workflowID {
			stopTimers(e)
			delete(m.entries, key)
		}
	}
}

// Evaluate re-checks a scheduled entry against the given time, firing any
// due events that have not fired yet. Re-evaluating the same elapsed time is
// idempotent. Used when resuming persisted instances after a restart, and by
// tests that cannot wait on wall-clock timers.
func (m *Monitor) Evaluate(workflowID, stepName string, now time.Time) {
	key := entryKey(workflowID, stepName)

	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	window := e.deadline.Sub(e.startedAt)
	elapsed := now.Sub(e.startedAt)

	var due []Event
	for _, pct := range e.thresholds {
		if e.fired[pct] {
			continue
		}
		if elapsed >= time.Duration(float64(window)*pct/100) {
			e.fired[pct] = true
			due = append(due, Event{
				WorkflowID: e.workflowID,
				StepName:   e.stepName,
				Kind:       EventApproaching,
				Pct:        pct,
				At:         now,
			})
		}
	}
	if !e.breached && !now.Before(e.deadline) {
		e.breached = true
		due = append(due, Event{
			WorkflowID: e.workflowID,
			StepName:   e.stepName,
			Kind:       EventBreached,
			At:         now,
		})
	}
	m.mu.Unlock()

	for _, ev := range due {
		m.emit(ev)
	}
}

// Close stops all timers and closes the event channel.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for key, e := range m.entries {
		stopTimers(e)
		delete(m.entries, key)
	}
	close(m.events)
}

func (m *Monitor) fireThreshold(key string, pct float64) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok || m.closed || e.fired[pct] {
		m.mu.Unlock()
		return
	}
	e.fired[pct] = true
	ev := Event{
		WorkflowID: e.workflowID,
		StepName:   e.stepName,
		Kind:       EventApproaching,
		Pct:        pct,
		At:         m.now(),
	}
	m.mu.Unlock()

	m.emit(ev)
}

func (m *Monitor) fireBreach(key string) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok || m.closed || e.breached {
		m.mu.Unlock()
		return
	}
	e.breached = true
	ev := Event{
		WorkflowID: e.workflowID,
		StepName:   e.stepName,
		Kind:       EventBreached,
		At:         m.now(),
	}
	m.mu.Unlock()

	m.emit(ev)
}

// emit delivers without blocking the timer goroutine. A full channel means
// the consumer is wedged; dropping with a log beats deadlocking the monitor.
func (m *Monitor) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn(context.Background(), "sla event dropped, channel full",
			zap.String("workflow_id", ev.WorkflowID),
			zap.String("step", ev.StepName),
			zap.String("kind", string(ev.Kind)),
		)
	}
}

func entryKey(workflowID, stepName string) string {
	return workflowID + "/" + stepName
}

func stopTimers(e *entry) {
	for _, t := range e.timers {
		t.Stop()
	}
	e.timers = nil
}
