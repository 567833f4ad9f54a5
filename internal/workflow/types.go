// Package workflow defines the domain model for review workflow instances:
// the instance lifecycle, per-step results, normalized checker findings, and
// the ticket record filed for blocked changes.
package workflow

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	StatusPending       Status = "pending"
	StatusInProgress    Status = "in_progress"
	StatusWaitingReview Status = "waiting_review"
	StatusCompleted     Status = "completed"
	StatusBlocked       Status = "blocked"
	StatusFailed        Status = "failed"
)

// Terminal reports whether the status is immutable once reached.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusBlocked, StatusFailed:
		return true
	}
	return false
}

// Active reports whether the status still owns the change (at most one
// active instance may exist per repository+change).
func (s Status) Active() bool {
	return !s.Terminal()
}

// Result is the merge decision rendered for an instance.
type Result string

const (
	ResultApproved      Result = "approved"
	ResultBlocked       Result = "blocked"
	ResultWaitingReview Result = "waiting_review"
)

// Path records which execution route the pipeline took.
type Path string

const (
	// PathFast means conditional steps were skipped.
	PathFast Path = "fast"
	// PathFull means every declared step executed.
	PathFull Path = "full"
)

// StepStatus is the outcome of a single pipeline step.
type StepStatus string

const (
	StepPass     StepStatus = "pass"
	StepFail     StepStatus = "fail"
	StepSkipped  StepStatus = "skipped"
	StepTimedOut StepStatus = "timed_out"
)

// Severity classifies a finding. Critical outranks Major outranks Minor.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
)

// Rank returns a sortable weight; higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityMajor:
		return 2
	case SeverityMinor:
		return 1
	}
	return 0
}

// Finding is a normalized unit of checker output. Immutable once recorded.
type Finding struct {
	SourceStep   string   `json:"source_step"`
	Severity     Severity `json:"severity"`
	Location     string   `json:"location"`
	Message      string   `json:"message"`
	SuggestedFix string   `json:"suggested_fix,omitempty"`
}

// StepResult is the recorded outcome of one pipeline step. Owned exclusively
// by the instance that produced it; instances only ever append step results.
type StepResult struct {
	StepName string        `json:"step_name"`
	Status   StepStatus    `json:"status"`
	Duration time.Duration `json:"duration"`
	Findings []Finding     `json:"findings,omitempty"`

	// Hint is an optional structured signal from the checker consumed by
	// the branching predicates of later steps (e.g. "novel_pattern").
	Hint string `json:"hint,omitempty"`
}

// AuthorIdentity identifies a change author as reported by the code host.
type AuthorIdentity struct {
	Username    string `json:"username"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// ChangeEvent is an inbound code-change notification from the code host.
type ChangeEvent struct {
	Repository   string         `json:"repository"`
	ChangeID     string         `json:"change_id"`
	Revision     string         `json:"revision"`
	Author       AuthorIdentity `json:"author"`
	ChangedPaths []string       `json:"changed_paths"`
	IsDraft      bool           `json:"is_draft"`
}

// ReviewEvent is a human review submission for an instance parked in
// WaitingReview.
type ReviewEvent struct {
	Reviewer    string    `json:"reviewer"`
	Approved    bool      `json:"approved"`
	Comment     string    `json:"comment,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ReviewState accumulates review submissions for one instance. StartedAt
// anchors the review deadline; a process restart resumes the remaining
// window rather than granting a fresh one.
type ReviewState struct {
	StartedAt time.Time     `json:"started_at"`
	Reviews   []ReviewEvent `json:"reviews,omitempty"`
	Rejected  bool          `json:"rejected"`
	TimedOut  bool          `json:"timed_out"`
}

// Approvals counts approving reviews.
func (r *ReviewState) Approvals() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, rev := range r.Reviews {
		if rev.Approved {
			n++
		}
	}
	return n
}

// FailureSuperseded is the failure reason recorded when a newer event for
// the same change cancels an active instance.
const FailureSuperseded = "superseded"

// Instance is one run of the review pipeline for a specific revision of a
// change. Identity is (Repository, ChangeID, HeadRevision); terminal
// instances are retained for audit and never mutated again.
type Instance struct {
	ID           string         `json:"id"`
	Repository   string         `json:"repository"`
	ChangeID     string         `json:"change_id"`
	HeadRevision string         `json:"head_revision"`
	Author       AuthorIdentity `json:"author"`
	ChangedPaths []string       `json:"changed_paths,omitempty"`

	Status        Status       `json:"status"`
	Path          Path         `json:"path"`
	Steps         []StepResult `json:"steps,omitempty"`
	Review        *ReviewState `json:"review,omitempty"`
	StartedAt     time.Time    `json:"started_at"`
	Deadline      time.Time    `json:"deadline"`
	Result        Result       `json:"result,omitempty"`
	FailureReason string       `json:"failure_reason,omitempty"`
	TicketKey     string       `json:"ticket_key,omitempty"`
}

// Key returns the natural key identifying this instance's revision. Ticket
// creation is idempotent on this key.
func (i *Instance) Key() string {
	return InstanceKey(i.Repository, i.ChangeID, i.HeadRevision)
}

// ChangeKey returns the key identifying the change across revisions. The
// supersession rule (at most one active instance) applies per change key.
func (i *Instance) ChangeKey() string {
	return ChangeKey(i.Repository, i.ChangeID)
}

// StepResultFor returns the recorded result for a step, or nil.
func (i *Instance) StepResultFor(stepName string) *StepResult {
	for idx := range i.Steps {
		if i.Steps[idx].StepName == stepName {
			return &i.Steps[idx]
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand across goroutine boundaries.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	c := *i
	c.ChangedPaths = append([]string(nil), i.ChangedPaths...)
	c.Steps = make([]StepResult, len(i.Steps))
	for idx, s := range i.Steps {
		s.Findings = append([]Finding(nil), s.Findings...)
		c.Steps[idx] = s
	}
	if i.Review != nil {
		rv := *i.Review
		rv.Reviews = append([]ReviewEvent(nil), i.Review.Reviews...)
		c.Review = &rv
	}
	return &c
}

// InstanceKey builds the natural key for a specific revision of a change.
func InstanceKey(repository, changeID, revision string) string {
	return fmt.Sprintf("%s#%s@%s", repository, changeID, revision)
}

// ChangeKey builds the cross-revision key for a change.
func ChangeKey(repository, changeID string) string {
	return fmt.Sprintf("%s#%s", repository, changeID)
}

// AssignmentMethod records how a ticket assignee was resolved.
type AssignmentMethod string

const (
	AssignCache      AssignmentMethod = "cache"
	AssignDirect     AssignmentMethod = "direct_lookup"
	AssignDerived    AssignmentMethod = "derived_identifier"
	AssignStaticMap  AssignmentMethod = "static_map"
	AssignOwnership  AssignmentMethod = "component_ownership"
	AssignDefault    AssignmentMethod = "default_assignee"
	AssignUnresolved AssignmentMethod = "unresolved"
)

// ExternalLink is a reference from a ticket to an external resource.
type ExternalLink struct {
	Kind string `json:"kind"`
	URL  string `json:"url"`
}

// Ticket is the tracked record filed for a blocked instance. At most one
// ticket exists per (repository, change_id, head_revision).
type Ticket struct {
	ExternalKey      string           `json:"external_key"`
	InstanceKey      string           `json:"instance_key"`
	WorkflowID       string           `json:"workflow_id"`
	AssigneeAccount  string           `json:"assignee_account,omitempty"`
	AssignmentMethod AssignmentMethod `json:"assignment_method"`
	Links            []ExternalLink   `json:"links,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}
