// Package checks defines the contract between the engine and the external
// quality-check services, plus the HTTP client that speaks it. Checkers are
// black boxes: they accept a change reference and return a verdict with
// normalized findings and an optional hint for branching predicates. How a
// checker reaches its verdict is none of this package's business.
package checks

import (
	"context"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/reviewd/internal/workflow"
)

// ChangeRef identifies the change revision a checker should examine.
type ChangeRef struct {
	Repository   string   `json:"repository"`
	ChangeID     string   `json:"change_id"`
	Revision     string   `json:"revision"`
	ChangedPaths []string `json:"changed_paths,omitempty"`
}

// Verdict is a checker's pass/fail decision.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// Outcome is what a checker returns: the verdict, normalized findings, and
// an optional structured hint consumed by later steps' branching predicates.
type Outcome struct {
	Verdict  Verdict            `json:"status"`
	Findings []workflow.Finding `json:"findings,omitempty"`
	Hint     string             `json:"next_step_hint,omitempty"`
}

// Checker is a verdict-producing collaborator. Run must respect ctx and
// return within the step's declared timeout. A returned error means the
// check could not be performed (transport failure), not that it failed.
type Checker interface {
	Name() string
	Run(ctx context.Context, ref ChangeRef) (Outcome, error)
}

// Registry maps configured step names to checker implementations.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{checkers: make(map[string]Checker)}
}

// Register adds a checker under its own name. Registering a duplicate name
// replaces the earlier checker.
func (r *Registry) Register(c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[c.Name()] = c
}

// Lookup returns the checker for a step name.
func (r *Registry) Lookup(name string) (Checker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.checkers[name]
	if !ok {
		return nil, fmt.Errorf("no checker registered for step %q", name)
	}
	return c, nil
}

// Names returns all registered checker names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	return names
}
