// Package aggregate merges heterogeneous checker findings into a single
// normalized, severity-ranked report. Aggregation is a pure function: the
// same step results always produce the same report, which ticket summaries
// and audit replay depend on.
package aggregate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/reviewd/internal/workflow"
)

// ReportSeverity is the overall severity of an aggregated report.
type ReportSeverity string

const (
	ReportCritical ReportSeverity = "critical"
	ReportHigh     ReportSeverity = "high"
	ReportMedium   ReportSeverity = "medium"
	ReportLow      ReportSeverity = "low"
)

// majorCountForHigh is the Major-finding count above which a report without
// Critical findings escalates from Medium to High.
const majorCountForHigh = 3

// Report is the aggregated view of all findings from failed and timed-out
// steps, ordered by severity, then original step order, then location.
type Report struct {
	Severity    ReportSeverity            `json:"severity"`
	Summary     string                    `json:"summary"`
	Findings    []workflow.Finding        `json:"findings,omitempty"`
	FailedSteps []string                  `json:"failed_steps,omitempty"`
	Counts      map[workflow.Severity]int `json:"counts,omitempty"`
}

// Aggregate collects findings from failed and timed-out steps into one
// report. It performs no I/O and never mutates its input.
func Aggregate(steps []workflow.StepResult) Report {
	stepOrder := make(map[string]int, len(steps))
	var findings []workflow.Finding
	var failedSteps []string

	for i, step := range steps {
		stepOrder[step.StepName] = i
		if step.Status != workflow.StepFail && step.Status != workflow.StepTimedOut {
			continue
		}
		failedSteps = append(failedSteps, step.StepName)
		findings = append(findings, step.Findings...)
		if step.Status == workflow.StepTimedOut && len(step.Findings) == 0 {
			// A timed-out step has no verdict to report; record the timeout
			// itself so the ticket explains why the change is blocked.
			findings = append(findings, workflow.Finding{
				SourceStep: step.StepName,
				Severity:   workflow.SeverityMajor,
				Message:    fmt.Sprintf("%s did not complete within its deadline", step.StepName),
			})
		}
	}

	// Severity desc, then declared step order, then location. SliceStable
	// keeps insertion order for findings that compare equal.
	sort.SliceStable(findings, func(a, b int) bool {
		fa, fb := findings[a], findings[b]
		if fa.Severity.Rank() != fb.Severity.Rank() {
			return fa.Severity.Rank() > fb.Severity.Rank()
		}
		if stepOrder[fa.SourceStep] != stepOrder[fb.SourceStep] {
			return stepOrder[fa.SourceStep] < stepOrder[fb.SourceStep]
		}
		return fa.Location < fb.Location
	})

	counts := make(map[workflow.Severity]int)
	for _, f := range findings {
		counts[f.Severity]++
	}

	return Report{
		Severity:    overallSeverity(counts),
		Summary:     summarize(failedSteps, counts, findings),
		Findings:    findings,
		FailedSteps: failedSteps,
		Counts:      counts,
	}
}

// overallSeverity computes the report severity: Critical if any Critical
// finding exists; High if Major count exceeds the threshold; Medium if any
// Major; else Low.
func overallSeverity(counts map[workflow.Severity]int) ReportSeverity {
	switch {
	case counts[workflow.SeverityCritical] > 0:
		return ReportCritical
	case counts[workflow.SeverityMajor] > majorCountForHigh:
		return ReportHigh
	case counts[workflow.SeverityMajor] > 0:
		return ReportMedium
	default:
		return ReportLow
	}
}

// summarize renders the single human-readable summary line.
func summarize(failedSteps []string, counts map[workflow.Severity]int, findings []workflow.Finding) string {
	if len(failedSteps) == 0 {
		return "no failing steps"
	}

	var parts []string
	for _, sev := range []workflow.Severity{workflow.SeverityCritical, workflow.SeverityMajor, workflow.SeverityMinor} {
		if n := counts[sev]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, sev))
		}
	}
	countsDesc := "no findings"
	if len(parts) > 0 {
		countsDesc = strings.Join(parts, ", ")
	}

	return fmt.Sprintf("%s reported %s (%d total)",
		strings.Join(failedSteps, ", "), countsDesc, len(findings))
}
