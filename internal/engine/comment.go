package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/reviewd/internal/aggregate"
	"github.com/fyrsmithlabs/reviewd/internal/workflow"
)

// renderApprovedComment builds the sticky comment body for an approved
// change: per-step outcomes and the final decision.
func renderApprovedComment(inst *workflow.Instance) string {
	var b strings.Builder
	b.WriteString("## Review pipeline: approved ✅\n\n")
	writeStepTable(&b, inst.Steps)
	fmt.Fprintf(&b, "\nDecision: **approved** (%s path). The merge has been requested.\n", inst.Path)
	return b.String()
}

// renderBlockedComment builds the sticky comment body for a blocked change,
// including the filed ticket reference and the ranked findings.
func renderBlockedComment(inst *workflow.Instance, report aggregate.Report, ticketKey string) string {
	var b strings.Builder
	b.WriteString("## Review pipeline: blocked ❌\n\n")
	fmt.Fprintf(&b, "%s\n\n", report.Summary)
	fmt.Fprintf(&b, "Overall severity: **%s**. Tracked as **%s**.\n\n", report.Severity, ticketKey)

	writeStepTable(&b, inst.Steps)

	if len(report.Findings) > 0 {
		b.WriteString("\n### Findings\n")
		for i, f := range report.Findings {
			fmt.Fprintf(&b, "%d. **%s** %s", i+1, strings.ToUpper(string(f.Severity)), f.Message)
			if f.Location != "" {
				fmt.Fprintf(&b, " (`%s`)", f.Location)
			}
			b.WriteString("\n")
			if f.SuggestedFix != "" {
				fmt.Fprintf(&b, "   - Suggested fix: %s\n", f.SuggestedFix)
			}
		}
	}

	b.WriteString("\nPush a new revision to re-run the pipeline.\n")
	return b.String()
}

// writeStepTable renders the per-step outcome table.
func writeStepTable(b *strings.Builder, steps []workflow.StepResult) {
	b.WriteString("| Step | Outcome | Duration |\n|---|---|---|\n")
	for _, s := range steps {
		dur := "-"
		if s.Duration > 0 {
			dur = s.Duration.Round(time.Millisecond).String()
		}
		fmt.Fprintf(b, "| %s | %s | %s |\n", s.StepName, stepBadge(s.Status), dur)
	}
}

func stepBadge(status workflow.StepStatus) string {
	switch status {
	case workflow.StepPass:
		return "pass"
	case workflow.StepFail:
		return "fail"
	case workflow.StepSkipped:
		return "skipped"
	case workflow.StepTimedOut:
		return "timed out"
	}
	return string(status)
}

// mergeSummary is the commit message summary used when requesting the merge.
func mergeSummary(inst *workflow.Instance) string {
	return fmt.Sprintf("Merge %s#%s: approved by review pipeline", inst.Repository, inst.ChangeID)
}
