package ticket

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/reviewd/internal/aggregate"
	"github.com/fyrsmithlabs/reviewd/internal/workflow"
)

// IdempotencyLabel derives the tracker label that marks the ticket for one
// (repository, change, revision). Labels cannot carry the raw key (slashes,
// hashes), so a short digest stands in; it is deterministic per key.
func IdempotencyLabel(inst *workflow.Instance) string {
	sum := sha256.Sum256([]byte(inst.Key()))
	return fmt.Sprintf("reviewd-%x", sum[:8])
}

// ComposeSummary renders the one-line ticket summary.
func ComposeSummary(inst *workflow.Instance, report aggregate.Report) string {
	return fmt.Sprintf("Review pipeline blocked: %s#%s (%s)",
		inst.Repository, inst.ChangeID, report.Severity)
}

// ComposeBody renders the ticket body: the aggregated summary, per-finding
// detail with remediation hints, and links back to the change and the
// workflow run.
func ComposeBody(inst *workflow.Instance, report aggregate.Report, changeURL, runURL string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "The review pipeline blocked %s#%s at revision %s.\n\n",
		inst.Repository, inst.ChangeID, shortRevision(inst.HeadRevision))
	fmt.Fprintf(&b, "*Summary*: %s\n", report.Summary)
	fmt.Fprintf(&b, "*Overall severity*: %s\n\n", report.Severity)

	if len(report.Findings) > 0 {
		b.WriteString("*Findings*\n")
		for i, f := range report.Findings {
			fmt.Fprintf(&b, "%d. [%s] %s", i+1, strings.ToUpper(string(f.Severity)), f.Message)
			if f.Location != "" {
				fmt.Fprintf(&b, " (%s)", f.Location)
			}
			fmt.Fprintf(&b, " (reported by %s)\n", f.SourceStep)
			if f.SuggestedFix != "" {
				fmt.Fprintf(&b, "   Suggested fix: %s\n", f.SuggestedFix)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("*Remediation*\n")
	b.WriteString("Address the findings above and push a new revision; the pipeline re-runs automatically on update.\n\n")

	if changeURL != "" {
		fmt.Fprintf(&b, "Change: %s\n", changeURL)
	}
	if runURL != "" {
		fmt.Fprintf(&b, "Workflow run: %s\n", runURL)
	}
	return b.String()
}

// ComposeDeclineComment renders the author-facing comment posted when the
// ticket itself could not be created. Deliberately generic: the author gets
// an explanation, operators get the real error through the alarm path.
func ComposeDeclineComment(inst *workflow.Instance, report aggregate.Report) string {
	return fmt.Sprintf(
		"The review pipeline blocked this change (%s), but a tracking ticket could not be filed. "+
			"The on-call operator has been alerted; please do not merge until a ticket reference appears here.\n\n%s",
		report.Severity, report.Summary)
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
