package ticket

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/reviewd/internal/aggregate"
	"github.com/fyrsmithlabs/reviewd/internal/workflow"
)

func TestIdempotencyLabel(t *testing.T) {
	inst := blockedInstance()

	label := IdempotencyLabel(inst)
	assert.True(t, strings.HasPrefix(label, "reviewd-"))
	assert.Equal(t, label, IdempotencyLabel(inst), "label is deterministic per key")
	// Short enough for tracker label limits, no raw key characters.
	assert.Less(t, len(label), 30)
	assert.NotContains(t, label, "/")
	assert.NotContains(t, label, "#")
	assert.NotContains(t, label, "@")

	other := blockedInstance()
	other.HeadRevision = "different"
	assert.NotEqual(t, label, IdempotencyLabel(other), "new revision gets a new label")
}

func TestComposeSummary(t *testing.T) {
	got := ComposeSummary(blockedInstance(), testReport())
	assert.Equal(t, "Review pipeline blocked: acme/api#42 (medium)", got)
}

func TestComposeBody(t *testing.T) {
	report := aggregate.Report{
		Severity: aggregate.ReportHigh,
		Summary:  "2 findings across 1 failed step",
		Findings: []workflow.Finding{
			{
				SourceStep:   "StandardsCheck",
				Severity:     workflow.SeverityMajor,
				Location:     "internal/api/handler.go:42",
				Message:      "naming violation",
				SuggestedFix: "rename per service conventions",
			},
			{SourceStep: "ArchitectureCheck", Severity: workflow.SeverityMinor, Message: "layering smell"},
		},
		FailedSteps: []string{"StandardsCheck", "ArchitectureCheck"},
	}

	body := ComposeBody(blockedInstance(), report,
		"https://example.test/acme/api/pull/42", "http://reviewd.test/api/v1/workflows/wf-1")

	assert.Contains(t, body, "acme/api#42")
	assert.Contains(t, body, "abc123def456"[:12])
	assert.Contains(t, body, "2 findings across 1 failed step")
	assert.Contains(t, body, "high")
	assert.Contains(t, body, "[MAJOR] naming violation")
	assert.Contains(t, body, "internal/api/handler.go:42")
	assert.Contains(t, body, "rename per service conventions")
	assert.Contains(t, body, "reported by StandardsCheck")
	assert.Contains(t, body, "https://example.test/acme/api/pull/42")
	assert.Contains(t, body, "http://reviewd.test/api/v1/workflows/wf-1")
	assert.Contains(t, body, "push a new revision")
}

func TestComposeBody_OmitsEmptyLinks(t *testing.T) {
	body := ComposeBody(blockedInstance(), testReport(), "", "")
	assert.NotContains(t, body, "Change:")
	assert.NotContains(t, body, "Workflow run:")
}

func TestComposeDeclineComment(t *testing.T) {
	got := ComposeDeclineComment(blockedInstance(), testReport())
	assert.Contains(t, got, "ticket could not be filed")
	assert.Contains(t, got, "medium")
	assert.Contains(t, got, "do not merge")
}
