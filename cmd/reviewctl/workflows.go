package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	listStatus    string
	reviewer      string
	reviewComment string
)

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (pending, in_progress, waiting_review, completed, blocked, failed)")
	approveCmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewer identifier (required)")
	approveCmd.Flags().StringVar(&reviewComment, "comment", "", "optional review comment")
	rejectCmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewer identifier (required)")
	rejectCmd.Flags().StringVar(&reviewComment, "comment", "", "optional review comment")
}

// listCmd lists workflows
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List review workflows",
	Long: `List review workflows known to the daemon.

Examples:
  # All workflows
  reviewctl list

  # Only workflows waiting for human review
  reviewctl list --status waiting_review`,
	RunE: runList,
}

// statusCmd shows one workflow
var statusCmd = &cobra.Command{
	Use:   "status <workflow-id>",
	Short: "Show a workflow's full state",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

// approveCmd submits an approving review
var approveCmd = &cobra.Command{
	Use:   "approve <workflow-id>",
	Short: "Submit an approving review",
	Long: `Submit an approving review for a workflow waiting on human review.

Examples:
  reviewctl approve 4f2c... --reviewer alice
  reviewctl approve 4f2c... --reviewer alice --comment "LGTM"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitReview(args[0], true)
	},
}

// rejectCmd submits a rejecting review
var rejectCmd = &cobra.Command{
	Use:   "reject <workflow-id>",
	Short: "Submit a rejecting review",
	Long: `Submit a rejecting review for a workflow waiting on human review.
Rejection blocks the change and files a remediation ticket.

Examples:
  reviewctl reject 4f2c... --reviewer alice --comment "needs migration plan"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitReview(args[0], false)
	},
}

// workflowView mirrors the instance fields the CLI renders.
type workflowView struct {
	ID           string `json:"id"`
	Repository   string `json:"repository"`
	ChangeID     string `json:"change_id"`
	HeadRevision string `json:"head_revision"`
	Status       string `json:"status"`
	Result       string `json:"result,omitempty"`
	TicketKey    string `json:"ticket_key,omitempty"`
	Steps        []struct {
		StepName string `json:"step_name"`
		Status   string `json:"status"`
	} `json:"steps,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// WorkflowListResponse matches internal/httpapi/server.go
type WorkflowListResponse struct {
	Workflows []workflowView `json:"workflows"`
}

func runList(cmd *cobra.Command, args []string) error {
	path := "/api/v1/workflows"
	if listStatus != "" {
		path += "?status=" + url.QueryEscape(listStatus)
	}

	var list WorkflowListResponse
	if err := getJSON(path, &list); err != nil {
		return err
	}
	if len(list.Workflows) == 0 {
		fmt.Println("no workflows")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCHANGE\tSTATUS\tRESULT\tTICKET\tSTARTED")
	for _, wf := range list.Workflows {
		fmt.Fprintf(w, "%s\t%s#%s\t%s\t%s\t%s\t%s\n",
			wf.ID,
			wf.Repository, wf.ChangeID,
			wf.Status,
			orDash(wf.Result),
			orDash(wf.TicketKey),
			wf.StartedAt.Format(time.RFC3339),
		)
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	var wf workflowView
	if err := getJSON("/api/v1/workflows/"+url.PathEscape(args[0]), &wf); err != nil {
		return err
	}

	fmt.Printf("Workflow:  %s\n", wf.ID)
	fmt.Printf("Change:    %s#%s @ %s\n", wf.Repository, wf.ChangeID, wf.HeadRevision)
	fmt.Printf("Status:    %s\n", wf.Status)
	fmt.Printf("Result:    %s\n", orDash(wf.Result))
	fmt.Printf("Ticket:    %s\n", orDash(wf.TicketKey))
	fmt.Printf("Started:   %s\n", wf.StartedAt.Format(time.RFC3339))
	if len(wf.Steps) > 0 {
		fmt.Println("Steps:")
		for _, s := range wf.Steps {
			fmt.Printf("  %-24s %s\n", s.StepName, s.Status)
		}
	}
	return nil
}

// ReviewRequest matches internal/httpapi/server.go ReviewRequest
type ReviewRequest struct {
	Reviewer string `json:"reviewer"`
	Approved bool   `json:"approved"`
	Comment  string `json:"comment,omitempty"`
}

func submitReview(workflowID string, approved bool) error {
	if reviewer == "" {
		return fmt.Errorf("--reviewer is required")
	}

	body, err := json.Marshal(ReviewRequest{
		Reviewer: reviewer,
		Approved: approved,
		Comment:  reviewComment,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	reqURL := fmt.Sprintf("%s/api/v1/workflows/%s/review", serverURL, url.PathEscape(workflowID))
	resp, err := httpClient.Post(reqURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to reach server at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(respBody))
	}

	verb := "approved"
	if !approved {
		verb = "rejected"
	}
	fmt.Printf("Review submitted: %s %s\n", workflowID, verb)
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
