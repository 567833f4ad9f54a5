package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/reviewd/internal/config"
	"github.com/fyrsmithlabs/reviewd/internal/engine"
	"github.com/fyrsmithlabs/reviewd/internal/store"
	"github.com/fyrsmithlabs/reviewd/internal/workflow"
)

const testSecret = "webhook-secret"

type fakeOrchestrator struct {
	startID    string
	startErr   error
	started    []*workflow.ChangeEvent
	reviews    map[string][]workflow.ReviewEvent
	reviewErr  error
	instances  map[string]*workflow.Instance
	listResult []*workflow.Instance
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{
		startID:   "wf-1",
		reviews:   make(map[string][]workflow.ReviewEvent),
		instances: make(map[string]*workflow.Instance),
	}
}

func (f *fakeOrchestrator) Start(ctx context.Context, ev *workflow.ChangeEvent) (string, error) {
	f.started = append(f.started, ev)
	return f.startID, f.startErr
}

func (f *fakeOrchestrator) SubmitReview(ctx context.Context, workflowID string, ev workflow.ReviewEvent) error {
	if f.reviewErr != nil {
		return f.reviewErr
	}
	f.reviews[workflowID] = append(f.reviews[workflowID], ev)
	return nil
}

func (f *fakeOrchestrator) Instance(id string) (*workflow.Instance, error) {
	inst, ok := f.instances[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return inst, nil
}

func (f *fakeOrchestrator) Instances() []*workflow.Instance {
	return f.listResult
}

func newTestServer(t *testing.T, orch Orchestrator) *Server {
	t.Helper()
	s, err := NewServer(config.ServerConfig{Host: "localhost", Port: 0}, config.Secret(testSecret), orch, nil)
	require.NoError(t, err)
	return s
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func pullRequestPayload(action string, number int, sha string, draft bool) []byte {
	payload := map[string]any{
		"action": action,
		"pull_request": map[string]any{
			"number": number,
			"draft":  draft,
			"head":   map[string]any{"sha": sha},
			"user":   map[string]any{"login": "dev"},
		},
		"repository": map[string]any{"full_name": "acme/api"},
	}
	data, _ := json.Marshal(payload)
	return data
}

func postWebhook(s *Server, body []byte, signature, event string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestWebhook_AcceptsSignedPullRequest(t *testing.T) {
	orch := newFakeOrchestrator()
	s := newTestServer(t, orch)

	body := pullRequestPayload("opened", 42, "abc123", false)
	rec := postWebhook(s, body, sign(testSecret, body), "pull_request")

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var resp WebhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp.Status)
	assert.Equal(t, "wf-1", resp.WorkflowID)

	require.Len(t, orch.started, 1)
	assert.Equal(t, "acme/api", orch.started[0].Repository)
	assert.Equal(t, "42", orch.started[0].ChangeID)
	assert.Equal(t, "abc123", orch.started[0].Revision)
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	orch := newFakeOrchestrator()
	s := newTestServer(t, orch)

	body := pullRequestPayload("opened", 42, "abc123", false)
	rec := postWebhook(s, body, sign("wrong-secret", body), "pull_request")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, orch.started)
}

func TestWebhook_RejectsMissingSignature(t *testing.T) {
	s := newTestServer(t, newFakeOrchestrator())

	body := pullRequestPayload("opened", 42, "abc123", false)
	rec := postWebhook(s, body, "", "pull_request")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhook_IgnoresOtherEventTypes(t *testing.T) {
	orch := newFakeOrchestrator()
	s := newTestServer(t, orch)

	body := []byte(`{"zen":"Design for failure."}`)
	rec := postWebhook(s, body, sign(testSecret, body), "ping")

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var resp WebhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ignored", resp.Status)
	assert.Empty(t, orch.started)
}

func TestWebhook_IgnoresInertActions(t *testing.T) {
	orch := newFakeOrchestrator()
	s := newTestServer(t, orch)

	body := pullRequestPayload("closed", 42, "abc123", false)
	rec := postWebhook(s, body, sign(testSecret, body), "pull_request")

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var resp WebhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ignored", resp.Status)
	assert.Empty(t, orch.started)
}

func TestWebhook_DraftAcknowledgedNotStarted(t *testing.T) {
	orch := newFakeOrchestrator()
	orch.startErr = engine.ErrDraftChange
	s := newTestServer(t, orch)

	body := pullRequestPayload("opened", 42, "abc123", true)
	rec := postWebhook(s, body, sign(testSecret, body), "pull_request")

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var resp WebhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "draft_ignored", resp.Status)
}

func TestWebhook_PerRepositoryRateLimit(t *testing.T) {
	orch := newFakeOrchestrator()
	s := newTestServer(t, orch)

	body := pullRequestPayload("synchronize", 42, "abc123", false)
	signature := sign(testSecret, body)

	limited := false
	for i := 0; i < webhookBurst+5; i++ {
		rec := postWebhook(s, body, signature, "pull_request")
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited, "burst beyond the limiter must be rejected")
}

func TestSubmitReview_Accepted(t *testing.T) {
	orch := newFakeOrchestrator()
	s := newTestServer(t, orch)

	body, _ := json.Marshal(ReviewRequest{Reviewer: "alice", Approved: true, Comment: "lgtm"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/wf-1/review", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, orch.reviews["wf-1"], 1)
	ev := orch.reviews["wf-1"][0]
	assert.Equal(t, "alice", ev.Reviewer)
	assert.True(t, ev.Approved)
	assert.False(t, ev.SubmittedAt.IsZero())
}

func TestSubmitReview_RequiresReviewer(t *testing.T) {
	s := newTestServer(t, newFakeOrchestrator())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/wf-1/review",
		bytes.NewReader([]byte(`{"approved":true}`)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitReview_UnknownWorkflow(t *testing.T) {
	orch := newFakeOrchestrator()
	orch.reviewErr = fmt.Errorf("unknown workflow wf-9: %w", store.ErrNotFound)
	s := newTestServer(t, orch)

	body, _ := json.Marshal(ReviewRequest{Reviewer: "alice", Approved: true})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/wf-9/review", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitReview_NotWaiting(t *testing.T) {
	orch := newFakeOrchestrator()
	orch.reviewErr = fmt.Errorf("workflow wf-1 is completed: %w", engine.ErrNotWaitingReview)
	s := newTestServer(t, orch)

	body, _ := json.Marshal(ReviewRequest{Reviewer: "alice", Approved: true})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/wf-1/review", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetWorkflow(t *testing.T) {
	orch := newFakeOrchestrator()
	orch.instances["wf-1"] = &workflow.Instance{
		ID: "wf-1", Repository: "acme/api", ChangeID: "42",
		Status: workflow.StatusCompleted, Result: workflow.ResultApproved,
	}
	s := newTestServer(t, orch)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows/wf-1", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var inst workflow.Instance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inst))
	assert.Equal(t, "wf-1", inst.ID)
	assert.Equal(t, workflow.StatusCompleted, inst.Status)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/workflows/wf-404", nil)
	rec = httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListWorkflows_StatusFilter(t *testing.T) {
	orch := newFakeOrchestrator()
	orch.listResult = []*workflow.Instance{
		{ID: "wf-1", Status: workflow.StatusCompleted},
		{ID: "wf-2", Status: workflow.StatusWaitingReview},
		{ID: "wf-3", Status: workflow.StatusWaitingReview},
	}
	s := newTestServer(t, orch)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows?status=waiting_review", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp WorkflowListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Workflows, 2)
	for _, inst := range resp.Workflows {
		assert.Equal(t, workflow.StatusWaitingReview, inst.Status)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, newFakeOrchestrator())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, newFakeOrchestrator())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
