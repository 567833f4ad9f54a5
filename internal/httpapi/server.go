// Package httpapi provides the HTTP surface of reviewd: the code-host
// webhook receiver, the review submission and workflow inspection API,
// health, and Prometheus metrics.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/reviewd/internal/codehost"
	"github.com/fyrsmithlabs/reviewd/internal/config"
	"github.com/fyrsmithlabs/reviewd/internal/engine"
	"github.com/fyrsmithlabs/reviewd/internal/logging"
	"github.com/fyrsmithlabs/reviewd/internal/store"
	"github.com/fyrsmithlabs/reviewd/internal/workflow"
)

// Webhook bursts are normal (push with many commits, redeliveries); the
// per-repository limiter absorbs them without letting one repo starve the
// rest.
const (
	webhookRPS   = 5
	webhookBurst = 10
)

// Orchestrator is the slice of the engine the API needs.
type Orchestrator interface {
	Start(ctx context.Context, ev *workflow.ChangeEvent) (string, error)
	SubmitReview(ctx context.Context, workflowID string, ev workflow.ReviewEvent) error
	Instance(id string) (*workflow.Instance, error)
	Instances() []*workflow.Instance
}

// Server is the reviewd HTTP server.
type Server struct {
	echo          *echo.Echo
	engine        Orchestrator
	webhookSecret config.Secret
	logger        *logging.Logger
	cfg           config.ServerConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // by repository
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(cfg config.ServerConfig, webhookSecret config.Secret, orch Orchestrator, logger *logging.Logger) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), reqID)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)

			logger.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	})

	s := &Server{
		echo:          e,
		engine:        orch,
		webhookSecret: webhookSecret,
		logger:        logger.Named("http"),
		cfg:           cfg,
		limiters:      make(map[string]*rate.Limiter),
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo.POST("/webhook", s.handleWebhook)

	v1 := s.echo.Group("/api/v1")
	v1.GET("/workflows", s.handleListWorkflows)
	v1.GET("/workflows/:id", s.handleGetWorkflow)
	v1.POST("/workflows/:id/review", s.handleSubmitReview)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// WebhookResponse is the response body for POST /webhook.
type WebhookResponse struct {
	Status     string `json:"status"`
	WorkflowID string `json:"workflow_id,omitempty"`
}

// handleWebhook validates, parses, and enqueues a code-host event. Events
// the pipeline does not act on are acknowledged with 202 so the host does
// not redeliver them.
func (s *Server) handleWebhook(c echo.Context) error {
	ctx := c.Request().Context()

	payload, err := github.ValidatePayload(c.Request(), []byte(s.webhookSecret.Value()))
	if err != nil {
		s.logger.Warn(ctx, "webhook signature validation failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}

	if github.WebHookType(c.Request()) != "pull_request" {
		return c.JSON(http.StatusAccepted, WebhookResponse{Status: "ignored"})
	}

	ev, ok, err := codehost.ParseChangeEvent(payload)
	if err != nil {
		s.logger.Warn(ctx, "unparseable webhook payload", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if !ok {
		return c.JSON(http.StatusAccepted, WebhookResponse{Status: "ignored"})
	}

	if !s.limiter(ev.Repository).Allow() {
		s.logger.Warn(ctx, "webhook rate limit exceeded",
			zap.String("repository", ev.Repository),
		)
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded for repository")
	}

	id, err := s.engine.Start(ctx, ev)
	if err != nil {
		if errors.Is(err, engine.ErrDraftChange) {
			return c.JSON(http.StatusAccepted, WebhookResponse{Status: "draft_ignored"})
		}
		s.logger.Error(ctx, "failed to start workflow", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to start workflow")
	}
	return c.JSON(http.StatusAccepted, WebhookResponse{Status: "accepted", WorkflowID: id})
}

// ReviewRequest is the request body for POST /api/v1/workflows/:id/review.
type ReviewRequest struct {
	Reviewer string `json:"reviewer"`
	Approved bool   `json:"approved"`
	Comment  string `json:"comment,omitempty"`
}

// ReviewResponse is the response body for a review submission.
type ReviewResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleSubmitReview(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	var req ReviewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Reviewer == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reviewer field is required")
	}

	err := s.engine.SubmitReview(ctx, id, workflow.ReviewEvent{
		Reviewer:    req.Reviewer,
		Approved:    req.Approved,
		Comment:     req.Comment,
		SubmittedAt: time.Now().UTC(),
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
		case errors.Is(err, engine.ErrNotWaitingReview):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		default:
			s.logger.Error(ctx, "failed to submit review", zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to submit review")
		}
	}
	return c.JSON(http.StatusAccepted, ReviewResponse{Status: "accepted"})
}

// WorkflowListResponse is the response body for GET /api/v1/workflows.
type WorkflowListResponse struct {
	Workflows []*workflow.Instance `json:"workflows"`
}

func (s *Server) handleListWorkflows(c echo.Context) error {
	instances := s.engine.Instances()

	if status := c.QueryParam("status"); status != "" {
		filtered := instances[:0]
		for _, inst := range instances {
			if string(inst.Status) == status {
				filtered = append(filtered, inst)
			}
		}
		instances = filtered
	}
	return c.JSON(http.StatusOK, WorkflowListResponse{Workflows: instances})
}

func (s *Server) handleGetWorkflow(c echo.Context) error {
	inst, err := s.engine.Instance(c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load workflow")
	}
	return c.JSON(http.StatusOK, inst)
}

// limiter returns the rate limiter for a repository, creating it on first
// use.
func (s *Server) limiter(repository string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[repository]
	if !ok {
		l = rate.NewLimiter(rate.Limit(webhookRPS), webhookBurst)
		s.limiters[repository] = l
	}
	return l
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
