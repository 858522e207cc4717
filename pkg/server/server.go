// Package server exposes the flag workflow, a webhook event source and a
// rule tester over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/covault/autodetect/pkg/api"
	"github.com/covault/autodetect/pkg/extract"
	"github.com/covault/autodetect/pkg/feedback"
	"github.com/covault/autodetect/pkg/source"
)

// DefaultEventBuffer is how many webhook events may wait for the listener.
const DefaultEventBuffer = 64

// Flagger runs the correction workflow.
type Flagger interface {
	FlagAndRegenerate(ctx context.Context, req feedback.FlagRequest) error
}

// Config holds configuration for the HTTP server.
type Config struct {
	Addr string
	// AcceptEvents enables POST /v1/events and the webhook Source.
	AcceptEvents bool
	// EventBuffer defaults to DefaultEventBuffer.
	EventBuffer int
}

// Server is the HTTP API.
type Server struct {
	cfg     Config
	flagger Flagger
	events  chan api.DetectionEvent
	engine  *gin.Engine
	logger  *slog.Logger
}

// New builds the server and its routes.
func New(flagger Flagger, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}

	s := &Server{
		cfg:     cfg,
		flagger: flagger,
		events:  make(chan api.DetectionEvent, cfg.EventBuffer),
		logger:  logger.With("component", "http"),
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.RegisterRoutes(engine.Group("/v1"))
	s.engine = engine

	return s
}

// RegisterRoutes mounts the API on rg.
func (s *Server) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/flags", s.flag)
	rg.POST("/rules/test", s.testRule)
	if s.cfg.AcceptEvents {
		rg.POST("/events", s.acceptEvent)
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

type flagResponse struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) flag(c *gin.Context) {
	var req feedback.FlagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, flagResponse{Error: "invalid request body"})
		return
	}

	err := s.flagger.FlagAndRegenerate(c.Request.Context(), req)
	status := statusFor(err)
	if err != nil {
		if status >= http.StatusInternalServerError {
			s.logger.Error("flag failed", "user_id", req.UserID, "rule_id", req.RuleID, "error", err)
		}
		c.JSON(status, flagResponse{Error: api.UserMessage(err)})
		return
	}
	c.JSON(status, flagResponse{Message: api.UserMessage(nil)})
}

// statusFor maps workflow errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusAccepted
	case errors.Is(err, api.ErrNotFlaggable):
		return http.StatusBadRequest
	case errors.Is(err, api.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, api.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, api.ErrConfiguration):
		return http.StatusServiceUnavailable
	case errors.Is(err, api.ErrUpstream), errors.Is(err, api.ErrMalformedResponse):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type ruleTestRequest struct {
	AmountRegex string `json:"amount_regex" binding:"required"`
	VendorRegex string `json:"vendor_regex" binding:"required"`
	Text        string `json:"text" binding:"required"`
}

type ruleTestResponse struct {
	Matched bool    `json:"matched"`
	Vendor  string  `json:"vendor,omitempty"`
	Amount  float64 `json:"amount,omitempty"`
	Error   string  `json:"error,omitempty"`
}

func (s *Server) testRule(c *gin.Context) {
	var req ruleTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ruleTestResponse{Error: "amount_regex, vendor_regex and text are required"})
		return
	}

	for _, p := range []string{req.AmountRegex, req.VendorRegex} {
		if res := extract.Compile(p); !res.OK() {
			c.JSON(http.StatusBadRequest, ruleTestResponse{Error: res.Err.Error()})
			return
		}
	}

	res, ok := extract.Apply(req.AmountRegex, req.VendorRegex, extract.Normalize(req.Text))
	c.JSON(http.StatusOK, ruleTestResponse{Matched: ok, Vendor: res.Vendor, Amount: res.Amount})
}

func (s *Server) acceptEvent(c *gin.Context) {
	var ev api.DetectionEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event"})
		return
	}
	ev.SourceID = "webhook:" + uuid.NewString()
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	source.Enrich(&ev)

	select {
	case s.events <- ev:
		c.JSON(http.StatusAccepted, gin.H{"id": ev.SourceID})
	default:
		s.logger.Warn("event buffer full, rejecting webhook event")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event buffer full, retry later"})
	}
}

// Source returns the webhook event source. Only one Read may run at a time.
func (s *Server) Source() api.Source {
	return webhookSource{events: s.events, logger: s.logger}
}

type webhookSource struct {
	events <-chan api.DetectionEvent
	logger *slog.Logger
}

// Read forwards accepted webhook events until ctx is canceled.
func (w webhookSource) Read(ctx context.Context, out chan<- api.DetectionEvent, ack <-chan string) error {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("webhook source stopping", "reason", ctx.Err())
			return ctx.Err()
		case _, ok := <-ack:
			if !ok {
				ack = nil
			}
		case ev := <-w.events:
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
