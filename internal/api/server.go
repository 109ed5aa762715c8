package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/medical-dx-engine/internal/domain"
	"github.com/medical-dx-engine/internal/knowledge"
	"github.com/medical-dx-engine/internal/metrics"
	"github.com/medical-dx-engine/internal/middleware"
	"github.com/medical-dx-engine/internal/service"
)

const version = "1.0.0"

// DiagnosticService is the facade the HTTP handlers call.
type DiagnosticService interface {
	Analyze(ctx context.Context, symptoms string) (*domain.DiagnosisResult, error)
	Train(ctx context.Context, examples []domain.TrainingExample) (*domain.ModelArtifact, error)
	CheckInteractions(ctx context.Context, medications []string) (*domain.InteractionReport, error)
	Condition(name string) (domain.ConditionRecord, error)
	ActiveModel() (*service.ModelInfo, error)
	AddExample(ctx context.Context, ex domain.TrainingExample) (*domain.TrainingExample, error)
	Examples(ctx context.Context, limit, offset int) ([]*domain.TrainingExample, error)
	Enrich(ctx context.Context, names ...string) (*knowledge.EnrichReport, error)
	Health() map[string]interface{}
}

// AnalyzeRequest is the body of POST /api/v1/analyze.
type AnalyzeRequest struct {
	Symptoms string `json:"symptoms"`
}

// InteractionsRequest is the body of POST /api/v1/interactions.
type InteractionsRequest struct {
	Medications []string `json:"medications"`
}

// TrainRequest is the optional body of POST /api/v1/train.
type TrainRequest struct {
	Examples []domain.TrainingExample `json:"examples,omitempty"`
}

// EnrichRequest is the optional body of POST /api/v1/enrich.
type EnrichRequest struct {
	Conditions []string `json:"conditions,omitempty"`
}

// Server represents the HTTP server
type Server struct {
	cfg     *domain.Config
	svc     DiagnosticService
	metrics *metrics.Metrics
	logger  *logrus.Logger
	router  *gin.Engine
	server  *http.Server
}

// NewServer creates a new HTTP server instance
func NewServer(cfg *domain.Config, svc DiagnosticService, m *metrics.Metrics, logger *logrus.Logger) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.CorrelationID(),
		middleware.RequestLogger(logger),
		middleware.SecurityHeaders(),
		middleware.CORS(),
	)
	if m != nil {
		router.Use(middleware.Metrics(m))
	}
	if cfg.Server.RequestTimeout > 0 {
		router.Use(middleware.RequestTimeout(cfg.Server.RequestTimeout))
	}
	if cfg.Server.RateLimit > 0 {
		router.Use(middleware.RateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst))
	}

	s := &Server{
		cfg:     cfg,
		svc:     svc,
		metrics: m,
		logger:  logger,
		router:  router,
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.cfg.Server
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.server.Addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.metrics != nil && s.cfg.Metrics.Enabled {
		path := s.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		s.router.GET(path, gin.WrapH(s.metrics.Handler()))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/analyze", s.handleAnalyze)
		v1.POST("/interactions", s.handleInteractions)
		v1.POST("/train", s.handleTrain)
		v1.GET("/model", s.handleModel)
		v1.GET("/conditions/:name", s.handleCondition)
		v1.POST("/examples", s.handleAddExample)
		v1.GET("/examples", s.handleListExamples)
		v1.POST("/enrich", s.handleEnrich)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"timestamp":  time.Now().UTC(),
		"version":    version,
		"mode":       s.cfg.Mode,
		"components": s.svc.Health(),
	})
}

func (s *Server) handleAnalyze(c *gin.Context) {
	var req AnalyzeRequest
	if !s.bind(c, &req) {
		return
	}
	res, err := s.svc.Analyze(c.Request.Context(), req.Symptoms)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleInteractions(c *gin.Context) {
	var req InteractionsRequest
	if !s.bind(c, &req) {
		return
	}
	report, err := s.svc.CheckInteractions(c.Request.Context(), req.Medications)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleTrain(c *gin.Context) {
	var req TrainRequest
	if c.Request.ContentLength != 0 && !s.bind(c, &req) {
		return
	}
	a, err := s.svc.Train(c.Request.Context(), req.Examples)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, a.Summary())
}

func (s *Server) handleModel(c *gin.Context) {
	info, err := s.svc.ActiveModel()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleCondition(c *gin.Context) {
	rec, err := s.svc.Condition(c.Param("name"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleAddExample(c *gin.Context) {
	var ex domain.TrainingExample
	if !s.bind(c, &ex) {
		return
	}
	stored, err := s.svc.AddExample(c.Request.Context(), ex)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

func (s *Server) handleListExamples(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		s.fail(c, err)
		return
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		s.fail(c, err)
		return
	}
	examples, err := s.svc.Examples(c.Request.Context(), limit, offset)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"examples": examples, "count": len(examples)})
}

func (s *Server) handleEnrich(c *gin.Context) {
	var req EnrichRequest
	if c.Request.ContentLength != 0 && !s.bind(c, &req) {
		return
	}
	report, err := s.svc.Enrich(c.Request.Context(), req.Conditions...)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domain.NewValidationError(key, "must be a non-negative integer", raw)
	}
	return n, nil
}

func (s *Server) bind(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		s.fail(c, fmt.Errorf("%w: malformed request body: %v", domain.ErrInvalidInput, err))
		return false
	}
	return true
}

// fail writes err as a DxError with the status from StatusFor.
func (s *Server) fail(c *gin.Context, err error) {
	status, code := StatusFor(err)
	requestID := c.GetString("correlation_id")

	entry := s.logger.WithFields(logrus.Fields{
		"correlation_id": requestID,
		"code":           code,
		"status":         status,
	}).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}

	c.AbortWithStatusJSON(status, domain.NewDxError(code, http.StatusText(status), err.Error(), requestID))
}

// StatusFor maps an error onto an HTTP status and an API error code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrExamplesDisabled), errors.Is(err, service.ErrEnrichmentDisabled):
		return http.StatusNotImplemented, "DISABLED"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, domain.CodeUnavailable
	}

	code := domain.CodeFor(err)
	switch code {
	case domain.CodeInvalidInput:
		return http.StatusBadRequest, code
	case domain.CodeNotFound:
		return http.StatusNotFound, code
	case domain.CodeUnknownLabel, domain.CodeInsufficientData:
		return http.StatusUnprocessableEntity, code
	case domain.CodeTrainingInProgress, domain.CodeConflict:
		return http.StatusConflict, code
	case domain.CodeModelNotReady, domain.CodeUnavailable:
		return http.StatusServiceUnavailable, code
	default:
		return http.StatusInternalServerError, code
	}
}
