// Package api exposes the regimen evaluation engine over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/eptb-dst-server/internal/audit"
	"github.com/eptb-dst-server/internal/config"
	"github.com/eptb-dst-server/internal/engine"
	"github.com/eptb-dst-server/internal/guideline"
	"github.com/eptb-dst-server/internal/middleware"
	"github.com/eptb-dst-server/internal/repository"
)

// RevisionStore is the guideline-revision persistence surface the admin
// endpoints need; *repository.RuleSetRepository satisfies it.
type RevisionStore interface {
	Create(ctx context.Context, dataset *guideline.Dataset, source string) (*repository.RuleSetRevision, error)
	GetActive(ctx context.Context) (*repository.RuleSetRevision, error)
	List(ctx context.Context, limit, offset int) ([]*repository.RuleSetRevision, error)
	Activate(ctx context.Context, version string) error
}

// VersionInvalidator drops shared-cache findings produced by a guideline
// version, used when a revision activation deactivates the previous one.
type VersionInvalidator interface {
	InvalidateVersion(ctx context.Context, guidelineVersion string) error
}

// Server represents the HTTP server
type Server struct {
	cfg         *config.Config
	evaluator   *engine.Evaluator
	store       audit.Store
	revisions   RevisionStore
	invalidator VersionInvalidator
	log         *logrus.Logger
	router      *gin.Engine
	server      *http.Server
}

// NewServer creates a new HTTP server instance
func NewServer(cfg *config.Config, evaluator *engine.Evaluator, store audit.Store, logger *logrus.Logger) *Server {
	// Set Gin mode based on log level
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.AuditLogger())

	server := &Server{
		cfg:       cfg,
		evaluator: evaluator,
		store:     store,
		log:       logger,
		router:    router,
	}

	server.setupRoutes()

	return server
}

// SetRevisionStore attaches guideline-revision storage to the admin
// endpoints. invalidator may be nil when no shared cache is configured.
// Call before Start; without a store the revision endpoints answer 503.
func (s *Server) SetRevisionStore(revisions RevisionStore, invalidator VersionInvalidator) {
	s.revisions = revisions
	s.invalidator = invalidator
}

// Router returns the underlying gin engine, used by tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.cfg.Server
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/evaluations", s.handleEvaluate)
		v1.GET("/evaluations", s.handleListEvaluations)
		v1.GET("/evaluations/:id", s.handleGetEvaluation)
		v1.PATCH("/evaluations/:id", s.handleReviewEvaluation)
		v1.GET("/guidelines", s.handleGuidelines)
		v1.GET("/guidelines/rules", s.handleGuidelineRules)
		v1.GET("/guidelines/revisions", s.handleListRevisions)
		v1.POST("/guidelines/revisions", s.handleCreateRevision)
		v1.POST("/guidelines/revisions/:version/activate", s.handleActivateRevision)
	}
}
