// Package httpapi exposes the feature pipeline, stored cohorts and center
// flagging over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"proctorlens/internal/features"
	"proctorlens/internal/flagging"
	"proctorlens/internal/health"
	"proctorlens/internal/logging"
	"proctorlens/internal/metrics"
	"proctorlens/internal/pipeline"
	"proctorlens/internal/store"
)

// DefaultMaxBody caps request bodies when Options.MaxBody is zero.
const DefaultMaxBody = 64 << 20

// Store is the persistence the server needs. *store.Store implements it.
type Store interface {
	Ping(ctx context.Context) error
	SaveCohort(c *store.Cohort) error
	GetCohort(id string) (*store.Cohort, error)
	ListCohorts() ([]store.Cohort, error)
	DeleteCohort(id string) error
	SaveVectors(batchID string, rows []features.Row) error
	ListVectors(batchID string) ([]store.VectorRecord, error)
	SaveFlagSummary(sum *flagging.Summary) error
}

// Options configures a Server.
type Options struct {
	Store     Store
	Processor *pipeline.Processor
	Metrics   *metrics.Metrics
	Health    *health.Checker
	Logger    *logging.Logger
	Audit     *logging.AuditLogger

	// Threshold is the default flag threshold.
	Threshold float64
	MaxBody   int64

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server is the HTTP front end.
type Server struct {
	engine  *gin.Engine
	store   Store
	proc    *pipeline.Processor
	metrics *metrics.Metrics
	health  *health.Checker
	log     *logging.Logger
	audit   *logging.AuditLogger
	maxBody int64

	mu        sync.RWMutex
	threshold float64

	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
}

// New builds a Server and registers its routes.
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("httpapi: store is required")
	}
	s := &Server{
		store:           opts.Store,
		proc:            opts.Processor,
		metrics:         opts.Metrics,
		health:          opts.Health,
		log:             opts.Logger,
		audit:           opts.Audit,
		threshold:       opts.Threshold,
		maxBody:         opts.MaxBody,
		readTimeout:     opts.ReadTimeout,
		writeTimeout:    opts.WriteTimeout,
		shutdownTimeout: opts.ShutdownTimeout,
	}
	if s.log == nil {
		s.log = logging.Default()
	}
	s.log = s.log.WithComponent("http")
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.proc == nil {
		s.proc = pipeline.NewProcessor(pipeline.Options{Logger: s.log, Recorder: s.metrics, Audit: s.audit})
	}
	if s.health == nil {
		s.health = health.NewChecker("")
	}
	s.health.RegisterFunc("store", true, health.DatabaseCheck(s.store.Ping))
	if s.threshold == 0 {
		s.threshold = flagging.DefaultThreshold
	}
	if s.maxBody <= 0 {
		s.maxBody = DefaultMaxBody
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = 10 * time.Second
	}

	s.engine = s.routes()
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.log))
	r.Use(s.metrics.Middleware())

	r.GET("/healthz", s.health.Liveness)
	r.GET("/readyz", s.health.Readiness)
	r.GET("/metrics", s.metrics.Handler())

	v1 := r.Group("/v1")
	v1.Use(bodyLimit(s.maxBody))
	{
		v1.GET("/features", s.listFeatures)
		v1.POST("/batches", s.runBatch)
		v1.POST("/flags", s.evaluateFlags)

		cohorts := v1.Group("/cohorts")
		{
			cohorts.POST("", s.createCohort)
			cohorts.GET("", s.listCohorts)
			cohorts.GET("/:id", s.getCohort)
			cohorts.DELETE("/:id", s.deleteCohort)
			cohorts.POST("/:id/score", s.scoreCohort)
		}
	}
	return r
}

// SetThreshold replaces the default flag threshold, e.g. after a config reload.
func (s *Server) SetThreshold(t float64) {
	s.mu.Lock()
	s.threshold = t
	s.mu.Unlock()
}

// Threshold returns the default flag threshold.
func (s *Server) Threshold() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threshold
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully. The checker is marked ready once serving starts.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.health.SetReady(true)
	s.log.Info("server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		s.health.SetReady(false)
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.health.SetReady(false)
	s.log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

// ListenAndServe binds addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}
