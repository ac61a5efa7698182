// internal/api/server.go
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/swapflow/internal/domain"
	"github.com/rovshanmuradov/swapflow/internal/events"
	"github.com/rovshanmuradov/swapflow/internal/export"
	"github.com/rovshanmuradov/swapflow/internal/utils/metrics"
	"github.com/rovshanmuradov/swapflow/internal/worker"
)

// Registry is the transaction store seen by the transport.
type Registry interface {
	Create(ctx context.Context, sub domain.Submission) (domain.Transaction, error)
	Find(ctx context.Context, id string) (domain.Transaction, bool)
	ListPending(ctx context.Context) ([]domain.Transaction, error)
	ListAll(ctx context.Context, limit int) ([]domain.Transaction, error)
}

// Hub delivers status events to WebSocket clients.
type Hub interface {
	Subscribe(txID string, sub events.Subscriber) events.Subscription
	ActiveSubscriptionCount() int
}

// Processor schedules registered transactions.
type Processor interface {
	Enqueue(ctx context.Context, tx domain.Transaction) error
	RetrieveMetrics(ctx context.Context) (worker.Metrics, error)
}

type Config struct {
	Addr string
	// RateLimit is submissions per second per client IP; zero disables.
	RateLimit float64
	RateBurst int
}

type Deps struct {
	Registry  Registry
	Hub       Hub
	Processor Processor
	Metrics   *metrics.Collector
	Logger    *zap.Logger
}

// Server exposes the HTTP and WebSocket interfaces.
type Server struct {
	registry  Registry
	hub       Hub
	processor Processor
	metrics   *metrics.Collector
	exporter  *export.Exporter
	limiter   *rateLimiter
	logger    *zap.Logger

	engine *gin.Engine
	srv    *http.Server
}

func New(cfg Config, deps Deps) *Server {
	s := &Server{
		registry:  deps.Registry,
		hub:       deps.Hub,
		processor: deps.Processor,
		metrics:   deps.Metrics,
		exporter:  export.NewExporter(deps.Logger),
		limiter:   newRateLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:    deps.Logger.Named("api"),
	}

	s.engine = gin.New()
	s.engine.Use(Recovery(s.logger), RequestLogger(s.logger))
	s.setupRoutes()

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/status", s.handleStatus)
	s.engine.GET("/metrics", s.handleMetrics)
	if s.metrics != nil {
		s.engine.GET("/metrics/prometheus", gin.WrapH(s.metrics.Handler()))
	}

	s.engine.GET("/transactions", s.handleListTransactions)
	s.engine.GET("/transactions/:id", s.handleGetTransaction)
	s.engine.GET("/export/transactions", s.handleExport)

	api := s.engine.Group("/api/transactions")
	{
		api.POST("", s.limiter.RateLimit(), s.handleCreateTransaction)
		api.GET("/process", s.limiter.RateLimit(), s.handleProcess)
		api.GET("/:id/stream", s.handleStream)
	}
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe blocks until the server stops. A graceful Shutdown is not
// reported as an error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for HTTP handlers.
// Hijacked WebSocket connections are closed by the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.srv.Shutdown(ctx)
}
