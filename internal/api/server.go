package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/heimdex/heimdex-render/internal/creative"
	"github.com/heimdex/heimdex-render/internal/engines"
	"github.com/heimdex/heimdex-render/internal/playback"
	"github.com/heimdex/heimdex-render/internal/queue"
	"github.com/heimdex/heimdex-render/internal/render"
	"github.com/heimdex/heimdex-render/internal/retry"
	"github.com/heimdex/heimdex-render/internal/store"
)

// Compiler turns analyses and blueprints into execution plans.
type Compiler interface {
	Compile(req creative.CompileRequest) creative.CompileResponse
}

// Renderer executes render tasks and compiled plans.
type Renderer interface {
	Execute(ctx context.Context, task render.RenderTask, opts render.Options) (render.Result, error)
	ExecutePlan(ctx context.Context, plan creative.ExecutionPlan, opts render.PlanOptions) (render.Result, error)
}

// Retrier re-renders a failed variation.
type Retrier interface {
	Retry(ctx context.Context, videoID string) (retry.Outcome, error)
}

// Enqueuer fans scenes out into queue items.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) ([]*queue.Item, error)
	Queue() queue.Queue
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port       int
	Compiler   Compiler
	Renderer   Renderer
	Retrier    Retrier
	Enqueuer   Enqueuer
	Selector   *engines.Selector
	Repository store.Repository
	Probe      *render.CachedProbe
	Pool       *queue.Pool
	// Playback is nil when artifacts live in object storage.
	Playback  *playback.Server
	Logger    *slog.Logger
	StartTime time.Time
	Version   string
	// RenderTimeout bounds synchronous render requests.
	RenderTimeout time.Duration
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
