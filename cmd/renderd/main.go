package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heimdex/heimdex-render/internal/api"
	"github.com/heimdex/heimdex-render/internal/cloud"
	"github.com/heimdex/heimdex-render/internal/config"
	"github.com/heimdex/heimdex-render/internal/creative"
	"github.com/heimdex/heimdex-render/internal/db"
	"github.com/heimdex/heimdex-render/internal/engines"
	"github.com/heimdex/heimdex-render/internal/logging"
	"github.com/heimdex/heimdex-render/internal/observability"
	"github.com/heimdex/heimdex-render/internal/playback"
	"github.com/heimdex/heimdex-render/internal/queue"
	"github.com/heimdex/heimdex-render/internal/render"
	"github.com/heimdex/heimdex-render/internal/retry"
	"github.com/heimdex/heimdex-render/internal/storage"
	"github.com/heimdex/heimdex-render/internal/store"
)

var Version = "0.1.0"

// renderTimeout bounds synchronous /render, /plans/{id}/render and /retry calls.
const renderTimeout = 15 * time.Minute

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	renderCfg, err := config.LoadRenderConfig(cfg.ConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load render config: %w", err)
	}

	for _, dir := range []string{cfg.DataDir(), cfg.WorkDir(), cfg.InputDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting heimdex render", "version", Version, "data_dir", logging.SanitizePath(cfg.DataDir()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := observability.InitTracing(ctx, "heimdex-render", Version, cfg.OTelExporter())
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := store.NewRepository(database.Conn())

	authToken, err := ensureAPIToken(ctx, repo, cfg.APIToken())
	if err != nil {
		return fmt.Errorf("failed to ensure api token: %w", err)
	}

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Printf("║                 HEIMDEX RENDER v%-26s║\n", Version)
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-27d ║\n", cfg.Port())
	fmt.Printf("║  Auth Token: %-45s ║\n", logging.SanitizeToken(authToken))
	fmt.Printf("║  Workers:    %-45d ║\n", cfg.Workers())
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	var (
		artifacts   storage.Store
		playbackSvc *playback.Server
	)
	switch cfg.StorageBackend() {
	case config.StorageBackendMinIO:
		artifacts, err = storage.NewMinIOStore(cfg.MinIO(), cfg.PublicBaseURL(), logger)
		if err != nil {
			return fmt.Errorf("failed to initialize minio: %w", err)
		}
	default:
		baseURL := cfg.PublicBaseURL()
		if baseURL == "" {
			baseURL = fmt.Sprintf("http://127.0.0.1:%d/artifacts", cfg.Port())
		}
		local, err := storage.NewLocalStore(cfg.ArtifactsDir(), baseURL)
		if err != nil {
			return fmt.Errorf("failed to initialize artifact store: %w", err)
		}
		artifacts = local
		playbackSvc = playback.NewServer(local.Root(), logger)
	}

	executor := render.NewExecutor(renderCfg, render.Deps{
		Transcoder: render.NewFFmpeg(renderCfg.Transcoder.Path, logger),
		Store:      artifacts,
		WorkRoot:   cfg.WorkDir(),
		InputRoot:  cfg.InputDir(),
		Logger:     logger,
	})

	caps := executor.Probe().Refresh(ctx)
	if caps.Available {
		logger.Info("transcoder detected", "version", caps.Version)
	} else {
		logger.Warn("transcoder unavailable, renders will publish placeholders", "error", caps.Error)
	}

	var generator engines.Generator = engines.Passthrough{}
	if gw := cfg.EngineGatewayURL(); gw != "" {
		generator = cloud.NewHTTPClient(gw, cfg.EngineGatewayToken(), logger)
		logger.Info("engine gateway enabled", "base_url", gw)
	}
	selector := engines.NewSelector(engines.PoolFromConfig(renderCfg.Engines))
	scheduler := retry.NewScheduler(repo, executor, generator, renderCfg.Retry.MaxAttempts, logger)

	var q queue.Queue
	switch cfg.QueueBackend() {
	case config.QueueBackendMemory:
		q = queue.NewMemoryQueue()
	default:
		q = queue.NewSQLiteQueue(database.Conn())
	}
	queueSvc := queue.NewService(q, selector, renderCfg.Queue, logger)

	pool := queue.NewPool(q, cfg.Workers(), queue.RenderHandler(executor, generator, repo, logger), logger)
	poolDone := make(chan error, 1)
	go func() {
		poolDone <- pool.Run(ctx)
	}()

	apiServer := api.NewServer(api.ServerConfig{
		Port:          cfg.Port(),
		Compiler:      creative.NewBuilder(renderCfg),
		Renderer:      executor,
		Retrier:       scheduler,
		Enqueuer:      queueSvc,
		Selector:      selector,
		Repository:    repo,
		Probe:         executor.Probe(),
		Pool:          pool,
		Playback:      playbackSvc,
		Logger:        logger,
		StartTime:     startTime,
		Version:       Version,
		RenderTimeout: renderTimeout,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
	}

	logger.Info("initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	cancel()
	select {
	case err := <-poolDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("worker pool stopped with error", "error", err)
		}
	case <-shutdownCtx.Done():
		logger.Warn("worker pool did not drain before shutdown deadline")
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("failed to flush traces", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// ensureAPIToken prefers the token from the environment and otherwise reuses
// or generates the one persisted in the config table.
func ensureAPIToken(ctx context.Context, repo store.Repository, fromEnv string) (string, error) {
	if fromEnv != "" {
		if err := repo.SetConfig(ctx, store.ConfigKeyAPIToken, fromEnv); err != nil {
			return "", err
		}
		return fromEnv, nil
	}

	existing, err := repo.GetConfig(ctx, store.ConfigKeyAPIToken)
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := repo.SetConfig(ctx, store.ConfigKeyAPIToken, token); err != nil {
		return "", err
	}

	return token, nil
}
