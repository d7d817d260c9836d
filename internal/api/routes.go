package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/heimdex/heimdex-render/internal/creative"
	"github.com/heimdex/heimdex-render/internal/engines"
	"github.com/heimdex/heimdex-render/internal/export"
	"github.com/heimdex/heimdex-render/internal/logging"
	"github.com/heimdex/heimdex-render/internal/observability"
	"github.com/heimdex/heimdex-render/internal/queue"
	"github.com/heimdex/heimdex-render/internal/render"
	"github.com/heimdex/heimdex-render/internal/store"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))
	if cfg.Playback != nil {
		r.Get("/artifacts/*", artifactHandler(cfg))
		r.Head("/artifacts/*", artifactHandler(cfg))
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Repository, cfg.Logger))

		r.Get("/status", statusHandler(cfg))
		r.Post("/compile", compileHandler(cfg))
		r.Get("/plans/{id}", getPlanHandler(cfg))
		r.Get("/plans/{id}/edl", planEDLHandler(cfg))
		r.Post("/plans/{id}/render", renderPlanHandler(cfg))
		r.Post("/render", renderHandler(cfg))
		r.Post("/retry", retryHandler(cfg))
		r.Post("/queue", enqueueHandler(cfg))
		r.Get("/queue/{id}", getQueueItemHandler(cfg))
		r.Post("/engines/select", selectEngineHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: uptime,
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{State: "idle", Queue: map[string]int{}}

		if cfg.Enqueuer != nil {
			counts, err := cfg.Enqueuer.Queue().Counts(r.Context())
			if err != nil {
				WriteError(w, http.StatusInternalServerError, "failed to count queue", "INTERNAL_ERROR")
				return
			}
			for status, n := range counts {
				resp.Queue[string(status)] = n
			}
		}

		if cfg.Pool != nil {
			resp.Workers = cfg.Pool.Size()
			resp.WorkersActive = cfg.Pool.Active()
			if resp.WorkersActive > 0 {
				resp.State = "rendering"
			}
		}

		if cfg.Probe != nil {
			if caps, ok := cfg.Probe.Peek(); ok {
				available := caps.Available
				resp.FFmpegAvailable = &available
				resp.TranscoderVersion = caps.Version
				resp.LastProbeAt = caps.ProbedAt.Format(time.RFC3339)
				if !available {
					resp.State = "degraded"
				}
			}
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func compileHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req creative.CompileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		ctx, span := observability.StartSpan(r.Context(), "creative.compile",
			attribute.String("analysis.id", req.Analysis.ID),
			attribute.String("blueprint.id", req.Blueprint.ID),
			attribute.Bool("compile.all", req.CompileAll),
		)
		defer span.End()

		start := time.Now()
		resp := cfg.Compiler.Compile(req)

		for i := range resp.Plans {
			if err := cfg.Repository.SavePlan(ctx, &resp.Plans[i]); err != nil {
				cfg.Logger.Error("failed to save plan", "plan_id", resp.Plans[i].PlanID, "error", err)
				WriteError(w, http.StatusInternalServerError, "failed to save plan", "INTERNAL_ERROR")
				return
			}
		}

		cfg.Logger.Info("compiled plans",
			"analysis_id", req.Analysis.ID,
			"blueprint_id", req.Blueprint.ID,
			"total", resp.Meta.Total,
			"compilable", resp.Meta.Compilable,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		WriteJSON(w, http.StatusOK, resp)
	}
}

func loadPlan(cfg ServerConfig, w http.ResponseWriter, r *http.Request) (*creative.ExecutionPlan, bool) {
	id := chi.URLParam(r, "id")
	plan, err := cfg.Repository.GetPlan(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "plan not found", "NOT_FOUND")
		return nil, false
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return nil, false
	}
	return plan, true
}

func getPlanHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plan, ok := loadPlan(cfg, w, r)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, plan)
	}
}

func planEDLHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plan, ok := loadPlan(cfg, w, r)
		if !ok {
			return
		}
		if !plan.IsCompilable() || len(plan.Timeline) == 0 {
			WriteError(w, http.StatusUnprocessableEntity, "plan is not compilable: "+plan.Reason, "UNCOMPILABLE_PLAN")
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="`+plan.PlanID+`.edl"`)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(export.PlanEDL(*plan)))
	}
}

func renderPlanHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plan, ok := loadPlan(cfg, w, r)
		if !ok {
			return
		}

		ctx, cancel := renderContext(r.Context(), cfg.RenderTimeout)
		defer cancel()

		res, err := cfg.Renderer.ExecutePlan(ctx, *plan, render.PlanOptions{})
		if err == nil {
			// Retries re-render the plan itself, found through its id.
			if rerr := store.RecordResult(context.WithoutCancel(ctx), cfg.Repository, res, store.VariationConfig{}, plan.PlanID, ""); rerr != nil {
				logging.WithPlanID(cfg.Logger, plan.PlanID).Error("failed to record plan render", "error", rerr)
			}
		}
		writeRenderResult(w, res, err)
	}
}

func renderHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req render.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		if req.Task.TaskType == render.TaskRetrySingle {
			runRetry(cfg, w, r, req.Task.VideoID)
			return
		}

		ctx, cancel := renderContext(r.Context(), cfg.RenderTimeout)
		defer cancel()

		res, err := cfg.Renderer.Execute(ctx, req.Task, req.Config)
		if err == nil {
			vc := store.VariationConfig{Task: req.Task, Options: req.Config}
			if rerr := store.RecordResult(context.WithoutCancel(ctx), cfg.Repository, res, vc, "", ""); rerr != nil {
				logging.WithTaskID(cfg.Logger, res.TaskID).Error("failed to record render", "error", rerr)
			}
		}
		writeRenderResult(w, res, err)
	}
}

func retryHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RetryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if t := req.Task.Type(); t != "" && t != string(render.TaskRetrySingle) {
			WriteError(w, http.StatusBadRequest, "task type must be retry_single", "BAD_REQUEST")
			return
		}
		runRetry(cfg, w, r, req.Task.Video())
	}
}

func runRetry(cfg ServerConfig, w http.ResponseWriter, r *http.Request, videoID string) {
	if videoID == "" {
		pe := render.NewPipelineError(render.StageValidate, render.ErrValidation, nil, "videoId is required")
		WriteJSON(w, pipelineStatus(pe), RetryResponse{Error: pe})
		return
	}

	ctx, cancel := renderContext(r.Context(), cfg.RenderTimeout)
	defer cancel()

	out, err := cfg.Retrier.Retry(ctx, videoID)
	if err != nil {
		pe, ok := render.AsPipelineError(err)
		if !ok {
			cfg.Logger.Error("retry failed", "video_id", videoID, "error", err)
			WriteError(w, http.StatusInternalServerError, "retry failed", "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, pipelineStatus(pe), RetryResponse{Result: &out, Error: pe})
		return
	}
	WriteJSON(w, http.StatusOK, RetryResponse{Success: true, Result: &out})
}

func enqueueHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req queue.EnqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		items, err := cfg.Enqueuer.Enqueue(r.Context(), req)
		if errors.Is(err, engines.ErrNoEnginesAvailable) {
			WriteError(w, http.StatusUnprocessableEntity, err.Error(), "NO_ENGINES_AVAILABLE")
			return
		}
		if pe, ok := render.AsPipelineError(err); ok {
			WriteError(w, http.StatusBadRequest, pe.Message, "BAD_REQUEST")
			return
		}
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusAccepted, EnqueueResponse{Items: items})
	}
}

func getQueueItemHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		it, err := cfg.Enqueuer.Queue().Get(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, queue.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "queue item not found", "NOT_FOUND")
			return
		}
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, it)
	}
}

func selectEngineHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SelectEngineRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if len(req.AllowedCostTiers) == 0 {
			WriteError(w, http.StatusBadRequest, "allowed_cost_tiers is required", "BAD_REQUEST")
			return
		}

		engine, err := cfg.Selector.Select(req.SceneType, req.VisualHint, req.AllowedCostTiers)
		if errors.Is(err, engines.ErrNoEnginesAvailable) {
			WriteError(w, http.StatusUnprocessableEntity, err.Error(), "NO_ENGINES_AVAILABLE")
			return
		}
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, SelectEngineResponse{Engine: engine})
	}
}

func artifactHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "*")
		if err := cfg.Playback.ServeArtifact(w, r, key); err != nil {
			cfg.Logger.Error("artifact error", "error", err, "key", logging.SanitizePath(key))
		}
	}
}

func renderContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func pipelineStatus(pe *render.PipelineError) int {
	switch pe.ErrorType {
	case render.ErrValidation:
		return http.StatusUnprocessableEntity
	case render.ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeRenderResult(w http.ResponseWriter, res render.Result, err error) {
	if err == nil {
		WriteJSON(w, http.StatusOK, render.Response{Success: true, Result: &res})
		return
	}
	pe, ok := render.AsPipelineError(err)
	if !ok {
		pe = render.NewPipelineError(render.StageExecute, render.ErrFFmpeg, err, "render failed")
	}
	WriteJSON(w, pipelineStatus(pe), render.Response{Success: false, Result: &res, Error: pe})
}
