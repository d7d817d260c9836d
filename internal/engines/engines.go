// Package engines holds the pool of upstream content-generation engines and
// the selector that assigns one to a scene.
package engines

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/heimdex/heimdex-render/internal/config"
)

// ErrNoEnginesAvailable is returned when no engine satisfies the allowed
// cost tiers.
var ErrNoEnginesAvailable = errors.New("no engines available")

type EngineType string

const (
	TypeTextToVideo  EngineType = "text_to_video"
	TypeImageToVideo EngineType = "image_to_video"
	TypeAvatar       EngineType = "avatar"
)

type CostTier string

const (
	TierFree      CostTier = "free"
	TierCheap     CostTier = "cheap"
	TierNormal    CostTier = "normal"
	TierExpensive CostTier = "expensive"
)

// tierIncludes lists, for each allowed tier, every tier it admits.
var tierIncludes = map[CostTier][]CostTier{
	TierFree:      {TierFree},
	TierCheap:     {TierFree, TierCheap},
	TierNormal:    {TierFree, TierCheap, TierNormal},
	TierExpensive: {TierFree, TierCheap, TierNormal, TierExpensive},
}

// ExpandTiers returns the set of tiers admitted by allowed.
func ExpandTiers(allowed []CostTier) map[CostTier]bool {
	set := make(map[CostTier]bool)
	for _, a := range allowed {
		for _, t := range tierIncludes[CostTier(strings.ToLower(string(a)))] {
			set[t] = true
		}
	}
	return set
}

type Engine struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Type             EngineType `json:"type"`
	CostTier         CostTier   `json:"cost_tier"`
	SupportsFreeTier bool       `json:"supports_free_tier"`
	PriorityScore    float64    `json:"priority_score"`
}

// PoolFromConfig converts configured engines into the read-only pool.
func PoolFromConfig(cfgs []config.EngineConfig) []Engine {
	pool := make([]Engine, 0, len(cfgs))
	for _, c := range cfgs {
		pool = append(pool, Engine{
			ID:               c.ID,
			Name:             c.Name,
			Type:             EngineType(c.Type),
			CostTier:         CostTier(c.CostTier),
			SupportsFreeTier: c.SupportsFreeTier,
			PriorityScore:    c.PriorityScore,
		})
	}
	return pool
}

// Selector picks an engine per scene. The pool is never mutated; the random
// source is guarded so one Selector can serve concurrent workers.
type Selector struct {
	pool []Engine

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewSelector(pool []Engine) *Selector {
	return NewSelectorWithRand(pool, rand.New(rand.NewSource(time.Now().UnixNano())))
}

func NewSelectorWithRand(pool []Engine, rnd *rand.Rand) *Selector {
	cp := make([]Engine, len(pool))
	copy(cp, pool)
	return &Selector{pool: cp, rnd: rnd}
}

// Pool returns a copy of the engine pool.
func (s *Selector) Pool() []Engine {
	cp := make([]Engine, len(s.pool))
	copy(cp, s.pool)
	return cp
}

// PreferredType applies the scene/prompt heuristics.
func PreferredType(sceneType, visualHint string) EngineType {
	st := strings.ToLower(sceneType)
	if st == "avatar" || st == "testimonial" {
		return TypeAvatar
	}
	hint := strings.ToLower(visualHint)
	if strings.Contains(hint, "photo") || strings.Contains(hint, "image") {
		return TypeImageToVideo
	}
	return TypeTextToVideo
}

// Select filters the pool by allowed cost tiers, narrows by preferred type and
// picks uniformly at random. If the narrowed set is empty it falls back to the
// tier-filtered set; if that is empty too, ErrNoEnginesAvailable is returned.
func (s *Selector) Select(sceneType, visualHint string, allowed []CostTier) (Engine, error) {
	tiers := ExpandTiers(allowed)

	var eligible []Engine
	for _, e := range s.pool {
		if tiers[e.CostTier] {
			eligible = append(eligible, e)
		}
	}

	want := PreferredType(sceneType, visualHint)
	var narrowed []Engine
	for _, e := range eligible {
		if e.Type == want {
			narrowed = append(narrowed, e)
		}
	}

	candidates := narrowed
	if len(candidates) == 0 {
		candidates = eligible
	}
	if len(candidates) == 0 {
		return Engine{}, fmt.Errorf("scene %q with tiers %v: %w", sceneType, allowed, ErrNoEnginesAvailable)
	}

	s.mu.Lock()
	i := s.rnd.Intn(len(candidates))
	s.mu.Unlock()
	return candidates[i], nil
}

// GenerateRequest asks an engine to (re)produce the raw clip for a video.
type GenerateRequest struct {
	VideoID   string
	EngineID  string
	SourceURL string
	Prompt    string
}

// Generator is the upstream content-generation engine surface. Engines are
// external collaborators; only their contract lives here.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// Passthrough is a Generator that returns the existing source asset. It is the
// default when no upstream engine integration is configured.
type Passthrough struct{}

func (Passthrough) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.SourceURL == "" {
		return "", fmt.Errorf("engine %s: no source asset for video %s", req.EngineID, req.VideoID)
	}
	return req.SourceURL, nil
}
