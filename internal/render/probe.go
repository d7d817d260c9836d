package render

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/heimdex/heimdex-render/internal/logging"
)

const defaultProbeTTL = 5 * time.Minute

// Capabilities is the result of probing the transcoder.
type Capabilities struct {
	Available bool      `json:"available"`
	Version   string    `json:"version,omitempty"`
	Error     string    `json:"error,omitempty"`
	ProbedAt  time.Time `json:"probed_at"`
}

// CachedProbe caches transcoder availability with a TTL so every task does
// not pay for a version check. An unavailable transcoder is cached too.
type CachedProbe struct {
	transcoder Transcoder
	timeout    time.Duration
	ttl        time.Duration
	logger     *slog.Logger

	mu     sync.RWMutex
	cached *Capabilities
}

func NewCachedProbe(t Transcoder, timeout time.Duration, logger *slog.Logger) *CachedProbe {
	return &CachedProbe{
		transcoder: t,
		timeout:    timeout,
		ttl:        defaultProbeTTL,
		logger:     logging.OrDiscard(logger),
	}
}

// Get returns cached capabilities if fresh, otherwise re-probes.
func (p *CachedProbe) Get(ctx context.Context) Capabilities {
	p.mu.RLock()
	if p.cached != nil && time.Since(p.cached.ProbedAt) < p.ttl {
		caps := *p.cached
		p.mu.RUnlock()
		return caps
	}
	p.mu.RUnlock()

	return p.Refresh(ctx)
}

// Peek returns the last probe result without probing.
func (p *CachedProbe) Peek() (Capabilities, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cached == nil {
		return Capabilities{}, false
	}
	return *p.cached, true
}

// Refresh forces a new probe regardless of cache freshness.
func (p *CachedProbe) Refresh(ctx context.Context) Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	caps := Capabilities{ProbedAt: time.Now()}
	version, err := p.transcoder.Version(ctx)
	if err != nil {
		caps.Error = err.Error()
		p.logger.Warn("transcoder probe failed, degraded mode active", "error", err)
	} else {
		caps.Available = true
		caps.Version = version
		if p.cached == nil || !p.cached.Available {
			p.logger.Info("transcoder available", "version", version)
		}
	}

	p.cached = &caps
	return caps
}

// Invalidate clears the cached capabilities.
func (p *CachedProbe) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}
