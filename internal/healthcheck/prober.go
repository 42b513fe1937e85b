// Package healthcheck probes provider connectivity in the background and
// exposes the last result for readiness checks.
package healthcheck

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aicsynergy/llmguard/pkg/errors"
)

const (
	defaultProbeInterval    = 30 * time.Second
	defaultProbeTimeout     = 10 * time.Second
	defaultFailureThreshold = 2
)

// Config controls the prober.
type Config struct {
	Enabled  bool
	Interval time.Duration
	Timeout  time.Duration
	// FailureThreshold is how many consecutive failures mark the provider
	// unhealthy.
	FailureThreshold int
}

// Target is something that can be probed, normally *llmguard.Client.
type Target interface {
	Ping(ctx context.Context) error
}

// TargetProvider supplies the current target. The release func is called
// once the probe is done, which lets a hot-swapped client drain.
type TargetProvider interface {
	Acquire() (Target, func())
}

// StaticTarget wraps a fixed target.
type StaticTarget struct {
	Target Target
}

// Acquire returns the wrapped target.
func (s StaticTarget) Acquire() (Target, func()) {
	return s.Target, func() {}
}

// Status is the outcome of recent probes.
type Status struct {
	Healthy             bool          `json:"healthy"`
	Checked             bool          `json:"checked"`
	LastChecked         time.Time     `json:"last_checked,omitzero"`
	LastLatency         time.Duration `json:"-"`
	LastLatencyMs       int64         `json:"last_latency_ms"`
	LastError           string        `json:"last_error,omitempty"`
	LastErrorKind       string        `json:"last_error_kind,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// Prober periodically pings a target.
type Prober struct {
	cfg      Config
	provider TargetProvider
	logger   *slog.Logger
	started  atomic.Bool

	mu     sync.RWMutex
	status Status
}

// NewProber creates a prober. It reports healthy until a probe says otherwise.
func NewProber(cfg Config, provider TargetProvider, logger *slog.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		cfg:      cfg,
		provider: provider,
		logger:   logger,
		status:   Status{Healthy: true},
	}
}

// Start runs the probe loop until ctx is canceled. It is a no-op when
// disabled or already started.
func (p *Prober) Start(ctx context.Context) {
	if p == nil || !p.cfg.Enabled {
		return
	}
	if p.provider == nil {
		p.logger.Warn("healthcheck prober missing target")
		return
	}
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.run(ctx)
}

func (p *Prober) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			p.RunOnce(ctx)
		case <-ctx.Done():
			p.logger.Info("healthcheck prober stopped")
			return
		}
	}
}

// RunOnce performs a single probe and returns the resulting status.
func (p *Prober) RunOnce(ctx context.Context) Status {
	target, release := p.provider.Acquire()
	if target == nil {
		return p.Status()
	}
	defer release()

	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := target.Ping(probeCtx)
	latency := time.Since(start)

	p.mu.Lock()
	prev := p.status.Healthy
	p.status.Checked = true
	p.status.LastChecked = start
	p.status.LastLatency = latency
	p.status.LastLatencyMs = latency.Milliseconds()
	if err != nil {
		p.status.ConsecutiveFailures++
		p.status.LastError = err.Error()
		p.status.LastErrorKind = string(errors.KindOf(err))
		if p.status.ConsecutiveFailures >= p.cfg.FailureThreshold {
			p.status.Healthy = false
		}
	} else {
		p.status.ConsecutiveFailures = 0
		p.status.LastError = ""
		p.status.LastErrorKind = ""
		p.status.Healthy = true
	}
	status := p.status
	p.mu.Unlock()

	switch {
	case prev && !status.Healthy:
		p.logger.Warn("provider marked unhealthy",
			"consecutive_failures", status.ConsecutiveFailures,
			"error_kind", status.LastErrorKind,
			"error", err,
		)
	case !prev && status.Healthy:
		p.logger.Info("provider healthy again", "latency_ms", status.LastLatencyMs)
	case err != nil:
		p.logger.Debug("healthcheck probe failed", "error", err)
	}
	return status
}

// Status returns the latest probe outcome.
func (p *Prober) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Healthy reports whether the provider is considered reachable.
func (p *Prober) Healthy() bool {
	return p.Status().Healthy
}
