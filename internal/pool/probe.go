package pool

import (
	"context"
	"log/slog"
	"time"
)

// DefaultCheckModelName is used for probes when an account doesn't name one.
const DefaultCheckModelName = "claude-haiku-4-5"

// DefaultHealthCheckInterval is the minimum time since LastErrorTime before
// an unhealthy account is re-probed.
const DefaultHealthCheckInterval = 10 * time.Minute

// ProbeFunc performs a minimal generate call against an account and reports
// whether it succeeded. Implemented by the service adapter layer; kept as a
// function type here so the pool package has no dependency on HTTP/auth
// concerns.
type ProbeFunc func(ctx context.Context, account *Account, modelName string) error

// Prober runs periodic health probes over a Manager.
type Prober struct {
	manager  *Manager
	probe    ProbeFunc
	interval time.Duration
	logger   *slog.Logger
}

// NewProber creates a Prober. interval is the minimum time an unhealthy
// account must sit quiet (per LastErrorTime) before being probed again.
func NewProber(manager *Manager, probe ProbeFunc, interval time.Duration, logger *slog.Logger) *Prober {
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{manager: manager, probe: probe, interval: interval, logger: logger}
}

// Run executes one probe pass: every account with CheckHealth set, whose
// LastErrorTime is older than the interval (or unset), gets probed. The
// pool mutex is not held during the network call — Probeable/RecordProbeResult
// each take and release it independently.
func (p *Prober) Run(ctx context.Context) {
	now := time.Now()
	for _, a := range p.manager.Probeable() {
		if !a.CheckHealth {
			continue
		}
		if a.LastErrorTime != "" {
			last, err := time.Parse(time.RFC3339, a.LastErrorTime)
			if err == nil && now.Sub(last) < p.interval {
				continue
			}
		}

		model := a.CheckModelName
		if model == "" {
			model = DefaultCheckModelName
		}

		probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := p.probe(probeCtx, a, model)
		cancel()

		if err != nil {
			p.logger.Warn("health probe failed", "account", a.UUID, "model", model, "error", err)
			p.manager.RecordProbeResult(a.UUID, false, model)
		} else {
			p.manager.RecordProbeResult(a.UUID, true, model)
		}
	}
}

// RunPeriodic runs Run on a ticker until ctx is cancelled.
func (p *Prober) RunPeriodic(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Run(ctx)
		}
	}
}
