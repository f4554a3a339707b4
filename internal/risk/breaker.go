// Package risk holds the guardrails around external data and broker
// state: the market-data circuit breaker and the position reconciler.
package risk

import (
	"context"
	"sync"
	"time"

	"stock_sentinel/internal/config"
	"stock_sentinel/internal/core"
	"stock_sentinel/pkg/telemetry"
)

// MarketDataBreaker implements core.IMarketDataBreaker: a rolling
// failure window over quote fetches. Once the threshold is breached,
// all signal generation is suppressed until the cooldown expires.
// State transitions log exactly once each.
type MarketDataBreaker struct {
	cfg     config.CircuitBreakerConfig
	logger  core.ILogger
	alerter core.IAlerter

	mu        sync.Mutex
	open      bool
	failures  []time.Time
	trippedAt time.Time
}

// NewMarketDataBreaker creates a breaker from the configured window.
func NewMarketDataBreaker(cfg config.CircuitBreakerConfig, logger core.ILogger, alerter core.IAlerter) *MarketDataBreaker {
	return &MarketDataBreaker{
		cfg:     cfg,
		logger:  logger.WithField("component", "market_data_breaker"),
		alerter: alerter,
	}
}

// Allow reports whether signal generation may proceed. An open breaker
// closes itself once the cooldown has elapsed.
func (b *MarketDataBreaker) Allow() bool {
	if !b.cfg.Enabled {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}
	if time.Since(b.trippedAt) >= b.cooldown() {
		b.open = false
		b.failures = nil
		b.logger.Info("market data circuit breaker reset, resuming signal generation")
		telemetry.GetGlobalMetrics().SetCircuitBreakerOpen(false)
		return true
	}
	return false
}

// RecordFailure notes one failed quote fetch and trips the breaker
// when the threshold is reached within the rolling window.
func (b *MarketDataBreaker) RecordFailure() {
	if !b.cfg.Enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.failures = append(b.failures, now)
	b.prune(now)

	if b.open || len(b.failures) < b.cfg.FailureThreshold {
		return
	}

	b.open = true
	b.trippedAt = now
	b.logger.Error("market data circuit breaker tripped, suppressing all signals",
		"failures", len(b.failures),
		"window_seconds", b.cfg.FailureWindowSeconds,
		"cooldown_seconds", b.cfg.CooldownSeconds)
	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen(true)
	if b.alerter != nil {
		b.alerter.Alert(context.Background(), "Market data circuit breaker tripped",
			"quote source is failing, signal generation suppressed",
			core.AlertError, map[string]string{
				"cooldown": b.cooldown().String(),
			})
	}
}

// RecordSuccess clears the rolling failure window. It does not close
// an open breaker; only the cooldown does that.
func (b *MarketDataBreaker) RecordSuccess() {
	if !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		b.failures = nil
	}
}

// Status returns the observable breaker state for the dashboard.
func (b *MarketDataBreaker) Status() core.BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := core.BreakerStatus{
		State:    "closed",
		Failures: len(b.failures),
	}
	if b.open {
		remaining := b.cooldown() - time.Since(b.trippedAt)
		if remaining < 0 {
			remaining = 0
		}
		st.State = "open"
		st.RemainingCooldown = remaining
		st.TrippedAt = b.trippedAt
	}
	return st
}

func (b *MarketDataBreaker) prune(now time.Time) {
	cutoff := now.Add(-time.Duration(b.cfg.FailureWindowSeconds) * time.Second)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

func (b *MarketDataBreaker) cooldown() time.Duration {
	return time.Duration(b.cfg.CooldownSeconds) * time.Second
}
