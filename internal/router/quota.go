// Package router selects the provider/model pair for each Builder or
// Auditor call, honoring per-category routing strategies and live provider
// quota state.
package router

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"patchpilot/internal/config"
	"patchpilot/internal/logging"
	"patchpilot/internal/usage"
)

// QuotaState is the process-wide provider quota view. It is derived from
// the append-only usage log plus infrastructure-error marks; there are no
// in-place counters to scrape. Construct one per process and inject it,
// never a hidden package-level singleton.
type QuotaState struct {
	mu        sync.RWMutex
	tracker   *usage.Tracker
	providers map[string]config.ProviderConfig
	// infraErrors counts infrastructure-class failures per provider.
	infraErrors map[string]int
	// disabled providers stay excluded until Reset (or process restart).
	disabled map[string]bool
	log      *zap.Logger
}

// NewQuotaState creates a quota view over the given usage tracker.
func NewQuotaState(tracker *usage.Tracker, providers map[string]config.ProviderConfig) *QuotaState {
	return &QuotaState{
		tracker:     tracker,
		providers:   providers,
		infraErrors: make(map[string]int),
		disabled:    make(map[string]bool),
		log:         logging.Get(logging.CategoryRouter),
	}
}

// RecordInfraError notes an infrastructure-class failure for a provider.
// Past the configured threshold the provider is disabled for the remainder
// of the process. Returns true if the provider is now disabled.
func (q *QuotaState) RecordInfraError(provider string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.infraErrors[provider]++
	threshold := 3
	if pc, ok := q.providers[provider]; ok && pc.DisableAfterInfraErrors > 0 {
		threshold = pc.DisableAfterInfraErrors
	}
	if q.infraErrors[provider] >= threshold && !q.disabled[provider] {
		q.disabled[provider] = true
		q.log.Warn("provider disabled after repeated infrastructure errors",
			zap.String("provider", provider),
			zap.Int("errors", q.infraErrors[provider]))
	}
	return q.disabled[provider]
}

// Disabled reports whether a provider is excluded from selection.
func (q *QuotaState) Disabled(provider string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.disabled[provider]
}

// OverSoftCap reports whether a provider has consumed its windowed soft
// token budget. Providers without a configured cap are never over it.
func (q *QuotaState) OverSoftCap(provider string) bool {
	q.mu.RLock()
	pc, ok := q.providers[provider]
	q.mu.RUnlock()
	if !ok || pc.SoftTokenCap <= 0 {
		return false
	}
	window := pc.QuotaWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	return q.tracker.ProviderTokens(provider, window) >= pc.SoftTokenCap
}

// Available reports whether the provider may serve a non-best-first call.
func (q *QuotaState) Available(provider string) bool {
	return !q.Disabled(provider) && !q.OverSoftCap(provider)
}

// Reset re-enables a provider. Operator action only.
func (q *QuotaState) Reset(provider string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.disabled, provider)
	delete(q.infraErrors, provider)
	q.log.Info("provider quota state reset", zap.String("provider", provider))
}
