// Package usage tracks token consumption per agent call. The tracker keeps
// an append-only event log; aggregations are computed on demand so the log
// remains the single source of truth for quota decisions.
package usage

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"patchpilot/internal/logging"
)

// Sink receives appended events, typically for persistence.
type Sink interface {
	AppendUsage(ev Event) error
}

// Tracker is the process-wide usage ledger. Safe for concurrent use by
// independent run loops.
type Tracker struct {
	mu     sync.RWMutex
	events []Event
	sink   Sink
	log    *zap.Logger
}

// NewTracker creates an empty tracker. sink may be nil.
func NewTracker(sink Sink) *Tracker {
	return &Tracker{
		sink: sink,
		log:  logging.Get(logging.CategoryUsage),
	}
}

// Track appends one event.
func (t *Tracker) Track(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	t.mu.Lock()
	t.events = append(t.events, ev)
	t.mu.Unlock()

	if t.sink != nil {
		if err := t.sink.AppendUsage(ev); err != nil {
			t.log.Warn("failed to persist usage event", zap.Error(err))
		}
	}
}

// Events returns a copy of all events, oldest first.
func (t *Tracker) Events() []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// Seed preloads events, used when resuming from persistence.
func (t *Tracker) Seed(events []Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, events...)
}

// ProviderTokens sums tokens consumed from one provider inside a window.
// A zero window means all time.
func (t *Tracker) ProviderTokens(provider string, window time.Duration) int64 {
	cutoff := time.Time{}
	if window > 0 {
		cutoff = time.Now().Add(-window)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total int64
	for _, ev := range t.events {
		if ev.Provider != provider {
			continue
		}
		if !cutoff.IsZero() && ev.Timestamp.Before(cutoff) {
			continue
		}
		total += int64(ev.PromptTokens + ev.CompletionTokens)
	}
	return total
}

// RunTokens sums tokens consumed by one run.
func (t *Tracker) RunTokens(runID string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total int64
	for _, ev := range t.events {
		if ev.RunID == runID {
			total += int64(ev.PromptTokens + ev.CompletionTokens)
		}
	}
	return total
}

// Aggregate computes the full stats breakdown.
func (t *Tracker) Aggregate() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	stats := newStats()
	for _, ev := range t.events {
		stats.Total.Add(ev.PromptTokens, ev.CompletionTokens)
		addToMap(stats.ByProvider, ev.Provider, ev)
		addToMap(stats.ByModel, ev.Model, ev)
		addToMap(stats.ByRole, ev.Role, ev)
		addToMap(stats.ByRun, ev.RunID, ev)
	}
	return stats
}

func addToMap(m map[string]TokenCounts, key string, ev Event) {
	entry := m[key]
	entry.Add(ev.PromptTokens, ev.CompletionTokens)
	m[key] = entry
}
