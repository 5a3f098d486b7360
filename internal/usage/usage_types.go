package usage

import "time"

// Event records a single agent transaction. Events are append-only; all
// quota decisions aggregate over them rather than keeping live counters.
type Event struct {
	Timestamp        time.Time `json:"timestamp"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	Role             string    `json:"role"` // builder, auditor, doctor
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	RunID            string    `json:"run_id"`
	PhaseID          string    `json:"phase_id"`
}

// TokenCounts holds prompt/completion sums.
type TokenCounts struct {
	Prompt     int64 `json:"prompt"`
	Completion int64 `json:"completion"`
	Total      int64 `json:"total"`
}

// Add accumulates one event's tokens.
func (tc *TokenCounts) Add(prompt, completion int) {
	tc.Prompt += int64(prompt)
	tc.Completion += int64(completion)
	tc.Total += int64(prompt + completion)
}

// Stats holds counters broken down by dimension.
type Stats struct {
	Total      TokenCounts            `json:"total"`
	ByProvider map[string]TokenCounts `json:"by_provider"`
	ByModel    map[string]TokenCounts `json:"by_model"`
	ByRole     map[string]TokenCounts `json:"by_role"`
	ByRun      map[string]TokenCounts `json:"by_run"`
}

func newStats() Stats {
	return Stats{
		ByProvider: make(map[string]TokenCounts),
		ByModel:    make(map[string]TokenCounts),
		ByRole:     make(map[string]TokenCounts),
		ByRun:      make(map[string]TokenCounts),
	}
}
