package usage

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(provider, runID string, prompt, completion int, age time.Duration) Event {
	return Event{
		Timestamp:        time.Now().Add(-age),
		Provider:         provider,
		Model:            "m",
		Role:             "builder",
		PromptTokens:     prompt,
		CompletionTokens: completion,
		RunID:            runID,
		PhaseID:          "p",
	}
}

func TestProviderTokensWindowed(t *testing.T) {
	tr := NewTracker(nil)
	tr.Track(event("gemini", "r1", 100, 50, time.Minute))
	tr.Track(event("gemini", "r1", 10, 5, 48*time.Hour))
	tr.Track(event("zai", "r1", 1000, 0, time.Minute))

	assert.Equal(t, int64(150), tr.ProviderTokens("gemini", time.Hour))
	assert.Equal(t, int64(165), tr.ProviderTokens("gemini", 72*time.Hour))
	assert.Equal(t, int64(0), tr.ProviderTokens("unknown", time.Hour))
}

func TestRunTokens(t *testing.T) {
	tr := NewTracker(nil)
	tr.Track(event("gemini", "r1", 100, 50, 0))
	tr.Track(event("gemini", "r2", 30, 20, 0))

	assert.Equal(t, int64(150), tr.RunTokens("r1"))
	assert.Equal(t, int64(50), tr.RunTokens("r2"))
}

func TestAggregate(t *testing.T) {
	tr := NewTracker(nil)
	tr.Track(event("gemini", "r1", 100, 50, 0))
	tr.Track(event("zai", "r1", 10, 5, 0))

	stats := tr.Aggregate()
	assert.Equal(t, int64(165), stats.Total.Total)
	assert.Equal(t, int64(150), stats.ByProvider["gemini"].Total)
	assert.Equal(t, int64(165), stats.ByRun["r1"].Total)
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) AppendUsage(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func TestSinkReceivesEveryEvent(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTracker(sink)
	tr.Track(event("gemini", "r1", 1, 1, 0))
	tr.Track(event("gemini", "r1", 2, 2, 0))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.events, 2)
}

func TestConcurrentTrack(t *testing.T) {
	tr := NewTracker(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Track(event("gemini", "r1", 10, 0, 0))
		}()
	}
	wg.Wait()

	require.Len(t, tr.Events(), 50)
	assert.Equal(t, int64(500), tr.RunTokens("r1"))
}
