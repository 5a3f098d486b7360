package store

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchpilot/internal/doctor"
	"patchpilot/internal/state"
	"patchpilot/internal/usage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun() *state.Run {
	return &state.Run{
		ID:           "run-1",
		Goal:         "harden the upload endpoint",
		Status:       state.RunRunning,
		Safety:       state.SafetyStandard,
		TokenCap:     100000,
		TokensUsed:   1234,
		ReplanBudget: 6,
		Tiers: []state.Tier{{
			Index:  0,
			Name:   "foundation",
			Status: state.TierInProgress,
			Phases: []state.Phase{{
				ID:          "phase-1",
				Description: "validate content types",
				Complexity:  state.ComplexityMedium,
				Status:      state.PhaseInProgress,
			}},
		}},
	}
}

func TestSaveAndLoadRunRoundTrip(t *testing.T) {
	s := newTestStore(t)
	run := sampleRun()

	require.NoError(t, s.SaveRun(run))
	loaded, err := s.LoadRun(run.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	if diff := cmp.Diff(run, loaded); diff != "" {
		t.Errorf("run changed across persistence (-want +got):\n%s", diff)
	}
}

func TestLoadRunMissing(t *testing.T) {
	s := newTestStore(t)
	loaded, err := s.LoadRun("nope")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSaveRunUpsertsAndLists(t *testing.T) {
	s := newTestStore(t)
	run := sampleRun()
	require.NoError(t, s.SaveRun(run))

	run.Status = state.RunCompleted
	run.TokensUsed = 9999
	require.NoError(t, s.SaveRun(run))

	runs, err := s.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, state.RunCompleted, runs[0].Status)
	assert.Equal(t, int64(9999), runs[0].TokensUsed)
}

func TestUsagePersistence(t *testing.T) {
	s := newTestStore(t)
	ev := usage.Event{
		Timestamp:        time.Now().UTC().Truncate(time.Second),
		Provider:         "gemini",
		Model:            "gemini-2.5-pro",
		Role:             "builder",
		PromptTokens:     100,
		CompletionTokens: 50,
		RunID:            "run-1",
		PhaseID:          "phase-1",
	}
	require.NoError(t, s.AppendUsage(ev))
	require.NoError(t, s.AppendUsage(ev))

	events, err := s.LoadUsage()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "gemini", events[0].Provider)
	assert.Equal(t, 100, events[0].PromptTokens)

	// Seeding a fresh tracker restores quota accounting.
	tracker := usage.NewTracker(nil)
	tracker.Seed(events)
	assert.Equal(t, int64(300), tracker.ProviderTokens("gemini", time.Hour))
}

func TestAnchorPersistence(t *testing.T) {
	s := newTestStore(t)
	goal := &doctor.PhaseGoal{
		PhaseID:        "phase-1",
		OriginalIntent: "add rate limiting to all public endpoints",
		ReplanHistory: []doctor.ReplanRecord{{
			Attempt:            2,
			RevisedDescription: "add rate limiting to all public endpoints using the existing middleware",
			Reason:             "patch rejected",
			Alignment:          doctor.AlignmentSameScope,
			At:                 time.Now().UTC().Truncate(time.Second),
		}},
	}
	require.NoError(t, s.SaveAnchor(goal))

	anchors, err := s.LoadAnchors()
	require.NoError(t, err)
	require.Len(t, anchors, 1)
	assert.Equal(t, goal.OriginalIntent, anchors[0].OriginalIntent)
	require.Len(t, anchors[0].ReplanHistory, 1)
	assert.Equal(t, doctor.AlignmentSameScope, anchors[0].ReplanHistory[0].Alignment)
}
