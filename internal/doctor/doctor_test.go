package doctor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchpilot/internal/agent"
	"patchpilot/internal/config"
	"patchpilot/internal/patch"
	"patchpilot/internal/router"
	"patchpilot/internal/state"
	"patchpilot/internal/usage"
)

func newTestDoctor() *Doctor {
	quota := router.NewQuotaState(usage.NewTracker(nil), map[string]config.ProviderConfig{
		"gemini": {DisableAfterInfraErrors: 2},
	})
	return New(config.Default().Doctor, quota, NewAnchorStore())
}

func testRunAndPhase() (*state.Run, *state.Phase) {
	phase := state.Phase{
		ID:          "phase-1",
		Description: "add request validation to the ingest handler",
		Complexity:  state.ComplexityMedium,
		Status:      state.PhaseInProgress,
	}
	run := &state.Run{
		ID:           "run-1",
		Status:       state.RunRunning,
		ReplanBudget: 6,
		Tiers:        []state.Tier{{Phases: []state.Phase{phase}}},
	}
	return run, &run.Tiers[0].Phases[0]
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"quota block", &router.QuotaBlockError{Category: "security_auth_change", Provider: "gemini"}, FailureQuotaBlock},
		{"state error", &state.StateError{PhaseID: "p", From: state.PhaseComplete, To: state.PhaseQueued}, FailureState},
		{"patch rejection", &patch.RejectionError{}, FailurePatchApply},
		{"malformed output", agent.ErrMalformedOutput, FailurePatchApply},
		{"timeout", errors.New("request failed: context deadline exceeded"), FailureInfra},
		{"rate limit", errors.New("gemini returned status 429: too many requests"), FailureInfra},
		{"server error", errors.New("gemini returned status 502: bad gateway"), FailureInfra},
		{"generic", errors.New("something unexpected"), FailurePatchApply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestDiagnoseInfraDoesNotConsumeBudget(t *testing.T) {
	d := newTestDoctor()
	run, phase := testRunAndPhase()

	dec := d.Diagnose(context.Background(), run, phase, "gemini",
		FailureInfra, errors.New("connection reset"))

	assert.Equal(t, ActionRetry, dec.Action)
	assert.False(t, dec.ConsumedBudget)
	assert.False(t, dec.ProviderDisabled)
}

func TestRepeatedInfraErrorsDisableProvider(t *testing.T) {
	d := newTestDoctor()
	run, phase := testRunAndPhase()

	first := d.Diagnose(context.Background(), run, phase, "gemini", FailureInfra, errors.New("network down"))
	second := d.Diagnose(context.Background(), run, phase, "gemini", FailureInfra, errors.New("network down"))

	assert.False(t, first.ProviderDisabled)
	assert.True(t, second.ProviderDisabled)
}

func TestDiagnoseQuotaBlockBlocks(t *testing.T) {
	d := newTestDoctor()
	run, phase := testRunAndPhase()

	dec := d.Diagnose(context.Background(), run, phase, "gemini", FailureQuotaBlock,
		&router.QuotaBlockError{Category: "security_auth_change", Provider: "gemini"})
	assert.Equal(t, ActionBlock, dec.Action)
}

func TestDiagnoseRetriesBelowReplanThreshold(t *testing.T) {
	d := newTestDoctor()
	run, phase := testRunAndPhase()
	phase.BuilderAttempts = 1

	dec := d.Diagnose(context.Background(), run, phase, "gemini",
		FailurePatchApply, &patch.RejectionError{})

	assert.Equal(t, ActionRetry, dec.Action)
	assert.True(t, dec.ConsumedBudget)
	assert.Greater(t, dec.Backoff.Seconds(), 0.0)
}

func TestDiagnoseReplansAtThreshold(t *testing.T) {
	d := newTestDoctor()
	run, phase := testRunAndPhase()
	phase.BuilderAttempts = 2

	dec := d.Diagnose(context.Background(), run, phase, "gemini",
		FailurePatchApply, errors.New("symbol loss over limit"))

	require.Equal(t, ActionReplan, dec.Action)
	assert.Contains(t, dec.RevisedDescription, "add request validation")
	assert.Equal(t, AlignmentSameScope, dec.Alignment)

	anchor, ok := d.Anchors().Get(phase.ID)
	require.True(t, ok)
	assert.Equal(t, phase.Description, anchor.OriginalIntent)
	require.Len(t, anchor.ReplanHistory, 1)
	assert.Equal(t, dec.RevisedDescription, anchor.ReplanHistory[0].RevisedDescription)
}

type scriptedAgent struct {
	responses []string
	requests  []agent.Request
}

func (c *scriptedAgent) Provider() string { return "zai" }

func (c *scriptedAgent) Invoke(_ context.Context, req agent.Request) (agent.Response, error) {
	c.requests = append(c.requests, req)
	if len(c.requests) > len(c.responses) {
		return agent.Response{}, errors.New("no scripted response left")
	}
	return agent.Response{Text: c.responses[len(c.requests)-1]}, nil
}

func TestReplanDraftsThroughRoutedAgent(t *testing.T) {
	cfg := config.Default()
	cfg.Providers = map[string]config.ProviderConfig{"zai": {}}
	cfg.ComplexityDefaults = map[string]config.RoutingPolicy{
		"medium": {
			Strategy: config.StrategyProgressive,
			Primary:  config.ModelRef{Provider: "zai", Model: "glm-4.5-air"},
		},
	}
	quota := router.NewQuotaState(usage.NewTracker(nil), cfg.Providers)
	stub := &scriptedAgent{responses: []string{
		"add request validation to the ingest handler, rejecting bodies without a declared content type",
		"narrower",
	}}
	d := New(cfg.Doctor, quota, NewAnchorStore()).
		WithAgents(router.New(cfg, quota), map[string]agent.Client{"zai": stub})

	run, phase := testRunAndPhase()
	phase.BuilderAttempts = 2

	dec := d.Diagnose(context.Background(), run, phase, "zai",
		FailurePatchApply, errors.New("similarity below floor"))

	require.Equal(t, ActionReplan, dec.Action)
	assert.Equal(t, stub.responses[0], dec.RevisedDescription)
	// The model's one-word answer overrides the word-containment heuristic.
	assert.Equal(t, AlignmentNarrower, dec.Alignment)

	require.Len(t, stub.requests, 2)
	for _, req := range stub.requests {
		assert.Equal(t, agent.RoleDoctor, req.Role)
		assert.Equal(t, "glm-4.5-air", req.Model)
	}
}

func TestReplanFallsBackToHeuristicWhenRoutingBlocked(t *testing.T) {
	cfg := config.Default()
	cfg.Providers = map[string]config.ProviderConfig{"zai": {DisableAfterInfraErrors: 1}}
	cfg.ComplexityDefaults = map[string]config.RoutingPolicy{
		"medium": {
			Strategy: config.StrategyProgressive,
			Primary:  config.ModelRef{Provider: "zai", Model: "glm-4.5-air"},
		},
	}
	quota := router.NewQuotaState(usage.NewTracker(nil), cfg.Providers)
	quota.RecordInfraError("zai")
	stub := &scriptedAgent{}
	d := New(cfg.Doctor, quota, NewAnchorStore()).
		WithAgents(router.New(cfg, quota), map[string]agent.Client{"zai": stub})

	run, phase := testRunAndPhase()
	phase.BuilderAttempts = 2

	dec := d.Diagnose(context.Background(), run, phase, "zai",
		FailurePatchApply, errors.New("symbol loss over limit"))

	require.Equal(t, ActionReplan, dec.Action)
	assert.Contains(t, dec.RevisedDescription, "add request validation")
	assert.Empty(t, stub.requests)
}

func TestDiagnoseAbortsWhenReplanBudgetExhausted(t *testing.T) {
	d := newTestDoctor()
	run, phase := testRunAndPhase()
	phase.BuilderAttempts = 2
	phase.ReplanCount = config.Default().Doctor.MaxReplansPerPhase

	dec := d.Diagnose(context.Background(), run, phase, "gemini",
		FailurePatchApply, errors.New("still failing"))
	assert.Equal(t, ActionAbort, dec.Action)
}

func TestAuditorRejectUsesAuditorAttempts(t *testing.T) {
	d := newTestDoctor()
	run, phase := testRunAndPhase()
	phase.AuditorAttempts = 2

	dec := d.Diagnose(context.Background(), run, phase, "gemini",
		FailureAuditorReject, nil)
	assert.Equal(t, ActionReplan, dec.Action)
}

func TestClassifyAlignment(t *testing.T) {
	tests := []struct {
		name     string
		original string
		revised  string
		want     Alignment
	}{
		{
			"dropping universal quantifier narrows",
			"add rate limiting to all public endpoints",
			"add rate limiting to the login endpoint",
			AlignmentNarrower,
		},
		{
			"rewording keeps scope",
			"add rate limiting to all public endpoints",
			"introduce rate limiting across every public endpoint",
			AlignmentSameScope,
		},
		{
			"unrelated goal is a different domain",
			"add rate limiting to all public endpoints",
			"refactor the billing reconciliation job",
			AlignmentDifferentDomain,
		},
		{
			"extra unrelated work broadens",
			"update the session cookie flags",
			"update the session cookie flags and migrate the user table and rewrite the audit logger",
			AlignmentBroader,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyAlignment(tt.original, tt.revised))
		})
	}
}
