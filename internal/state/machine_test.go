package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoTierRun() *Run {
	return &Run{
		ID:     "run-1",
		Status: RunQueued,
		Tiers: []Tier{
			{
				Index:  0,
				Status: TierQueued,
				Phases: []Phase{
					{ID: "p0", TierIndex: 0, Index: 0, Complexity: ComplexityMedium, Status: PhaseQueued},
					{ID: "p1", TierIndex: 0, Index: 1, Complexity: ComplexityMedium, Status: PhaseQueued},
				},
			},
			{
				Index:  1,
				Status: TierQueued,
				Phases: []Phase{
					{ID: "p2", TierIndex: 1, Index: 0, Complexity: ComplexityLow, Status: PhaseQueued},
				},
			},
		},
	}
}

func completePhase(t *testing.T, m *Machine, run *Run, phase *Phase) {
	t.Helper()
	require.NoError(t, m.Advance(run, phase, OutcomeStart))
	require.NoError(t, m.Advance(run, phase, OutcomeBuilderOK))
	require.NoError(t, m.Advance(run, phase, OutcomeAuditorOK))
	require.NoError(t, m.Advance(run, phase, OutcomeComplete))
}

func TestTierOrderingGatesEligibility(t *testing.T) {
	m := NewMachine()
	run := twoTierRun()

	first := m.NextEligiblePhase(run)
	require.NotNil(t, first)
	assert.Equal(t, "p0", first.ID)

	// Tier 1 stays ineligible until tier 0 completes entirely.
	completePhase(t, m, run, first)
	second := m.NextEligiblePhase(run)
	require.NotNil(t, second)
	assert.Equal(t, "p1", second.ID)

	completePhase(t, m, run, second)
	assert.Equal(t, TierCompleted, run.Tiers[0].Status)

	third := m.NextEligiblePhase(run)
	require.NotNil(t, third)
	assert.Equal(t, "p2", third.ID)
}

func TestParallelTiersSkipGating(t *testing.T) {
	m := NewMachine()
	run := twoTierRun()
	run.ParallelTiers = true
	run.Tiers[0].Phases[0].Status = PhaseInProgress
	run.Tiers[0].Phases[1].Status = PhaseInProgress

	next := m.NextEligiblePhase(run)
	require.NotNil(t, next)
	assert.Equal(t, "p2", next.ID)
}

func TestFailedPhaseFailsTierAndRun(t *testing.T) {
	m := NewMachine()
	run := twoTierRun()
	phase := &run.Tiers[0].Phases[0]

	require.NoError(t, m.Advance(run, phase, OutcomeStart))
	require.NoError(t, m.Advance(run, phase, OutcomeFail))

	assert.Equal(t, TierFailed, run.Tiers[0].Status)
	assert.Equal(t, RunFailed, run.Status)
	assert.Nil(t, m.NextEligiblePhase(run))
}

func TestTerminalPhaseIsImmutable(t *testing.T) {
	m := NewMachine()
	run := twoTierRun()
	phase := &run.Tiers[0].Phases[0]
	completePhase(t, m, run, phase)

	err := m.Advance(run, phase, OutcomeStart)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, PhaseComplete, stateErr.From)
}

func TestIllegalTransitionReturnsStateError(t *testing.T) {
	m := NewMachine()
	run := twoTierRun()
	phase := &run.Tiers[0].Phases[0]

	// auditor_ok is not legal from queued.
	err := m.Advance(run, phase, OutcomeAuditorOK)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, PhaseQueued, stateErr.From)
}

func TestTerminalRunIsNeverResurrected(t *testing.T) {
	m := NewMachine()
	run := twoTierRun()
	phase := &run.Tiers[0].Phases[0]
	require.NoError(t, m.Advance(run, phase, OutcomeStart))
	require.NoError(t, m.Advance(run, phase, OutcomeFail))
	require.Equal(t, RunFailed, run.Status)

	// Completing the sibling later must not flip the run back.
	sibling := &run.Tiers[0].Phases[1]
	sibling.Status = PhaseComplete
	m.refresh(run)
	assert.Equal(t, RunFailed, run.Status)
}

func TestRequeueCarriesRevisedDescription(t *testing.T) {
	m := NewMachine()
	run := twoTierRun()
	phase := &run.Tiers[0].Phases[0]
	require.NoError(t, m.Advance(run, phase, OutcomeStart))

	require.NoError(t, m.Requeue(run, phase, "revised task description"))
	assert.Equal(t, PhaseQueued, phase.Status)
	assert.Equal(t, "revised task description", phase.Description)
	assert.Equal(t, 1, phase.ReplanCount)

	// The requeued phase is eligible again.
	next := m.NextEligiblePhase(run)
	require.NotNil(t, next)
	assert.Equal(t, phase.ID, next.ID)
}

func TestAttemptBudgetsByComplexity(t *testing.T) {
	m := NewMachine()
	low := &Phase{ID: "p", Complexity: ComplexityLow}
	require.NoError(t, m.RecordBuilderAttempt(low))
	require.NoError(t, m.RecordBuilderAttempt(low))
	assert.Error(t, m.RecordBuilderAttempt(low))

	high := &Phase{ID: "q", Complexity: ComplexityHigh}
	for i := 0; i < 4; i++ {
		require.NoError(t, m.RecordBuilderAttempt(high))
	}
	assert.Error(t, m.RecordBuilderAttempt(high))
}

func TestNormalizeInFlight(t *testing.T) {
	m := NewMachine()
	run := twoTierRun()
	run.Tiers[0].Phases[0].Status = PhaseBuilderDone
	run.Tiers[0].Phases[1].Status = PhaseComplete

	reset := m.NormalizeInFlight(run)
	assert.Equal(t, 1, reset)
	assert.Equal(t, PhaseQueued, run.Tiers[0].Phases[0].Status)
	assert.Equal(t, PhaseComplete, run.Tiers[0].Phases[1].Status)
}

func TestNormalizeComplexity(t *testing.T) {
	assert.Equal(t, ComplexityLow, NormalizeComplexity("Trivial"))
	assert.Equal(t, ComplexityHigh, NormalizeComplexity("CRITICAL"))
	assert.Equal(t, ComplexityMaintenance, NormalizeComplexity("chore"))
	assert.Equal(t, ComplexityMedium, NormalizeComplexity(""))
	assert.Equal(t, ComplexityMedium, NormalizeComplexity("bananas"))
}

func TestIssueRollup(t *testing.T) {
	run := twoTierRun()
	phase := &run.Tiers[0].Phases[0]

	run.RecordIssue(phase, Issue{Severity: SeverityMajor, Category: "security", Description: "x"})
	run.RecordIssue(phase, Issue{Severity: SeverityMinor, Category: "style", Description: "y"})

	assert.Equal(t, 1, phase.IssueCounts.Major)
	assert.Equal(t, 1, run.Tiers[0].IssueCounts.Major)
	assert.Equal(t, 1, run.IssueCounts.Major)
	assert.Equal(t, 2, run.IssueCounts.Total())

	// Counts only decrease through explicit resolution.
	run.IssueCounts.Resolve(SeverityMinor)
	assert.Equal(t, 1, run.IssueCounts.Total())
}
