package state

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"patchpilot/internal/logging"
)

// StateError reports an illegal state transition. It is a data-integrity
// fault: fatal, surfaced immediately, never retried or coerced.
type StateError struct {
	PhaseID string
	From    PhaseStatus
	To      PhaseStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("illegal phase transition %s -> %s (phase %s)", e.From, e.To, e.PhaseID)
}

// Outcome is the supervisor-visible result of one step of a phase cycle.
type Outcome string

const (
	OutcomeStart         Outcome = "start"          // queued -> in_progress
	OutcomeBuilderOK     Outcome = "builder_ok"     // in_progress -> builder_done
	OutcomeAuditorOK     Outcome = "auditor_ok"     // builder_done -> auditor_done
	OutcomeComplete      Outcome = "complete"       // auditor_done -> complete
	OutcomeBlock         Outcome = "block"          // any active -> blocked
	OutcomeFail          Outcome = "fail"           // any active -> failed
	OutcomeRetry         Outcome = "retry"          // active -> in_progress (new attempt)
	OutcomeReplanRequeue Outcome = "replan_requeue" // active -> queued with revised description
)

// transitions is the legal transition table keyed by current status.
var transitions = map[PhaseStatus]map[Outcome]PhaseStatus{
	PhaseQueued: {
		OutcomeStart: PhaseInProgress,
		OutcomeFail:  PhaseFailed, // e.g. run-level abort before dispatch
	},
	PhaseInProgress: {
		OutcomeBuilderOK:     PhaseBuilderDone,
		OutcomeRetry:         PhaseInProgress,
		OutcomeBlock:         PhaseBlocked,
		OutcomeFail:          PhaseFailed,
		OutcomeReplanRequeue: PhaseQueued,
	},
	PhaseBuilderDone: {
		OutcomeAuditorOK:     PhaseAuditorDone,
		OutcomeRetry:         PhaseInProgress,
		OutcomeBlock:         PhaseBlocked,
		OutcomeFail:          PhaseFailed,
		OutcomeReplanRequeue: PhaseQueued,
	},
	PhaseAuditorDone: {
		OutcomeComplete:      PhaseComplete,
		OutcomeRetry:         PhaseInProgress,
		OutcomeBlock:         PhaseBlocked,
		OutcomeFail:          PhaseFailed,
		OutcomeReplanRequeue: PhaseQueued,
	},
}

// Machine applies transitions to a Run and keeps the tier/run rollup status
// consistent. It holds no state of its own beyond a logger.
type Machine struct {
	log *zap.Logger
}

// NewMachine creates a state machine.
func NewMachine() *Machine {
	return &Machine{log: logging.Get(logging.CategorySupervisor)}
}

// NextEligiblePhase returns the first queued phase in (tier index, phase
// index) order, or nil when no phase is eligible. A tier's phases are
// eligible only once every predecessor tier is terminal-successful, unless
// the run opts in to parallel tiers.
func (m *Machine) NextEligiblePhase(run *Run) *Phase {
	if run.Status.Terminal() {
		return nil
	}
	for ti := range run.Tiers {
		tier := &run.Tiers[ti]
		if !run.ParallelTiers && ti > 0 {
			prev := &run.Tiers[ti-1]
			if prev.Status != TierCompleted {
				// A failed predecessor stops the pipeline; an active one
				// means this tier is not yet eligible.
				return nil
			}
		}
		if tier.Status == TierFailed {
			return nil
		}
		for pi := range tier.Phases {
			if tier.Phases[pi].Status == PhaseQueued {
				return &tier.Phases[pi]
			}
		}
	}
	return nil
}

// Advance applies an outcome to a phase. Illegal transitions return a
// *StateError. On success the tier and run rollup statuses are refreshed.
func (m *Machine) Advance(run *Run, phase *Phase, outcome Outcome) error {
	if phase.Status.Terminal() {
		return &StateError{PhaseID: phase.ID, From: phase.Status, To: phase.Status}
	}
	next, ok := transitions[phase.Status][outcome]
	if !ok {
		return &StateError{PhaseID: phase.ID, From: phase.Status, To: PhaseStatus(string(outcome))}
	}

	m.log.Debug("phase transition",
		zap.String("phase", phase.ID),
		zap.String("from", string(phase.Status)),
		zap.String("outcome", string(outcome)),
		zap.String("to", string(next)))

	phase.Status = next
	phase.UpdatedAt = time.Now()
	m.refresh(run)
	return nil
}

// RecordBuilderAttempt increments the builder attempt counter, enforcing
// the complexity budget.
func (m *Machine) RecordBuilderAttempt(phase *Phase) error {
	if phase.BuilderAttempts >= MaxBuilderAttempts(phase.Complexity) {
		return fmt.Errorf("builder attempt budget exhausted for phase %s (%d/%d)",
			phase.ID, phase.BuilderAttempts, MaxBuilderAttempts(phase.Complexity))
	}
	phase.BuilderAttempts++
	return nil
}

// RecordAuditorAttempt increments the auditor attempt counter, enforcing
// the complexity budget.
func (m *Machine) RecordAuditorAttempt(phase *Phase) error {
	if phase.AuditorAttempts >= MaxAuditorAttempts(phase.Complexity) {
		return fmt.Errorf("auditor attempt budget exhausted for phase %s (%d/%d)",
			phase.ID, phase.AuditorAttempts, MaxAuditorAttempts(phase.Complexity))
	}
	phase.AuditorAttempts++
	return nil
}

// refresh recomputes tier and run statuses from phase statuses. Transitions
// are monotonic: a terminal run is never resurrected.
func (m *Machine) refresh(run *Run) {
	if run.Status.Terminal() {
		return
	}

	for ti := range run.Tiers {
		tier := &run.Tiers[ti]
		if tier.Status.Terminal() {
			continue
		}
		allDone := true
		anyActive := false
		anyFailed := false
		for pi := range tier.Phases {
			switch tier.Phases[pi].Status {
			case PhaseComplete:
			case PhaseFailed, PhaseBlocked:
				anyFailed = true
			case PhaseQueued:
				allDone = false
			default:
				allDone = false
				anyActive = true
			}
		}
		switch {
		case anyFailed:
			tier.Status = TierFailed
		case allDone && len(tier.Phases) > 0:
			tier.Status = TierCompleted
		case anyActive:
			tier.Status = TierInProgress
		}
	}

	allTiersDone := true
	for ti := range run.Tiers {
		switch run.Tiers[ti].Status {
		case TierFailed:
			run.Status = RunFailed
			run.UpdatedAt = time.Now()
			return
		case TierCompleted:
		default:
			allTiersDone = false
		}
	}
	if allTiersDone && len(run.Tiers) > 0 {
		run.Status = RunCompleted
	} else if run.Status == RunQueued {
		run.Status = RunRunning
	}
	run.UpdatedAt = time.Now()
}

// Requeue re-enters a phase into the queue with a revised description after
// a replan. Attempt counters survive; the replan counter increments.
func (m *Machine) Requeue(run *Run, phase *Phase, revisedDescription string) error {
	if err := m.Advance(run, phase, OutcomeReplanRequeue); err != nil {
		return err
	}
	phase.Description = revisedDescription
	phase.ReplanCount++
	return nil
}

// NormalizeInFlight resets phases left in a non-terminal, non-queued status
// (for example after a process crash) back to queued so a resumed run can
// re-execute them.
func (m *Machine) NormalizeInFlight(run *Run) int {
	reset := 0
	for ti := range run.Tiers {
		for pi := range run.Tiers[ti].Phases {
			p := &run.Tiers[ti].Phases[pi]
			switch p.Status {
			case PhaseInProgress, PhaseBuilderDone, PhaseAuditorDone:
				p.Status = PhaseQueued
				reset++
			}
		}
	}
	if reset > 0 {
		m.log.Info("normalized dangling in-flight phases", zap.Int("count", reset))
	}
	return reset
}
