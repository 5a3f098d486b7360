// Package supervisor runs the execution loop: it walks the run's state
// machine one phase at a time, drives the builder/validate/apply/audit
// cycle, and hands every failure to the doctor. One goroutine per run;
// runs share only the process-wide quota state.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"patchpilot/internal/agent"
	"patchpilot/internal/config"
	"patchpilot/internal/doctor"
	"patchpilot/internal/logging"
	"patchpilot/internal/patch"
	"patchpilot/internal/router"
	"patchpilot/internal/state"
	"patchpilot/internal/store"
	"patchpilot/internal/usage"
	"patchpilot/internal/vcs"
)

// Event is one entry of the supervisor's event stream.
type Event struct {
	Type    string
	RunID   string
	PhaseID string
	Message string
	At      time.Time
}

// Deps bundles the collaborators a Supervisor needs.
type Deps struct {
	Config    *config.Config
	Machine   *state.Machine
	Router    *router.Router
	Tracker   *usage.Tracker
	Validator *patch.Validator
	Worktree  *vcs.Worktree
	Watcher   *vcs.Watcher // optional
	Doctor    *doctor.Doctor
	Store     *store.Store // optional
	Clients   map[string]agent.Client
	// Overrides are run-level routing policies by category.
	Overrides map[string]config.RoutingPolicy
}

// Supervisor executes runs.
type Supervisor struct {
	cfg       *config.Config
	machine   *state.Machine
	router    *router.Router
	tracker   *usage.Tracker
	validator *patch.Validator
	worktree  *vcs.Worktree
	watcher   *vcs.Watcher
	doctor    *doctor.Doctor
	store     *store.Store
	clients   map[string]agent.Client
	overrides map[string]config.RoutingPolicy

	mu     sync.Mutex
	active map[string]bool

	events chan Event
	log    *zap.Logger
}

// New creates a supervisor.
func New(deps Deps) *Supervisor {
	return &Supervisor{
		cfg:       deps.Config,
		machine:   deps.Machine,
		router:    deps.Router,
		tracker:   deps.Tracker,
		validator: deps.Validator,
		worktree:  deps.Worktree,
		watcher:   deps.Watcher,
		doctor:    deps.Doctor,
		store:     deps.Store,
		clients:   deps.Clients,
		overrides: deps.Overrides,
		active:    make(map[string]bool),
		events:    make(chan Event, 256),
		log:       logging.Get(logging.CategorySupervisor),
	}
}

// Events returns the event stream. Events are dropped, not blocked on,
// when no one is reading.
func (s *Supervisor) Events() <-chan Event { return s.events }

func (s *Supervisor) emit(eventType, runID, phaseID, message string) {
	ev := Event{Type: eventType, RunID: runID, PhaseID: phaseID, Message: message, At: time.Now()}
	select {
	case s.events <- ev:
	default:
	}
}

// Run executes a run to a terminal state. A run already being executed by
// this process is refused; the loop is strictly single-flight per run.
func (s *Supervisor) Run(ctx context.Context, run *state.Run) error {
	s.mu.Lock()
	if s.active[run.ID] {
		s.mu.Unlock()
		return fmt.Errorf("run %s is already executing", run.ID)
	}
	s.active[run.ID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, run.ID)
		s.mu.Unlock()
	}()

	// Crash recovery: anything left mid-flight by a previous process is
	// re-queued before the loop starts.
	s.machine.NormalizeInFlight(run)

	stopHeartbeat := s.startHeartbeat(ctx, run)
	defer stopHeartbeat()

	s.emit("run_started", run.ID, "", run.Goal)
	s.log.Info("run started",
		zap.String("run_id", run.ID),
		zap.String("goal", run.Goal),
		zap.Int("tiers", len(run.Tiers)))

	for iteration := 0; iteration < s.cfg.Supervisor.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			s.saveRun(run)
			return err
		}
		// Cooperative cancellation: checked between phases only, an
		// in-flight agent call is allowed to finish.
		if run.Status == state.RunCancelled {
			s.emit("run_cancelled", run.ID, "", "")
			s.saveRun(run)
			return nil
		}
		if run.Status.Terminal() {
			break
		}

		phase := s.machine.NextEligiblePhase(run)
		if phase == nil {
			break
		}

		if err := s.executePhase(ctx, run, phase); err != nil {
			run.Status = state.RunFailed
			run.FailedPhaseID = phase.ID
			s.saveRun(run)
			s.emit("run_failed", run.ID, phase.ID, err.Error())
			return err
		}
		s.saveRun(run)
	}

	s.saveRun(run)
	s.emit("run_finished", run.ID, "", string(run.Status))
	s.log.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Int64("tokens_used", run.TokensUsed))

	if !run.Status.Terminal() {
		return fmt.Errorf("run %s stopped after %d iterations without reaching a terminal state",
			run.ID, s.cfg.Supervisor.MaxIterations)
	}
	return nil
}

// startHeartbeat autosaves the run periodically so a crash loses at most
// one heartbeat of progress.
func (s *Supervisor) startHeartbeat(ctx context.Context, run *state.Run) func() {
	if s.store == nil || s.cfg.Supervisor.HeartbeatEvery <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(s.cfg.Supervisor.HeartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				s.saveRun(run)
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (s *Supervisor) saveRun(run *state.Run) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveRun(run); err != nil {
		s.log.Error("failed to persist run", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// sleep waits for d, returning early on ctx cancellation.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (s *Supervisor) policyFor(phase *state.Phase) config.RoutingPolicy {
	if p, ok := s.overrides[phase.TaskCategory]; ok {
		return p
	}
	if p, ok := s.cfg.PolicyFor(phase.TaskCategory, string(phase.Complexity)); ok {
		return p
	}
	return config.RoutingPolicy{Strategy: config.StrategyProgressive}
}
