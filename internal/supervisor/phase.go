package supervisor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"patchpilot/internal/agent"
	"patchpilot/internal/doctor"
	"patchpilot/internal/patch"
	"patchpilot/internal/review"
	"patchpilot/internal/router"
	"patchpilot/internal/state"
	"patchpilot/internal/vcs"
)

// stageError carries a classified failure out of a builder or auditor stage.
type stageError struct {
	kind     doctor.FailureKind
	provider string
	cause    error
}

func (e *stageError) Error() string {
	if e.cause == nil {
		return string(e.kind)
	}
	return fmt.Sprintf("%s: %v", e.kind, e.cause)
}

func (e *stageError) Unwrap() error { return e.cause }

func newStageError(provider string, cause error) *stageError {
	return &stageError{kind: doctor.Classify(cause), provider: provider, cause: cause}
}

// executePhase drives one phase to a terminal or requeued status. It
// returns an error only for data-integrity faults; recoverable failures
// are settled through the doctor.
func (s *Supervisor) executePhase(ctx context.Context, run *state.Run, phase *state.Phase) error {
	if phase.Status == state.PhaseQueued {
		if err := s.machine.Advance(run, phase, state.OutcomeStart); err != nil {
			return err
		}
	}
	s.doctor.Anchors().Ensure(phase.ID, phase.Description)
	s.emit("phase_started", run.ID, phase.ID, phase.Description)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if run.TokenCap > 0 && run.TokensUsed > run.TokenCap && !run.AllowOverride {
			phase.Reason = fmt.Sprintf("token budget exhausted (%d/%d)", run.TokensUsed, run.TokenCap)
			run.FailureKind = string(doctor.FailureQuotaBlock)
			run.FailedPhaseID = phase.ID
			s.emit("phase_failed", run.ID, phase.ID, phase.Reason)
			return s.machine.Advance(run, phase, state.OutcomeFail)
		}
		if tier := run.TierOf(phase); tier != nil &&
			tier.TokenCap > 0 && tier.TokensUsed > tier.TokenCap && !run.AllowOverride {
			phase.Reason = fmt.Sprintf("tier token budget exhausted (%d/%d)", tier.TokensUsed, tier.TokenCap)
			run.FailureKind = string(doctor.FailureQuotaBlock)
			run.FailedPhaseID = phase.ID
			s.emit("phase_failed", run.ID, phase.ID, phase.Reason)
			return s.machine.Advance(run, phase, state.OutcomeFail)
		}

		// Builder stage: produce, validate, and apply a patch. A
		// transaction is open on the worktree when it succeeds.
		newContents, builderErr := s.builderStage(ctx, run, phase)
		if builderErr != nil {
			retry, err := s.handleFailure(ctx, run, phase, builderErr)
			if err != nil {
				return err
			}
			if retry {
				continue
			}
			return nil
		}
		if err := s.machine.Advance(run, phase, state.OutcomeBuilderOK); err != nil {
			_ = s.worktree.Rollback()
			return err
		}

		// Auditor stage: review the applied patch, then commit or roll back.
		decision, level, auditErr := s.auditorStage(ctx, run, phase, newContents)
		if auditErr != nil {
			_ = s.worktree.Rollback()
			retry, err := s.handleFailure(ctx, run, phase, auditErr)
			if err != nil {
				return err
			}
			if retry {
				if err := s.machine.Advance(run, phase, state.OutcomeRetry); err != nil {
					return err
				}
				continue
			}
			return nil
		}

		phase.Quality = level
		for _, issue := range decision.Issues {
			run.RecordIssue(phase, issue)
		}

		if decision.Verdict == agent.VerdictApprove && level != state.QualityBlocked {
			commit, err := s.worktree.CommitTx(fmt.Sprintf("%s: %s", phase.ID, phase.Description))
			if err != nil {
				return err
			}
			phase.CommitRef = commit.Ref
			if err := s.machine.Advance(run, phase, state.OutcomeAuditorOK); err != nil {
				return err
			}
			if err := s.machine.Advance(run, phase, state.OutcomeComplete); err != nil {
				return err
			}
			s.emit("phase_completed", run.ID, phase.ID, commit.Ref)
			s.log.Info("phase completed",
				zap.String("phase_id", phase.ID),
				zap.String("quality", string(level)),
				zap.String("commit", commit.Ref))
			return nil
		}

		_ = s.worktree.Rollback()

		if level == state.QualityBlocked {
			phase.Reason = "quality gate blocked the change"
			s.emit("phase_blocked", run.ID, phase.ID, phase.Reason)
			return s.machine.Advance(run, phase, state.OutcomeBlock)
		}

		// Rejected below the blocking threshold: the doctor decides between
		// another builder cycle and a replan.
		rejectErr := &stageError{
			kind:  doctor.FailureAuditorReject,
			cause: fmt.Errorf("auditor rejected: %s", decision.Summary),
		}
		retry, err := s.handleFailure(ctx, run, phase, rejectErr)
		if err != nil {
			return err
		}
		if retry {
			if err := s.machine.Advance(run, phase, state.OutcomeRetry); err != nil {
				return err
			}
			continue
		}
		return nil
	}
}

// handleFailure routes a stage failure through the doctor and applies the
// decision. retry=true means the caller should run another cycle.
func (s *Supervisor) handleFailure(ctx context.Context, run *state.Run, phase *state.Phase, sErr *stageError) (bool, error) {
	decision := s.doctor.Diagnose(ctx, run, phase, sErr.provider, sErr.kind, sErr.cause)

	switch decision.Action {
	case doctor.ActionRetry:
		s.emit("phase_retry", run.ID, phase.ID, decision.Reason)
		s.sleep(ctx, decision.Backoff)
		return true, nil

	case doctor.ActionReplan:
		run.ReplanBudget--
		if err := s.machine.Requeue(run, phase, decision.RevisedDescription); err != nil {
			return false, err
		}
		s.persistAnchor(phase.ID)
		s.emit("phase_replanned", run.ID, phase.ID, decision.RevisedDescription)
		s.log.Info("phase replanned",
			zap.String("phase_id", phase.ID),
			zap.String("alignment", string(decision.Alignment)),
			zap.Int("replan_budget", run.ReplanBudget))
		return false, nil

	case doctor.ActionBlock:
		phase.Reason = decision.Reason
		run.FailureKind = string(decision.Kind)
		run.FailedPhaseID = phase.ID
		s.emit("phase_blocked", run.ID, phase.ID, decision.Reason)
		return false, s.machine.Advance(run, phase, state.OutcomeBlock)

	default: // ActionAbort
		phase.Reason = decision.Reason
		run.FailureKind = string(decision.Kind)
		run.FailedPhaseID = phase.ID
		s.emit("phase_failed", run.ID, phase.ID, decision.Reason)
		return false, s.machine.Advance(run, phase, state.OutcomeFail)
	}
}

func (s *Supervisor) persistAnchor(phaseID string) {
	if s.store == nil {
		return
	}
	if goal, ok := s.doctor.Anchors().Get(phaseID); ok {
		if err := s.store.SaveAnchor(goal); err != nil {
			s.log.Error("failed to persist goal anchor", zap.String("phase_id", phaseID), zap.Error(err))
		}
	}
}

// builderStage runs one builder call and applies the resulting patch. On
// success a worktree transaction is left open for the auditor stage and the
// post-apply contents are returned.
func (s *Supervisor) builderStage(ctx context.Context, run *state.Run, phase *state.Phase) (map[string]string, *stageError) {
	if phase.BuilderAttempts >= state.MaxBuilderAttempts(phase.Complexity) {
		return nil, &stageError{
			kind:  doctor.FailurePatchApply,
			cause: fmt.Errorf("builder attempt budget exhausted (%d)", phase.BuilderAttempts),
		}
	}

	choice, err := s.router.Select(router.RoleBuilder, phase.TaskCategory, phase.Complexity,
		phase.BuilderAttempts+1, s.overrides)
	if err != nil {
		return nil, &stageError{kind: doctor.Classify(err), cause: err}
	}
	client, ok := s.clients[choice.Provider]
	if !ok {
		return nil, &stageError{
			kind:     doctor.FailureInfra,
			provider: choice.Provider,
			cause:    fmt.Errorf("no client configured for provider %s", choice.Provider),
		}
	}

	resp, err := s.invoke(ctx, client, agent.Request{
		Role:      agent.RoleBuilder,
		Model:     choice.Model,
		System:    builderSystemPrompt,
		Prompt:    s.builderPrompt(run, phase),
		MaxTokens: builderMaxTokens,
	}, run, phase)
	if err != nil {
		return nil, newStageError(choice.Provider, err)
	}
	if err := s.machine.RecordBuilderAttempt(phase); err != nil {
		return nil, &stageError{kind: doctor.FailurePatchApply, provider: choice.Provider, cause: err}
	}

	result, err := agent.DecodeBuilderResult(resp.Text)
	if err != nil {
		return nil, &stageError{kind: doctor.FailurePatchApply, provider: choice.Provider, cause: err}
	}
	p, err := patch.FromBuilderResult(phase.ID, result)
	if err != nil {
		return nil, &stageError{kind: doctor.FailurePatchApply, provider: choice.Provider, cause: err}
	}

	newContents, err := s.validator.Validate(p, s.worktree)
	if err != nil {
		var rejection *patch.RejectionError
		if errors.As(err, &rejection) {
			for _, f := range rejection.Findings {
				run.RecordIssue(phase, state.Issue{
					Severity:    state.SeverityMinor,
					Category:    "patch_validation",
					Source:      string(f.Check),
					File:        f.Path,
					Description: f.Reason,
				})
			}
		}
		return nil, &stageError{kind: doctor.FailurePatchApply, provider: choice.Provider, cause: err}
	}

	paths := make([]string, 0, len(p.Files))
	for _, fc := range p.Files {
		paths = append(paths, fc.Path)
	}
	if err := s.worktree.Begin(phase.ID, paths); err != nil {
		return nil, &stageError{kind: doctor.FailureInfra, cause: err}
	}
	if s.watcher != nil {
		_ = s.watcher.Watch(paths)
		for _, path := range paths {
			s.watcher.MarkOwnWrite(path)
		}
	}
	if err := s.worktree.Apply(newContents); err != nil {
		_ = s.worktree.Rollback()
		var conflict *vcs.ConflictError
		if errors.As(err, &conflict) {
			// An external write is not the model's fault; retry without
			// consuming attempt budget.
			return nil, &stageError{kind: doctor.FailureInfra, cause: err}
		}
		return nil, &stageError{kind: doctor.FailurePatchApply, provider: choice.Provider, cause: err}
	}

	s.emit("patch_applied", run.ID, phase.ID, p.Summary)
	return newContents, nil
}

// auditorStage reviews the applied patch. Dual-audit categories run two
// independent calls in parallel and merge by consensus.
func (s *Supervisor) auditorStage(ctx context.Context, run *state.Run, phase *state.Phase, newContents map[string]string) (review.Decision, state.QualityLevel, *stageError) {
	if phase.AuditorAttempts >= state.MaxAuditorAttempts(phase.Complexity) {
		return review.Decision{}, "", &stageError{
			kind:  doctor.FailureAuditorReject,
			cause: fmt.Errorf("auditor attempt budget exhausted (%d)", phase.AuditorAttempts),
		}
	}

	choice, err := s.router.Select(router.RoleAuditor, phase.TaskCategory, phase.Complexity,
		phase.AuditorAttempts+1, s.overrides)
	if err != nil {
		return review.Decision{}, "", &stageError{kind: doctor.Classify(err), cause: err}
	}
	client, ok := s.clients[choice.Provider]
	if !ok {
		return review.Decision{}, "", &stageError{
			kind:     doctor.FailureInfra,
			provider: choice.Provider,
			cause:    fmt.Errorf("no client configured for provider %s", choice.Provider),
		}
	}

	calls := 1
	if choice.DualAudit {
		calls = 2
	}
	req := agent.Request{
		Role:      agent.RoleAuditor,
		Model:     choice.Model,
		System:    auditorSystemPrompt,
		Prompt:    s.auditorPrompt(run, phase, newContents),
		MaxTokens: auditorMaxTokens,
	}

	responses := make([]agent.Response, calls)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < calls; i++ {
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(gctx, s.cfg.Supervisor.AgentTimeout)
			defer cancel()
			resp, err := client.Invoke(tctx, req)
			if err != nil {
				return err
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return review.Decision{}, "", newStageError(choice.Provider, err)
	}

	results := make([]agent.AuditorResult, calls)
	for i, resp := range responses {
		s.trackUsage(run, phase, client.Provider(), choice.Model, agent.RoleAuditor, resp)
		results[i] = agent.DecodeAuditorResult(resp.Text)
	}
	if err := s.machine.RecordAuditorAttempt(phase); err != nil {
		return review.Decision{}, "", &stageError{kind: doctor.FailureAuditorReject, cause: err}
	}

	decision := review.Merge(results...)
	risk := review.RiskFor(s.policyFor(phase))
	tolerance := state.IssueTolerance{}
	if tier := run.TierOf(phase); tier != nil {
		tolerance = tier.Tolerance
	}
	level := review.Gate(decision.Issues, risk, tolerance)

	s.log.Info("audit merged",
		zap.String("phase_id", phase.ID),
		zap.Int("auditors", calls),
		zap.String("verdict", string(decision.Verdict)),
		zap.Bool("disagreed", decision.Disagreed),
		zap.Int("issues", len(decision.Issues)),
		zap.String("gate", string(level)))
	return decision, level, nil
}

// invoke performs one timed agent call and records its token usage.
func (s *Supervisor) invoke(ctx context.Context, client agent.Client, req agent.Request, run *state.Run, phase *state.Phase) (agent.Response, error) {
	tctx, cancel := context.WithTimeout(ctx, s.cfg.Supervisor.AgentTimeout)
	defer cancel()

	resp, err := client.Invoke(tctx, req)
	if err != nil {
		return agent.Response{}, err
	}
	s.trackUsage(run, phase, client.Provider(), req.Model, req.Role, resp)
	return resp, nil
}

func (s *Supervisor) trackUsage(run *state.Run, phase *state.Phase, provider, model string, role agent.Role, resp agent.Response) {
	s.tracker.Track(usageEvent(run, phase, provider, model, role, resp))
	tokens := int64(resp.PromptTokens + resp.CompletionTokens)
	run.TokensUsed += tokens
	if tier := run.TierOf(phase); tier != nil {
		tier.TokensUsed += tokens
	}
}
