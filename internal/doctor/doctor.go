// Package doctor is the self-healing layer: it buckets phase failures into
// a fixed taxonomy, decides retry/escalate/replan/abort, and anchors every
// replan to the phase's original intent so repeated failures cannot quietly
// shrink or redirect the goal.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"patchpilot/internal/agent"
	"patchpilot/internal/config"
	"patchpilot/internal/logging"
	"patchpilot/internal/patch"
	"patchpilot/internal/router"
	"patchpilot/internal/state"
)

// FailureKind is the failure taxonomy. Every error reaching the doctor is
// bucketed into exactly one kind before any decision is made.
type FailureKind string

const (
	FailureInfra         FailureKind = "infra_error"
	FailurePatchApply    FailureKind = "patch_apply_error"
	FailureAuditorReject FailureKind = "auditor_reject"
	FailureQuotaBlock    FailureKind = "quota_block"
	FailureState         FailureKind = "state_error"
)

// Action is what the supervisor should do next.
type Action string

const (
	// ActionRetry re-runs the same cycle, possibly after backoff.
	ActionRetry Action = "retry"
	// ActionReplan requeues the phase with a revised description.
	ActionReplan Action = "replan"
	// ActionBlock marks the phase blocked for human attention.
	ActionBlock Action = "block"
	// ActionAbort marks the phase failed.
	ActionAbort Action = "abort"
)

// Decision is the doctor's verdict on one failure.
type Decision struct {
	Action Action
	Kind   FailureKind
	// Backoff delays the retry; zero means immediate.
	Backoff time.Duration
	// ConsumedBudget is false for infrastructure failures, which retry on
	// an alternate provider without charging the phase's attempt budget.
	ConsumedBudget bool
	// ProviderDisabled is set when repeated infra errors took the provider
	// out of rotation for the rest of the run.
	ProviderDisabled bool
	// RevisedDescription and Alignment are set for ActionReplan.
	RevisedDescription string
	Alignment          Alignment
	Reason             string
}

var transientHints = []string{
	"timeout",
	"context deadline",
	"rate limit",
	"too many requests",
	"temporar",
	"connection",
	"unavailable",
	"network",
	"i/o",
	"status 5",
}

// Classify buckets an error into the failure taxonomy.
func Classify(err error) FailureKind {
	var quotaErr *router.QuotaBlockError
	if errors.As(err, &quotaErr) {
		return FailureQuotaBlock
	}
	var stateErr *state.StateError
	if errors.As(err, &stateErr) {
		return FailureState
	}
	var rejection *patch.RejectionError
	if errors.As(err, &rejection) {
		return FailurePatchApply
	}
	if errors.Is(err, agent.ErrMalformedOutput) {
		return FailurePatchApply
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range transientHints {
		if strings.Contains(msg, hint) {
			return FailureInfra
		}
	}
	return FailurePatchApply
}

// Doctor makes recovery decisions for failed phases.
type Doctor struct {
	cfg     config.DoctorConfig
	quota   *router.QuotaState
	anchors *AnchorStore
	// rt and clients, when set, drive replan drafting and drift
	// classification through a model. Without them the doctor falls back
	// to heuristics.
	rt      *router.Router
	clients map[string]agent.Client
	log     *zap.Logger
}

// New creates a doctor.
func New(cfg config.DoctorConfig, quota *router.QuotaState, anchors *AnchorStore) *Doctor {
	return &Doctor{
		cfg:     cfg,
		quota:   quota,
		anchors: anchors,
		log:     logging.Get(logging.CategoryDoctor),
	}
}

// WithAgents attaches the routing table and provider clients used for
// replan drafting and semantic drift checks.
func (d *Doctor) WithAgents(rt *router.Router, clients map[string]agent.Client) *Doctor {
	d.rt = rt
	d.clients = clients
	return d
}

// Anchors exposes the goal anchor store for persistence.
func (d *Doctor) Anchors() *AnchorStore { return d.anchors }

// Diagnose decides how to handle one failed cycle. provider is the
// provider that served the failing call; failure may be nil for an
// auditor rejection, which is not an error in transit.
func (d *Doctor) Diagnose(ctx context.Context, run *state.Run, phase *state.Phase, provider string, kind FailureKind, failure error) Decision {
	reason := ""
	if failure != nil {
		reason = failure.Error()
	}
	d.log.Warn("diagnosing failure",
		zap.String("phase_id", phase.ID),
		zap.String("kind", string(kind)),
		zap.String("provider", provider),
		zap.String("reason", reason))

	switch kind {
	case FailureState:
		return Decision{Action: ActionAbort, Kind: kind, Reason: reason}

	case FailureQuotaBlock:
		// best_first refused to substitute; a human or a quota reset has to
		// unblock this, downgrading silently is exactly what must not happen.
		return Decision{Action: ActionBlock, Kind: kind, Reason: reason}

	case FailureInfra:
		disabled := false
		if provider != "" {
			disabled = d.quota.RecordInfraError(provider)
		}
		return Decision{
			Action:           ActionRetry,
			Kind:             kind,
			Backoff:          d.backoff(kind, d.attemptsFor(phase, kind)),
			ConsumedBudget:   false,
			ProviderDisabled: disabled,
			Reason:           reason,
		}
	}

	// patch_apply_error and auditor_reject consume attempt budget; past the
	// threshold the phase is replanned rather than retried verbatim.
	attempts := d.attemptsFor(phase, kind)
	if attempts < d.cfg.ReplanAfterFailures {
		return Decision{
			Action:         ActionRetry,
			Kind:           kind,
			Backoff:        d.backoff(kind, attempts),
			ConsumedBudget: true,
			Reason:         reason,
		}
	}
	return d.replan(ctx, run, phase, kind, reason)
}

func (d *Doctor) attemptsFor(phase *state.Phase, kind FailureKind) int {
	if kind == FailureAuditorReject {
		return phase.AuditorAttempts
	}
	return phase.BuilderAttempts
}

func (d *Doctor) replan(ctx context.Context, run *state.Run, phase *state.Phase, kind FailureKind, reason string) Decision {
	if phase.ReplanCount >= d.cfg.MaxReplansPerPhase || run.ReplanBudget <= 0 {
		d.log.Error("replan budget exhausted",
			zap.String("phase_id", phase.ID),
			zap.Int("phase_replans", phase.ReplanCount),
			zap.Int("run_budget", run.ReplanBudget))
		return Decision{
			Action: ActionAbort,
			Kind:   kind,
			Reason: fmt.Sprintf("replan budget exhausted after %s", kind),
		}
	}

	anchor := d.anchors.Ensure(phase.ID, phase.Description)
	client, model := d.resolveAgent(phase)
	revised := d.draftRevision(ctx, client, model, anchor.OriginalIntent, phase.Description, reason)
	alignment := ClassifyAlignment(anchor.OriginalIntent, revised)
	if refined, ok := d.refineAlignment(ctx, client, model, anchor.OriginalIntent, revised); ok {
		alignment = refined
	}

	if alignment == AlignmentNarrower || alignment == AlignmentDifferentDomain {
		// Advisory only: the drift is logged and recorded, never blocking.
		d.log.Warn("replan drifts from original intent",
			zap.String("phase_id", phase.ID),
			zap.String("alignment", string(alignment)),
			zap.String("original", anchor.OriginalIntent),
			zap.String("revised", revised))
	}
	d.anchors.Record(phase.ID, ReplanRecord{
		Attempt:            d.attemptsFor(phase, kind),
		RevisedDescription: revised,
		Reason:             reason,
		Alignment:          alignment,
		At:                 time.Now().UTC(),
	})

	return Decision{
		Action:             ActionReplan,
		Kind:               kind,
		ConsumedBudget:     true,
		RevisedDescription: revised,
		Alignment:          alignment,
		Reason:             reason,
	}
}

// resolveAgent routes the doctor's drafting calls through the same table
// agent calls use. Any resolution failure degrades to the heuristic path;
// a phase that cannot reach a model still gets replanned.
func (d *Doctor) resolveAgent(phase *state.Phase) (agent.Client, string) {
	if d.rt == nil || len(d.clients) == 0 {
		return nil, ""
	}
	choice, err := d.rt.Select(router.RoleDoctor, phase.TaskCategory, phase.Complexity, 1, nil)
	if err != nil {
		d.log.Warn("doctor routing unavailable, using heuristic revision", zap.Error(err))
		return nil, ""
	}
	client, ok := d.clients[choice.Provider]
	if !ok {
		d.log.Warn("no client for doctor provider, using heuristic revision",
			zap.String("provider", choice.Provider))
		return nil, ""
	}
	return client, choice.Model
}

const reviseSystemPrompt = `You revise a failed implementation task description so the next attempt can succeed.
Hard constraint: the revision must preserve the original intent in full. Do not narrow the scope, do not change the goal.
Respond with only the revised description, one paragraph, no preamble.`

// draftRevision produces the revised phase description. With an agent
// attached it asks the model; otherwise it restates the original intent
// with the failure folded in as an explicit constraint.
func (d *Doctor) draftRevision(ctx context.Context, client agent.Client, model, originalIntent, current, reason string) string {
	if client != nil {
		prompt := fmt.Sprintf("Original intent:\n%s\n\nCurrent description:\n%s\n\nLast failure:\n%s",
			originalIntent, current, reason)
		resp, err := client.Invoke(ctx, agent.Request{
			Role:      agent.RoleDoctor,
			Model:     model,
			System:    reviseSystemPrompt,
			Prompt:    prompt,
			MaxTokens: 512,
		})
		if err == nil {
			if revised := strings.TrimSpace(resp.Text); revised != "" {
				return revised
			}
		} else {
			d.log.Warn("replan drafting failed, using heuristic revision", zap.Error(err))
		}
	}
	if reason == "" {
		return originalIntent
	}
	return fmt.Sprintf("%s. Previous attempt failed: %s. Address this failure while keeping the full original scope.",
		strings.TrimSuffix(originalIntent, "."), reason)
}

const alignmentSystemPrompt = `Compare a revised task description against the original intent.
Answer with exactly one word: same_scope, narrower, broader, or different_domain.`

func (d *Doctor) refineAlignment(ctx context.Context, client agent.Client, model, original, revised string) (Alignment, bool) {
	if client == nil {
		return "", false
	}
	resp, err := client.Invoke(ctx, agent.Request{
		Role:      agent.RoleDoctor,
		Model:     model,
		System:    alignmentSystemPrompt,
		Prompt:    fmt.Sprintf("Original intent:\n%s\n\nRevised description:\n%s", original, revised),
		MaxTokens: 8,
	})
	if err != nil {
		return "", false
	}
	switch Alignment(strings.TrimSpace(strings.ToLower(resp.Text))) {
	case AlignmentSameScope:
		return AlignmentSameScope, true
	case AlignmentNarrower:
		return AlignmentNarrower, true
	case AlignmentBroader:
		return AlignmentBroader, true
	case AlignmentDifferentDomain:
		return AlignmentDifferentDomain, true
	}
	return "", false
}

// backoff returns the retry delay for one failed attempt. Non-transient
// failures retry faster; a model that produced a bad patch does not need a
// cooling-off period, only transient infrastructure does.
func (d *Doctor) backoff(kind FailureKind, attempt int) time.Duration {
	base := d.cfg.RetryBackoffBase
	if base <= 0 {
		base = 5 * time.Second
	}
	maxBackoff := d.cfg.RetryBackoffMax
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Minute
	}

	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 10 {
		shift = 10
	}
	delay := base * time.Duration(1<<shift)

	if kind != FailureInfra && delay > 30*time.Second {
		delay = 30 * time.Second
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}
