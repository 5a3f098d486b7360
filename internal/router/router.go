package router

import (
	"fmt"

	"go.uber.org/zap"

	"patchpilot/internal/config"
	"patchpilot/internal/logging"
	"patchpilot/internal/state"
)

// Role distinguishes builder and auditor selection.
type Role string

const (
	RoleBuilder Role = "builder"
	RoleAuditor Role = "auditor"
	RoleDoctor  Role = "doctor"
)

// ModelChoice is a resolved provider/model pair plus the policy that chose it.
type ModelChoice struct {
	Provider  string
	Model     string
	Strategy  string
	DualAudit bool
	// Substituted is set when quota routing picked a fallback instead of the
	// strategy's preferred model.
	Substituted bool
}

// QuotaBlockError reports that a best_first category has no available
// provider. It is always surfaced; best_first never downgrades silently.
type QuotaBlockError struct {
	Category string
	Provider string
}

func (e *QuotaBlockError) Error() string {
	return fmt.Sprintf("quota blocked: best_first category %q has no available provider (last tried %q)",
		e.Category, e.Provider)
}

// Router maps (role, category, complexity, attempt, overrides) to a model
// choice, consulting quota state before committing to a provider.
type Router struct {
	cfg   *config.Config
	quota *QuotaState
	log   *zap.Logger
}

// New creates a router.
func New(cfg *config.Config, quota *QuotaState) *Router {
	return &Router{cfg: cfg, quota: quota, log: logging.Get(logging.CategoryRouter)}
}

// Select resolves the model for one agent call. attempt is 1-based.
// overrides are run-level category policies and take precedence over the
// configured routing table.
func (r *Router) Select(role Role, category string, complexity state.Complexity, attempt int, overrides map[string]config.RoutingPolicy) (ModelChoice, error) {
	if attempt < 1 {
		attempt = 1
	}

	policy, ok := r.resolvePolicy(category, complexity, overrides)
	if !ok {
		return ModelChoice{}, fmt.Errorf("no routing policy for category %q complexity %q", category, complexity)
	}

	switch policy.Strategy {
	case config.StrategyBestFirst:
		return r.selectBestFirst(category, policy)
	case config.StrategyProgressive, config.StrategyCheapFirst:
		return r.selectEscalating(role, category, policy, attempt)
	default:
		return ModelChoice{}, fmt.Errorf("category %q: unknown strategy %q", category, policy.Strategy)
	}
}

func (r *Router) resolvePolicy(category string, complexity state.Complexity, overrides map[string]config.RoutingPolicy) (config.RoutingPolicy, bool) {
	if overrides != nil {
		if p, ok := overrides[category]; ok {
			return p, true
		}
	}
	return r.cfg.PolicyFor(category, string(complexity))
}

// selectBestFirst always uses the strongest configured model. When its
// provider is unavailable it raises rather than substituting: a
// high-blast-radius category must never run on anything but the model it
// was configured for, so the block is surfaced instead of routed around.
func (r *Router) selectBestFirst(category string, policy config.RoutingPolicy) (ModelChoice, error) {
	primary := policy.Primary
	if r.quota.Disabled(primary.Provider) {
		r.log.Warn("best_first provider unavailable, blocking",
			zap.String("category", category),
			zap.String("provider", primary.Provider))
		return ModelChoice{}, &QuotaBlockError{Category: category, Provider: primary.Provider}
	}
	return ModelChoice{Provider: primary.Provider, Model: primary.Model, Strategy: policy.Strategy, DualAudit: policy.DualAudit}, nil
}

// selectEscalating walks the escalation chain by attempt count and routes
// around unavailable providers, logging every substitution.
func (r *Router) selectEscalating(role Role, category string, policy config.RoutingPolicy, attempt int) (ModelChoice, error) {
	chain := append([]config.ModelRef{policy.Primary}, policy.EscalationChain...)

	escalateAfter := policy.EscalateAfter
	if escalateAfter <= 0 {
		escalateAfter = 2
	}
	// attempt 1..escalateAfter -> chain[0]; next escalateAfter attempts -> chain[1]; ...
	step := (attempt - 1) / escalateAfter
	if step >= len(chain) {
		step = len(chain) - 1
	}

	// Prefer the step's model; on quota trouble walk forward through the
	// chain, then backward, before giving up.
	order := make([]int, 0, len(chain))
	for i := step; i < len(chain); i++ {
		order = append(order, i)
	}
	for i := step - 1; i >= 0; i-- {
		order = append(order, i)
	}

	for _, idx := range order {
		ref := chain[idx]
		if r.quota.Available(ref.Provider) {
			choice := ModelChoice{
				Provider:    ref.Provider,
				Model:       ref.Model,
				Strategy:    policy.Strategy,
				DualAudit:   policy.DualAudit,
				Substituted: idx != step,
			}
			if choice.Substituted {
				r.log.Info("quota substitution",
					zap.String("role", string(role)),
					zap.String("category", category),
					zap.String("wanted", chain[step].Provider+"/"+chain[step].Model),
					zap.String("using", ref.Provider+"/"+ref.Model))
			}
			return choice, nil
		}
	}
	return ModelChoice{}, fmt.Errorf("category %q: all providers in fallback chain unavailable", category)
}

// MaxAttempts returns the configured attempt cap for a category, falling
// back to the complexity-class budget.
func (r *Router) MaxAttempts(category string, complexity state.Complexity, overrides map[string]config.RoutingPolicy) int {
	if policy, ok := r.resolvePolicy(category, complexity, overrides); ok && policy.MaxAttempts > 0 {
		return policy.MaxAttempts
	}
	return state.MaxBuilderAttempts(complexity)
}

// DualAudit reports whether a category requires two independent auditors.
func (r *Router) DualAudit(category string, complexity state.Complexity, overrides map[string]config.RoutingPolicy) bool {
	policy, ok := r.resolvePolicy(category, complexity, overrides)
	return ok && policy.DualAudit
}
