package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"patchpilot/internal/state"
)

// PhasePlan describes one phase of a run plan file.
type PhasePlan struct {
	Description  string `yaml:"description"`
	TaskCategory string `yaml:"category"`
	Complexity   string `yaml:"complexity,omitempty"`
	// ContextFiles are worktree paths handed to the builder as context.
	ContextFiles []string `yaml:"context_files,omitempty"`
}

// TierPlan describes one tier of a run plan file.
type TierPlan struct {
	Name      string               `yaml:"name"`
	TokenCap  int64                `yaml:"token_cap,omitempty"`
	MaxCIRuns int                  `yaml:"max_ci_runs,omitempty"`
	Tolerance state.IssueTolerance `yaml:"tolerance,omitempty"`
	Phases    []PhasePlan          `yaml:"phases"`
}

// RunPlan is the operator-authored description of a run.
type RunPlan struct {
	Goal          string     `yaml:"goal"`
	Safety        string     `yaml:"safety,omitempty"`
	TokenCap      int64      `yaml:"token_cap,omitempty"`
	AllowOverride bool       `yaml:"allow_override,omitempty"`
	ReplanBudget  int        `yaml:"replan_budget,omitempty"`
	Tiers         []TierPlan `yaml:"tiers"`
	// RoutingOverrides are run-level policy overrides by category.
	RoutingOverrides map[string]RoutingPolicy `yaml:"routing_overrides,omitempty"`
}

// LoadPlan reads and validates a run plan file.
func LoadPlan(path string) (*RunPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	var plan RunPlan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	if plan.Goal == "" {
		return nil, fmt.Errorf("plan: goal is required")
	}
	if len(plan.Tiers) == 0 {
		return nil, fmt.Errorf("plan: at least one tier is required")
	}
	for i, tier := range plan.Tiers {
		if len(tier.Phases) == 0 {
			return nil, fmt.Errorf("plan: tier %d has no phases", i)
		}
	}
	return &plan, nil
}

// BuildRun materializes a Run from a plan, assigning IDs and normalizing
// complexity input. A plan without an explicit replan budget inherits
// doctor.max_replans_per_run from the configuration.
func (p *RunPlan) BuildRun(cfg *Config) *state.Run {
	now := time.Now()
	run := &state.Run{
		ID:            uuid.NewString(),
		Goal:          p.Goal,
		Status:        state.RunQueued,
		Safety:        state.SafetyProfile(p.Safety),
		TokenCap:      p.TokenCap,
		AllowOverride: p.AllowOverride,
		ReplanBudget:  p.ReplanBudget,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if run.Safety == "" {
		run.Safety = state.SafetyStandard
	}
	if run.ReplanBudget == 0 {
		run.ReplanBudget = Default().Doctor.MaxReplansPerRun
		if cfg != nil && cfg.Doctor.MaxReplansPerRun > 0 {
			run.ReplanBudget = cfg.Doctor.MaxReplansPerRun
		}
	}
	for ti, tp := range p.Tiers {
		tier := state.Tier{
			Index:     ti,
			Name:      tp.Name,
			Status:    state.TierQueued,
			TokenCap:  tp.TokenCap,
			MaxCIRuns: tp.MaxCIRuns,
			Tolerance: tp.Tolerance,
		}
		for pi, pp := range tp.Phases {
			tier.Phases = append(tier.Phases, state.Phase{
				ID:           uuid.NewString(),
				TierIndex:    ti,
				Index:        pi,
				Description:  pp.Description,
				TaskCategory: pp.TaskCategory,
				Complexity:   state.NormalizeComplexity(pp.Complexity),
				ContextFiles: pp.ContextFiles,
				Status:       state.PhaseQueued,
				UpdatedAt:    now,
			})
		}
		run.Tiers = append(run.Tiers, tier)
	}
	return run
}
