package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchpilot/internal/state"
)

const sampleConfigYAML = `
providers:
  gemini:
    api_key_env: GEMINI_API_KEY
    soft_token_cap: 500000
    quota_window: 24h
    disable_after_infra_errors: 3
  zai:
    api_key_env: ZAI_API_KEY
    base_url: https://api.z.ai/api/coding/paas/v4

routing:
  security_auth_change:
    strategy: best_first
    primary: {provider: gemini, model: gemini-2.5-pro}
    dual_audit: true
  docs:
    strategy: cheap_first
    primary: {provider: zai, model: glm-4.5-air}
    escalate_after: 3

complexity_defaults:
  medium:
    strategy: progressive
    primary: {provider: zai, model: glm-4.6}

validator:
  full_file_line_threshold: 300
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadLayersOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, 300, cfg.Validator.FullFileLineThreshold)
	// Untouched defaults survive.
	assert.Equal(t, 0.3, cfg.Validator.MaxSymbolLossRatio)
	assert.Equal(t, 2, cfg.Doctor.ReplanAfterFailures)

	gemini := cfg.Providers["gemini"]
	assert.Equal(t, int64(500000), gemini.SoftTokenCap)
	assert.Equal(t, 24*time.Hour, gemini.QuotaWindow)

	sec := cfg.Routing["security_auth_change"]
	assert.Equal(t, StrategyBestFirst, sec.Strategy)
	assert.True(t, sec.DualAudit)
}

func TestLoadRejectsUnknownStrategy(t *testing.T) {
	bad := `
routing:
  docs:
    strategy: cheapest_maybe
    primary: {provider: zai, model: glm-4.5-air}
`
	_, err := Load(writeConfig(t, bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown strategy")
}

func TestLoadRejectsMissingPrimary(t *testing.T) {
	bad := `
routing:
  docs:
    strategy: cheap_first
`
	_, err := Load(writeConfig(t, bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "primary model is required")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PATCHPILOT_DEBUG", "true")
	t.Setenv("PATCHPILOT_MAX_ITERATIONS", "42")
	t.Setenv("PATCHPILOT_AGENT_TIMEOUT", "90s")

	cfg, err := Load(writeConfig(t, sampleConfigYAML))
	require.NoError(t, err)
	assert.True(t, cfg.Debug)
	assert.Equal(t, 42, cfg.Supervisor.MaxIterations)
	assert.Equal(t, 90*time.Second, cfg.Supervisor.AgentTimeout)
}

func TestPolicyForResolutionOrder(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfigYAML))
	require.NoError(t, err)

	p, ok := cfg.PolicyFor("docs", "medium")
	require.True(t, ok)
	assert.Equal(t, StrategyCheapFirst, p.Strategy)

	p, ok = cfg.PolicyFor("unknown_category", "medium")
	require.True(t, ok)
	assert.Equal(t, StrategyProgressive, p.Strategy)

	_, ok = cfg.PolicyFor("unknown_category", "high")
	assert.False(t, ok)
}

const samplePlanYAML = `
goal: harden the public API
safety: strict
token_cap: 250000
tiers:
  - name: validation
    tolerance: {max_minor: 3, max_major: 0}
    phases:
      - description: add input validation to the upload endpoint
        category: security_auth_change
        complexity: High
        context_files: [api/upload.go]
      - description: document the new limits
        category: docs
        complexity: chore
`

func TestLoadPlanAndBuildRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePlanYAML), 0o644))

	plan, err := LoadPlan(path)
	require.NoError(t, err)

	run := plan.BuildRun(Default())
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, state.RunQueued, run.Status)
	assert.Equal(t, state.SafetyStrict, run.Safety)
	assert.Equal(t, Default().Doctor.MaxReplansPerRun, run.ReplanBudget)

	require.Len(t, run.Tiers, 1)
	require.Len(t, run.Tiers[0].Phases, 2)

	first := run.Tiers[0].Phases[0]
	assert.Equal(t, state.ComplexityHigh, first.Complexity)
	assert.Equal(t, []string{"api/upload.go"}, first.ContextFiles)

	second := run.Tiers[0].Phases[1]
	assert.Equal(t, state.ComplexityMaintenance, second.Complexity)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestBuildRunReplanBudgetFromConfig(t *testing.T) {
	plan := &RunPlan{
		Goal:  "g",
		Tiers: []TierPlan{{Name: "a", Phases: []PhasePlan{{Description: "x"}}}},
	}

	cfg := Default()
	cfg.Doctor.MaxReplansPerRun = 11
	assert.Equal(t, 11, plan.BuildRun(cfg).ReplanBudget)

	// An explicit plan budget wins over the configured default.
	plan.ReplanBudget = 2
	assert.Equal(t, 2, plan.BuildRun(cfg).ReplanBudget)
}

func TestLoadPlanValidation(t *testing.T) {
	dir := t.TempDir()

	noGoal := filepath.Join(dir, "nogoal.yaml")
	require.NoError(t, os.WriteFile(noGoal, []byte("tiers:\n  - name: a\n    phases:\n      - description: x\n"), 0o644))
	_, err := LoadPlan(noGoal)
	assert.ErrorContains(t, err, "goal is required")

	noPhases := filepath.Join(dir, "nophases.yaml")
	require.NoError(t, os.WriteFile(noPhases, []byte("goal: g\ntiers:\n  - name: a\n"), 0o644))
	_, err = LoadPlan(noPhases)
	assert.ErrorContains(t, err, "no phases")
}
