// Package state defines the Run → Tier → Phase work-item hierarchy and the
// state machine that governs its lifecycle. The machine is the single
// authoritative mutator of work-item status; every other component goes
// through Advance and never flips status fields directly.
package state

import (
	"strings"
	"time"
)

// RunStatus is the lifecycle status of a Run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunReporting RunStatus = "reporting" // Intermediate: terminal work done, report pending
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// TierStatus is the lifecycle status of a Tier.
type TierStatus string

const (
	TierQueued     TierStatus = "queued"
	TierInProgress TierStatus = "in_progress"
	TierCompleted  TierStatus = "completed"
	TierFailed     TierStatus = "failed"
)

// Terminal reports whether the tier status is final.
func (s TierStatus) Terminal() bool {
	return s == TierCompleted || s == TierFailed
}

// PhaseStatus is the lifecycle status of a Phase.
type PhaseStatus string

const (
	PhaseQueued      PhaseStatus = "queued"
	PhaseInProgress  PhaseStatus = "in_progress"
	PhaseBuilderDone PhaseStatus = "builder_done"
	PhaseAuditorDone PhaseStatus = "auditor_done"
	PhaseComplete    PhaseStatus = "complete"
	PhaseBlocked     PhaseStatus = "blocked"
	PhaseFailed      PhaseStatus = "failed"
)

// Terminal reports whether the phase status is final. Blocked is terminal
// for the state machine; only an explicit replan re-enters the queue.
func (s PhaseStatus) Terminal() bool {
	return s == PhaseComplete || s == PhaseBlocked || s == PhaseFailed
}

// Complexity classifies how hard a phase is expected to be. It drives the
// attempt budget and the default model tier.
type Complexity string

const (
	ComplexityLow         Complexity = "low"
	ComplexityMedium      Complexity = "medium"
	ComplexityHigh        Complexity = "high"
	ComplexityMaintenance Complexity = "maintenance"
)

// NormalizeComplexity maps free-form complexity input onto the four
// canonical classes. Unknown input falls back to medium.
func NormalizeComplexity(raw string) Complexity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "low", "trivial", "simple", "easy", "small":
		return ComplexityLow
	case "medium", "moderate", "normal", "":
		return ComplexityMedium
	case "high", "hard", "complex", "large", "critical":
		return ComplexityHigh
	case "maintenance", "maint", "chore", "cleanup", "docs":
		return ComplexityMaintenance
	default:
		return ComplexityMedium
	}
}

// Severity classifies an issue raised by an auditor or validator.
type Severity string

const (
	SeverityMinor Severity = "minor"
	SeverityMajor Severity = "major"
)

// Issue is a finding raised by an Auditor or by patch validation.
type Issue struct {
	Severity    Severity `json:"severity"`
	Category    string   `json:"category"`
	Source      string   `json:"source"` // auditor model or validator check name
	File        string   `json:"file,omitempty"`
	Description string   `json:"description"`
}

// IssueCounts is a monotonic per-severity tally. Counts only increase;
// explicit resolution events go through Resolve.
type IssueCounts struct {
	Minor int `json:"minor"`
	Major int `json:"major"`
}

// Add increments the tally for one issue.
func (c *IssueCounts) Add(sev Severity) {
	switch sev {
	case SeverityMajor:
		c.Major++
	default:
		c.Minor++
	}
}

// Resolve decrements the tally for an explicitly resolved issue. It never
// goes below zero.
func (c *IssueCounts) Resolve(sev Severity) {
	switch sev {
	case SeverityMajor:
		if c.Major > 0 {
			c.Major--
		}
	default:
		if c.Minor > 0 {
			c.Minor--
		}
	}
}

// Total returns the combined count.
func (c IssueCounts) Total() int { return c.Minor + c.Major }

// QualityLevel is the enforcement level the quality gate assigned to the
// most recent auditor cycle of a phase.
type QualityLevel string

const (
	QualityOK          QualityLevel = "ok"
	QualityNeedsReview QualityLevel = "needs_review"
	QualityBlocked     QualityLevel = "blocked"
)

// Phase is the atomic unit of work: one Builder → Auditor cycle.
type Phase struct {
	ID              string       `json:"id"`
	TierIndex       int          `json:"tier_index"`
	Index           int          `json:"index"`
	Description     string       `json:"description"`
	TaskCategory    string       `json:"task_category"`
	Complexity      Complexity   `json:"complexity"`
	ContextFiles    []string     `json:"context_files,omitempty"`
	Status          PhaseStatus  `json:"status"`
	BuilderAttempts int          `json:"builder_attempts"`
	AuditorAttempts int          `json:"auditor_attempts"`
	ReplanCount     int          `json:"replan_count"`
	Issues          []Issue      `json:"issues,omitempty"`
	IssueCounts     IssueCounts  `json:"issue_counts"`
	Quality         QualityLevel `json:"quality,omitempty"`
	Reason          string       `json:"reason,omitempty"` // Human-readable on blocked/failed
	CommitRef       string       `json:"commit_ref,omitempty"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// IssueTolerance configures how many issues a tier absorbs before its
// phases block.
type IssueTolerance struct {
	MaxMinor int `yaml:"max_minor" json:"max_minor"`
	MaxMajor int `yaml:"max_major" json:"max_major"`
}

// Tier is an ordered milestone grouping of phases with its own budgets.
type Tier struct {
	Index       int            `json:"index"`
	Name        string         `json:"name"`
	Status      TierStatus     `json:"status"`
	TokenCap    int64          `json:"token_cap"`
	TokensUsed  int64          `json:"tokens_used"`
	MaxCIRuns   int            `json:"max_ci_runs"`
	Tolerance   IssueTolerance `json:"tolerance"`
	IssueCounts IssueCounts    `json:"issue_counts"`
	Phases      []Phase        `json:"phases"`
}

// SafetyProfile is the run-level risk tolerance.
type SafetyProfile string

const (
	SafetyStrict   SafetyProfile = "strict"
	SafetyStandard SafetyProfile = "standard"
	SafetyLenient  SafetyProfile = "lenient"
)

// Run is the top-level unit of work.
type Run struct {
	ID            string        `json:"id"`
	Goal          string        `json:"goal"`
	Status        RunStatus     `json:"status"`
	Safety        SafetyProfile `json:"safety"`
	TokenCap      int64         `json:"token_cap"`
	TokensUsed    int64         `json:"tokens_used"`
	AllowOverride bool          `json:"allow_override"` // Permit exceeding TokenCap
	ParallelTiers bool          `json:"parallel_tiers"` // Non-default: tiers run independently
	IssueCounts   IssueCounts   `json:"issue_counts"`
	ReplanBudget  int           `json:"replan_budget"` // Remaining replans across the run
	FailedPhaseID string        `json:"failed_phase_id,omitempty"`
	FailureKind   string        `json:"failure_kind,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Tiers         []Tier        `json:"tiers"`
}

// Phase lookup helpers.

// FindPhase returns the phase with the given ID, or nil.
func (r *Run) FindPhase(id string) *Phase {
	for ti := range r.Tiers {
		for pi := range r.Tiers[ti].Phases {
			if r.Tiers[ti].Phases[pi].ID == id {
				return &r.Tiers[ti].Phases[pi]
			}
		}
	}
	return nil
}

// Tier returns the tier owning the phase.
func (r *Run) TierOf(p *Phase) *Tier {
	if p == nil || p.TierIndex < 0 || p.TierIndex >= len(r.Tiers) {
		return nil
	}
	return &r.Tiers[p.TierIndex]
}

// RecordIssue rolls an issue up through phase, tier, and run tallies.
func (r *Run) RecordIssue(p *Phase, issue Issue) {
	p.Issues = append(p.Issues, issue)
	p.IssueCounts.Add(issue.Severity)
	if t := r.TierOf(p); t != nil {
		t.IssueCounts.Add(issue.Severity)
	}
	r.IssueCounts.Add(issue.Severity)
}

// MaxBuilderAttempts returns the builder attempt budget for a complexity class.
func MaxBuilderAttempts(c Complexity) int {
	switch c {
	case ComplexityLow, ComplexityMaintenance:
		return 2
	case ComplexityHigh:
		return 4
	default:
		return 3
	}
}

// MaxAuditorAttempts returns the auditor attempt budget for a complexity class.
func MaxAuditorAttempts(c Complexity) int {
	switch c {
	case ComplexityLow, ComplexityMaintenance:
		return 2
	default:
		return 3
	}
}
