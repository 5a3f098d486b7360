package review

import (
	"patchpilot/internal/config"
	"patchpilot/internal/state"
)

// RiskTier is the blast-radius class of a task category.
type RiskTier string

const (
	RiskHigh RiskTier = "high"
	RiskLow  RiskTier = "low"
)

// RiskFor derives the risk tier from the category's routing policy. A
// category important enough to forbid model downgrades or to require a
// second auditor is high risk; everything else is low.
func RiskFor(policy config.RoutingPolicy) RiskTier {
	if policy.Strategy == config.StrategyBestFirst || policy.DualAudit {
		return RiskHigh
	}
	return RiskLow
}

// Gate maps merged issues and a risk tier to an enforcement level. Pure
// function, no hidden state.
//
// High risk: a single major issue blocks; minors are tolerated up to the
// tier threshold and block past it. Low risk: majors are tolerated up to
// the tier threshold, any present major downgrades to needs_review; minors
// past the threshold downgrade to needs_review.
func Gate(issues []state.Issue, risk RiskTier, tolerance state.IssueTolerance) state.QualityLevel {
	var counts state.IssueCounts
	for _, issue := range issues {
		counts.Add(issue.Severity)
	}

	if risk == RiskHigh {
		if counts.Major > 0 {
			return state.QualityBlocked
		}
		if counts.Minor > tolerance.MaxMinor {
			return state.QualityBlocked
		}
		return state.QualityOK
	}

	if counts.Major > tolerance.MaxMajor {
		return state.QualityBlocked
	}
	if counts.Major > 0 || counts.Minor > tolerance.MaxMinor {
		return state.QualityNeedsReview
	}
	return state.QualityOK
}
