// Package review merges auditor verdicts and converts merged findings into
// an enforcement level. Both halves are pure functions over their inputs.
package review

import (
	"fmt"

	"patchpilot/internal/agent"
	"patchpilot/internal/state"
)

// Decision is the merged outcome of one or more auditor reviews.
type Decision struct {
	Verdict agent.Verdict
	Issues  []state.Issue
	// Disagreed is set when auditors split on the verdict; the merged
	// verdict is then reject.
	Disagreed bool
	Summary   string
}

func issueKey(i state.Issue) string {
	return fmt.Sprintf("%s\x00%s\x00%s", i.Category, i.File, i.Description)
}

// Merge combines independent auditor results into one decision. Rules:
// issues are unioned by (category, file, description); any major issue
// from any auditor forces reject; a verdict split forces reject.
func Merge(results ...agent.AuditorResult) Decision {
	if len(results) == 0 {
		return Decision{
			Verdict: agent.VerdictReject,
			Summary: "no auditor results to merge",
		}
	}

	d := Decision{Verdict: agent.VerdictApprove}
	seen := make(map[string]bool)
	approvals, rejections := 0, 0

	for _, r := range results {
		switch r.Verdict {
		case agent.VerdictApprove:
			approvals++
		default:
			rejections++
		}
		if d.Summary == "" {
			d.Summary = r.Summary
		}
		for _, issue := range r.Issues {
			key := issueKey(issue)
			if seen[key] {
				continue
			}
			seen[key] = true
			d.Issues = append(d.Issues, issue)
			if issue.Severity == state.SeverityMajor {
				d.Verdict = agent.VerdictReject
			}
		}
	}

	if approvals > 0 && rejections > 0 {
		d.Disagreed = true
	}
	if rejections > 0 {
		d.Verdict = agent.VerdictReject
	}
	return d
}
