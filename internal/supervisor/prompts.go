package supervisor

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"patchpilot/internal/agent"
	"patchpilot/internal/state"
	"patchpilot/internal/usage"
)

const (
	builderMaxTokens = 16384
	auditorMaxTokens = 4096

	// contextFileByteCap bounds how much of one context file goes into the
	// builder prompt.
	contextFileByteCap = 24 * 1024
)

const builderSystemPrompt = `You are an autonomous code builder. Implement exactly the task described, nothing more.
Respond with a single JSON object and no other text:
{
  "summary": "<one sentence describing the change>",
  "files": [
    {"path": "<relative path>", "mode": "full_file", "content": "<entire new file content>"},
    {"path": "<relative path>", "mode": "diff", "hunks": [
      {"old_start": 1, "old_count": 2, "new_start": 1, "new_count": 2, "lines": [" context", "-removed", "+added"]}
    ]}
  ]
}
Use diff mode only for small surgical edits. Files longer than a few hundred lines must be rewritten in full_file mode; hunk line arithmetic on long files is rejected.
Never include merge conflict markers. Never silently delete existing functions or types.`

const auditorSystemPrompt = `You are an independent code auditor reviewing an applied patch.
Respond with a single JSON object and no other text:
{
  "verdict": "approve" | "reject",
  "summary": "<one sentence>",
  "issues": [
    {"severity": "minor" | "major", "category": "<short tag>", "file": "<path>", "description": "<what is wrong>"}
  ]
}
Raise major only for defects that must block the change: broken behavior, security holes, data loss.
Judge only the patch against its task; style preferences are at most minor.`

// builderPrompt assembles the builder request: the run goal, the phase
// task, and the curated context files.
func (s *Supervisor) builderPrompt(run *state.Run, phase *state.Phase) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Overall goal:\n%s\n\n", run.Goal)
	fmt.Fprintf(&b, "Task:\n%s\n", phase.Description)
	if phase.TaskCategory != "" {
		fmt.Fprintf(&b, "\nTask category: %s\n", phase.TaskCategory)
	}

	for _, path := range phase.ContextFiles {
		content, ok, err := s.worktree.ReadFile(path)
		if err != nil || !ok {
			fmt.Fprintf(&b, "\n--- %s (does not exist yet) ---\n", path)
			continue
		}
		if len(content) > contextFileByteCap {
			content = content[:contextFileByteCap] + "\n... (truncated)"
		}
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", path, content)
	}
	return b.String()
}

// auditorPrompt shows the auditor the task and the post-apply file contents.
func (s *Supervisor) auditorPrompt(run *state.Run, phase *state.Phase, newContents map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Overall goal:\n%s\n\n", run.Goal)
	fmt.Fprintf(&b, "Task the patch must implement:\n%s\n", phase.Description)

	paths := make([]string, 0, len(newContents))
	for path := range newContents {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		fmt.Fprintf(&b, "\n--- %s (after patch) ---\n%s\n", path, newContents[path])
	}
	return b.String()
}

func usageEvent(run *state.Run, phase *state.Phase, provider, model string, role agent.Role, resp agent.Response) usage.Event {
	return usage.Event{
		Timestamp:        time.Now().UTC(),
		Provider:         provider,
		Model:            model,
		Role:             string(role),
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		RunID:            run.ID,
		PhaseID:          phase.ID,
	}
}
