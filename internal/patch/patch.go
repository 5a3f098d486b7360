// Package patch models proposed code changes and statically validates them
// before they are allowed to touch the working tree. Generation models are
// unreliable patch authors; every known failure mode (duplicate hunks,
// leftover conflict markers, wholesale rewrites, silent symbol loss) is
// checked here, not after apply.
package patch

import (
	"fmt"
	"strings"

	"patchpilot/internal/agent"
)

// Mode selects how a file change is expressed.
type Mode string

const (
	ModeFullFile Mode = "full_file"
	ModeDiff     Mode = "diff"
)

// Hunk is one contiguous region of a diff-mode change.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []string // Prefixed with ' ', '+', '-'
}

// FileChange is one file of a patch.
type FileChange struct {
	Path    string
	Mode    Mode
	Content string // full_file mode
	Hunks   []Hunk // diff mode
}

// Patch is a validated unit of proposed change for one builder cycle.
type Patch struct {
	PhaseID string
	Summary string
	Files   []FileChange
}

// FromBuilderResult converts a decoded builder payload into a Patch.
func FromBuilderResult(phaseID string, result agent.BuilderResult) (*Patch, error) {
	if len(result.Files) == 0 {
		return nil, fmt.Errorf("builder result contains no files")
	}
	p := &Patch{PhaseID: phaseID, Summary: result.Summary}
	for _, f := range result.Files {
		if f.Path == "" {
			return nil, fmt.Errorf("builder result contains a file with no path")
		}
		change := FileChange{Path: f.Path}
		switch Mode(f.Mode) {
		case ModeFullFile, "":
			change.Mode = ModeFullFile
			change.Content = f.Content
		case ModeDiff:
			change.Mode = ModeDiff
			for _, h := range f.Hunks {
				change.Hunks = append(change.Hunks, Hunk{
					OldStart: h.OldStart,
					OldCount: h.OldCount,
					NewStart: h.NewStart,
					NewCount: h.NewCount,
					Lines:    h.Lines,
				})
			}
			if len(change.Hunks) == 0 {
				return nil, fmt.Errorf("diff-mode change for %s has no hunks", f.Path)
			}
		default:
			return nil, fmt.Errorf("unknown change mode %q for %s", f.Mode, f.Path)
		}
		p.Files = append(p.Files, change)
	}
	return p, nil
}

// ApplyHunks applies diff hunks to old content. Hunks must be ordered by
// OldStart and non-overlapping; validation guarantees both.
func ApplyHunks(oldContent string, hunks []Hunk) (string, error) {
	oldLines := splitLines(oldContent)
	var out []string
	cursor := 0 // 0-based index into oldLines

	for _, h := range hunks {
		start := h.OldStart - 1
		if start < 0 || start > len(oldLines) {
			return "", fmt.Errorf("hunk start %d out of range (%d lines)", h.OldStart, len(oldLines))
		}
		if start < cursor {
			return "", fmt.Errorf("hunk at line %d overlaps previous hunk", h.OldStart)
		}
		out = append(out, oldLines[cursor:start]...)
		cursor = start

		for _, line := range h.Lines {
			if line == "" {
				// Treat a bare empty line as context for robustness.
				line = " "
			}
			op, text := line[0], line[1:]
			switch op {
			case ' ':
				if cursor >= len(oldLines) || oldLines[cursor] != text {
					return "", fmt.Errorf("context mismatch at line %d", cursor+1)
				}
				out = append(out, text)
				cursor++
			case '-':
				if cursor >= len(oldLines) || oldLines[cursor] != text {
					return "", fmt.Errorf("removal mismatch at line %d", cursor+1)
				}
				cursor++
			case '+':
				out = append(out, text)
			default:
				return "", fmt.Errorf("invalid hunk line prefix %q", string(op))
			}
		}
	}
	out = append(out, oldLines[cursor:]...)
	return strings.Join(out, "\n"), nil
}

// NewContent computes the post-apply content for one file change.
func (fc *FileChange) NewContent(oldContent string) (string, error) {
	if fc.Mode == ModeFullFile {
		return fc.Content, nil
	}
	return ApplyHunks(oldContent, fc.Hunks)
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n")
}

// LineCount returns the number of lines in content.
func LineCount(content string) int {
	return len(splitLines(content))
}
