package patch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"

	"patchpilot/internal/config"
	"patchpilot/internal/logging"
)

// Check names the validation stage that produced a finding.
type Check string

const (
	CheckHunkIntegrity   Check = "hunk_integrity"
	CheckConflictMarkers Check = "conflict_markers"
	CheckFullFileSize    Check = "full_file_size"
	CheckSymbolLoss      Check = "symbol_loss"
	CheckSimilarity      Check = "similarity"
	CheckApply           Check = "apply"
)

// Finding is one validation failure. Any finding rejects the whole patch;
// the builder gets all findings back at once rather than one per retry.
type Finding struct {
	Path   string
	Check  Check
	Reason string
}

func (f Finding) String() string {
	return fmt.Sprintf("%s: %s: %s", f.Path, f.Check, f.Reason)
}

// RejectionError is returned when a patch fails validation.
type RejectionError struct {
	Findings []Finding
}

func (e *RejectionError) Error() string {
	parts := make([]string, len(e.Findings))
	for i, f := range e.Findings {
		parts[i] = f.String()
	}
	return "patch rejected: " + strings.Join(parts, "; ")
}

// FileReader resolves current worktree content. ok is false for files the
// patch creates.
type FileReader interface {
	ReadFile(path string) (content string, ok bool, err error)
}

// Validator statically checks a patch against the current worktree before
// apply. Checks run in a fixed order per file and all failures are
// collected; validation never mutates anything.
type Validator struct {
	cfg config.ValidatorConfig
	dmp *diffmatchpatch.DiffMatchPatch
	log *zap.Logger
}

// NewValidator creates a validator with the given thresholds.
func NewValidator(cfg config.ValidatorConfig) *Validator {
	return &Validator{
		cfg: cfg,
		dmp: diffmatchpatch.New(),
		log: logging.Get(logging.CategoryPatch),
	}
}

// Validate checks every file change and returns a *RejectionError carrying
// all findings if any check fails. On success it returns the computed
// post-apply contents keyed by path so apply does not redo hunk math.
func (v *Validator) Validate(p *Patch, reader FileReader) (map[string]string, error) {
	var findings []Finding
	newContents := make(map[string]string, len(p.Files))

	for i := range p.Files {
		fc := &p.Files[i]
		oldContent, exists, err := reader.ReadFile(fc.Path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", fc.Path, err)
		}
		fileFindings, newContent := v.validateFile(fc, oldContent, exists)
		if len(fileFindings) > 0 {
			findings = append(findings, fileFindings...)
			continue
		}
		newContents[fc.Path] = newContent
	}

	if len(findings) > 0 {
		v.log.Warn("patch rejected",
			zap.String("phase_id", p.PhaseID),
			zap.Int("findings", len(findings)))
		return nil, &RejectionError{Findings: findings}
	}
	return newContents, nil
}

func (v *Validator) validateFile(fc *FileChange, oldContent string, exists bool) ([]Finding, string) {
	var findings []Finding

	if fc.Mode == ModeDiff {
		if !exists {
			return []Finding{{fc.Path, CheckHunkIntegrity, "diff mode targets a file that does not exist"}}, ""
		}
		if f := v.checkDiffModeSize(fc.Path, oldContent); f != nil {
			return []Finding{*f}, ""
		}
		findings = append(findings, v.checkHunks(fc)...)
	}
	if len(findings) > 0 {
		return findings, ""
	}

	newContent, err := fc.NewContent(oldContent)
	if err != nil {
		return []Finding{{fc.Path, CheckApply, err.Error()}}, ""
	}

	if f := v.checkConflictMarkers(fc.Path, newContent); f != nil {
		findings = append(findings, *f)
	}
	if exists {
		if f := v.checkSymbolLoss(fc.Path, oldContent, newContent); f != nil {
			findings = append(findings, *f)
		}
		if fc.Mode == ModeFullFile {
			if f := v.checkSimilarity(fc.Path, oldContent, newContent); f != nil {
				findings = append(findings, *f)
			}
		}
	}
	return findings, newContent
}

// checkHunks rejects duplicate and overlapping hunk ranges. Models under
// retry pressure emit the same hunk twice more often than anything else.
func (v *Validator) checkHunks(fc *FileChange) []Finding {
	var findings []Finding
	seen := make(map[int]bool, len(fc.Hunks))
	for _, h := range fc.Hunks {
		if seen[h.OldStart] {
			findings = append(findings, Finding{fc.Path, CheckHunkIntegrity,
				fmt.Sprintf("duplicate hunk targeting line %d", h.OldStart)})
		}
		seen[h.OldStart] = true
	}
	if len(findings) > 0 {
		return findings
	}

	ordered := make([]Hunk, len(fc.Hunks))
	copy(ordered, fc.Hunks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].OldStart < ordered[j].OldStart })
	for i := 1; i < len(ordered); i++ {
		prev := ordered[i-1]
		if prev.OldStart+prev.OldCount > ordered[i].OldStart {
			findings = append(findings, Finding{fc.Path, CheckHunkIntegrity,
				fmt.Sprintf("hunks at lines %d and %d overlap", prev.OldStart, ordered[i].OldStart)})
		}
	}
	// Apply in sorted order later.
	copy(fc.Hunks, ordered)
	return findings
}

var conflictMarkers = []string{"<<<<<<<", "=======", ">>>>>>>"}

func (v *Validator) checkConflictMarkers(path, content string) *Finding {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		for _, marker := range conflictMarkers {
			if strings.HasPrefix(trimmed, marker) {
				return &Finding{path, CheckConflictMarkers,
					fmt.Sprintf("unresolved merge conflict marker %q", marker)}
			}
		}
	}
	return nil
}

// checkDiffModeSize forbids hunk arithmetic on files past the threshold.
// Generated hunk offsets drift badly on long files; above the limit only a
// full-file replacement is accepted.
func (v *Validator) checkDiffModeSize(path, oldContent string) *Finding {
	lines := LineCount(oldContent)
	if lines > v.cfg.FullFileLineThreshold {
		return &Finding{path, CheckFullFileSize,
			fmt.Sprintf("diff mode on a %d-line file exceeds the %d-line limit, full-file replacement is required",
				lines, v.cfg.FullFileLineThreshold)}
	}
	return nil
}

func (v *Validator) checkSymbolLoss(path, oldContent, newContent string) *Finding {
	before := ExtractSymbols(path, oldContent)
	after := ExtractSymbols(path, newContent)
	lost := LostFraction(before, after)
	if lost > v.cfg.MaxSymbolLossRatio {
		return &Finding{path, CheckSymbolLoss,
			fmt.Sprintf("change removes %.0f%% of top-level symbols (limit %.0f%%)",
				lost*100, v.cfg.MaxSymbolLossRatio*100)}
	}
	return nil
}

// checkSimilarity guards large files against wholesale rewrites disguised
// as edits. Small files are exempt; replacing a 30-line helper is normal.
func (v *Validator) checkSimilarity(path, oldContent, newContent string) *Finding {
	if LineCount(oldContent) < v.cfg.LargeFileLines {
		return nil
	}
	ratio := v.similarity(oldContent, newContent)
	if ratio < v.cfg.MinSimilarityRatio {
		return &Finding{path, CheckSimilarity,
			fmt.Sprintf("rewrite keeps only %.0f%% of file structure (minimum %.0f%%)",
				ratio*100, v.cfg.MinSimilarityRatio*100)}
	}
	return nil
}

func (v *Validator) similarity(oldContent, newContent string) float64 {
	longest := len(oldContent)
	if len(newContent) > longest {
		longest = len(newContent)
	}
	if longest == 0 {
		return 1
	}
	diffs := v.dmp.DiffMain(oldContent, newContent, false)
	lev := v.dmp.DiffLevenshtein(diffs)
	return 1 - float64(lev)/float64(longest)
}
