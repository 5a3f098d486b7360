// Package vcs manages the working tree that patches are applied to. Every
// apply runs inside a transaction: pre-images are snapshotted and hashed
// before any write, and a failed or rejected cycle rolls the tree back to
// the exact snapshot. Commits are checkpoint records, not git commits.
package vcs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"patchpilot/internal/logging"
)

// ErrTxActive is returned when a second transaction is opened before the
// first commits or rolls back.
var ErrTxActive = fmt.Errorf("a transaction is already active")

// ConflictError reports a file whose on-disk content changed between
// snapshot and apply. External writes must surface, never be clobbered.
type ConflictError struct {
	Path string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("file %s changed on disk since snapshot", e.Path)
}

// Commit records one committed apply.
type Commit struct {
	Ref       string
	PhaseID   string
	Message   string
	Paths     []string
	Timestamp time.Time
}

type preImage struct {
	content string
	hash    string
	existed bool
}

// Worktree is a directory-rooted file store with transactional apply.
// Single-writer: one transaction at a time.
type Worktree struct {
	mu      sync.Mutex
	root    string
	tx      map[string]preImage // nil when no transaction is open
	txPhase string
	commits []Commit
	log     *zap.Logger
}

// Open creates a Worktree rooted at dir.
func Open(dir string) (*Worktree, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve worktree root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat worktree root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("worktree root %s is not a directory", abs)
	}
	return &Worktree{
		root: abs,
		log:  logging.Get(logging.CategoryVCS),
	}, nil
}

// Root returns the absolute worktree root.
func (w *Worktree) Root() string { return w.root }

// resolve maps a patch-relative path onto disk, refusing escapes.
func (w *Worktree) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes the worktree", path)
	}
	return filepath.Join(w.root, clean), nil
}

// ReadFile returns the current content of path. ok is false when the file
// does not exist. Satisfies the validator's FileReader.
func (w *Worktree) ReadFile(path string) (string, bool, error) {
	full, err := w.resolve(path)
	if err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), true, nil
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Begin opens a transaction covering paths, snapshotting their pre-images.
func (w *Worktree) Begin(phaseID string, paths []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tx != nil {
		return ErrTxActive
	}

	snapshot := make(map[string]preImage, len(paths))
	for _, path := range paths {
		content, exists, err := w.readLocked(path)
		if err != nil {
			return err
		}
		img := preImage{existed: exists}
		if exists {
			img.content = content
			img.hash = contentHash(content)
		}
		snapshot[path] = img
	}
	w.tx = snapshot
	w.txPhase = phaseID
	w.log.Debug("transaction opened",
		zap.String("phase_id", phaseID),
		zap.Int("files", len(paths)))
	return nil
}

func (w *Worktree) readLocked(path string) (string, bool, error) {
	full, err := w.resolve(path)
	if err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// Apply writes new contents for files covered by the open transaction.
// Before each write the on-disk pre-image hash is re-checked; a mismatch
// means something else wrote the file and the apply fails with
// *ConflictError without touching it.
func (w *Worktree) Apply(newContents map[string]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tx == nil {
		return fmt.Errorf("no open transaction")
	}

	// Verify all pre-images first so a conflict aborts before any write.
	for path, img := range w.tx {
		if _, planned := newContents[path]; !planned {
			continue
		}
		current, exists, err := w.readLocked(path)
		if err != nil {
			return err
		}
		if exists != img.existed {
			return &ConflictError{Path: path}
		}
		if exists && contentHash(current) != img.hash {
			return &ConflictError{Path: path}
		}
	}

	for path, content := range newContents {
		if _, covered := w.tx[path]; !covered {
			return fmt.Errorf("file %s not covered by transaction", path)
		}
		full, err := w.resolve(path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", path, err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	w.log.Debug("applied", zap.String("phase_id", w.txPhase), zap.Int("files", len(newContents)))
	return nil
}

// Commit closes the transaction and records a checkpoint ref.
func (w *Worktree) CommitTx(message string) (Commit, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tx == nil {
		return Commit{}, fmt.Errorf("no open transaction")
	}

	paths := make([]string, 0, len(w.tx))
	for path := range w.tx {
		paths = append(paths, path)
	}
	commit := Commit{
		Ref:       uuid.NewString(),
		PhaseID:   w.txPhase,
		Message:   message,
		Paths:     paths,
		Timestamp: time.Now().UTC(),
	}
	w.commits = append(w.commits, commit)
	w.tx = nil
	w.txPhase = ""
	w.log.Info("committed",
		zap.String("ref", commit.Ref),
		zap.String("phase_id", commit.PhaseID),
		zap.Int("files", len(paths)))
	return commit, nil
}

// Rollback restores every snapshotted file to its pre-image and closes the
// transaction. Files the transaction created are removed. Rollback is
// idempotent at the content level: restoring twice yields the same tree.
func (w *Worktree) Rollback() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tx == nil {
		return nil
	}

	var firstErr error
	for path, img := range w.tx {
		full, err := w.resolve(path)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !img.existed {
			if err := os.Remove(full); err != nil && !os.IsNotExist(err) && firstErr == nil {
				firstErr = fmt.Errorf("remove %s: %w", path, err)
			}
			continue
		}
		if err := os.WriteFile(full, []byte(img.content), 0o644); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("restore %s: %w", path, err)
		}
	}
	w.log.Warn("rolled back", zap.String("phase_id", w.txPhase), zap.Int("files", len(w.tx)))
	w.tx = nil
	w.txPhase = ""
	return firstErr
}

// Commits returns the checkpoint history, oldest first.
func (w *Worktree) Commits() []Commit {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Commit, len(w.commits))
	copy(out, w.commits)
	return out
}
