// Package store persists runs, usage events, and goal anchors in SQLite so
// a restarted process can resume where it left off. The run record is a
// JSON snapshot; queryable columns are duplicated out of it for listing.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"patchpilot/internal/doctor"
	"patchpilot/internal/state"
	"patchpilot/internal/usage"
)

// Store is the SQLite-backed state store.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// RunSummary is one row of the run listing.
type RunSummary struct {
	ID         string
	Goal       string
	Status     state.RunStatus
	TokensUsed int64
	UpdatedAt  time.Time
}

// NewStore creates or opens the state database under dir.
func NewStore(dir string) (*Store, error) {
	dbPath := filepath.Join(dir, "patchpilot.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		goal TEXT NOT NULL,
		status TEXT NOT NULL,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		payload_json TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

	CREATE TABLE IF NOT EXISTS usage_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		role TEXT NOT NULL,
		prompt_tokens INTEGER NOT NULL,
		completion_tokens INTEGER NOT NULL,
		run_id TEXT NOT NULL,
		phase_id TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_provider ON usage_events(provider);
	CREATE INDEX IF NOT EXISTS idx_usage_run ON usage_events(run_id);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_events(timestamp);

	CREATE TABLE IF NOT EXISTS anchors (
		phase_id TEXT PRIMARY KEY,
		original_intent TEXT NOT NULL,
		history_json TEXT,
		updated_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveRun upserts the full run snapshot.
func (s *Store) SaveRun(run *state.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	_, err = s.db.Exec(`
		INSERT INTO runs (id, goal, status, tokens_used, payload_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			goal = excluded.goal,
			status = excluded.status,
			tokens_used = excluded.tokens_used,
			payload_json = excluded.payload_json,
			updated_at = excluded.updated_at
	`, run.ID, run.Goal, string(run.Status), run.TokensUsed, payload, run.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// LoadRun retrieves one run by ID. Returns nil when not found.
func (s *Store) LoadRun(id string) (*state.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload string
	err := s.db.QueryRow(`SELECT payload_json FROM runs WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	var run state.Run
	if err := json.Unmarshal([]byte(payload), &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &run, nil
}

// ListRuns returns summaries of all runs, most recent first.
func (s *Store) ListRuns() ([]RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, goal, status, tokens_used, updated_at
		FROM runs ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var status string
		if err := rows.Scan(&r.ID, &r.Goal, &status, &r.TokensUsed, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Status = state.RunStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendUsage records one usage event. Satisfies usage.Sink.
func (s *Store) AppendUsage(ev usage.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO usage_events (timestamp, provider, model, role, prompt_tokens, completion_tokens, run_id, phase_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.Timestamp, ev.Provider, ev.Model, ev.Role, ev.PromptTokens, ev.CompletionTokens, ev.RunID, ev.PhaseID)
	if err != nil {
		return fmt.Errorf("failed to append usage event: %w", err)
	}
	return nil
}

// LoadUsage returns all persisted usage events, oldest first. Used to seed
// the in-memory tracker on resume so quota decisions survive restarts.
func (s *Store) LoadUsage() ([]usage.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT timestamp, provider, model, role, prompt_tokens, completion_tokens, run_id, phase_id
		FROM usage_events ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load usage events: %w", err)
	}
	defer rows.Close()

	var out []usage.Event
	for rows.Next() {
		var ev usage.Event
		if err := rows.Scan(&ev.Timestamp, &ev.Provider, &ev.Model, &ev.Role,
			&ev.PromptTokens, &ev.CompletionTokens, &ev.RunID, &ev.PhaseID); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SaveAnchor upserts a phase goal anchor.
func (s *Store) SaveAnchor(goal *doctor.PhaseGoal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, err := json.Marshal(goal.ReplanHistory)
	if err != nil {
		return fmt.Errorf("failed to marshal replan history: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO anchors (phase_id, original_intent, history_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(phase_id) DO UPDATE SET
			history_json = excluded.history_json,
			updated_at = excluded.updated_at
	`, goal.PhaseID, goal.OriginalIntent, history, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save anchor: %w", err)
	}
	return nil
}

// LoadAnchors returns all persisted goal anchors.
func (s *Store) LoadAnchors() ([]*doctor.PhaseGoal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT phase_id, original_intent, history_json FROM anchors`)
	if err != nil {
		return nil, fmt.Errorf("failed to load anchors: %w", err)
	}
	defer rows.Close()

	var out []*doctor.PhaseGoal
	for rows.Next() {
		var g doctor.PhaseGoal
		var history sql.NullString
		if err := rows.Scan(&g.PhaseID, &g.OriginalIntent, &history); err != nil {
			return nil, err
		}
		if history.Valid && history.String != "" {
			if err := json.Unmarshal([]byte(history.String), &g.ReplanHistory); err != nil {
				return nil, fmt.Errorf("failed to unmarshal replan history: %w", err)
			}
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}
