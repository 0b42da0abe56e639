// Package store persists evaluation results to SQLite. Each executed step
// becomes a step session row; finished flows are consolidated into a single
// session row carrying the banded score.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/aruna/floweval/pkg/flow"
)

// ScoreBand snaps a success rate onto the reporting bands. Partial results
// are graded by the highest band they reach, so a 0.9 run reports as 0.75.
func ScoreBand(successRate float64) float64 {
	switch {
	case successRate >= 1.0:
		return 1.0
	case successRate >= 0.75:
		return 0.75
	case successRate >= 0.5:
		return 0.5
	case successRate >= 0.25:
		return 0.25
	default:
		return 0.0
	}
}

// ConsolidatedSession is the stored summary of one finished flow run.
type ConsolidatedSession struct {
	ID          string    `yaml:"id"`
	ExecutionID string    `yaml:"execution_id"`
	FlowID      string    `yaml:"flow_id"`
	UserRequest string    `yaml:"user_request"`
	Success     bool      `yaml:"success"`
	Score       float64   `yaml:"score"`
	Band        float64   `yaml:"band"`
	StepCount   int       `yaml:"step_count"`
	CreatedAt   time.Time `yaml:"created_at"`
}

// Writer owns the SQLite handle. It implements execution.ResultSink.
type Writer struct {
	db     *sql.DB
	logger zerolog.Logger
	mu     sync.Mutex
}

// NewWriter opens (or creates) the database at dbPath.
func NewWriter(dbPath string, logger zerolog.Logger) (*Writer, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	w := &Writer{db: db, logger: logger}
	if err := w.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return w, nil
}

func (w *Writer) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS step_sessions (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		flow_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		success INTEGER NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_step_sessions_execution
		ON step_sessions(execution_id);

	CREATE TABLE IF NOT EXISTS consolidated_sessions (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL UNIQUE,
		flow_id TEXT NOT NULL,
		user_request TEXT NOT NULL,
		success INTEGER NOT NULL,
		score REAL NOT NULL,
		band REAL NOT NULL,
		step_count INTEGER NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := w.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (w *Writer) Close() error {
	return w.db.Close()
}

// SaveStepResult records one step session.
func (w *Writer) SaveStepResult(executionID string, plan *flow.FlowPlan, result flow.StepResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	id, err := gonanoid.New()
	if err != nil {
		return fmt.Errorf("generating session id: %w", err)
	}

	payload, err := yaml.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding step result: %w", err)
	}

	_, err = w.db.Exec(
		`INSERT INTO step_sessions (id, execution_id, flow_id, step_id, success, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, executionID, plan.FlowID, result.StepID, boolToInt(result.Success), string(payload),
	)
	if err != nil {
		return fmt.Errorf("inserting step session: %w", err)
	}

	w.logger.Debug().
		Str("execution_id", executionID).
		Str("step_id", result.StepID).
		Bool("success", result.Success).
		Msg("Saved step session")
	return nil
}

// SaveFlowResult consolidates a finished flow into one session row.
func (w *Writer) SaveFlowResult(result *flow.FlowResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	id, err := gonanoid.New()
	if err != nil {
		return fmt.Errorf("generating session id: %w", err)
	}

	payload, err := yaml.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding flow result: %w", err)
	}

	_, err = w.db.Exec(
		`INSERT INTO consolidated_sessions
			(id, execution_id, flow_id, user_request, success, score, band, step_count, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET
			success = excluded.success,
			score = excluded.score,
			band = excluded.band,
			step_count = excluded.step_count,
			payload = excluded.payload`,
		id, result.ExecutionID, result.FlowID, result.UserRequest,
		boolToInt(result.Success), result.Score, ScoreBand(result.Score),
		len(result.StepResults), string(payload),
	)
	if err != nil {
		return fmt.Errorf("consolidating flow result: %w", err)
	}

	w.logger.Info().
		Str("execution_id", result.ExecutionID).
		Float64("score", result.Score).
		Float64("band", ScoreBand(result.Score)).
		Msg("Consolidated flow session")
	return nil
}

// Consolidate rebuilds a consolidated session from raw step sessions. Used
// when a run died before its flow result was written. It is a no-op when
// the execution is already consolidated.
func (w *Writer) Consolidate(executionID string) (*ConsolidatedSession, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if existing, err := w.getConsolidated(executionID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	rows, err := w.db.Query(
		`SELECT flow_id, success FROM step_sessions WHERE execution_id = ? ORDER BY created_at`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("reading step sessions: %w", err)
	}
	defer rows.Close()

	var flowID string
	total, successful := 0, 0
	for rows.Next() {
		var success int
		if err := rows.Scan(&flowID, &success); err != nil {
			return nil, err
		}
		total++
		if success != 0 {
			successful++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, fmt.Errorf("no step sessions for execution %s", executionID)
	}

	rate := float64(successful) / float64(total)
	session := &ConsolidatedSession{
		ExecutionID: executionID,
		FlowID:      flowID,
		Success:     successful == total,
		Score:       rate,
		Band:        ScoreBand(rate),
		StepCount:   total,
		CreatedAt:   time.Now(),
	}

	session.ID, err = gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}

	payload, err := yaml.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("encoding consolidated session: %w", err)
	}

	_, err = w.db.Exec(
		`INSERT INTO consolidated_sessions
			(id, execution_id, flow_id, user_request, success, score, band, step_count, payload)
		 VALUES (?, ?, ?, '', ?, ?, ?, ?, ?)`,
		session.ID, session.ExecutionID, session.FlowID,
		boolToInt(session.Success), session.Score, session.Band,
		session.StepCount, string(payload),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting consolidated session: %w", err)
	}

	w.logger.Info().
		Str("execution_id", executionID).
		Int("steps", total).
		Float64("band", session.Band).
		Msg("Consolidated orphaned step sessions")
	return session, nil
}

// getConsolidated fetches an existing consolidated session. Caller holds
// the lock.
func (w *Writer) getConsolidated(executionID string) (*ConsolidatedSession, error) {
	row := w.db.QueryRow(
		`SELECT id, execution_id, flow_id, user_request, success, score, band, step_count, created_at
		 FROM consolidated_sessions WHERE execution_id = ?`,
		executionID,
	)

	var s ConsolidatedSession
	var success int
	err := row.Scan(&s.ID, &s.ExecutionID, &s.FlowID, &s.UserRequest,
		&success, &s.Score, &s.Band, &s.StepCount, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.Success = success != 0
	return &s, nil
}

// GetConsolidated fetches a consolidated session by execution id.
func (w *Writer) GetConsolidated(executionID string) (*ConsolidatedSession, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.getConsolidated(executionID)
}

// StepSessionCount returns the number of step sessions stored for an
// execution.
func (w *Writer) StepSessionCount(executionID string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var count int
	err := w.db.QueryRow(
		`SELECT COUNT(*) FROM step_sessions WHERE execution_id = ?`,
		executionID,
	).Scan(&count)
	return count, err
}

// StepResults decodes the stored step results for an execution in insertion
// order.
func (w *Writer) StepResults(executionID string) ([]flow.StepResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rows, err := w.db.Query(
		`SELECT payload FROM step_sessions WHERE execution_id = ? ORDER BY created_at, id`,
		executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []flow.StepResult
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var result flow.StepResult
		if err := yaml.Unmarshal([]byte(payload), &result); err != nil {
			return nil, fmt.Errorf("decoding step result: %w", err)
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
