package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"recall/internal/extraction"
	"recall/internal/logging"
	"recall/internal/perception"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Journal records runs, evaluated batches and raw samples in SQLite so that
// past runs can be listed and inspected after the fact.
//
// It implements extraction.Observer and perception.SampleSink.
type Journal struct {
	db     *sql.DB
	mu     sync.Mutex
	path   string
	logger *zap.Logger
}

// RunRecord is the row written when a run starts.
type RunRecord struct {
	ID        string
	Mode      string // run, sample
	Provider  string
	Model     string
	SeedLen   int
	Params    extraction.Params
	StartedAt time.Time
}

// RunSummary is a run as listed by ListRuns.
type RunSummary struct {
	ID         string        `json:"id"`
	Mode       string        `json:"mode"`
	Provider   string        `json:"provider"`
	Model      string        `json:"model"`
	SeedLen    int           `json:"seed_len"`
	Outcome    string        `json:"outcome"`
	Iterations int           `json:"iterations"`
	Attempts   int           `json:"attempts"`
	BufferLen  int           `json:"buffer_len"`
	OutputPath string        `json:"output_path"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// OpenJournal opens (creating if needed) the journal database at path.
func OpenJournal(path string, logger *zap.Logger) (*Journal, error) {
	log := logging.For(logger, logging.CategoryStore)
	log.Debug("opening journal", zap.String("path", path))

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// One writer; the samples sink may be called from several goroutines.
	db.SetMaxOpenConns(1)

	j := &Journal{db: db, path: path, logger: log}
	if err := j.ensureSchema(); err != nil {
		db.Close()
		log.Error("failed to ensure journal schema", zap.Error(err))
		return nil, fmt.Errorf("failed to ensure journal schema: %w", err)
	}
	return j, nil
}

// Path returns the database file path.
func (j *Journal) Path() string {
	return j.path
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		provider TEXT,
		model TEXT,
		seed_len INTEGER NOT NULL,
		params TEXT,
		outcome TEXT,
		iterations INTEGER DEFAULT 0,
		attempts INTEGER DEFAULT 0,
		buffer_len INTEGER DEFAULT 0,
		output_path TEXT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS iterations (
		run_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		attempt INTEGER NOT NULL,
		max_tokens INTEGER NOT NULL,
		state TEXT NOT NULL,
		valid INTEGER NOT NULL,
		top_count INTEGER NOT NULL,
		threshold INTEGER NOT NULL,
		appended TEXT,
		elapsed_ms INTEGER,
		PRIMARY KEY (run_id, iteration, attempt)
	);

	CREATE TABLE IF NOT EXISTS samples (
		run_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		attempt INTEGER NOT NULL,
		idx INTEGER NOT NULL,
		model TEXT,
		max_tokens INTEGER,
		present BOOLEAN NOT NULL,
		text TEXT,
		response_id TEXT,
		duration_ms INTEGER,
		recorded_at INTEGER NOT NULL,
		PRIMARY KEY (run_id, iteration, attempt, idx)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	_, err := j.db.Exec(schema)
	return err
}

// BeginRun inserts the row for a new run.
func (j *Journal) BeginRun(ctx context.Context, rec RunRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	params, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	started := rec.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO runs (id, mode, provider, model, seed_len, params, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Mode, rec.Provider, rec.Model, rec.SeedLen, string(params), started.UnixMilli())
	if err != nil {
		j.logger.Error("failed to record run start", zap.String("run_id", rec.ID), zap.Error(err))
		return fmt.Errorf("failed to record run start: %w", err)
	}
	return nil
}

// FinishRun records the terminal outcome of a run.
func (j *Journal) FinishRun(ctx context.Context, res *extraction.Result) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx, `
		UPDATE runs
		SET outcome = ?, iterations = ?, attempts = ?, buffer_len = ?, output_path = ?, finished_at = ?
		WHERE id = ?`,
		string(res.Outcome), res.Iterations, res.Attempts, len(res.Buffer), res.OutputPath,
		time.Now().UnixMilli(), res.RunID)
	if err != nil {
		j.logger.Error("failed to record run finish", zap.String("run_id", res.RunID), zap.Error(err))
		return fmt.Errorf("failed to record run finish: %w", err)
	}
	return nil
}

// IterationDone implements extraction.Observer.
func (j *Journal) IterationDone(ctx context.Context, rec extraction.IterationRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO iterations
		(run_id, iteration, attempt, max_tokens, state, valid, top_count, threshold, appended, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Iteration, rec.Attempt, rec.MaxTokens, rec.State,
		rec.Valid, rec.TopCount, rec.Threshold, rec.Appended, rec.Elapsed.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record iteration %d: %w", rec.Iteration, err)
	}
	return nil
}

// StoreSample implements perception.SampleSink.
func (j *Journal) StoreSample(ctx context.Context, trace perception.SampleTrace) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	l := trace.Label
	_, err := j.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO samples
		(run_id, iteration, attempt, idx, model, max_tokens, present, text, response_id, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.RunID, l.Iteration, l.Attempt, l.Index, trace.Model, trace.MaxTokens,
		trace.Sample.Present, trace.Sample.Text, trace.Sample.ResponseID,
		trace.Duration.Milliseconds(), trace.RecordedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record sample: %w", err)
	}
	return nil
}

// ErrRunNotFound is returned by FindRun when no run matches.
var ErrRunNotFound = errors.New("run not found")

const runColumns = `id, mode, COALESCE(provider, ''), COALESCE(model, ''), seed_len,
		       COALESCE(outcome, ''), iterations, attempts, buffer_len,
		       COALESCE(output_path, ''), started_at, COALESCE(finished_at, 0)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunSummary, error) {
	var r RunSummary
	var started, finished int64
	if err := row.Scan(&r.ID, &r.Mode, &r.Provider, &r.Model, &r.SeedLen,
		&r.Outcome, &r.Iterations, &r.Attempts, &r.BufferLen,
		&r.OutputPath, &started, &finished); err != nil {
		return r, err
	}
	r.StartedAt = time.UnixMilli(started)
	if finished > 0 {
		r.Duration = time.UnixMilli(finished).Sub(r.StartedAt)
	}
	return r, nil
}

// ListRuns returns the most recent runs, newest first.
func (j *Journal) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// FindRun returns the newest run whose ID starts with prefix, so the short
// IDs shown by ListRuns can be used for lookups.
func (j *Journal) FindRun(ctx context.Context, prefix string) (RunSummary, error) {
	if prefix == "" {
		return RunSummary{}, ErrRunNotFound
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	row := j.db.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE substr(id, 1, ?) = ?
		ORDER BY started_at DESC
		LIMIT 1`, len(prefix), prefix)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunSummary{}, fmt.Errorf("%w: %s", ErrRunNotFound, prefix)
	}
	if err != nil {
		return RunSummary{}, fmt.Errorf("failed to find run: %w", err)
	}
	return r, nil
}

// Iterations returns the evaluated batches of a run in order.
func (j *Journal) Iterations(ctx context.Context, runID string) ([]extraction.IterationRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, iteration, attempt, max_tokens, state, valid, top_count, threshold,
		       COALESCE(appended, ''), COALESCE(elapsed_ms, 0)
		FROM iterations
		WHERE run_id = ?
		ORDER BY iteration, attempt`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query iterations: %w", err)
	}
	defer rows.Close()

	var recs []extraction.IterationRecord
	for rows.Next() {
		var rec extraction.IterationRecord
		var elapsed int64
		if err := rows.Scan(&rec.RunID, &rec.Iteration, &rec.Attempt, &rec.MaxTokens, &rec.State,
			&rec.Valid, &rec.TopCount, &rec.Threshold, &rec.Appended, &elapsed); err != nil {
			return nil, fmt.Errorf("failed to scan iteration: %w", err)
		}
		rec.Elapsed = time.Duration(elapsed) * time.Millisecond
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// CountSamples returns how many samples were recorded for a run.
func (j *Journal) CountSamples(ctx context.Context, runID string) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var n int
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM samples WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count samples: %w", err)
	}
	return n, nil
}
