package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/sandbroker/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id               TEXT PRIMARY KEY,
    status           TEXT NOT NULL,
    origin           TEXT NOT NULL,
    file_id          INTEGER,
    name             TEXT NOT NULL,
    typed            INTEGER NOT NULL DEFAULT 0,
    source           TEXT NOT NULL DEFAULT '',
    stage            TEXT NOT NULL DEFAULT '',
    file_name        TEXT NOT NULL DEFAULT '',
    compile_messages TEXT NOT NULL DEFAULT '',
    error            TEXT NOT NULL DEFAULT '',
    duration_ms      INTEGER,
    created_at       DATETIME NOT NULL,
    started_at       DATETIME,
    finished_at      DATETIME
)`

const createRunOutputTable = `
CREATE TABLE IF NOT EXISTS run_output (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL REFERENCES runs(id),
    seq        INTEGER NOT NULL,
    stream     TEXT NOT NULL,
    text       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createRunOutputIndex = `
CREATE INDEX IF NOT EXISTS idx_run_output_run_seq ON run_output(run_id, seq)`

const runColumns = `id, status, origin, file_id, name, typed, source, stage,
	file_name, compile_messages, error, duration_ms, created_at, started_at, finished_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers, which SQLite does anyway.
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout = 5000"}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	migrations := []string{
		createRunsTable,
		createRunOutputTable,
		createRunOutputIndex,
		createFilesTable,
		createMetaTable,
		seedVersion,
	}
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*model.Run, error) {
	r := &model.Run{}
	err := sc.Scan(
		&r.ID, &r.Status, &r.Origin, &r.FileID, &r.Name, &r.Typed, &r.Source, &r.Stage,
		&r.FileName, &r.CompileMessages, &r.Error, &r.DurationMS, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	return r, err
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Status, r.Origin, r.FileID, r.Name, r.Typed, r.Source, r.Stage,
		r.FileName, r.CompileMessages, r.Error, r.DurationMS, r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a page of runs, newest first, along with the total count.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// currentStatus reads the status of run id inside tx.
func currentStatus(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read status: %w", err)
	}
	return status, nil
}

// UpdateRunStatus moves a run to status. Entering running sets started_at;
// entering a terminal status sets finished_at.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(from, status) {
		return fmt.Errorf("%s → %s: %w", from, status, ErrInvalidTransition)
	}

	now := time.Now().UTC()
	switch {
	case status == model.StatusRunning:
		_, err = tx.ExecContext(ctx, "UPDATE runs SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case model.Terminal(status):
		_, err = tx.ExecContext(ctx, "UPDATE runs SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx, "UPDATE runs SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return tx.Commit()
}

// UpdateRunStage records the last stage a run reported.
func (s *SQLiteStore) UpdateRunStage(ctx context.Context, id, stage string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE runs SET stage = ? WHERE id = ?", stage, id)
	if err != nil {
		return fmt.Errorf("update run stage: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishRun stores the outcome of a run. r.Status must be a valid
// transition from the stored status. When r.Name is set, r.Name, r.Typed
// and r.Source replace the submitted request with the one that executed.
func (s *SQLiteStore) FinishRun(ctx context.Context, r *model.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, r.ID)
	if err != nil {
		return err
	}
	if !model.ValidTransition(from, r.Status) {
		return fmt.Errorf("%s → %s: %w", from, r.Status, ErrInvalidTransition)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, file_name = ?, compile_messages = ?, error = ?,
			duration_ms = ?, started_at = COALESCE(?, started_at), finished_at = ?,
			name = CASE WHEN ? = '' THEN name ELSE ? END,
			typed = CASE WHEN ? = '' THEN typed ELSE ? END,
			source = CASE WHEN ? = '' THEN source ELSE ? END
		WHERE id = ?`,
		r.Status, r.FileName, r.CompileMessages, r.Error,
		r.DurationMS, r.StartedAt, r.FinishedAt,
		r.Name, r.Name, r.Name, r.Typed, r.Name, r.Source,
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return tx.Commit()
}

// GetRunStats returns aggregate counts and the average duration of
// finished runs.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{
		CountByStatus: make(map[string]int),
		CountByOrigin: make(map[string]int),
	}

	count := func(column string, into map[string]int) error {
		rows, err := s.db.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM runs GROUP BY "+column)
		if err != nil {
			return fmt.Errorf("count by %s: %w", column, err)
		}
		defer rows.Close()
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				return fmt.Errorf("scan %s count: %w", column, err)
			}
			into[key] = n
			if column == "status" {
				stats.Total += n
			}
		}
		return rows.Err()
	}
	if err := count("status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := count("origin", stats.CountByOrigin); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM runs WHERE duration_ms IS NOT NULL").Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	stats.AvgDurationMS = avg.Float64
	return stats, nil
}

// InsertOutput appends one stdio chunk to a run's output.
func (s *SQLiteStore) InsertOutput(ctx context.Context, runID string, seq int, stream, text string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO run_output (run_id, seq, stream, text, created_at) VALUES (?, ?, ?, ?, ?)",
		runID, seq, stream, text, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert output: %w", err)
	}
	return nil
}

// GetOutput returns a run's output chunks in order.
func (s *SQLiteStore) GetOutput(ctx context.Context, runID string) ([]model.OutputChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, run_id, seq, stream, text, created_at FROM run_output WHERE run_id = ? ORDER BY seq",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get output: %w", err)
	}
	defer rows.Close()

	var chunks []model.OutputChunk
	for rows.Next() {
		var c model.OutputChunk
		if err := rows.Scan(&c.ID, &c.RunID, &c.Seq, &c.Stream, &c.Text, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate output: %w", err)
	}
	return chunks, nil
}
