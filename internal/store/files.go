package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/sandbroker/internal/workspace"
)

const createFilesTable = `
CREATE TABLE IF NOT EXISTS files (
    id         INTEGER PRIMARY KEY,
    name       TEXT NOT NULL,
    content    TEXT NOT NULL,
    updated_at DATETIME NOT NULL
)`

const createMetaTable = `
CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value INTEGER NOT NULL
)`

// seedVersion starts the file version at -1, the value of an empty store.
const seedVersion = `INSERT OR IGNORE INTO meta (key, value) VALUES ('version', -1)`

// Version returns the current file version.
func (s *SQLiteStore) Version(ctx context.Context) (int64, error) {
	var v int64
	if err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = 'version'").Scan(&v); err != nil {
		return 0, fmt.Errorf("read version: %w", err)
	}
	return v, nil
}

// ListFiles returns every stored file ordered by id.
func (s *SQLiteStore) ListFiles(ctx context.Context) ([]workspace.File, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, content FROM files ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var files []workspace.File
	for rows.Next() {
		var f workspace.File
		if err := rows.Scan(&f.ID, &f.Name, &f.Content); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return files, nil
}

// SaveFiles deletes the given ids and writes files whose name or content
// differ from the stored row, in one transaction. If anything changed the
// version is incremented. It returns the resulting version and the number
// of rows changed.
func (s *SQLiteStore) SaveFiles(ctx context.Context, files []workspace.File, deleted []int64) (int64, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	changes := 0
	for _, id := range deleted {
		res, err := tx.ExecContext(ctx, "DELETE FROM files WHERE id = ?", id)
		if err != nil {
			return 0, 0, fmt.Errorf("delete file %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, 0, fmt.Errorf("check rows affected: %w", err)
		}
		changes += int(n)
	}

	now := time.Now().UTC()
	for _, f := range files {
		var name, content string
		err := tx.QueryRowContext(ctx, "SELECT name, content FROM files WHERE id = ?", f.ID).Scan(&name, &content)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return 0, 0, fmt.Errorf("read file %d: %w", f.ID, err)
		case name == f.Name && content == f.Content:
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO files (id, name, content, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, content = excluded.content, updated_at = excluded.updated_at`,
			f.ID, f.Name, f.Content, now,
		); err != nil {
			return 0, 0, fmt.Errorf("write file %d: %w", f.ID, err)
		}
		changes++
	}

	if changes > 0 {
		if _, err := tx.ExecContext(ctx, "UPDATE meta SET value = value + 1 WHERE key = 'version'"); err != nil {
			return 0, 0, fmt.Errorf("bump version: %w", err)
		}
	}
	var version int64
	if err := tx.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = 'version'").Scan(&version); err != nil {
		return 0, 0, fmt.Errorf("read version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	return version, changes, nil
}
