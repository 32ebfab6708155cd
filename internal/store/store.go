package store

import (
	"context"
	"errors"

	"github.com/seantiz/sandbroker/internal/model"
	"github.com/seantiz/sandbroker/internal/workspace"
)

var (
	// ErrNotFound is returned when a run is not found.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a run status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// RunStats holds aggregate execution statistics.
type RunStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByOrigin map[string]int `json:"count_by_origin"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for runs and workspace files.
type Store interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error)
	UpdateRunStatus(ctx context.Context, id, status string) error
	UpdateRunStage(ctx context.Context, id, stage string) error
	FinishRun(ctx context.Context, r *model.Run) error
	GetRunStats(ctx context.Context) (*RunStats, error)
	InsertOutput(ctx context.Context, runID string, seq int, stream, text string) error
	GetOutput(ctx context.Context, runID string) ([]model.OutputChunk, error)

	Version(ctx context.Context) (int64, error)
	ListFiles(ctx context.Context) ([]workspace.File, error)
	SaveFiles(ctx context.Context, files []workspace.File, deleted []int64) (int64, int, error)

	Close() error
}
