package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/sandbroker/internal/model"
)

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var stats statsResponse
	if code := do(t, ts, "GET", "/v1/stats", "", &stats); code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if stats.Total != 0 {
		t.Errorf("total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("avg_duration_ms = %f, want 0", stats.AvgDurationMS)
	}
	if stats.Broker.Generation != 1 || stats.FileVersion != 3 {
		t.Errorf("broker = %+v file_version = %d", stats.Broker, stats.FileVersion)
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	for range 3 {
		r := &model.Run{
			ID: model.NewID(), Status: model.StatusPending,
			Origin: model.OriginSource, Name: "main.js",
			CreatedAt: time.Now().UTC(),
		}
		if err := srv.store.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		if err := srv.store.UpdateRunStatus(ctx, r.ID, model.StatusRunning); err != nil {
			t.Fatalf("pending→running: %v", err)
		}
		dur := 100
		now := time.Now().UTC()
		if err := srv.store.FinishRun(ctx, &model.Run{
			ID: r.ID, Status: model.StatusCompleted, DurationMS: &dur, FinishedAt: &now,
		}); err != nil {
			t.Fatalf("FinishRun: %v", err)
		}
	}

	blocked := &model.Run{
		ID: model.NewID(), Status: model.StatusPending,
		Origin: model.OriginSelected, Name: "loop.js",
		CreatedAt: time.Now().UTC(),
	}
	if err := srv.store.CreateRun(ctx, blocked); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := srv.store.UpdateRunStatus(ctx, blocked.ID, model.StatusBlocked); err != nil {
		t.Fatalf("pending→blocked: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var stats statsResponse
	if code := do(t, ts, "GET", "/v1/stats", "", &stats); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if stats.Total != 4 {
		t.Errorf("total = %d, want 4", stats.Total)
	}
	if stats.ByStatus[model.StatusCompleted] != 3 || stats.ByStatus[model.StatusBlocked] != 1 {
		t.Errorf("by_status = %v", stats.ByStatus)
	}
	if stats.ByOrigin[model.OriginSource] != 3 || stats.ByOrigin[model.OriginSelected] != 1 {
		t.Errorf("by_origin = %v", stats.ByOrigin)
	}
	if stats.AvgDurationMS != 100 {
		t.Errorf("avg_duration_ms = %f, want 100", stats.AvgDurationMS)
	}
}
