package api

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/sandbroker/internal/engine"
	"github.com/seantiz/sandbroker/internal/model"
)

func TestCreateRunFromSource(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var run model.Run
	code := do(t, ts, "POST", "/v1/runs", `{"name":"a.ts","source":"console.log(1)"}`, &run)
	if code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", code)
	}
	if len(run.ID) != 26 {
		t.Errorf("ID length = %d, want 26", len(run.ID))
	}
	if run.Status != model.StatusPending || run.Origin != model.OriginSource || !run.Typed {
		t.Errorf("run = %+v", run)
	}

	done := waitForRun(t, srv.store, run.ID)
	if done.Status != model.StatusCompleted || done.FileName != "/a.ts" {
		t.Errorf("finished run = %+v", done)
	}

	var out outputResponse
	if code := do(t, ts, "GET", "/v1/runs/"+run.ID+"/output", "", &out); code != http.StatusOK {
		t.Fatalf("output status = %d", code)
	}
	if len(out.Chunks) != 1 || out.Chunks[0].Text != "console.log(1)" {
		t.Errorf("output = %+v", out.Chunks)
	}
}

func TestCreateRunDefaultsName(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var run model.Run
	do(t, ts, "POST", "/v1/runs", `{"source":""}`, &run)
	if run.Name != defaultRunName || run.Typed {
		t.Errorf("run = %+v", run)
	}
	waitForRun(t, srv.store, run.ID)
}

func TestCreateRunValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"nothing to run", `{"name":"a.js"}`, http.StatusBadRequest},
		{"source and selected", `{"source":"1","selected":true}`, http.StatusBadRequest},
		{"unknown file", `{"file_id":12345}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t)
			ts := httptest.NewServer(srv.Router())
			defer ts.Close()

			var body map[string]string
			if code := do(t, ts, "POST", "/v1/runs", tt.body, &body); code != tt.want {
				t.Errorf("status = %d, want %d", code, tt.want)
			}
			if body["error"] == "" {
				t.Error("missing error message")
			}
		})
	}
}

func TestCreateRunFromFile(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	f := srv.workspace.NewFile("ts")
	if _, err := srv.workspace.Update(f.ID, "let x: number = 1"); err != nil {
		t.Fatal(err)
	}

	var run model.Run
	code := do(t, ts, "POST", "/v1/runs", fmt.Sprintf(`{"file_id":%d}`, f.ID), &run)
	if code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", code)
	}
	if run.Origin != model.OriginFile || run.FileID == nil || *run.FileID != f.ID || !run.Typed {
		t.Errorf("run = %+v", run)
	}
	waitForRun(t, srv.store, run.ID)

	reqs := srv.broker.requests()
	if len(reqs) != 1 || reqs[0].Source != "let x: number = 1" || !reqs[0].Typed {
		t.Errorf("requests = %+v", reqs)
	}
}

func TestCreateRunSelected(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var run model.Run
	do(t, ts, "POST", "/v1/runs", `{"selected":true}`, &run)
	if run.Origin != model.OriginSelected || run.Name != "Intro.js" {
		t.Errorf("run = %+v", run)
	}
	waitForRun(t, srv.store, run.ID)
	if reqs := srv.broker.requests(); len(reqs) != 1 || reqs[0].Source != "console.log(1)" {
		t.Errorf("requests = %+v", reqs)
	}
}

func TestGetRunNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, path := range []string{"/v1/runs/nonexistent", "/v1/runs/nonexistent/output", "/v1/runs/nonexistent/events"} {
		if code := do(t, ts, "GET", path, "", nil); code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, code)
		}
	}
}

func TestListRunsPagination(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for i := range 5 {
		r := &model.Run{
			ID: model.NewID(), Status: model.StatusPending, Origin: model.OriginSource,
			Name: "main.js", CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		if err := srv.store.CreateRun(context.Background(), r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	tests := []struct {
		query     string
		wantCount int
		wantLimit int
	}{
		{"", 5, defaultListLimit},
		{"?limit=2", 2, 2},
		{"?limit=2&offset=4", 1, 2},
		{"?limit=1000", 5, defaultListLimit},
		{"?offset=-3", 5, defaultListLimit},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			var resp listRunsResponse
			if code := do(t, ts, "GET", "/v1/runs"+tt.query, "", &resp); code != http.StatusOK {
				t.Fatalf("status = %d", code)
			}
			if len(resp.Runs) != tt.wantCount || resp.Total != 5 || resp.Limit != tt.wantLimit {
				t.Errorf("got %d runs total=%d limit=%d", len(resp.Runs), resp.Total, resp.Limit)
			}
		})
	}
}

func TestStreamEventsFinishedRun(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var run model.Run
	do(t, ts, "POST", "/v1/runs", `{"source":"1"}`, &run)
	waitForRun(t, srv.store, run.ID)

	resp, err := http.Get(ts.URL + "/v1/runs/" + run.ID + "/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	events := readSSE(t, resp)
	if len(events) != 1 || events[0] != "done:completed" {
		t.Errorf("events = %v", events)
	}
}

func TestStreamEventsLive(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	r := &model.Run{
		ID: model.NewID(), Status: model.StatusPending, Origin: model.OriginSource,
		Name: "main.js", CreatedAt: time.Now().UTC(),
	}
	if err := srv.store.CreateRun(context.Background(), r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	resp, err := http.Get(ts.URL + "/v1/runs/" + r.ID + "/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	events := srv.engine.Events()
	events.Publish(r.ID, engine.Event{Type: engine.EventStage, Data: "running"})
	events.Publish(r.ID, engine.Event{Type: engine.EventStdout, Data: "a\nb"})
	events.Close(r.ID)

	got := readSSE(t, resp)
	want := []string{"stage:running", "stdout:a\nb", "done:pending"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("events = %q, want %q", got, want)
	}
}

// readSSE reads events until the stream ends, returning "type:data" pairs
// with multi-line data joined by newlines.
func readSSE(t *testing.T, resp *http.Response) []string {
	t.Helper()
	var (
		events []string
		typ    string
		data   []string
	)
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			typ = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		case line == "" && typ != "":
			events = append(events, typ+":"+strings.Join(data, "\n"))
			typ, data = "", nil
		}
	}
	return events
}
