package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/sandbroker/internal/broker"
	"github.com/seantiz/sandbroker/internal/engine"
	"github.com/seantiz/sandbroker/internal/executor"
	"github.com/seantiz/sandbroker/internal/model"
	"github.com/seantiz/sandbroker/internal/protocol"
	"github.com/seantiz/sandbroker/internal/serializer"
	"github.com/seantiz/sandbroker/internal/store"
	"github.com/seantiz/sandbroker/internal/worker"
	"github.com/seantiz/sandbroker/internal/workspace"
)

// fakeExecutor reports stages and returns a fixed outcome.
type fakeExecutor struct {
	stages []protocol.Stage
	result *protocol.ExecuteResult
	err    error
	delay  time.Duration

	mu   sync.Mutex
	reqs []protocol.ExecuteRequest
}

func (f *fakeExecutor) Execute(_ context.Context, req protocol.ExecuteRequest, observe serializer.Observer) (*protocol.ExecuteRequest, *protocol.ExecuteResult, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	time.Sleep(f.delay)
	for _, s := range f.stages {
		observe(s)
	}
	return &req, f.result, f.err
}

func (f *fakeExecutor) ExecuteFrom(ctx context.Context, editor workspace.Editor, observe serializer.Observer) (*protocol.ExecuteRequest, *protocol.ExecuteResult, error) {
	name := editor.FileName()
	return f.Execute(ctx, protocol.ExecuteRequest{
		Name:   name,
		Typed:  workspace.IsTyped(name),
		Source: editor.CurrentContent(),
	}, observe)
}

func (f *fakeExecutor) requests() []protocol.ExecuteRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.ExecuteRequest(nil), f.reqs...)
}

var allStages = []protocol.Stage{
	protocol.StageDownloading, protocol.StageCompiling, protocol.StageLoading, protocol.StageRunning,
}

func newTestEngine(t *testing.T, exec engine.Executor) (*engine.Engine, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return engine.NewEngine(s, exec, logger), s
}

func makeRun(source string) *model.Run {
	return &model.Run{
		ID:        model.NewID(),
		Status:    model.StatusPending,
		Origin:    model.OriginSource,
		Name:      "main.js",
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}
}

// waitForStatus polls the store until the run reaches the expected status.
func waitForStatus(t *testing.T, s store.Store, id, expected string, timeout time.Duration) *model.Run {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r, err := s.GetRun(context.Background(), id)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if r.Status == expected {
			return r
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach status %q within %v", id, expected, timeout)
	return nil
}

func output(t *testing.T, s store.Store, id string) []model.OutputChunk {
	t.Helper()
	chunks, err := s.GetOutput(context.Background(), id)
	if err != nil {
		t.Fatalf("GetOutput: %v", err)
	}
	return chunks
}

func TestSubmitHappyPath(t *testing.T) {
	exec := &fakeExecutor{
		stages: allStages,
		delay:  20 * time.Millisecond,
		result: &protocol.ExecuteResult{
			FileName: "/main.js",
			Stdio:    []protocol.Chunk{{Stream: protocol.StreamOut, Text: "1\n"}},
		},
	}
	eng, s := newTestEngine(t, exec)

	r := makeRun("console.log(1)")
	if err := eng.Submit(context.Background(), r, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got, _ := s.GetRun(context.Background(), r.ID)
	if got.Status != model.StatusPending {
		t.Errorf("initial status = %q, want pending", got.Status)
	}

	done := waitForStatus(t, s, r.ID, model.StatusCompleted, 5*time.Second)
	if done.Stage != string(protocol.StageRunning) {
		t.Errorf("stage = %q, want running", done.Stage)
	}
	if done.FileName != "/main.js" {
		t.Errorf("file_name = %q", done.FileName)
	}
	if done.StartedAt == nil || done.FinishedAt == nil || done.DurationMS == nil {
		t.Errorf("timestamps not set: %+v", done)
	}

	chunks := output(t, s, r.ID)
	if len(chunks) != 1 || chunks[0].Text != "1\n" || chunks[0].Stream != protocol.StreamOut {
		t.Errorf("output = %+v", chunks)
	}

	reqs := exec.requests()
	if len(reqs) != 1 || reqs[0].Source != "console.log(1)" || reqs[0].Name != "main.js" {
		t.Errorf("requests = %+v", reqs)
	}
}

func TestSubmitBlocked(t *testing.T) {
	exec := &fakeExecutor{
		stages: []protocol.Stage{protocol.StageCompiling, protocol.StageLoading, protocol.StageRunning},
		err:    &broker.BlockedError{Generation: 1, Stage: protocol.StageRunning, Reason: broker.ReasonDeadline},
	}
	eng, s := newTestEngine(t, exec)

	r := makeRun("while (true) {}")
	if err := eng.Submit(context.Background(), r, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	blocked := waitForStatus(t, s, r.ID, model.StatusBlocked, 5*time.Second)
	if blocked.Error == "" {
		t.Error("expected error message")
	}
	chunks := output(t, s, r.ID)
	if len(chunks) != 1 || chunks[0].Text != engine.BlockedNotice || chunks[0].Stream != protocol.StreamErr {
		t.Errorf("output = %+v", chunks)
	}
}

func TestSubmitBlockedBeforeAnyStage(t *testing.T) {
	exec := &fakeExecutor{err: &broker.BlockedError{Generation: 1, Reason: broker.ReasonChannel}}
	eng, s := newTestEngine(t, exec)

	r := makeRun("x")
	if err := eng.Submit(context.Background(), r, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := waitForStatus(t, s, r.ID, model.StatusBlocked, 5*time.Second)
	if got.Stage != "" {
		t.Errorf("stage = %q, want empty", got.Stage)
	}
}

func TestSubmitUnexpectedError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"application", &broker.ApplicationError{Kind: protocol.KindExecute, Message: "boom"}, engine.UnexpectedPrefix + "boom"},
		{"closed", broker.ErrClosed, engine.UnexpectedPrefix + broker.ErrClosed.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng, s := newTestEngine(t, &fakeExecutor{err: tt.err})
			r := makeRun("x")
			if err := eng.Submit(context.Background(), r, nil); err != nil {
				t.Fatalf("Submit: %v", err)
			}
			waitForStatus(t, s, r.ID, model.StatusFailed, 5*time.Second)
			chunks := output(t, s, r.ID)
			if len(chunks) != 1 || chunks[0].Text != tt.want {
				t.Errorf("output = %+v, want %q", chunks, tt.want)
			}
		})
	}
}

func TestSubmitCompletesWithoutStages(t *testing.T) {
	exec := &fakeExecutor{result: &protocol.ExecuteResult{FileName: "/main.js"}}
	eng, s := newTestEngine(t, exec)

	r := makeRun("")
	if err := eng.Submit(context.Background(), r, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitForStatus(t, s, r.ID, model.StatusCompleted, 5*time.Second)
	if done.StartedAt == nil {
		t.Error("started_at should be set")
	}
}

func TestSubmitFromEditor(t *testing.T) {
	exec := &fakeExecutor{stages: allStages, result: &protocol.ExecuteResult{FileName: "/Untitled.ts"}}
	eng, s := newTestEngine(t, exec)

	ws := workspace.New("a.js", "")
	f := ws.NewFile("ts")
	if _, err := ws.Update(f.ID, "let x: number = 1"); err != nil {
		t.Fatal(err)
	}

	r := &model.Run{
		ID:        model.NewID(),
		Status:    model.StatusPending,
		Origin:    model.OriginFile,
		FileID:    &f.ID,
		Name:      f.Name,
		Typed:     true,
		CreatedAt: time.Now().UTC(),
	}
	if err := eng.Submit(context.Background(), r, ws.Editor(f.ID)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := waitForStatus(t, s, r.ID, model.StatusCompleted, 5*time.Second)

	reqs := exec.requests()
	if len(reqs) != 1 || !reqs[0].Typed || reqs[0].Source != "let x: number = 1" {
		t.Errorf("requests = %+v", reqs)
	}
	if done.Source != "let x: number = 1" {
		t.Errorf("stored source = %q, want the file content that ran", done.Source)
	}
}

func TestCoalescedRunRecordsExecutedSource(t *testing.T) {
	w := worker.New(worker.Config{}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	b := broker.New(&executor.InProcessSpawner{
		Serve: func(ctx context.Context, conn net.Conn) error { return w.Serve(ctx, conn) },
	}, broker.Options{Logger: slog.New(slog.NewJSONHandler(io.Discard, nil))})
	t.Cleanup(func() { b.Close() })
	eng, s := newTestEngine(t, b)

	submit := func(name, source string) *model.Run {
		t.Helper()
		r := makeRun(source)
		r.Name = name
		if err := eng.Submit(context.Background(), r, nil); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		return r
	}
	waitSerializer := func(what string, cond func(serializer.Stats) bool) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for !cond(b.Stats().Serializer) {
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %s", what)
			}
			time.Sleep(2 * time.Millisecond)
		}
	}

	a := submit("a.js", `const t = Date.now(); while (Date.now() - t < 400) {} console.log("A")`)
	waitSerializer("active run", func(st serializer.Stats) bool { return st.Active })
	rb := submit("b.js", `console.log("B")`)
	waitSerializer("queued run", func(st serializer.Stats) bool { return st.Queued })
	rc := submit("c.js", `console.log("C")`)
	waitSerializer("coalesced call", func(st serializer.Stats) bool { return st.Coalesced == 1 })
	eng.Wait()

	for _, tt := range []struct {
		run        *model.Run
		wantName   string
		wantSource string
		wantOut    string
	}{
		{a, "a.js", a.Source, "A\n"},
		{rb, "c.js", rc.Source, "C\n"},
		{rc, "c.js", rc.Source, "C\n"},
	} {
		got, err := s.GetRun(context.Background(), tt.run.ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if got.Status != model.StatusCompleted || got.Name != tt.wantName || got.Source != tt.wantSource {
			t.Errorf("run %s = status %s name %q source %q, want %q %q",
				tt.run.Name, got.Status, got.Name, got.Source, tt.wantName, tt.wantSource)
		}
		chunks := output(t, s, tt.run.ID)
		if len(chunks) != 1 || chunks[0].Text != tt.wantOut {
			t.Errorf("run %s output = %+v, want %q", tt.run.Name, chunks, tt.wantOut)
		}
	}
}

func TestSubmitPublishesEvents(t *testing.T) {
	exec := &fakeExecutor{
		stages: allStages,
		delay:  50 * time.Millisecond,
		result: &protocol.ExecuteResult{Stdio: []protocol.Chunk{
			{Stream: protocol.StreamOut, Text: "a\n"},
			{Stream: protocol.StreamErr, Text: "b\n"},
		}},
	}
	eng, s := newTestEngine(t, exec)

	r := makeRun("x")
	ch, unsub := eng.Events().Subscribe(r.ID)
	defer unsub()
	if err := eng.Submit(context.Background(), r, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var got []engine.Event
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-ch:
			if !ok {
				done = true
				break
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("event stream not closed")
		}
	}

	want := []engine.Event{
		{Type: engine.EventStage, Data: string(protocol.StageDownloading)},
		{Type: engine.EventStage, Data: string(protocol.StageCompiling)},
		{Type: engine.EventStage, Data: string(protocol.StageLoading)},
		{Type: engine.EventStage, Data: string(protocol.StageRunning)},
		{Type: engine.EventStdout, Data: "a\n"},
		{Type: engine.EventStderr, Data: "b\n"},
	}
	if len(got) != len(want) {
		t.Fatalf("events = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	waitForStatus(t, s, r.ID, model.StatusCompleted, time.Second)
}

func TestSubmitConcurrent(t *testing.T) {
	exec := &fakeExecutor{delay: 20 * time.Millisecond, result: &protocol.ExecuteResult{}}
	eng, s := newTestEngine(t, exec)

	var ids []string
	for range 5 {
		r := makeRun("x")
		if err := eng.Submit(context.Background(), r, nil); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		ids = append(ids, r.ID)
	}
	eng.Wait()

	for _, id := range ids {
		r, err := s.GetRun(context.Background(), id)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if r.Status != model.StatusCompleted {
			t.Errorf("run %s status = %q, want completed", id, r.Status)
		}
	}
}

func TestRender(t *testing.T) {
	out := protocol.Chunk{Stream: protocol.StreamOut, Text: "1\n"}
	compile := "main.ts:1:4: ERROR: Expected \";\""
	tests := []struct {
		name   string
		result *protocol.ExecuteResult
		err    error
		want   []protocol.Chunk
	}{
		{
			name:   "stdio",
			result: &protocol.ExecuteResult{Stdio: []protocol.Chunk{out}},
			want:   []protocol.Chunk{out},
		},
		{
			name:   "compile messages prepended",
			result: &protocol.ExecuteResult{Stdio: []protocol.Chunk{out}, CompileMessages: compile},
			want:   []protocol.Chunk{{Stream: protocol.StreamErr, Text: compile}, out},
		},
		{
			name: "compile messages already shown",
			result: &protocol.ExecuteResult{
				Stdio:           []protocol.Chunk{{Stream: protocol.StreamErr, Text: compile + "\n"}},
				CompileMessages: compile,
			},
			want: []protocol.Chunk{{Stream: protocol.StreamErr, Text: compile + "\n"}},
		},
		{
			name: "blocked",
			err:  &broker.BlockedError{Reason: broker.ReasonDeadline},
			want: []protocol.Chunk{{Stream: protocol.StreamErr, Text: engine.BlockedNotice}},
		},
		{
			name: "unexpected",
			err:  errors.New("pipe closed"),
			want: []protocol.Chunk{{Stream: protocol.StreamErr, Text: "Unexpected error: pipe closed"}},
		},
		{
			name: "nothing",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := engine.Render(tt.result, tt.err)
			if len(got) != len(tt.want) {
				t.Fatalf("Render = %+v, want %+v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}
