package serializer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/sandbroker/internal/protocol"
)

// fakeRunner records runs and lets the test decide when each one finishes.
type fakeRunner struct {
	mu       sync.Mutex
	sources  []string
	running  atomic.Int32
	overlaps atomic.Int32
	started  chan string
	release  chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{started: make(chan string, 16), release: make(chan struct{})}
}

func (f *fakeRunner) run(_ context.Context, req protocol.ExecuteRequest, observe Observer) (*protocol.ExecuteResult, error) {
	if f.running.Add(1) > 1 {
		f.overlaps.Add(1)
	}
	defer f.running.Add(-1)

	f.mu.Lock()
	f.sources = append(f.sources, req.Source)
	f.mu.Unlock()

	observe(protocol.StageRunning)
	f.started <- req.Source
	<-f.release

	if req.Source == "fail" {
		return nil, errors.New("failed")
	}
	return &protocol.ExecuteResult{
		Stdio: []protocol.Chunk{{Stream: protocol.StreamOut, Text: req.Source}},
	}, nil
}

func fixed(src string) Source {
	return func() (protocol.ExecuteRequest, error) {
		return protocol.ExecuteRequest{Name: "main.js", Source: src}, nil
	}
}

func newTestSerializer(f *fakeRunner) *Serializer {
	return New(f.run, slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

type outcome struct {
	ran    *protocol.ExecuteRequest
	result *protocol.ExecuteResult
	err    error
}

func doAsync(s *Serializer, src Source, obs Observer) chan outcome {
	ch := make(chan outcome, 1)
	go func() {
		ran, res, err := s.Do(context.Background(), src, obs)
		ch <- outcome{ran, res, err}
	}()
	return ch
}

func waitStarted(t *testing.T, f *fakeRunner) string {
	t.Helper()
	select {
	case src := <-f.started:
		return src
	case <-time.After(2 * time.Second):
		t.Fatal("run did not start")
		return ""
	}
}

func waitQueued(t *testing.T, s *Serializer, coalesced uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := s.Stats()
		if st.Queued && st.Coalesced >= coalesced {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("call was not queued")
}

func TestSingleRun(t *testing.T) {
	f := newFakeRunner()
	s := newTestSerializer(f)

	var stages []protocol.Stage
	ch := doAsync(s, fixed("A"), func(st protocol.Stage) { stages = append(stages, st) })
	waitStarted(t, f)
	close(f.release)

	out := <-ch
	if out.err != nil {
		t.Fatalf("Do: %v", out.err)
	}
	if out.result.Stdio[0].Text != "A" {
		t.Errorf("result = %q, want A", out.result.Stdio[0].Text)
	}
	if len(stages) != 1 || stages[0] != protocol.StageRunning {
		t.Errorf("stages = %v, want [running]", stages)
	}
}

func TestBusyCallsCoalesceIntoOneRerun(t *testing.T) {
	f := newFakeRunner()
	s := newTestSerializer(f)

	a := doAsync(s, fixed("A"), nil)
	waitStarted(t, f)

	b := doAsync(s, fixed("B"), nil)
	waitQueued(t, s, 0)
	c := doAsync(s, fixed("C"), nil)
	waitQueued(t, s, 1)

	f.release <- struct{}{}
	if got := waitStarted(t, f); got != "C" {
		t.Errorf("rerun source = %q, want C", got)
	}
	close(f.release)

	outA, outB, outC := <-a, <-b, <-c
	if outA.result.Stdio[0].Text != "A" || outA.ran == nil || outA.ran.Source != "A" {
		t.Errorf("A outcome = %+v", outA)
	}
	for name, out := range map[string]outcome{"B": outB, "C": outC} {
		if out.err != nil || out.result.Stdio[0].Text != "C" {
			t.Errorf("%s outcome = %+v, want result of C", name, out)
		}
		if out.ran == nil || out.ran.Source != "C" {
			t.Errorf("%s executed request = %+v, want C", name, out.ran)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sources) != 2 {
		t.Errorf("runs = %v, want exactly 2", f.sources)
	}
	if f.overlaps.Load() != 0 {
		t.Error("runs overlapped")
	}
}

func TestSourceReadAtRunStart(t *testing.T) {
	f := newFakeRunner()
	s := newTestSerializer(f)

	var mu sync.Mutex
	content := "v1"
	editor := func() (protocol.ExecuteRequest, error) {
		mu.Lock()
		defer mu.Unlock()
		return protocol.ExecuteRequest{Name: "main.js", Source: content}, nil
	}

	a := doAsync(s, fixed("A"), nil)
	waitStarted(t, f)
	b := doAsync(s, editor, nil)
	waitQueued(t, s, 0)

	mu.Lock()
	content = "v2"
	mu.Unlock()

	close(f.release)
	if got := waitStarted(t, f); got != "v2" {
		t.Errorf("rerun source = %q, want v2", got)
	}
	<-a
	if out := <-b; out.result.Stdio[0].Text != "v2" {
		t.Errorf("B result = %q, want v2", out.result.Stdio[0].Text)
	}
}

func TestRerunAfterFailure(t *testing.T) {
	f := newFakeRunner()
	s := newTestSerializer(f)

	a := doAsync(s, fixed("fail"), nil)
	waitStarted(t, f)
	b := doAsync(s, fixed("B"), nil)
	waitQueued(t, s, 0)

	close(f.release)
	if out := <-a; out.err == nil {
		t.Error("first run should fail")
	}
	if out := <-b; out.err != nil {
		t.Errorf("rerun error = %v", out.err)
	}
}

func TestSourceError(t *testing.T) {
	f := newFakeRunner()
	s := newTestSerializer(f)

	errNoFile := errors.New("no file")
	ran, _, err := s.Do(context.Background(), func() (protocol.ExecuteRequest, error) {
		return protocol.ExecuteRequest{}, errNoFile
	}, nil)
	if !errors.Is(err, errNoFile) {
		t.Errorf("Do error = %v, want errNoFile", err)
	}
	if ran != nil {
		t.Errorf("executed request = %+v, want nil", ran)
	}
	deadline := time.Now().Add(time.Second)
	for s.Stats().Active {
		if time.Now().After(deadline) {
			t.Fatal("serializer still active after source error")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCancelledWaitDoesNotOverlap(t *testing.T) {
	f := newFakeRunner()
	s := newTestSerializer(f)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := s.Do(ctx, fixed("A"), nil)
		errCh <- err
	}()
	waitStarted(t, f)
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Do error = %v, want context.Canceled", err)
	}

	b := doAsync(s, fixed("B"), nil)
	waitQueued(t, s, 0)
	close(f.release)
	<-b

	if f.overlaps.Load() != 0 {
		t.Error("a new run started while the abandoned one was active")
	}
}

func TestObserversOfCoalescedCalls(t *testing.T) {
	f := newFakeRunner()
	s := newTestSerializer(f)

	a := doAsync(s, fixed("A"), nil)
	waitStarted(t, f)

	var n atomic.Int32
	obs := func(protocol.Stage) { n.Add(1) }
	b := doAsync(s, fixed("B"), obs)
	waitQueued(t, s, 0)
	c := doAsync(s, fixed("C"), obs)
	waitQueued(t, s, 1)

	close(f.release)
	<-a
	<-b
	<-c
	if got := n.Load(); got != 2 {
		t.Errorf("observer calls = %d, want 2 (one per coalesced caller)", got)
	}
}

func TestBlockedObserverDoesNotStallRuns(t *testing.T) {
	f := newFakeRunner()
	s := newTestSerializer(f)

	unblock := make(chan struct{})
	defer close(unblock)
	entered := make(chan struct{}, 1)
	stuck := func(protocol.Stage) {
		entered <- struct{}{}
		<-unblock
	}

	a := doAsync(s, fixed("A"), stuck)
	// The runner reports its stage and carries on while the observer hangs.
	waitStarted(t, f)
	<-entered
	f.release <- struct{}{}

	b := doAsync(s, fixed("B"), nil)
	if got := waitStarted(t, f); got != "B" {
		t.Fatalf("next run = %q, want B", got)
	}
	f.release <- struct{}{}

	select {
	case out := <-b:
		if out.err != nil || out.result.Stdio[0].Text != "B" {
			t.Errorf("B outcome = %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run after a hung observer did not complete")
	}

	select {
	case <-a:
		t.Error("caller returned before its observer saw every stage")
	default:
	}
}
