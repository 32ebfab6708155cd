package executor

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/sandbroker/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// collector gathers everything an instance hands to its handlers.
type collector struct {
	mu       sync.Mutex
	messages []protocol.Message
	failures []error
	got      chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 64)}
}

func (c *collector) handlers() Handlers {
	return Handlers{
		OnMessage: func(m protocol.Message) {
			c.mu.Lock()
			c.messages = append(c.messages, m)
			c.mu.Unlock()
			c.got <- struct{}{}
		},
		OnFailure: func(err error) {
			c.mu.Lock()
			c.failures = append(c.failures, err)
			c.mu.Unlock()
			c.got <- struct{}{}
		},
	}
}

func (c *collector) wait(t *testing.T, n int) {
	t.Helper()
	for range n {
		select {
		case <-c.got:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for handler call")
		}
	}
}

func TestSubmitPreservesOrder(t *testing.T) {
	host, guest := net.Pipe()
	inst := Start(1, host, Handlers{}, discardLogger())
	defer inst.Terminate()

	for i := range 5 {
		if err := inst.Submit(protocol.Request{Kind: protocol.KindCompress, ID: uint64(i + 1)}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	for i := range 5 {
		var req protocol.Request
		if err := protocol.ReadMessage(guest, &req); err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		if req.ID != uint64(i+1) {
			t.Errorf("request[%d].ID = %d, want %d", i, req.ID, i+1)
		}
	}
}

func TestSubmitDoesNotBlockOnStalledWorker(t *testing.T) {
	host, _ := net.Pipe()
	inst := Start(1, host, Handlers{}, discardLogger())
	defer inst.Terminate()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 100 {
			inst.Submit(protocol.Request{Kind: protocol.KindCompress, ID: uint64(i + 1)})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on a worker that never reads")
	}
}

func TestMessagesDispatched(t *testing.T) {
	host, guest := net.Pipe()
	c := newCollector()
	inst := Start(4, host, c.handlers(), discardLogger())
	defer inst.Terminate()

	go func() {
		m1 := protocol.Progress(9, protocol.StageRunning)
		m2 := protocol.Message{Type: protocol.TypeSuccess, ID: 9, Kind: protocol.KindExecute}
		protocol.WriteMessage(guest, &m1)
		protocol.WriteMessage(guest, &m2)
	}()
	c.wait(t, 2)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(c.messages))
	}
	if c.messages[0].Type != protocol.TypeProgress || c.messages[1].Type != protocol.TypeSuccess {
		t.Errorf("message types = %q, %q", c.messages[0].Type, c.messages[1].Type)
	}
	if inst.Generation() != 4 {
		t.Errorf("Generation = %d, want 4", inst.Generation())
	}
}

func TestMalformedFramesSkipped(t *testing.T) {
	host, guest := net.Pipe()
	c := newCollector()
	inst := Start(1, host, c.handlers(), discardLogger())
	defer inst.Terminate()

	go func() {
		protocol.WriteMessage(guest, "not an object")
		protocol.WriteMessage(guest, &protocol.Message{Type: "bogus", ID: 1})
		protocol.WriteMessage(guest, &protocol.Message{Type: protocol.TypeSuccess, ID: 2})
	}()
	c.wait(t, 1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) != 1 || c.messages[0].ID != 2 {
		t.Errorf("messages = %+v, want only id 2", c.messages)
	}
	if len(c.failures) != 0 {
		t.Errorf("failures = %v, want none", c.failures)
	}
}

func TestLinkFailureReportedOnce(t *testing.T) {
	host, guest := net.Pipe()
	c := newCollector()
	inst := Start(1, host, c.handlers(), discardLogger())

	guest.Close()
	c.wait(t, 1)

	// The failure handler may terminate the instance; a second call is a no-op.
	if err := inst.Terminate(); err != nil {
		t.Logf("Terminate: %v", err)
	}
	inst.Terminate()

	time.Sleep(20 * time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.failures) != 1 {
		t.Errorf("failures = %d, want 1", len(c.failures))
	}
}

func TestFailureHandlerMayTerminate(t *testing.T) {
	host, guest := net.Pipe()
	terminated := make(chan struct{})
	var inst *Instance
	var ready sync.WaitGroup
	ready.Add(1)
	inst = Start(1, host, Handlers{
		OnFailure: func(error) {
			ready.Wait()
			inst.Terminate()
			close(terminated)
		},
	}, discardLogger())
	ready.Done()

	guest.Close()
	select {
	case <-terminated:
	case <-time.After(2 * time.Second):
		t.Fatal("Terminate from failure handler deadlocked")
	}
}

func TestTerminate(t *testing.T) {
	host, guest := net.Pipe()
	c := newCollector()
	inst := Start(1, host, c.handlers(), discardLogger())

	inst.Terminate()
	inst.Terminate()

	select {
	case <-inst.Done():
	default:
		t.Error("Done not closed after Terminate")
	}
	if err := inst.Submit(protocol.Request{ID: 1}); !errors.Is(err, ErrTerminated) {
		t.Errorf("Submit after Terminate error = %v, want ErrTerminated", err)
	}

	// Terminated on purpose: not a failure.
	if _, err := guest.Write([]byte{0}); err == nil {
		t.Error("link still writable after Terminate")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.failures) != 0 {
		t.Errorf("failures = %v, want none", c.failures)
	}
}
