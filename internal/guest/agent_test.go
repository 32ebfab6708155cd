package guest

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/seantiz/sandbroker/internal/protocol"
	"github.com/seantiz/sandbroker/internal/worker"
)

func startAgent(t *testing.T) (*Agent, string, context.CancelFunc) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	a := New(l, worker.New(worker.Config{}, logger), logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after cancel")
		}
	})
	return a, l.Addr().String(), cancel
}

// readUntilTerminal reads messages until the one settling id.
func readUntilTerminal(t *testing.T, conn net.Conn, id uint64) (progress []protocol.Stage, final protocol.Message) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var msg protocol.Message
		if err := protocol.ReadMessage(conn, &msg); err != nil {
			t.Fatalf("read message: %v", err)
		}
		if msg.ID != id {
			continue
		}
		if msg.Type == protocol.TypeProgress {
			progress = append(progress, msg.Stage)
			continue
		}
		return progress, msg
	}
}

func TestAgentServesExecute(t *testing.T) {
	_, addr, _ := startAgent(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := protocol.Request{
		Kind:    protocol.KindExecute,
		ID:      1,
		Execute: &protocol.ExecuteRequest{Name: "main.js", Source: "console.log(1)"},
	}
	if err := protocol.WriteMessage(conn, req); err != nil {
		t.Fatalf("write: %v", err)
	}

	stages, final := readUntilTerminal(t, conn, 1)
	if final.Type != protocol.TypeSuccess || final.Result == nil {
		t.Fatalf("final = %+v", final)
	}
	if len(stages) == 0 || stages[len(stages)-1] != protocol.StageRunning {
		t.Errorf("stages = %v", stages)
	}
	if len(final.Result.Stdio) != 1 || final.Result.Stdio[0].Text != "1\n" {
		t.Errorf("stdio = %+v", final.Result.Stdio)
	}
}

func TestAgentSessionsAreIndependent(t *testing.T) {
	a, addr, _ := startAgent(t)

	hung, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	hang := protocol.Request{
		Kind:    protocol.KindExecute,
		ID:      1,
		Execute: &protocol.ExecuteRequest{Name: "loop.js", Source: "while (true) {}"},
	}
	if err := protocol.WriteMessage(hung, hang); err != nil {
		t.Fatalf("write: %v", err)
	}
	hung.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var msg protocol.Message
		if err := protocol.ReadMessage(hung, &msg); err != nil {
			t.Fatalf("read progress: %v", err)
		}
		if msg.Stage == protocol.StageRunning {
			break
		}
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	compress := protocol.Request{Kind: protocol.KindCompress, ID: 7, Bytes: []byte("hello")}
	if err := protocol.WriteMessage(conn, compress); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, final := readUntilTerminal(t, conn, 7); final.Type != protocol.TypeSuccess {
		t.Errorf("compress on second session = %+v", final)
	}

	// Abandoning the hung connection ends its session.
	hung.Close()
	deadline := time.Now().Add(5 * time.Second)
	for a.Active() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if a.Active() != 1 {
		t.Errorf("active sessions = %d, want 1", a.Active())
	}
}
