// Package guest implements the agent that runs inside a virtual machine. It
// accepts connections from the host broker and serves a fresh worker session
// on each one, so a connection the host abandons takes its worker with it.
package guest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/seantiz/sandbroker/internal/worker"
)

// Agent accepts host connections and serves the worker protocol on them.
type Agent struct {
	listener net.Listener
	worker   *worker.Worker
	logger   *slog.Logger

	mu     sync.Mutex
	active int
}

// New creates a guest agent serving w on connections accepted from listener.
func New(listener net.Listener, w *worker.Worker, logger *slog.Logger) *Agent {
	return &Agent{
		listener: listener,
		worker:   w,
		logger:   logger.With("component", "guest"),
	}
}

// Serve accepts connections until the listener is closed or ctx is
// cancelled. Cancelling ctx stops every session.
func (a *Agent) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { a.listener.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Go(func() {
			a.handleConnection(ctx, conn)
		})
	}
}

// Active returns the number of connections being served.
func (a *Agent) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// handleConnection serves one host connection until it ends.
func (a *Agent) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	a.mu.Lock()
	a.active++
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.active--
		a.mu.Unlock()
	}()

	logger := a.logger.With("remote", conn.RemoteAddr().String())
	logger.Info("session started")
	if err := a.worker.Serve(ctx, conn); err != nil {
		logger.Warn("session ended", "error", err)
		return
	}
	logger.Info("session ended")
}
