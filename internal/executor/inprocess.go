package executor

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// ServeFunc runs a worker on conn until conn fails or ctx is cancelled. It
// must stop any script it is evaluating when ctx is cancelled.
type ServeFunc func(ctx context.Context, conn net.Conn) error

// InProcessSpawner runs the worker in a goroutine connected by an in-memory
// pipe. Close cancels the worker's context and waits for it to return.
type InProcessSpawner struct {
	Serve ServeFunc
}

// Spawn starts a new in-process worker.
func (s *InProcessSpawner) Spawn(ctx context.Context) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}
	if s.Serve == nil {
		return nil, fmt.Errorf("spawn worker: no serve func")
	}

	host, guest := net.Pipe()
	workerCtx, cancel := context.WithCancel(context.Background())
	l := &pipeLink{
		Conn:   host,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(l.done)
		defer guest.Close()
		s.Serve(workerCtx, guest)
	}()
	return l, nil
}

type pipeLink struct {
	net.Conn
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (l *pipeLink) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		l.closeErr = l.Conn.Close()
		<-l.done
	})
	return l.closeErr
}
