// Package executor owns the link to one isolated worker. An Instance frames
// requests onto the link in submission order and hands every message read
// back to its handler; it can only be stopped as a whole.
package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/seantiz/sandbroker/internal/protocol"
)

// ErrTerminated is returned by Submit once the instance has been terminated.
var ErrTerminated = errors.New("executor terminated")

// Link is a bidirectional byte stream to an isolated worker. Close must not
// return until the worker can no longer write to the stream.
type Link interface {
	io.ReadWriter
	Close() error
}

// Spawner creates a fresh isolated worker and returns the link to it.
type Spawner interface {
	Spawn(ctx context.Context) (Link, error)
}

type generationKey struct{}

// WithGeneration tells the spawner which executor generation it is spawning.
func WithGeneration(ctx context.Context, gen uint64) context.Context {
	return context.WithValue(ctx, generationKey{}, gen)
}

// GenerationFrom returns the generation set by WithGeneration, or 0.
func GenerationFrom(ctx context.Context) uint64 {
	gen, _ := ctx.Value(generationKey{}).(uint64)
	return gen
}

// Handlers receive what an Instance reads from its worker. Both run on the
// instance's reader goroutine (OnFailure may also run on its writer) and
// must not call Terminate on the same instance synchronously from OnMessage.
type Handlers struct {
	OnMessage func(protocol.Message)
	// OnFailure is called at most once when the link breaks before Terminate.
	OnFailure func(error)
}

// Instance is one live worker of a given generation.
type Instance struct {
	generation uint64
	link       Link
	reader     *bufio.Reader
	handlers   Handlers
	logger     *slog.Logger

	mu    sync.Mutex
	queue []protocol.Request
	wake  chan struct{}

	done       chan struct{}
	readerDone chan struct{}
	writerDone chan struct{}

	terminateOnce sync.Once
	terminateErr  error
	failOnce      sync.Once
}

// Start attaches an instance to link and starts its reader and writer.
func Start(generation uint64, link Link, h Handlers, logger *slog.Logger) *Instance {
	inst := &Instance{
		generation: generation,
		link:       link,
		reader:     bufio.NewReader(link),
		handlers:   h,
		logger:     logger.With("generation", generation),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go inst.readLoop()
	go inst.writeLoop()
	return inst
}

// Generation returns the generation number the instance was started with.
func (i *Instance) Generation() uint64 {
	return i.generation
}

// Done is closed when Terminate begins.
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

// Submit appends req to the outbox. It never blocks on the worker.
func (i *Instance) Submit(req protocol.Request) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.terminated() {
		return ErrTerminated
	}
	i.queue = append(i.queue, req)

	select {
	case i.wake <- struct{}{}:
	default:
	}
	return nil
}

// Queued returns the number of requests not yet written to the link.
func (i *Instance) Queued() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.queue)
}

// Terminate closes the link and waits for the reader and writer to exit.
// Unsent requests are dropped. Safe to call more than once.
func (i *Instance) Terminate() error {
	i.terminateOnce.Do(func() {
		i.mu.Lock()
		dropped := len(i.queue)
		i.queue = nil
		close(i.done)
		i.mu.Unlock()

		i.terminateErr = i.link.Close()
		<-i.readerDone
		<-i.writerDone

		i.logger.Info("executor terminated", "dropped", dropped)
	})
	return i.terminateErr
}

func (i *Instance) terminated() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}

// fail reports a broken link once, unless the instance is being terminated.
func (i *Instance) fail(err error) {
	if i.terminated() {
		return
	}
	i.failOnce.Do(func() {
		i.logger.Warn("executor link failed", "error", err)
		if i.handlers.OnFailure != nil {
			i.handlers.OnFailure(err)
		}
	})
}

func (i *Instance) readLoop() {
	err := i.readMessages()
	// Close first so a failure handler that terminates this instance does
	// not wait on the goroutine it is running on.
	close(i.readerDone)
	i.fail(err)
}

// readMessages dispatches frames until the link breaks. Frames that do not
// decode to a valid message are logged and skipped.
func (i *Instance) readMessages() error {
	for {
		data, err := protocol.ReadFrame(i.reader)
		if err != nil {
			return fmt.Errorf("read from worker: %w", err)
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			i.logger.Warn("malformed worker message", "error", err)
			continue
		}
		if err := msg.Validate(); err != nil {
			i.logger.Warn("invalid worker message", "error", err)
			continue
		}

		if i.terminated() {
			continue
		}
		if i.handlers.OnMessage != nil {
			i.handlers.OnMessage(msg)
		}
	}
}

func (i *Instance) writeLoop() {
	err := i.writeRequests()
	close(i.writerDone)
	if err != nil {
		i.fail(err)
	}
}

func (i *Instance) writeRequests() error {
	for {
		select {
		case <-i.done:
			return nil
		case <-i.wake:
		}

		for {
			req, ok := i.pop()
			if !ok {
				break
			}
			if err := protocol.WriteMessage(i.link, &req); err != nil {
				return fmt.Errorf("write to worker: %w", err)
			}
		}
	}
}

func (i *Instance) pop() (protocol.Request, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if len(i.queue) == 0 || i.terminated() {
		return protocol.Request{}, false
	}
	req := i.queue[0]
	i.queue[0] = protocol.Request{}
	i.queue = i.queue[1:]
	return req, true
}
