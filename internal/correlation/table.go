// Package correlation matches worker messages to the callers waiting for them.
// Every registered id is finalized exactly once, either by a terminal message
// or by a bulk purge of the executor generation it was sent to.
package correlation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/seantiz/sandbroker/internal/protocol"
)

// ErrDuplicateID is returned when registering an id that is still pending.
var ErrDuplicateID = errors.New("correlation id already pending")

// Handler receives the outcome of one request. Resolve or Reject is called
// exactly once; Progress zero or more times, always before the terminal call.
// Handlers run on the dispatching goroutine and must not block.
type Handler struct {
	Resolve  func(protocol.Message)
	Reject   func(error)
	Progress func(protocol.Stage)
}

type entry struct {
	generation uint64
	handler    Handler
}

// Table maps in-flight request ids to their handlers. It is safe for
// concurrent use; callbacks are invoked outside the table lock.
type Table struct {
	mu      sync.Mutex
	pending map[uint64]entry
	logger  *slog.Logger
}

// NewTable creates an empty correlation table.
func NewTable(logger *slog.Logger) *Table {
	return &Table{
		pending: make(map[uint64]entry),
		logger:  logger,
	}
}

// Register records a handler for id, tagged with the executor generation the
// request is about to be sent to.
func (t *Table) Register(id, generation uint64, h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[id]; ok {
		return fmt.Errorf("register %d: %w", id, ErrDuplicateID)
	}
	t.pending[id] = entry{generation: generation, handler: h}
	return nil
}

// Resolve finalizes id with a success message. It reports false, after
// logging, when id is not pending (stray or duplicate message).
func (t *Table) Resolve(id uint64, msg protocol.Message) bool {
	e, ok := t.take(id)
	if !ok {
		t.logger.Warn("resolve for unknown correlation", "id", id, "kind", msg.Kind)
		return false
	}
	if e.handler.Resolve != nil {
		e.handler.Resolve(msg)
	}
	return true
}

// Reject finalizes id with err. Unknown ids are logged and ignored.
func (t *Table) Reject(id uint64, err error) bool {
	e, ok := t.take(id)
	if !ok {
		t.logger.Warn("reject for unknown correlation", "id", id, "error", err)
		return false
	}
	if e.handler.Reject != nil {
		e.handler.Reject(err)
	}
	return true
}

// Progress forwards a stage transition to id's observer without finalizing it.
func (t *Table) Progress(id uint64, stage protocol.Stage) bool {
	t.mu.Lock()
	e, ok := t.pending[id]
	t.mu.Unlock()

	if !ok {
		t.logger.Warn("progress for unknown correlation", "id", id, "stage", stage)
		return false
	}
	if e.handler.Progress != nil {
		e.handler.Progress(stage)
	}
	return true
}

// PurgeGeneration rejects and removes every entry tagged with generation and
// returns how many were rejected.
func (t *Table) PurgeGeneration(generation uint64, err error) int {
	t.mu.Lock()
	var purged []entry
	for id, e := range t.pending {
		if e.generation == generation {
			purged = append(purged, e)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()

	for _, e := range purged {
		if e.handler.Reject != nil {
			e.handler.Reject(err)
		}
	}
	return len(purged)
}

// RejectAll rejects and removes every pending entry regardless of generation.
func (t *Table) RejectAll(err error) int {
	t.mu.Lock()
	all := t.pending
	t.pending = make(map[uint64]entry)
	t.mu.Unlock()

	for _, e := range all {
		if e.handler.Reject != nil {
			e.handler.Reject(err)
		}
	}
	return len(all)
}

// Len returns the number of pending correlations.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Generation returns the generation id is tagged with.
func (t *Table) Generation(id uint64) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[id]
	return e.generation, ok
}

func (t *Table) take(id uint64) (entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	return e, ok
}
