// Package supervisor arms per-request deadlines and reports requests whose
// executor stopped answering in time.
package supervisor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/sandbroker/internal/protocol"
)

// StageTransform labels the flat deadline used by compress and decompress.
const StageTransform protocol.Stage = "transform"

// Deadline defaults per stage.
const (
	DefaultDownloading = 30 * time.Second
	DefaultCompiling   = 3 * time.Second
	DefaultLoading     = 1 * time.Second
	DefaultRunning     = 5 * time.Second
	DefaultTransform   = 5 * time.Second
)

// Deadlines holds the budget for each stage.
type Deadlines struct {
	Downloading time.Duration
	Compiling   time.Duration
	Loading     time.Duration
	Running     time.Duration
	Transform   time.Duration
}

// DefaultDeadlines returns the stock stage budgets.
func DefaultDeadlines() Deadlines {
	return Deadlines{
		Downloading: DefaultDownloading,
		Compiling:   DefaultCompiling,
		Loading:     DefaultLoading,
		Running:     DefaultRunning,
		Transform:   DefaultTransform,
	}
}

// For returns the deadline for stage. Unknown stages get the running budget.
func (d Deadlines) For(stage protocol.Stage) time.Duration {
	switch stage {
	case protocol.StageDownloading:
		return d.Downloading
	case protocol.StageCompiling:
		return d.Compiling
	case protocol.StageLoading:
		return d.Loading
	case StageTransform:
		return d.Transform
	default:
		return d.Running
	}
}

// ExpireFunc is called once for a deadline that fired while still armed.
type ExpireFunc func(id, generation uint64, stage protocol.Stage)

type armed struct {
	timer      *time.Timer
	seq        uint64
	generation uint64
	stage      protocol.Stage
}

// Watchdog keeps at most one deadline per request id.
type Watchdog struct {
	mu        sync.Mutex
	deadlines Deadlines
	onExpire  ExpireFunc
	logger    *slog.Logger
	armed     map[uint64]*armed
	seq       uint64
	stopped   bool
}

// New creates a watchdog that calls onExpire for every missed deadline.
func New(deadlines Deadlines, onExpire ExpireFunc, logger *slog.Logger) *Watchdog {
	return &Watchdog{
		deadlines: deadlines,
		onExpire:  onExpire,
		logger:    logger,
		armed:     make(map[uint64]*armed),
	}
}

// Deadlines returns the configured stage budgets.
func (w *Watchdog) Deadlines() Deadlines {
	return w.deadlines
}

// Arm starts the deadline of stage for id, replacing whatever was armed for it.
func (w *Watchdog) Arm(id, generation uint64, stage protocol.Stage) {
	w.ArmFor(id, generation, stage, w.deadlines.For(stage))
}

// ArmFor is Arm with an explicit duration.
func (w *Watchdog) ArmFor(id, generation uint64, stage protocol.Stage, d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	if prev, ok := w.armed[id]; ok {
		prev.timer.Stop()
	}

	w.seq++
	seq := w.seq
	w.armed[id] = &armed{
		timer:      time.AfterFunc(d, func() { w.fire(id, seq) }),
		seq:        seq,
		generation: generation,
		stage:      stage,
	}
}

// Disarm cancels the deadline for id, if any.
func (w *Watchdog) Disarm(id uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if a, ok := w.armed[id]; ok {
		a.timer.Stop()
		delete(w.armed, id)
	}
}

// DisarmGeneration cancels every deadline belonging to generation and returns
// how many were cancelled.
func (w *Watchdog) DisarmGeneration(generation uint64) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for id, a := range w.armed {
		if a.generation == generation {
			a.timer.Stop()
			delete(w.armed, id)
			n++
		}
	}
	return n
}

// Armed returns the number of active deadlines.
func (w *Watchdog) Armed() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.armed)
}

// Stop cancels all deadlines; later Arm calls are ignored.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopped = true
	for id, a := range w.armed {
		a.timer.Stop()
		delete(w.armed, id)
	}
}

func (w *Watchdog) fire(id, seq uint64) {
	w.mu.Lock()
	a, ok := w.armed[id]
	// A timer that lost the race against Stop still runs; seq tells it apart
	// from the one currently armed for id.
	if !ok || a.seq != seq {
		w.mu.Unlock()
		return
	}
	delete(w.armed, id)
	w.mu.Unlock()

	w.logger.Warn("deadline expired", "id", id, "generation", a.generation, "stage", a.stage)
	if w.onExpire != nil {
		w.onExpire(id, a.generation, a.stage)
	}
}
