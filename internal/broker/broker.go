// Package broker is the façade callers use to transform bytes and execute
// scripts in an isolated worker. It owns the correlation table, the
// supervisor watchdog, the execution serializer and the live executor
// generation, and replaces the executor whenever a generation is blocked.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/sandbroker/internal/correlation"
	"github.com/seantiz/sandbroker/internal/executor"
	"github.com/seantiz/sandbroker/internal/protocol"
	"github.com/seantiz/sandbroker/internal/serializer"
	"github.com/seantiz/sandbroker/internal/supervisor"
	"github.com/seantiz/sandbroker/internal/workspace"
)

// Options configures a Broker.
type Options struct {
	// Deadlines are the per-stage budgets. Zero fields take the defaults.
	Deadlines supervisor.Deadlines
	Logger    *slog.Logger
}

// Stats is a snapshot of the broker's state.
type Stats struct {
	Generation uint64           `json:"generation"`
	Live       bool             `json:"live"`
	Restarts   uint64           `json:"restarts"`
	Pending    int              `json:"pending"`
	Armed      int              `json:"armed"`
	Queued     int              `json:"queued"`
	Serializer serializer.Stats `json:"serializer"`
}

// Broker is safe for concurrent use.
type Broker struct {
	spawner  executor.Spawner
	logger   *slog.Logger
	table    *correlation.Table
	watchdog *supervisor.Watchdog
	serial   *serializer.Serializer

	nextID atomic.Uint64

	// mu guards instance replacement. It is held while an old instance is
	// terminated and while a new one is spawned, so two generations are
	// never live at once.
	mu         sync.Mutex
	inst       *executor.Instance
	generation uint64
	restarts   uint64
	closed     bool
}

// New creates a broker. No executor is spawned until Start or the first
// request.
func New(spawner executor.Spawner, opts Options) *Broker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "broker")

	b := &Broker{
		spawner: spawner,
		logger:  logger,
		table:   correlation.NewTable(logger),
	}
	b.watchdog = supervisor.New(withDefaults(opts.Deadlines), b.expire, logger)
	b.serial = serializer.New(b.runExecute, logger)
	return b
}

func withDefaults(d supervisor.Deadlines) supervisor.Deadlines {
	def := supervisor.DefaultDeadlines()
	if d.Downloading <= 0 {
		d.Downloading = def.Downloading
	}
	if d.Compiling <= 0 {
		d.Compiling = def.Compiling
	}
	if d.Loading <= 0 {
		d.Loading = def.Loading
	}
	if d.Running <= 0 {
		d.Running = def.Running
	}
	if d.Transform <= 0 {
		d.Transform = def.Transform
	}
	return d
}

// Start spawns the first executor so the first request does not pay for it.
func (b *Broker) Start(ctx context.Context) error {
	_, err := b.instance(ctx)
	return err
}

// Compress transforms data into the current format.
func (b *Broker) Compress(ctx context.Context, data []byte) ([]byte, error) {
	msg, err := b.call(ctx, protocol.Request{
		Kind:          protocol.KindCompress,
		Bytes:         data,
		FormatVersion: protocol.FormatCurrent,
	}, nil)
	if err != nil {
		return nil, err
	}
	return msg.Bytes, nil
}

// Decompress reverses Compress for data produced in the given format
// version. Legacy text rewrites are left to the caller.
func (b *Broker) Decompress(ctx context.Context, data []byte, version int) ([]byte, error) {
	msg, err := b.call(ctx, protocol.Request{
		Kind:          protocol.KindDecompress,
		Bytes:         data,
		FormatVersion: version,
	}, nil)
	if err != nil {
		return nil, err
	}
	return msg.Bytes, nil
}

// Execute runs req through the serializer. If a run is active, the call
// joins the single queued rerun and receives its result; the last caller's
// request is the one that runs, and it is returned alongside the result.
// Cancelling ctx abandons the wait only.
func (b *Broker) Execute(ctx context.Context, req protocol.ExecuteRequest, observer serializer.Observer) (*protocol.ExecuteRequest, *protocol.ExecuteResult, error) {
	return b.serial.Do(ctx, func() (protocol.ExecuteRequest, error) {
		return req, nil
	}, observer)
}

// ExecuteFrom runs the editor's current file. Name and content are read
// when the run starts.
func (b *Broker) ExecuteFrom(ctx context.Context, editor workspace.Editor, observer serializer.Observer) (*protocol.ExecuteRequest, *protocol.ExecuteResult, error) {
	return b.serial.Do(ctx, func() (protocol.ExecuteRequest, error) {
		name := editor.FileName()
		return protocol.ExecuteRequest{
			Name:   name,
			Typed:  workspace.IsTyped(name),
			Source: editor.CurrentContent(),
		}, nil
	}, observer)
}

func (b *Broker) runExecute(ctx context.Context, req protocol.ExecuteRequest, observe serializer.Observer) (*protocol.ExecuteResult, error) {
	msg, err := b.call(ctx, protocol.Request{Kind: protocol.KindExecute, Execute: &req}, observe)
	if err != nil {
		return nil, err
	}
	if msg.Result == nil {
		return nil, &ApplicationError{Kind: protocol.KindExecute, Message: "success without result"}
	}
	return msg.Result, nil
}

type settlement struct {
	msg protocol.Message
	err error
}

// call sends req to the live executor and waits for its terminal message,
// a purge of its generation, or ctx.
func (b *Broker) call(ctx context.Context, req protocol.Request, observe serializer.Observer) (protocol.Message, error) {
	start := time.Now()
	inst, err := b.instance(ctx)
	if err != nil {
		requestsTotal.WithLabelValues(req.Kind, outcomeError).Inc()
		return protocol.Message{}, err
	}
	gen := inst.Generation()
	req.ID = b.nextID.Add(1)

	done := make(chan settlement, 1)
	h := correlation.Handler{
		Resolve: func(msg protocol.Message) {
			pendingRequests.Dec()
			done <- settlement{msg: msg}
		},
		Reject: func(err error) {
			pendingRequests.Dec()
			done <- settlement{err: err}
		},
		Progress: func(stage protocol.Stage) {
			stageTransitions.WithLabelValues(string(stage)).Inc()
			b.watchdog.Arm(req.ID, gen, stage)
			if observe != nil {
				observe(stage)
			}
		},
	}
	if err := b.table.Register(req.ID, gen, h); err != nil {
		requestsTotal.WithLabelValues(req.Kind, outcomeError).Inc()
		return protocol.Message{}, err
	}
	pendingRequests.Inc()

	// An execute that has not reported a stage yet gets the running budget.
	stage := supervisor.StageTransform
	if req.Kind == protocol.KindExecute {
		stage = protocol.StageRunning
	}
	b.watchdog.Arm(req.ID, gen, stage)

	if err := inst.Submit(req); err != nil {
		// The generation was recycled between lookup and submit.
		b.watchdog.Disarm(req.ID)
		b.table.Reject(req.ID, &BlockedError{Generation: gen, Reason: ReasonChannel, Err: err})
	}

	select {
	case s := <-done:
		requestsTotal.WithLabelValues(req.Kind, outcome(s.err)).Inc()
		requestDuration.WithLabelValues(req.Kind).Observe(time.Since(start).Seconds())
		return s.msg, s.err
	case <-ctx.Done():
		requestsTotal.WithLabelValues(req.Kind, outcomeAbandoned).Inc()
		b.logger.Debug("request abandoned", "id", req.ID, "kind", req.Kind, "error", ctx.Err())
		return protocol.Message{}, ctx.Err()
	}
}

// instance returns the live executor, spawning a new generation if there is
// none.
func (b *Broker) instance(ctx context.Context) (*executor.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if b.inst != nil {
		return b.inst, nil
	}

	b.generation++
	gen := b.generation
	start := time.Now()
	link, err := b.spawner.Spawn(executor.WithGeneration(ctx, gen))
	if err != nil {
		restartsTotal.WithLabelValues(ReasonSpawn).Inc()
		b.logger.Warn("executor spawn failed", "generation", gen, "error", err)
		return nil, &BlockedError{Generation: gen, Reason: ReasonSpawn, Err: fmt.Errorf("spawn executor: %w", err)}
	}
	spawnDuration.Observe(time.Since(start).Seconds())

	b.inst = executor.Start(gen, link, executor.Handlers{
		OnMessage: func(msg protocol.Message) { b.dispatch(gen, msg) },
		OnFailure: func(err error) {
			b.recycle(gen, &BlockedError{Generation: gen, Reason: ReasonChannel, Err: err}, ReasonChannel)
		},
	}, b.logger)
	activeExecutors.Set(1)
	b.logger.Info("executor started", "generation", gen, "duration", time.Since(start))
	return b.inst, nil
}

// dispatch routes one message read from generation gen. It runs on that
// generation's reader goroutine and never takes b.mu.
func (b *Broker) dispatch(gen uint64, msg protocol.Message) {
	owner, ok := b.table.Generation(msg.ID)
	if !ok || owner != gen {
		strayMessages.Inc()
		b.logger.Warn("stray message", "id", msg.ID, "type", msg.Type, "generation", gen)
		return
	}

	switch msg.Type {
	case protocol.TypeProgress:
		b.table.Progress(msg.ID, msg.Stage)
	case protocol.TypeSuccess:
		b.watchdog.Disarm(msg.ID)
		b.table.Resolve(msg.ID, msg)
	case protocol.TypeFailure:
		b.watchdog.Disarm(msg.ID)
		b.table.Reject(msg.ID, &ApplicationError{Kind: msg.Kind, Message: msg.Message})
	}
}

// expire is the watchdog callback.
func (b *Broker) expire(id, gen uint64, stage protocol.Stage) {
	b.logger.Warn("request exceeded deadline", "id", id, "generation", gen, "stage", stage)
	b.recycle(gen, &BlockedError{Generation: gen, Stage: stage, Reason: ReasonDeadline}, ReasonDeadline)
}

// recycle terminates generation gen if it is still live and rejects all of
// its requests with cause. The next request spawns a new generation.
func (b *Broker) recycle(gen uint64, cause error, reason string) {
	b.mu.Lock()
	terminated := false
	if b.inst != nil && b.inst.Generation() == gen {
		if err := b.inst.Terminate(); err != nil {
			b.logger.Debug("terminate executor", "generation", gen, "error", err)
		}
		b.inst = nil
		b.restarts++
		terminated = true
		activeExecutors.Set(0)
	}
	b.mu.Unlock()

	b.watchdog.DisarmGeneration(gen)
	purged := b.table.PurgeGeneration(gen, cause)
	if terminated {
		restartsTotal.WithLabelValues(reason).Inc()
		b.logger.Warn("executor recycled", "generation", gen, "reason", reason, "purged", purged, "error", cause)
	}
}

// Stats returns a snapshot of the broker.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	st := Stats{
		Generation: b.generation,
		Live:       b.inst != nil,
		Restarts:   b.restarts,
	}
	if b.inst != nil {
		st.Queued = b.inst.Queued()
	}
	b.mu.Unlock()

	st.Pending = b.table.Len()
	st.Armed = b.watchdog.Armed()
	st.Serializer = b.serial.Stats()
	return st
}

// Close terminates the executor and rejects every pending request with
// ErrClosed. Later requests fail with ErrClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	inst := b.inst
	b.inst = nil
	var err error
	if inst != nil {
		err = inst.Terminate()
		activeExecutors.Set(0)
	}
	b.mu.Unlock()

	b.watchdog.Stop()
	n := b.table.RejectAll(ErrClosed)
	b.logger.Info("broker closed", "rejected", n)
	if err != nil {
		return fmt.Errorf("terminate executor: %w", err)
	}
	return nil
}
