package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/sandbroker/internal/broker"
	"github.com/seantiz/sandbroker/internal/model"
	"github.com/seantiz/sandbroker/internal/protocol"
	"github.com/seantiz/sandbroker/internal/serializer"
	"github.com/seantiz/sandbroker/internal/store"
	"github.com/seantiz/sandbroker/internal/workspace"
)

// Notices rendered in place of output when an execute does not succeed.
const (
	BlockedNotice    = "Execution takes too long. Terminated!"
	UnexpectedPrefix = "Unexpected error: "
)

// Executor runs scripts. *broker.Broker implements it. Both methods return
// the request that executed, which differs from the submitted one when the
// call was coalesced with later submissions.
type Executor interface {
	Execute(ctx context.Context, req protocol.ExecuteRequest, observer serializer.Observer) (*protocol.ExecuteRequest, *protocol.ExecuteResult, error)
	ExecuteFrom(ctx context.Context, editor workspace.Editor, observer serializer.Observer) (*protocol.ExecuteRequest, *protocol.ExecuteResult, error)
}

// Engine orchestrates asynchronous run execution.
type Engine struct {
	store  store.Store
	exec   Executor
	logger *slog.Logger
	wg     sync.WaitGroup
	events *EventBroker
}

// NewEngine creates a new execution engine.
func NewEngine(s store.Store, exec Executor, logger *slog.Logger) *Engine {
	return &Engine{
		store:  s,
		exec:   exec,
		logger: logger.With("component", "engine"),
		events: NewEventBroker(),
	}
}

// Events returns the engine's event broker for SSE subscription.
func (e *Engine) Events() *EventBroker {
	return e.events
}

// Submit stores r as pending and runs it in a goroutine. With a nil editor
// r.Source is executed; otherwise the editor's file is read when the run
// starts. The goroutine operates on a copy of r.
func (e *Engine) Submit(ctx context.Context, r *model.Run, editor workspace.Editor) error {
	if err := e.store.CreateRun(ctx, r); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	rCopy := *r
	e.wg.Go(func() {
		e.execute(&rCopy, editor)
	})
	return nil
}

// Wait blocks until all in-flight runs complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// execute runs the lifecycle pending → running → completed/failed/blocked.
// The run enters running with its first stage. Stages arrive in order on the
// serializer's delivery goroutine and have all been recorded when the
// executor returns.
func (e *Engine) execute(r *model.Run, editor workspace.Editor) {
	defer e.events.Close(r.ID)
	ctx := context.Background()
	logger := e.logger.With("run_id", r.ID)

	running := false
	observe := func(stage protocol.Stage) {
		if !running {
			if err := e.store.UpdateRunStatus(ctx, r.ID, model.StatusRunning); err != nil {
				logger.Error("failed to transition to running", "error", err)
			}
			running = true
		}
		if err := e.store.UpdateRunStage(ctx, r.ID, string(stage)); err != nil {
			logger.Error("failed to record stage", "stage", stage, "error", err)
		}
		e.events.Publish(r.ID, Event{Type: EventStage, Data: string(stage)})
	}

	start := time.Now()
	var (
		ran    *protocol.ExecuteRequest
		result *protocol.ExecuteResult
		err    error
	)
	if editor != nil {
		ran, result, err = e.exec.ExecuteFrom(ctx, editor, observe)
	} else {
		req := protocol.ExecuteRequest{Name: r.Name, Typed: r.Typed, Source: r.Source}
		ran, result, err = e.exec.Execute(ctx, req, observe)
	}
	durationMS := int(time.Since(start).Milliseconds())

	status := model.StatusCompleted
	switch {
	case errors.Is(err, broker.ErrBlocked):
		status = model.StatusBlocked
	case err != nil:
		status = model.StatusFailed
	}
	if status == model.StatusCompleted && !running {
		if err := e.store.UpdateRunStatus(ctx, r.ID, model.StatusRunning); err != nil {
			logger.Error("failed to transition to running", "error", err)
		}
	}

	for seq, c := range Render(result, err) {
		if err := e.store.InsertOutput(ctx, r.ID, seq, c.Stream, c.Text); err != nil {
			logger.Error("failed to persist output", "seq", seq, "error", err)
		}
		ev := EventStdout
		if c.Stream == protocol.StreamErr {
			ev = EventStderr
		}
		e.events.Publish(r.ID, Event{Type: ev, Data: c.Text})
	}

	now := time.Now().UTC()
	finished := &model.Run{
		ID:         r.ID,
		Status:     status,
		DurationMS: &durationMS,
		FinishedAt: &now,
	}
	if ran != nil {
		finished.Name, finished.Typed, finished.Source = ran.Name, ran.Typed, ran.Source
		if editor == nil && (ran.Name != r.Name || ran.Source != r.Source) {
			logger.Info("run executed a later submission", "name", ran.Name)
		}
	}
	if result != nil {
		finished.FileName = result.FileName
		finished.CompileMessages = result.CompileMessages
	}
	if err != nil {
		finished.Error = err.Error()
	}
	if err := e.store.FinishRun(ctx, finished); err != nil {
		logger.Error("failed to finish run", "status", status, "error", err)
		return
	}
	logger.Info("run finished", "status", status, "duration_ms", durationMS)
}

// Render turns the outcome of an execute into the stdio shown to the user.
// Compile messages are shown first unless the output already starts with
// them.
func Render(result *protocol.ExecuteResult, err error) []protocol.Chunk {
	if err != nil {
		if errors.Is(err, broker.ErrBlocked) {
			return []protocol.Chunk{{Stream: protocol.StreamErr, Text: BlockedNotice}}
		}
		msg := err.Error()
		var appErr *broker.ApplicationError
		if errors.As(err, &appErr) {
			msg = appErr.Message
		}
		return []protocol.Chunk{{Stream: protocol.StreamErr, Text: UnexpectedPrefix + msg}}
	}
	if result == nil {
		return nil
	}

	stdio := result.Stdio
	if cm := result.CompileMessages; cm != "" && (len(stdio) == 0 || !strings.HasPrefix(stdio[0].Text, cm)) {
		stdio = append([]protocol.Chunk{{Stream: protocol.StreamErr, Text: cm}}, stdio...)
	}
	return stdio
}
