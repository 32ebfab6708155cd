// Package serializer keeps at most one script execution active. Calls that
// arrive while a run is active share a single queued run, which reads its
// request from the most recent caller's source when it starts. Every call
// learns which request its run executed.
package serializer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/seantiz/sandbroker/internal/protocol"
)

// Source produces the request to execute. It is called when the run starts,
// not when the run is requested.
type Source func() (protocol.ExecuteRequest, error)

// Observer receives stage transitions of the run it is attached to, in
// order, on a goroutine of the run's own. A slow observer delays only the
// callers of its run.
type Observer func(protocol.Stage)

// stageBuffer bounds the stages waiting for delivery to observers. An
// execute reports at most four.
const stageBuffer = 16

// RunFunc performs one execution.
type RunFunc func(ctx context.Context, req protocol.ExecuteRequest, observe Observer) (*protocol.ExecuteResult, error)

type run struct {
	source    Source
	observers []Observer
	callers   int

	done   chan struct{}
	req    *protocol.ExecuteRequest
	result *protocol.ExecuteResult
	err    error
}

// Stats describes the serializer's slots.
type Stats struct {
	Active    bool   `json:"active"`
	Queued    bool   `json:"queued"`
	Runs      uint64 `json:"runs"`
	Coalesced uint64 `json:"coalesced"`
}

// Serializer holds the active run and the optional queued run.
type Serializer struct {
	mu     sync.Mutex
	exec   RunFunc
	logger *slog.Logger

	active *run
	queued *run

	runs      uint64
	coalesced uint64
}

// New creates a serializer that performs runs with exec.
func New(exec RunFunc, logger *slog.Logger) *Serializer {
	return &Serializer{exec: exec, logger: logger}
}

// Do starts a run if none is active, otherwise joins the queued run. It
// returns the request the run executed, which for a coalesced call may come
// from a later caller, and the run's outcome. The request is nil if the
// source failed or ctx ended the wait. Cancelling ctx stops the wait but
// not the run.
func (s *Serializer) Do(ctx context.Context, source Source, observer Observer) (*protocol.ExecuteRequest, *protocol.ExecuteResult, error) {
	s.mu.Lock()
	var r *run
	switch {
	case s.active == nil:
		r = newRun(source, observer)
		s.active = r
		go s.loop(r)
	case s.queued == nil:
		r = newRun(source, observer)
		s.queued = r
	default:
		r = s.queued
		r.source = source
		r.callers++
		if observer != nil {
			r.observers = append(r.observers, observer)
		}
		s.coalesced++
		s.logger.Debug("execute coalesced", "callers", r.callers)
	}
	s.mu.Unlock()

	select {
	case <-r.done:
		return r.req, r.result, r.err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// Stats returns a snapshot of the slots and counters.
func (s *Serializer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Active:    s.active != nil,
		Queued:    s.queued != nil,
		Runs:      s.runs,
		Coalesced: s.coalesced,
	}
}

func newRun(source Source, observer Observer) *run {
	r := &run{source: source, callers: 1, done: make(chan struct{})}
	if observer != nil {
		r.observers = append(r.observers, observer)
	}
	return r
}

// loop performs r and then each queued run promoted after it.
func (s *Serializer) loop(r *run) {
	for r != nil {
		s.perform(r)

		s.mu.Lock()
		r = s.queued
		s.queued = nil
		s.active = r
		s.mu.Unlock()
	}
}

// perform executes r. Its callers are released once every stage has
// reached their observers, but the next run does not wait for that.
func (s *Serializer) perform(r *run) {
	s.mu.Lock()
	s.runs++
	source := r.source
	observers := r.observers
	s.mu.Unlock()

	fan := newFanout(observers)
	defer func() {
		fan.close()
		go func() {
			<-fan.delivered
			close(r.done)
		}()
	}()

	req, err := source()
	if err != nil {
		r.err = err
		return
	}
	r.req = &req
	r.result, r.err = s.exec(context.Background(), req, fan.push)
}

// fanout carries stages from the executor's reader goroutine, which must
// not block, to the observers of one run.
type fanout struct {
	mu        sync.Mutex
	stages    chan protocol.Stage
	closed    bool
	delivered chan struct{}
}

func newFanout(observers []Observer) *fanout {
	f := &fanout{stages: make(chan protocol.Stage, stageBuffer), delivered: make(chan struct{})}
	go func() {
		defer close(f.delivered)
		for stage := range f.stages {
			for _, o := range observers {
				o(stage)
			}
		}
	}()
	return f
}

func (f *fanout) push(stage protocol.Stage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.stages <- stage:
	default:
	}
}

func (f *fanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.stages)
	}
}
