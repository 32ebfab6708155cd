// Package worker implements the isolated side of the broker protocol. A
// worker answers compress and decompress requests inline and evaluates
// execute requests one at a time in a fresh JavaScript runtime, reporting the
// stage it is in before each phase.
//
// A worker has no way to stop a script cooperatively on the broker's behalf:
// the broker recovers from a hung script by discarding the whole worker.
// Cancelling the context passed to Serve interrupts the running script so the
// goroutine or process hosting the worker can be released.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/dop251/goja"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/seantiz/sandbroker/internal/codec"
	"github.com/seantiz/sandbroker/internal/protocol"
)

// executeBacklog bounds execute requests waiting behind the running one.
const executeBacklog = 64

// Config controls where prelude modules come from.
type Config struct {
	// ArtifactDir is a local directory holding prelude modules as <name>.mjs.
	ArtifactDir string
	// ArtifactURL is a base URL serving prelude modules as <name>.mjs. Used
	// when ArtifactDir is empty.
	ArtifactURL string
	// Modules lists the prelude modules scripts may require.
	Modules []string
	// HTTPClient downloads from ArtifactURL. Defaults to a retrying client.
	HTTPClient *retryablehttp.Client
}

// Worker serves protocol requests. One Worker may serve several connections;
// each connection gets its own prelude cache.
type Worker struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a worker.
func New(cfg Config, logger *slog.Logger) *Worker {
	if cfg.HTTPClient == nil && cfg.ArtifactURL != "" {
		client := retryablehttp.NewClient()
		client.RetryMax = 3
		client.Logger = logger
		cfg.HTTPClient = client
	}
	return &Worker{cfg: cfg, logger: logger}
}

// session is the state of one served connection.
type session struct {
	worker *Worker
	conn   io.ReadWriter
	logger *slog.Logger

	writeMu sync.Mutex
	execs   chan protocol.Request

	vmMu sync.Mutex
	vm   *goja.Runtime

	// prelude holds compiled prelude modules once downloaded.
	prelude []preludeModule
	loaded  bool
}

// Serve reads requests from conn until it fails or ctx is cancelled. If conn
// is an io.Closer it is closed on cancellation. A clean end of stream returns
// nil.
func (w *Worker) Serve(ctx context.Context, conn io.ReadWriter) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &session{
		worker: w,
		conn:   conn,
		logger: w.logger,
		execs:  make(chan protocol.Request, executeBacklog),
	}

	stop := context.AfterFunc(ctx, func() {
		s.interrupt()
		if c, ok := conn.(io.Closer); ok {
			c.Close()
		}
	})
	defer stop()

	execDone := make(chan struct{})
	go func() {
		defer close(execDone)
		s.runExecutes(ctx)
	}()

	err := s.readRequests(ctx)
	cancel()
	<-execDone
	return err
}

func (s *session) readRequests(ctx context.Context) error {
	for {
		data, err := protocol.ReadFrame(s.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.logger.Warn("malformed request", "error", err)
			continue
		}
		if req.ID == 0 {
			s.logger.Warn("request without id", "kind", req.Kind)
			continue
		}

		switch req.Kind {
		case protocol.KindCompress:
			s.send(s.compress(req))
		case protocol.KindDecompress:
			s.send(s.decompress(req))
		case protocol.KindExecute:
			if req.Execute == nil {
				s.send(protocol.Failure(req.ID, req.Kind, "execute request without payload"))
				continue
			}
			select {
			case s.execs <- req:
			case <-ctx.Done():
				return nil
			}
		default:
			s.send(protocol.Failure(req.ID, req.Kind, fmt.Sprintf("unknown request kind %q", req.Kind)))
		}
	}
}

func (s *session) runExecutes(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.execs:
			s.execute(ctx, req)
		}
	}
}

func (s *session) compress(req protocol.Request) protocol.Message {
	out, err := codec.Compress(req.Bytes)
	if err != nil {
		return protocol.Failure(req.ID, req.Kind, err.Error())
	}
	s.logger.Debug("compress", "id", req.ID, "in", len(req.Bytes), "out", len(out))
	return protocol.Message{Type: protocol.TypeSuccess, ID: req.ID, Kind: req.Kind, Bytes: out}
}

func (s *session) decompress(req protocol.Request) protocol.Message {
	out, err := codec.Decompress(req.Bytes, req.FormatVersion)
	if err != nil {
		return protocol.Failure(req.ID, req.Kind, err.Error())
	}
	s.logger.Debug("decompress", "id", req.ID, "in", len(req.Bytes), "out", len(out))
	return protocol.Message{Type: protocol.TypeSuccess, ID: req.ID, Kind: req.Kind, Bytes: out}
}

// send writes msg to the broker. Writes from the read loop and the execute
// goroutine are serialized so frames never interleave.
func (s *session) send(msg protocol.Message) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := protocol.WriteMessage(s.conn, &msg); err != nil {
		s.logger.Warn("write message", "id", msg.ID, "type", msg.Type, "error", err)
	}
}

func (s *session) progress(id uint64, stage protocol.Stage) {
	s.send(protocol.Progress(id, stage))
}

func (s *session) setVM(vm *goja.Runtime) {
	s.vmMu.Lock()
	s.vm = vm
	s.vmMu.Unlock()
}

func (s *session) interrupt() {
	s.vmMu.Lock()
	defer s.vmMu.Unlock()
	if s.vm != nil {
		s.vm.Interrupt("worker stopped")
	}
}
