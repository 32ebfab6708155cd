package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/dop251/goja"

	"github.com/seantiz/sandbroker/internal/protocol"
)

// execute runs one script and sends its terminal message. Nothing is sent
// when the worker is being stopped.
func (s *session) execute(ctx context.Context, req protocol.Request) {
	defer func() {
		if x := recover(); x != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("execute panicked", "id", req.ID, "panic", x)
			s.send(protocol.Failure(req.ID, req.Kind, fmt.Sprintf("internal error: %v", x)))
		}
	}()

	result, err := s.runScript(ctx, req.ID, *req.Execute)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) || ctx.Err() != nil {
			s.logger.Info("execute interrupted", "id", req.ID)
			return
		}
		s.send(protocol.Failure(req.ID, req.Kind, err.Error()))
		return
	}
	s.send(protocol.Message{Type: protocol.TypeSuccess, ID: req.ID, Kind: req.Kind, Result: result})
}

// runScript walks the execute stages. Compile errors and script exceptions
// are part of a successful result; only infrastructure failures are errors.
func (s *session) runScript(ctx context.Context, id uint64, ex protocol.ExecuteRequest) (*protocol.ExecuteResult, error) {
	if !s.loaded {
		s.progress(id, protocol.StageDownloading)
		prelude, err := s.worker.loadPrelude(ctx)
		if err != nil {
			return nil, fmt.Errorf("download artifacts: %w", err)
		}
		s.prelude = prelude
		s.loaded = true
	}

	fileName := SanitizeFileName(ex.Name)
	result := &protocol.ExecuteResult{FileName: "/" + fileName}
	var stdio Stdio

	s.progress(id, protocol.StageCompiling)
	code, messages, ok := compileSource(fileName, ex.Source, ex.Typed)
	result.CompileMessages = messages
	if !ok {
		stdio.Write(protocol.StreamErr, messages)
		result.Stdio = stdio.Chunks()
		return result, nil
	}

	s.progress(id, protocol.StageLoading)
	rt, err := newRuntime(&stdio, s.prelude)
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	s.setVM(rt.vm)
	defer s.setVM(nil)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := rt.link(); err != nil {
		return nil, err
	}
	program, err := rt.load(result.FileName, code)
	if err != nil {
		stdio.Write(protocol.StreamErr, err.Error()+"\n")
		result.Stdio = stdio.Chunks()
		return result, nil
	}

	s.progress(id, protocol.StageRunning)
	if err := rt.run(result.FileName, program); err != nil {
		return nil, err
	}

	result.Stdio = stdio.Chunks()
	return result, nil
}
