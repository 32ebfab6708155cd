package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// ProcessSpawner starts the worker as a child process speaking the protocol
// on its stdin and stdout. Stderr lines are forwarded to Logger.
type ProcessSpawner struct {
	Path   string
	Args   []string
	Env    []string
	Logger *slog.Logger
}

// NewSelfSpawner returns a spawner that re-executes the running binary with
// args, typically the worker subcommand.
func NewSelfSpawner(logger *slog.Logger, args ...string) (*ProcessSpawner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &ProcessSpawner{Path: path, Args: args, Logger: logger}, nil
}

// Spawn starts a new worker process.
func (s *ProcessSpawner) Spawn(ctx context.Context) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}

	// The process outlives ctx; it is stopped only by Close.
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	logger := s.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	logger = logger.With("pid", cmd.Process.Pid)
	logger.Debug("worker process started", "path", s.Path)

	p := &processLink{
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
		stderrDone: make(chan struct{}),
		logger:     logger,
	}
	go p.forwardStderr(stderr)
	return p, nil
}

type processLink struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     io.Reader
	stderrDone chan struct{}
	logger     *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

func (p *processLink) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *processLink) Write(b []byte) (int, error) { return p.stdin.Write(b) }

// Close kills the process and reaps it.
func (p *processLink) Close() error {
	p.closeOnce.Do(func() {
		p.stdin.Close()
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.closeErr = fmt.Errorf("kill worker: %w", err)
		}
		<-p.stderrDone
		err := p.cmd.Wait()
		p.logger.Debug("worker process exited", "state", p.cmd.ProcessState.String(), "wait_error", err)
	})
	return p.closeErr
}

func (p *processLink) forwardStderr(r io.Reader) {
	defer close(p.stderrDone)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.logger.Info("worker", "line", scanner.Text())
	}
}
