// Command sandbroker-run executes one script through the broker and prints
// its output, or encodes and decodes share hashes.
//
//	sandbroker-run [-name main.ts] [file | -]
//	sandbroker-run -share [-name main.js] [file | -]
//	sandbroker-run -decode '#2...'
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/seantiz/sandbroker/internal/broker"
	"github.com/seantiz/sandbroker/internal/config"
	"github.com/seantiz/sandbroker/internal/engine"
	"github.com/seantiz/sandbroker/internal/protocol"
	"github.com/seantiz/sandbroker/internal/share"
	"github.com/seantiz/sandbroker/internal/worker"
	"github.com/seantiz/sandbroker/internal/workspace"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailed  = 1
	exitUsage   = 2
	exitBlocked = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return exitUsage
	}
	logger := config.NewLogger(stderr, cfg.Level())

	if len(args) > 0 && args[0] == config.WorkerSubcommand {
		if err := worker.New(cfg.WorkerSettings(), logger).ServeStdio(ctx); err != nil {
			logger.Error("worker stopped", "error", err)
			return exitFailed
		}
		return exitOK
	}

	fs := flag.NewFlagSet("sandbroker-run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	name := fs.String("name", "", "script file name; its extension selects TypeScript")
	shareHash := fs.Bool("share", false, "print the share hash of the script instead of running it")
	decode := fs.String("decode", "", "print the script encoded in a share hash")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	spawner, err := cfg.Spawner(logger)
	if err != nil {
		fmt.Fprintf(stderr, "worker: %v\n", err)
		return exitFailed
	}
	b := broker.New(spawner, broker.Options{Deadlines: cfg.SupervisorDeadlines(), Logger: logger})
	defer b.Close()

	if *decode != "" {
		n, content, err := share.Decode(ctx, b, *decode)
		if err != nil {
			fmt.Fprintf(stderr, "decode: %v\n", err)
			return exitFailed
		}
		fmt.Fprintf(stderr, "// %s\n", n)
		fmt.Fprint(stdout, content)
		return exitOK
	}

	source, fileName, err := readScript(fs.Arg(0), stdin)
	if err != nil {
		fmt.Fprintf(stderr, "read script: %v\n", err)
		return exitUsage
	}
	if *name == "" {
		*name = fileName
	}

	if *shareHash {
		hash, err := share.Encode(ctx, b, *name, source)
		if err != nil {
			fmt.Fprintf(stderr, "share: %v\n", err)
			return exitFailed
		}
		fmt.Fprintln(stdout, hash)
		return exitOK
	}

	return execute(ctx, b, *name, source, stdout, stderr, logger)
}

// readScript reads the script at path, or stdin for "-" or no path.
func readScript(path string, stdin io.Reader) (source, name string, err error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(stdin)
		return string(data), "main.js", err
	}
	data, err := os.ReadFile(path)
	return string(data), filepath.Base(path), err
}

func execute(ctx context.Context, b *broker.Broker, name, source string, stdout, stderr io.Writer, logger *slog.Logger) int {
	req := protocol.ExecuteRequest{Name: name, Typed: workspace.IsTyped(name), Source: source}
	_, result, err := b.Execute(ctx, req, func(stage protocol.Stage) {
		logger.Debug("stage", "stage", stage)
	})

	for _, c := range engine.Render(result, err) {
		w := stdout
		if c.Stream == protocol.StreamErr {
			w = stderr
		}
		io.WriteString(w, c.Text)
	}

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, broker.ErrBlocked):
		fmt.Fprintln(stderr)
		return exitBlocked
	default:
		fmt.Fprintln(stderr)
		return exitFailed
	}
}
