package worker

import (
	"context"
	"io"
	"os"
)

type stdStreams struct {
	io.Reader
	io.Writer
}

// ServeStdio serves the protocol on the process's stdin and stdout, the
// link a process spawner sets up for its child.
func (w *Worker) ServeStdio(ctx context.Context) error {
	return w.Serve(ctx, stdStreams{Reader: os.Stdin, Writer: os.Stdout})
}
