// Command sandbroker-guest is the agent that runs inside a virtual machine.
// It listens on vsock and serves a fresh worker session on every connection
// from the host broker.
//
// Build with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o sandbroker-guest ./cmd/sandbroker-guest
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mdlayher/vsock"

	"github.com/seantiz/sandbroker/internal/config"
	"github.com/seantiz/sandbroker/internal/guest"
	"github.com/seantiz/sandbroker/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.Level())

	guest.SetupInit(logger)

	port := cfg.Worker.VsockPort
	l, err := vsock.Listen(port, nil)
	if err != nil {
		log.Fatalf("vsock listen on port %d: %v", port, err)
	}
	defer l.Close()

	logger.Info("sandbroker-guest listening", "vsock_port", port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent := guest.New(l, worker.New(cfg.WorkerSettings(), logger), logger)
	if err := agent.Serve(ctx); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
