// Command sandbroker serves the script runner API. Run with the worker
// argument it instead serves the worker protocol on stdin and stdout, which
// is how the broker starts its executor processes.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/sandbroker/internal/api"
	"github.com/seantiz/sandbroker/internal/autosave"
	"github.com/seantiz/sandbroker/internal/broker"
	"github.com/seantiz/sandbroker/internal/config"
	"github.com/seantiz/sandbroker/internal/engine"
	"github.com/seantiz/sandbroker/internal/store"
	"github.com/seantiz/sandbroker/internal/worker"
	"github.com/seantiz/sandbroker/internal/workspace"
)

const (
	introName    = "Intro.js"
	introContent = `// Scripts run in an isolated worker. Edit and run again.
console.log("Hello from sandbroker");
`
	finalSaveTimeout = 5 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if len(os.Args) > 1 && os.Args[1] == config.WorkerSubcommand {
		runWorker(cfg)
		return
	}

	logger := config.NewLogger(os.Stdout, cfg.Level())
	logger.Info("sandbroker: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"worker_mode", cfg.Worker.Mode,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	spawner, err := cfg.Spawner(logger)
	if err != nil {
		log.Fatalf("failed to configure worker: %v", err)
	}
	b := broker.New(spawner, broker.Options{
		Deadlines: cfg.SupervisorDeadlines(),
		Logger:    logger,
	})
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Start(ctx); err != nil {
		logger.Warn("first executor failed to start; retrying on demand", "error", err)
	}

	ws := workspace.New(introName, introContent)
	saver := autosave.New(ws, db, cfg.AutosaveInterval, logger)
	if err := saver.Open(ctx); err != nil {
		logger.Warn("failed to load stored files", "error", err)
	}
	go saver.Run(ctx)

	eng := engine.NewEngine(db, b, logger)
	srv := api.NewServer(api.Config{
		Addr:     cfg.ListenAddr,
		RunRate:  cfg.RunRate,
		RunBurst: cfg.RunBurst,
	}, db, eng, b, ws, saver, logger)

	runErr := srv.Run()

	cancel()
	eng.Wait()
	saveCtx, saveCancel := context.WithTimeout(context.Background(), finalSaveTimeout)
	defer saveCancel()
	if err := saver.Sync(saveCtx); err != nil {
		logger.Error("final save failed", "error", err)
	}

	b.Close()
	// Spawners that own VMs release them once the broker is gone.
	if sd, ok := spawner.(interface{ Shutdown(context.Context) }); ok {
		sd.Shutdown(saveCtx)
	}

	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}

// runWorker serves one executor on the standard streams. Logs go to stderr,
// which the parent forwards into its own log.
func runWorker(cfg config.Config) {
	logger := config.NewLogger(os.Stderr, cfg.Level()).With("component", "worker", "pid", os.Getpid())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := worker.New(cfg.WorkerSettings(), logger).ServeStdio(ctx); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}
