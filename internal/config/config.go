package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/seantiz/sandbroker/internal/executor"
	"github.com/seantiz/sandbroker/internal/microvm"
	"github.com/seantiz/sandbroker/internal/supervisor"
	"github.com/seantiz/sandbroker/internal/worker"
)

// Prefix is prepended to every environment variable name.
const Prefix = "SANDBROKER"

// Worker modes select how the broker spawns executors.
const (
	WorkerProcess = "process"
	WorkerInProc  = "inproc"
	WorkerVsock   = "vsock"

	// WorkerFirecracker boots a fresh microVM for every executor.
	WorkerFirecracker = "firecracker"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`
	DBPath     string `envconfig:"DB_PATH" default:"sandbroker.db"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`

	Worker      WorkerConfig      `envconfig:"WORKER"`
	Firecracker FirecrackerConfig `envconfig:"FC"`
	Deadlines   DeadlineConfig    `envconfig:"DEADLINE"`

	AutosaveInterval time.Duration `envconfig:"AUTOSAVE_INTERVAL" default:"1s"`

	// RunRate limits run submissions per second. Zero disables the limit.
	RunRate  float64 `envconfig:"RUN_RATE" default:"5"`
	RunBurst int     `envconfig:"RUN_BURST" default:"10"`
}

// WorkerConfig describes where executors run and what they preload.
type WorkerConfig struct {
	Mode string `envconfig:"MODE" default:"process"`

	// Command overrides the worker binary in process mode. Empty re-executes
	// the running binary with the worker subcommand.
	Command string `envconfig:"COMMAND"`

	VsockCID  uint32 `envconfig:"VSOCK_CID" default:"3"`
	VsockPort uint32 `envconfig:"VSOCK_PORT" default:"1024"`
	UDSPath   string `envconfig:"UDS_PATH"`

	ArtifactDir string   `envconfig:"ARTIFACT_DIR"`
	ArtifactURL string   `envconfig:"ARTIFACT_URL"`
	Modules     []string `envconfig:"MODULES" default:"qre"`
}

// FirecrackerConfig locates the VMM, kernel and guest image for the
// firecracker worker mode.
type FirecrackerConfig struct {
	Bin          string `envconfig:"BIN" default:"firecracker"`
	KernelPath   string `envconfig:"KERNEL_PATH"`
	RootfsPath   string `envconfig:"ROOTFS_PATH"`
	CNIBinDir    string `envconfig:"CNI_BIN_DIR"`
	CNIConfigDir string `envconfig:"CNI_CONFIG_DIR"`
	VCPUs        int    `envconfig:"VCPUS" default:"1"`
	MemMB        int    `envconfig:"MEM_MB" default:"256"`
	MaxVMs       int    `envconfig:"MAX_VMS" default:"4"`
}

// DeadlineConfig holds the per-stage budgets of the supervisor.
type DeadlineConfig struct {
	Downloading time.Duration `envconfig:"DOWNLOADING" default:"30s"`
	Compiling   time.Duration `envconfig:"COMPILING" default:"3s"`
	Loading     time.Duration `envconfig:"LOADING" default:"1s"`
	Running     time.Duration `envconfig:"RUNNING" default:"5s"`
	Transform   time.Duration `envconfig:"TRANSFORM" default:"5s"`
}

// Load reads configuration from SANDBROKER_* environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	switch cfg.Worker.Mode {
	case WorkerProcess, WorkerInProc, WorkerVsock, WorkerFirecracker:
	default:
		return Config{}, fmt.Errorf("load config: unknown worker mode %q", cfg.Worker.Mode)
	}
	return cfg, nil
}

// Level returns the configured log level.
func (c Config) Level() slog.Level {
	return parseLogLevel(c.LogLevel)
}

// SupervisorDeadlines converts the configured budgets.
func (c Config) SupervisorDeadlines() supervisor.Deadlines {
	return supervisor.Deadlines{
		Downloading: c.Deadlines.Downloading,
		Compiling:   c.Deadlines.Compiling,
		Loading:     c.Deadlines.Loading,
		Running:     c.Deadlines.Running,
		Transform:   c.Deadlines.Transform,
	}
}

// WorkerSettings returns the configuration of a worker serving requests.
// Without an artifact source no prelude modules are loaded.
func (c Config) WorkerSettings() worker.Config {
	wc := worker.Config{
		ArtifactDir: c.Worker.ArtifactDir,
		ArtifactURL: c.Worker.ArtifactURL,
	}
	if wc.ArtifactDir != "" || wc.ArtifactURL != "" {
		wc.Modules = c.Worker.Modules
	}
	return wc
}

// WorkerSubcommand is the argument that makes a binary serve the worker
// protocol on its standard streams.
const WorkerSubcommand = "worker"

// Spawner returns the executor spawner for the configured worker mode.
func (c Config) Spawner(logger *slog.Logger) (executor.Spawner, error) {
	switch c.Worker.Mode {
	case WorkerInProc:
		w := worker.New(c.WorkerSettings(), logger.With("component", "worker"))
		return &executor.InProcessSpawner{
			Serve: func(ctx context.Context, conn net.Conn) error { return w.Serve(ctx, conn) },
		}, nil
	case WorkerVsock:
		return &executor.VsockSpawner{
			CID:     c.Worker.VsockCID,
			Port:    c.Worker.VsockPort,
			UDSPath: c.Worker.UDSPath,
		}, nil
	case WorkerFirecracker:
		return microvm.NewSpawner(c.MicroVM(), logger)
	default:
		if c.Worker.Command != "" {
			return &executor.ProcessSpawner{
				Path:   c.Worker.Command,
				Args:   []string{WorkerSubcommand},
				Logger: logger,
			}, nil
		}
		return executor.NewSelfSpawner(logger, WorkerSubcommand)
	}
}

// MicroVM returns the microVM settings. The guest agent receives the worker
// settings through its kernel command line.
func (c Config) MicroVM() microvm.Config {
	env := map[string]string{
		Prefix + "_WORKER_VSOCK_PORT": strconv.FormatUint(uint64(c.Worker.VsockPort), 10),
		Prefix + "_LOG_LEVEL":         c.LogLevel,
	}
	if c.Worker.ArtifactURL != "" {
		env[Prefix+"_WORKER_ARTIFACT_URL"] = c.Worker.ArtifactURL
		env[Prefix+"_WORKER_MODULES"] = strings.Join(c.Worker.Modules, ",")
	}
	return microvm.Config{
		FirecrackerBin: c.Firecracker.Bin,
		KernelPath:     c.Firecracker.KernelPath,
		RootfsPath:     c.Firecracker.RootfsPath,
		CNIBinDir:      c.Firecracker.CNIBinDir,
		CNIConfigDir:   c.Firecracker.CNIConfigDir,
		ArtifactURL:    c.Worker.ArtifactURL,
		VsockPort:      c.Worker.VsockPort,
		CIDBase:        c.Worker.VsockCID,
		VCPUs:          c.Firecracker.VCPUs,
		MemMB:          c.Firecracker.MemMB,
		MaxVMs:         c.Firecracker.MaxVMs,
		GuestEnv:       env,
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
