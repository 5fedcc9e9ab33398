package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/internal/sysmem"
	flowerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/reporter"
	"github.com/wehubfusion/Talos/pkg/storage"
)

// Environment variables recognized by FromEnv. They are read once at the
// configuration boundary; nothing inside the pool touches the environment.
const (
	// EnvWorkerCount overrides the estimated worker count.
	EnvWorkerCount = "TALOS_WORKER_COUNT"

	// EnvStartMethod selects the worker start method.
	EnvStartMethod = "TALOS_START_METHOD"

	// envWorkerMarker marks a process as a spawned pool worker.
	envWorkerMarker = "TALOS_WORKER_PROCESS"
)

// StartMethod selects how the pool creates workers.
type StartMethod string

const (
	// StartMethodGoroutine runs workers as goroutines in the calling
	// process. Cheap, but a crashing line takes the whole process down
	// with it, so there is no crash isolation between the pool and its
	// workers.
	StartMethodGoroutine StartMethod = "goroutine"

	// StartMethodSpawn runs each worker as a child OS process speaking the
	// pool's pipe protocol. Slower to start, fully crash-isolated.
	StartMethodSpawn StartMethod = "spawn"
)

// AllStartMethods returns the start methods supported on this platform.
func AllStartMethods() []StartMethod {
	return []StartMethod{StartMethodGoroutine, StartMethodSpawn}
}

// DefaultStartMethod returns the platform default used when no method is
// configured or the configured one is unsupported.
func DefaultStartMethod() StartMethod {
	return StartMethodGoroutine
}

// Defaults applied by New when the corresponding Config field is zero.
const (
	// DefaultWorkerCount caps automatic pool sizing.
	DefaultWorkerCount = 16

	// DefaultLineTimeout is the per-line execution deadline.
	DefaultLineTimeout = 600 * time.Second

	// DefaultPollInterval is how often worker liveness is polled while a
	// run is blocked collecting results.
	DefaultPollInterval = 1 * time.Second

	// DefaultGracePeriod is how long Close waits for workers to exit
	// before force-killing them.
	DefaultGracePeriod = 10 * time.Second
)

// Config is the pool configuration. It is snapshotted at New; changing it
// afterwards has no effect on a constructed pool.
type Config struct {
	// WorkerCount overrides worker count estimation when positive.
	WorkerCount int

	// StartMethod selects how workers are created. Empty means the
	// platform default; an unsupported value falls back to the default
	// with a warning.
	StartMethod StartMethod

	// LineTimeout is the per-line execution deadline.
	LineTimeout time.Duration

	// DefaultWorkerCount caps automatic sizing. Zero means DefaultWorkerCount.
	DefaultWorkerCount int

	// PollInterval is the worker liveness polling interval.
	PollInterval time.Duration

	// GracePeriod is how long teardown waits before force-killing workers.
	GracePeriod time.Duration

	// ValidateInputs asks the executor to validate each row before running it.
	ValidateInputs bool

	// ExecutorName and ExecutorConfig identify a registered executor
	// factory. Required in spawn mode: worker processes rebuild the
	// executor from these on their side of the pipe.
	ExecutorName   string
	ExecutorConfig json.RawMessage

	// WorkerCommand is the argv used to spawn workers. Empty means
	// re-execute the current binary, which must route into WorkerMain
	// when IsWorkerProcess reports true.
	WorkerCommand []string

	// Logger receives the pool's structured logs. Nil means no logging.
	Logger *zap.Logger

	// Reporter, when set, receives every terminal line result and run
	// aborts. Best-effort: reporting failures never fail lines.
	Reporter reporter.Reporter

	// Store, when set, persists the ordered results of a finished run.
	Store *storage.RunResultClient

	// MemorySampler supplies memory statistics for sizing. Nil means live
	// host statistics.
	MemorySampler sysmem.Sampler
}

func (c Config) withDefaults() Config {
	if c.LineTimeout <= 0 {
		c.LineTimeout = DefaultLineTimeout
	}
	if c.DefaultWorkerCount <= 0 {
		c.DefaultWorkerCount = DefaultWorkerCount
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// FromEnv builds a Config from the process environment. This is the only
// place the pool reads environment variables; callers who want different
// plumbing can fill the same fields themselves.
func FromEnv() (Config, error) {
	var cfg Config

	if v := os.Getenv(EnvWorkerCount); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("%w: %s must be a positive integer, got %q",
				flowerrors.ErrInvalidConfig, EnvWorkerCount, v)
		}
		cfg.WorkerCount = n
	}

	if v := os.Getenv(EnvStartMethod); v != "" {
		// Validated (with warning fallback) at New.
		cfg.StartMethod = StartMethod(v)
	}

	return cfg, nil
}

// resolveStartMethod validates the requested method against the platform's
// supported set, falling back to the default with a warning when the
// request cannot be honored.
func resolveStartMethod(requested StartMethod, logger *zap.Logger) StartMethod {
	if requested == "" {
		return DefaultStartMethod()
	}
	for _, m := range AllStartMethods() {
		if m == requested {
			return requested
		}
	}
	logger.Warn(fmt.Sprintf("Failed to set start method to '%s', start method %s is not in: %v.",
		requested, requested, AllStartMethods()))
	return DefaultStartMethod()
}
