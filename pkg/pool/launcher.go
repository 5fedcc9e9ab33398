package pool

import (
	"context"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/pkg/executor"
	"github.com/wehubfusion/Talos/pkg/line"
)

// workerHandle is the controller's view of one worker, whatever its start
// method. Alive flips false only when the worker has actually exited;
// slowness never counts as death.
type workerHandle interface {
	ID() int
	PID() int
	Alive() bool

	// InFlight returns the tasks the worker accepted but has not finished.
	InFlight() []line.Task

	// Err returns the classified failure that stopped the worker, or nil
	// for a clean exit or a silent crash.
	Err() error

	// Done is closed once the worker has fully exited.
	Done() <-chan struct{}

	// Stop asks the worker to finish up and exit.
	Stop()

	// Kill force-terminates a worker that ignored Stop.
	Kill()
}

// heartbeatWorker is implemented by handles that can report when the worker
// was last heard from.
type heartbeatWorker interface {
	LastHeartbeat() time.Time
}

// launcher creates workers wired to the pool's task and result channels.
type launcher interface {
	Launch(ctx context.Context, id int, tasks <-chan line.Task, results chan<- line.Result) (workerHandle, error)
}

// goroutineLauncher runs workers in-process.
type goroutineLauncher struct {
	executor executor.Executor
	cfg      Config
	runID    string
	variant  string
	logger   *zap.Logger
	tracer   trace.Tracer
}

func (l *goroutineLauncher) Launch(ctx context.Context, id int, tasks <-chan line.Task, results chan<- line.Result) (workerHandle, error) {
	wctx, cancel := context.WithCancel(ctx)
	w := &goroutineWorker{
		id:     id,
		claims: newInflightSet(),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	d := &dispatcher{
		executor:       l.executor,
		runID:          l.runID,
		variantID:      l.variant,
		validateInputs: l.cfg.ValidateInputs,
		lineTimeout:    l.cfg.LineTimeout,
		workerID:       id,
		logger:         l.logger,
		tracer:         l.tracer,
		claims:         w.claims,
	}

	go func() {
		defer close(w.done)
		if err := d.run(wctx, tasks, results); err != nil && wctx.Err() == nil {
			w.setErr(err)
		}
	}()

	return w, nil
}

type goroutineWorker struct {
	id     int
	claims *inflightSet
	done   chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func (w *goroutineWorker) ID() int  { return w.id }
func (w *goroutineWorker) PID() int { return os.Getpid() }

func (w *goroutineWorker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *goroutineWorker) InFlight() []line.Task { return w.claims.snapshot() }

func (w *goroutineWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *goroutineWorker) setErr(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
}

func (w *goroutineWorker) Done() <-chan struct{} { return w.done }

// Stop and Kill both cancel the worker context. There is no intermediate
// state for an in-process worker; cancellation is as graceful as it gets.
func (w *goroutineWorker) Stop() { w.cancel() }
func (w *goroutineWorker) Kill() { w.cancel() }
