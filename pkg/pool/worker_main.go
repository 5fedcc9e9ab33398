package pool

import (
	"context"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/internal/ipc"
	"github.com/wehubfusion/Talos/pkg/executor"
	"github.com/wehubfusion/Talos/pkg/line"

	flowerrors "github.com/wehubfusion/Talos/pkg/errors"
)

const heartbeatInterval = 5 * time.Second

// IsWorkerProcess reports whether this process was spawned as a pool
// worker. Host binaries using spawn mode check it first thing in main and
// hand control to WorkerMain when it is true.
func IsWorkerProcess() bool {
	return os.Getenv(envWorkerMarker) != ""
}

// WorkerMain runs the worker loop against the process's stdin/stdout and
// exits. It never returns.
//
//	func main() {
//		if pool.IsWorkerProcess() {
//			pool.WorkerMain()
//		}
//		...
//	}
func WorkerMain() {
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	code := runWorker(context.Background(), os.Stdin, os.Stdout, logger)
	_ = logger.Sync()
	os.Exit(code)
}

// runWorker is the spawned worker's main loop, factored over plain streams
// so it can run against in-memory pipes. It handshakes, rebuilds the
// executor from the registry, then executes tasks until stdin closes or a
// stop frame arrives. The returned value is the process exit code.
func runWorker(ctx context.Context, r io.Reader, w io.Writer, logger *zap.Logger) int {
	dec := ipc.NewDecoder(r)
	enc := ipc.NewEncoder(w)

	fatal := func(msg, code string) int {
		_ = enc.Encode(ipc.Frame{Type: ipc.FrameFatal, Fatal: &line.ErrorInfo{Message: msg, Code: code}})
		return 1
	}

	frame, err := dec.Decode()
	if err != nil {
		logger.Error("Worker could not read its configuration", zap.Error(err))
		return 1
	}
	if frame.Type != ipc.FrameConfig || frame.Config == nil {
		return fatal("expected config frame first", flowerrors.CodeSystemError)
	}
	wc := frame.Config
	if wc.Version != ipc.Version {
		return fatal("worker protocol version mismatch", flowerrors.CodeSystemError)
	}

	logger = logger.With(zap.Int("worker_id", wc.WorkerID), zap.String("run_id", wc.RunID))

	exec, err := executor.New(wc.ExecutorName, wc.ExecutorConfig)
	if err != nil {
		logger.Error("Worker could not build its executor",
			zap.String("executor", wc.ExecutorName), zap.Error(err))
		return fatal(err.Error(), flowerrors.CodeSystemError)
	}

	if err := enc.Encode(ipc.Frame{Type: ipc.FrameReady}); err != nil {
		return 1
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				_ = enc.Encode(ipc.Frame{Type: ipc.FrameHeartbeat})
			}
		}
	}()

	d := &dispatcher{
		executor:       exec,
		runID:          wc.RunID,
		variantID:      wc.VariantID,
		validateInputs: wc.ValidateInputs,
		lineTimeout:    wc.LineTimeout,
		workerID:       wc.WorkerID,
		logger:         logger,
		tracer:         otel.Tracer("talos/pool"),
	}

	for {
		frame, err := dec.Decode()
		if err != nil {
			// Parent closed our stdin: drain is done.
			return 0
		}
		switch frame.Type {
		case ipc.FrameTask:
			if frame.Task == nil {
				continue
			}
			result, execErr := d.execOne(ctx, *frame.Task)
			if execErr != nil {
				msg := execErr.Error()
				if e, ok := flowerrors.AsError(execErr); ok {
					msg = e.Message
				}
				return fatal(msg, flowerrors.CodeSystemError)
			}
			if err := enc.Encode(ipc.Frame{Type: ipc.FrameResult, Result: &result}); err != nil {
				return 1
			}
		case ipc.FrameStop:
			return 0
		}
	}
}
