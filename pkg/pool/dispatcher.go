package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/pkg/executor"
	"github.com/wehubfusion/Talos/pkg/line"

	flowerrors "github.com/wehubfusion/Talos/pkg/errors"
)

// inflightSet tracks the tasks a worker has accepted but not yet finished.
// The controller reads it to reassign work when a worker dies mid-line.
type inflightSet struct {
	mu    sync.Mutex
	tasks map[int]line.Task
}

func newInflightSet() *inflightSet {
	return &inflightSet{tasks: make(map[int]line.Task)}
}

func (s *inflightSet) claim(t line.Task) {
	s.mu.Lock()
	s.tasks[t.Index] = t
	s.mu.Unlock()
}

func (s *inflightSet) release(index int) {
	s.mu.Lock()
	delete(s.tasks, index)
	s.mu.Unlock()
}

func (s *inflightSet) snapshot() []line.Task {
	s.mu.Lock()
	out := make([]line.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// dispatcher is the worker loop shared by both start methods. Goroutine
// workers run it directly against the pool's channels; spawned workers run
// it inside the child process against the pipe protocol.
type dispatcher struct {
	executor       executor.Executor
	runID          string
	variantID      string
	validateInputs bool
	lineTimeout    time.Duration
	workerID       int
	logger         *zap.Logger
	tracer         trace.Tracer
	claims         *inflightSet // nil when the caller tracks claims itself
}

// run consumes tasks until the channel closes or the context is cancelled.
// A non-nil return means the worker hit a classified system failure and can
// no longer be trusted with work.
func (d *dispatcher) run(ctx context.Context, tasks <-chan line.Task, results chan<- line.Result) error {
	d.logger.Debug("Worker started", zap.Int("worker_id", d.workerID))
	defer d.logger.Debug("Worker stopped", zap.Int("worker_id", d.workerID))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task, ok := <-tasks:
			if !ok {
				return nil
			}
			if d.claims != nil {
				d.claims.claim(task)
			}
			result, err := d.execOne(ctx, task)
			if err != nil {
				// Claim intentionally kept: the controller converts
				// it when it notices the worker is gone.
				return err
			}
			select {
			case results <- result:
				if d.claims != nil {
					d.claims.release(task.Index)
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// execOne executes a single task to a terminal result. User errors and
// timeouts become Failed/Timeout results; only unrecoverable failures of
// the worker itself come back as an error.
func (d *dispatcher) execOne(ctx context.Context, task line.Task) (line.Result, error) {
	variantID := task.VariantID
	if variantID == "" {
		variantID = d.variantID
	}

	ctx, span := d.tracer.Start(ctx, "line.exec", trace.WithAttributes(
		attribute.Int("worker.id", d.workerID),
		attribute.Int("line.index", task.Index),
		attribute.String("run.id", d.runID),
	))
	defer span.End()

	opts := executor.Options{
		RunID:          d.runID,
		VariantID:      variantID,
		ValidateInputs: d.validateInputs,
	}

	start := time.Now()
	res, err, timedOut := runWithDeadline(ctx, d.lineTimeout, func(lineCtx context.Context) (*line.Result, error) {
		return d.executor.ExecLine(lineCtx, task.Inputs, task.Index, opts)
	})
	elapsed := time.Since(start)

	if timedOut {
		span.SetStatus(codes.Error, "line timed out")
		d.logger.Warn("Line execution timed out",
			zap.Int("worker_id", d.workerID),
			zap.Int("index", task.Index),
			zap.Duration("timeout", d.lineTimeout))
		return line.Result{
			Index:      task.Index,
			Status:     line.StatusTimeout,
			Error:      timeoutError(task.Index, d.lineTimeout),
			DurationMs: elapsed.Milliseconds(),
			StartTime:  start,
			EndTime:    start.Add(elapsed),
			RunID:      d.runID,
			VariantID:  variantID,
		}, nil
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if flowerrors.IsUserError(err) {
			e, _ := flowerrors.AsError(err)
			d.logger.Info("Line failed",
				zap.Int("worker_id", d.workerID),
				zap.Int("index", task.Index),
				zap.String("error", e.Message))
			return line.Result{
				Index:      task.Index,
				Status:     line.StatusFailed,
				Error:      &line.ErrorInfo{Message: e.Message, Code: e.Code},
				DurationMs: elapsed.Milliseconds(),
				StartTime:  start,
				EndTime:    start.Add(elapsed),
				RunID:      d.runID,
				VariantID:  variantID,
			}, nil
		}
		return line.Result{}, err
	}

	result := line.Result{Status: line.StatusCompleted}
	if res != nil {
		result = *res
	}
	result.Index = task.Index
	result.RunID = d.runID
	if result.Status == "" {
		result.Status = line.StatusCompleted
	}
	if result.VariantID == "" {
		result.VariantID = variantID
	}
	if result.DurationMs == 0 {
		result.DurationMs = elapsed.Milliseconds()
	}
	if result.StartTime.IsZero() {
		result.StartTime = start
	}
	if result.EndTime.IsZero() {
		result.EndTime = start.Add(elapsed)
	}

	span.SetStatus(codes.Ok, "")
	d.logger.Debug("Line completed",
		zap.Int("worker_id", d.workerID),
		zap.Int("index", task.Index),
		zap.Int64("duration_ms", result.DurationMs))
	return result, nil
}
