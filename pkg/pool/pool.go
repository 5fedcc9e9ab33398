package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/internal/sysmem"
	"github.com/wehubfusion/Talos/pkg/executor"
	"github.com/wehubfusion/Talos/pkg/line"

	flowerrors "github.com/wehubfusion/Talos/pkg/errors"
)

// heartbeatStaleAfter is how long a spawned worker may go without a
// heartbeat before the pool logs about it. Staleness is only ever logged;
// a worker is dead when its process exits, not when it is quiet.
const heartbeatStaleAfter = 3 * heartbeatInterval

// Pool executes a batch of line tasks across a fixed set of workers. A pool
// is sized at construction, started once, runs one batch, and is closed.
type Pool struct {
	cfg         Config
	executor    executor.Executor
	rowCount    int
	runID       string
	variantID   string
	workerCount int
	startMethod StartMethod
	logger      *zap.Logger
	tracer      trace.Tracer

	mu       sync.Mutex
	started  bool
	closed   bool
	ran      bool
	runCtx   context.Context
	cancel   context.CancelFunc
	tasks    chan line.Task
	results  chan line.Result
	workers  []workerHandle
	launcher launcher
}

// New sizes and validates a pool for a batch of rowCount lines. Workers are
// not created until Start. An empty runID gets a generated one; exec may be
// nil in spawn mode, where workers rebuild the executor from
// Config.ExecutorName on their side.
func New(exec executor.Executor, rowCount int, runID, variantID string, cfg Config) (*Pool, error) {
	cfg = cfg.withDefaults()
	logger := cfg.Logger

	if rowCount < 0 {
		return nil, fmt.Errorf("%w: row count must not be negative, got %d", flowerrors.ErrInvalidConfig, rowCount)
	}
	if cfg.WorkerCount < 0 {
		return nil, fmt.Errorf("%w: worker count must not be negative, got %d", flowerrors.ErrInvalidConfig, cfg.WorkerCount)
	}

	method := resolveStartMethod(cfg.StartMethod, logger)
	switch method {
	case StartMethodSpawn:
		if cfg.ExecutorName == "" {
			return nil, fmt.Errorf("%w: spawn mode requires a registered executor name", flowerrors.ErrInvalidConfig)
		}
	default:
		if exec == nil {
			return nil, fmt.Errorf("%w: executor is required", flowerrors.ErrInvalidConfig)
		}
	}

	if runID == "" {
		runID = uuid.NewString()
	}
	logger = logger.With(zap.String("run_id", runID))

	// Memory is a sizing factor only when workers are separate processes.
	var stats *sysmem.Stats
	if method == StartMethodSpawn {
		sampler := cfg.MemorySampler
		if sampler == nil {
			sampler = sysmem.System()
		}
		s, err := sampler.Sample()
		if err != nil {
			logger.Warn("Failed to sample memory statistics, skipping memory-based estimation", zap.Error(err))
		} else {
			stats = &s
		}
	}

	workerCount, err := EstimateWorkerCount(rowCount, cfg.WorkerCount, cfg.DefaultWorkerCount, stats, logger)
	if err != nil {
		return nil, err
	}

	return &Pool{
		cfg:         cfg,
		executor:    exec,
		rowCount:    rowCount,
		runID:       runID,
		variantID:   variantID,
		workerCount: workerCount,
		startMethod: method,
		logger:      logger,
		tracer:      otel.Tracer("talos/pool"),
	}, nil
}

// WorkerCount returns the resolved worker count.
func (p *Pool) WorkerCount() int { return p.workerCount }

// StartMethod returns the resolved start method.
func (p *Pool) StartMethod() StartMethod { return p.startMethod }

// RunID returns the pool's run identifier.
func (p *Pool) RunID() string { return p.runID }

// Config returns the configuration snapshot the pool was built with,
// defaults applied.
func (p *Pool) Config() Config { return p.cfg }

// Start creates the pool's workers. Cancelling ctx tears the workers down.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return flowerrors.ErrPoolClosed
	}
	if p.started {
		return fmt.Errorf("%w: pool already started", flowerrors.ErrInvalidConfig)
	}

	p.runCtx, p.cancel = context.WithCancel(ctx)
	p.tasks = make(chan line.Task, p.workerCount*2)

	// Sized for the whole batch so workers never block pushing results,
	// even when the collector has already given up on the run.
	resultCap := p.rowCount
	if resultCap < 1 {
		resultCap = 1
	}
	p.results = make(chan line.Result, resultCap)

	l := p.launcher
	if l == nil {
		switch p.startMethod {
		case StartMethodSpawn:
			l = &execLauncher{cfg: p.cfg, runID: p.runID, variant: p.variantID, logger: p.logger}
		default:
			l = &goroutineLauncher{
				executor: p.executor,
				cfg:      p.cfg,
				runID:    p.runID,
				variant:  p.variantID,
				logger:   p.logger,
				tracer:   p.tracer,
			}
		}
	}

	for i := 0; i < p.workerCount; i++ {
		h, err := l.Launch(p.runCtx, i, p.tasks, p.results)
		if err != nil {
			p.cancel()
			for _, w := range p.workers {
				w.Kill()
			}
			return fmt.Errorf("failed to launch worker %d: %w", i, err)
		}
		p.workers = append(p.workers, h)
	}

	p.started = true
	p.logger.Info("Worker pool started",
		zap.Int("worker_count", p.workerCount),
		zap.String("start_method", string(p.startMethod)))
	return nil
}

// Run feeds the batch to the workers and collects one terminal result per
// task, returned in index order. A pool runs exactly one batch; a second
// call fails with ErrRunConsumed. Run returns an error only when the run as
// a whole is aborted; per-line failures come back as Failed results.
func (p *Pool) Run(ctx context.Context, tasks []line.Task) ([]line.Result, error) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil, flowerrors.ErrPoolNotStarted
	}
	if p.closed {
		p.mu.Unlock()
		return nil, flowerrors.ErrPoolClosed
	}
	if p.ran {
		p.mu.Unlock()
		return nil, flowerrors.ErrRunConsumed
	}
	p.ran = true
	p.mu.Unlock()

	ctx, span := p.tracer.Start(ctx, "pool.run", trace.WithAttributes(
		attribute.String("run.id", p.runID),
		attribute.Int("row.count", len(tasks)),
	))
	defer span.End()

	go func() {
		defer close(p.tasks)
		for _, t := range tasks {
			select {
			case p.tasks <- t:
			case <-ctx.Done():
				return
			case <-p.runCtx.Done():
				return
			}
		}
	}()

	abort := func(err error) ([]line.Result, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Error("Batch run aborted", zap.Error(err))
		if p.cfg.Reporter != nil {
			p.cfg.Reporter.ReportRunFatal(ctx, p.runID, err)
		}
		_ = p.Close()
		return nil, err
	}

	expected := len(tasks)
	got := make(map[int]line.Result, expected)
	poll := time.NewTicker(p.cfg.PollInterval)
	defer poll.Stop()

	for len(got) < expected {
		select {
		case res := <-p.results:
			got[res.Index] = res
			p.report(ctx, res)
		case <-poll.C:
			if err := p.superviseWorkers(ctx, got, expected); err != nil {
				return abort(err)
			}
		case <-ctx.Done():
			return abort(ctx.Err())
		}
	}

	ordered := make([]line.Result, 0, expected)
	for _, res := range got {
		ordered = append(ordered, res)
	}
	line.SortByIndex(ordered)

	completed, failed := line.Summarize(ordered)
	span.SetStatus(codes.Ok, "")
	p.logger.Info("Batch run finished",
		zap.Int("total", expected),
		zap.Int("completed", completed),
		zap.Int("failed", failed))

	if p.cfg.Store != nil {
		if _, err := p.cfg.Store.SaveRun(ctx, p.runID, p.variantID, ordered); err != nil {
			p.logger.Error("Failed to persist run results", zap.Error(err))
		}
	}

	return ordered, nil
}

// superviseWorkers is the liveness pass run each poll tick. Classified
// worker failures abort the run. A silent death converts the worker's
// in-flight tasks to failed results and the run continues on the surviving
// workers, unless none are left.
func (p *Pool) superviseWorkers(ctx context.Context, got map[int]line.Result, expected int) error {
	allDead := true
	var dead []workerHandle
	for _, w := range p.workers {
		if w.Alive() {
			allDead = false
			if hb, ok := w.(heartbeatWorker); ok {
				if last := hb.LastHeartbeat(); !last.IsZero() && time.Since(last) > heartbeatStaleAfter {
					p.logger.Warn("Worker heartbeat is stale, line may be long-running",
						zap.Int("worker_id", w.ID()),
						zap.Time("last_heartbeat", last))
				}
			}
			continue
		}
		if err := w.Err(); err != nil {
			return fmt.Errorf("worker %d failed: %w", w.ID(), err)
		}
		dead = append(dead, w)
	}

	if len(dead) > 0 {
		// Workers that exited cleanly after finishing the batch may have
		// left results in the buffer that Run has not collected yet. A
		// line with a result is not a crash, so account for everything
		// already produced before treating anything as lost.
		p.drainResults(ctx, got)
		for _, w := range dead {
			for _, t := range w.InFlight() {
				if _, ok := got[t.Index]; ok {
					continue
				}
				p.logger.Error("Worker died while executing line, marking line failed",
					zap.Int("worker_id", w.ID()),
					zap.Int("pid", w.PID()),
					zap.Int("index", t.Index))
				res := p.crashResult(t, w)
				got[t.Index] = res
				p.report(ctx, res)
			}
		}
	}

	if allDead && len(got) < expected {
		return flowerrors.NewSystemError(
			"all workers exited before producing a result for every line", "pool", nil)
	}
	return nil
}

// drainResults moves everything currently buffered in the result channel
// into got without blocking.
func (p *Pool) drainResults(ctx context.Context, got map[int]line.Result) {
	for {
		select {
		case res := <-p.results:
			got[res.Index] = res
			p.report(ctx, res)
		default:
			return
		}
	}
}

func (p *Pool) crashResult(t line.Task, w workerHandle) line.Result {
	variantID := t.VariantID
	if variantID == "" {
		variantID = p.variantID
	}
	now := time.Now()
	return line.Result{
		Index:  t.Index,
		Status: line.StatusFailed,
		Error: &line.ErrorInfo{
			Message: fmt.Sprintf("Line %d failed because worker process (%d) exited unexpectedly.", t.Index, w.PID()),
			Code:    flowerrors.CodeWorkerCrashed,
		},
		StartTime: now,
		EndTime:   now,
		RunID:     p.runID,
		VariantID: variantID,
	}
}

func (p *Pool) report(ctx context.Context, res line.Result) {
	if p.cfg.Reporter == nil {
		return
	}
	if err := p.cfg.Reporter.ReportLine(ctx, p.runID, res); err != nil {
		p.logger.Warn("Failed to report line result",
			zap.Int("index", res.Index), zap.Error(err))
	}
}

// Close tears the pool down: workers are asked to stop, given the grace
// period, then killed. Close is idempotent and always reaps every worker
// before returning.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	p.mu.Unlock()

	if !started {
		return nil
	}

	for _, w := range p.workers {
		w.Stop()
	}
	p.cancel()

	deadline := time.Now().Add(p.cfg.GracePeriod)
	for _, w := range p.workers {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		timer := time.NewTimer(remaining)
		select {
		case <-w.Done():
			timer.Stop()
		case <-timer.C:
			p.logger.Warn("Worker did not exit within grace period, killing",
				zap.Int("worker_id", w.ID()), zap.Int("pid", w.PID()))
			w.Kill()
		}
	}
	for _, w := range p.workers {
		<-w.Done()
	}

	p.logger.Info("Worker pool closed")
	return nil
}
