package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/internal/sysmem"
	"github.com/wehubfusion/Talos/pkg/executor"
	"github.com/wehubfusion/Talos/pkg/line"

	flowerrors "github.com/wehubfusion/Talos/pkg/errors"
)

const spawnTestExecutor = "pool-test-echo"

var registerSpawnExecutor sync.Once

func spawnExecutorFactory(config json.RawMessage) (executor.Executor, error) {
	return executor.Func(func(ctx context.Context, inputs map[string]any, index int, opts executor.Options) (*line.Result, error) {
		return &line.Result{
			Status: line.StatusCompleted,
			Output: map[string]any{"echo": inputs["q"]},
		}, nil
	}), nil
}

// TestMain doubles as the worker entrypoint for the spawn mode tests, which
// re-execute this test binary as their worker command.
func TestMain(m *testing.M) {
	if IsWorkerProcess() {
		registerSpawnExecutor.Do(func() {
			if err := executor.Register(spawnTestExecutor, spawnExecutorFactory); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
		})
		WorkerMain()
	}
	os.Exit(m.Run())
}

func echoExecutor() executor.Executor {
	return executor.Func(func(ctx context.Context, inputs map[string]any, index int, opts executor.Options) (*line.Result, error) {
		return &line.Result{
			Status: line.StatusCompleted,
			Output: map[string]any{"echo": inputs["q"]},
		}, nil
	})
}

func makeTasks(n int) []line.Task {
	inputs := make([]map[string]any, n)
	for i := range inputs {
		inputs[i] = map[string]any{"q": i}
	}
	return line.NewTasks(inputs, "")
}

func testConfig() Config {
	return Config{
		Logger:       zap.NewNop(),
		PollInterval: 10 * time.Millisecond,
		GracePeriod:  2 * time.Second,
	}
}

func runBatch(t *testing.T, exec executor.Executor, n int, cfg Config) []line.Result {
	t.Helper()

	p, err := New(exec, n, "run-test", "", cfg)
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	defer p.Close()

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	results, err := p.Run(context.Background(), makeTasks(n))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	return results
}

func TestPoolRunCompletesAllLines(t *testing.T) {
	results := runBatch(t, echoExecutor(), 10, testConfig())

	if len(results) != 10 {
		t.Fatalf("expected 10 results, got %d", len(results))
	}
	for i, res := range results {
		if res.Index != i {
			t.Errorf("position %d: expected index %d, got %d", i, i, res.Index)
		}
		if res.Status != line.StatusCompleted {
			t.Errorf("line %d: expected completed, got %s", i, res.Status)
		}
		if res.RunID != "run-test" {
			t.Errorf("line %d: expected run id stamped, got %q", i, res.RunID)
		}
	}
}

func TestPoolRunOrdersOutOfOrderCompletions(t *testing.T) {
	// Early lines sleep longest so completions arrive roughly reversed.
	exec := executor.Func(func(ctx context.Context, inputs map[string]any, index int, opts executor.Options) (*line.Result, error) {
		time.Sleep(time.Duration(8-index) * 10 * time.Millisecond)
		return &line.Result{Status: line.StatusCompleted}, nil
	})

	results := runBatch(t, exec, 8, testConfig())
	for i, res := range results {
		if res.Index != i {
			t.Fatalf("position %d: expected index %d, got %d", i, i, res.Index)
		}
	}
}

func TestPoolRunIsolatesUserErrors(t *testing.T) {
	exec := executor.Func(func(ctx context.Context, inputs map[string]any, index int, opts executor.Options) (*line.Result, error) {
		if index%2 == 1 {
			return nil, flowerrors.NewUserError(fmt.Sprintf("line %d is bad", index), "tool")
		}
		return &line.Result{Status: line.StatusCompleted}, nil
	})

	results := runBatch(t, exec, 6, testConfig())

	completed, failed := line.Summarize(results)
	if completed != 3 || failed != 3 {
		t.Fatalf("expected 3 completed and 3 failed, got %d/%d", completed, failed)
	}
	for _, res := range results {
		if res.Index%2 == 0 {
			continue
		}
		if res.Status != line.StatusFailed {
			t.Errorf("line %d: expected failed, got %s", res.Index, res.Status)
		}
		want := fmt.Sprintf("line %d is bad", res.Index)
		if res.Error == nil || res.Error.Message != want {
			t.Errorf("line %d: expected %q, got %+v", res.Index, want, res.Error)
		}
	}
}

func TestPoolRunTimesOutHungLine(t *testing.T) {
	exec := executor.Func(func(ctx context.Context, inputs map[string]any, index int, opts executor.Options) (*line.Result, error) {
		if index == 2 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &line.Result{Status: line.StatusCompleted}, nil
	})

	cfg := testConfig()
	cfg.LineTimeout = time.Second
	results := runBatch(t, exec, 4, cfg)

	for _, res := range results {
		if res.Index != 2 {
			if res.Status != line.StatusCompleted {
				t.Errorf("line %d: expected completed, got %s", res.Index, res.Status)
			}
			continue
		}
		if res.Status != line.StatusTimeout {
			t.Fatalf("expected line 2 to time out, got %s", res.Status)
		}
		want := "Line 2 execution timeout for exceeding 1 seconds"
		if res.Error == nil || res.Error.Message != want {
			t.Errorf("expected %q, got %+v", want, res.Error)
		}
		if res.Error.Code != flowerrors.CodeUserError {
			t.Errorf("timeouts must carry the user error code, got %q", res.Error.Code)
		}
	}
}

func TestPoolRunAbortsOnSystemError(t *testing.T) {
	exec := executor.Func(func(ctx context.Context, inputs map[string]any, index int, opts executor.Options) (*line.Result, error) {
		return nil, flowerrors.NewSystemError("storage unreachable", "executor", nil)
	})

	p, err := New(exec, 4, "", "", testConfig())
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	defer p.Close()
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	_, err = p.Run(context.Background(), makeTasks(4))
	if !flowerrors.IsSystemError(err) {
		t.Fatalf("expected the run to abort with a system error, got %v", err)
	}
}

func TestPoolRunLifecycleErrors(t *testing.T) {
	p, err := New(echoExecutor(), 2, "", "", testConfig())
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}

	if _, err := p.Run(context.Background(), makeTasks(2)); !errors.Is(err, flowerrors.ErrPoolNotStarted) {
		t.Fatalf("expected ErrPoolNotStarted, got %v", err)
	}

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := p.Run(context.Background(), makeTasks(2)); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if _, err := p.Run(context.Background(), makeTasks(2)); !errors.Is(err, flowerrors.ErrRunConsumed) {
		t.Fatalf("expected ErrRunConsumed, got %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close must be a no-op: %v", err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, flowerrors.ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed after close, got %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, 2, "", "", testConfig()); !errors.Is(err, flowerrors.ErrInvalidConfig) {
		t.Errorf("nil executor: expected ErrInvalidConfig, got %v", err)
	}
	if _, err := New(echoExecutor(), -1, "", "", testConfig()); !errors.Is(err, flowerrors.ErrInvalidConfig) {
		t.Errorf("negative row count: expected ErrInvalidConfig, got %v", err)
	}

	cfg := testConfig()
	cfg.StartMethod = StartMethodSpawn
	if _, err := New(nil, 2, "", "", cfg); !errors.Is(err, flowerrors.ErrInvalidConfig) {
		t.Errorf("spawn without executor name: expected ErrInvalidConfig, got %v", err)
	}
}

func TestNewSizesPool(t *testing.T) {
	p, err := New(echoExecutor(), 4, "", "", testConfig())
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	if p.WorkerCount() != 4 {
		t.Errorf("expected row count to cap the pool at 4, got %d", p.WorkerCount())
	}
	if p.StartMethod() != StartMethodGoroutine {
		t.Errorf("expected goroutine start method, got %q", p.StartMethod())
	}
	if p.RunID() == "" {
		t.Error("expected a generated run id")
	}

	cfg := testConfig()
	cfg.WorkerCount = 2
	p, err = New(echoExecutor(), 100, "fixed-run", "", cfg)
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	if p.WorkerCount() != 2 {
		t.Errorf("expected override of 2, got %d", p.WorkerCount())
	}
	if p.RunID() != "fixed-run" {
		t.Errorf("expected provided run id kept, got %q", p.RunID())
	}
}

// crashLauncher builds workers that accept a fixed number of tasks and then
// die without ever producing a result, simulating a silent worker crash.
type crashLauncher struct {
	tasksBeforeDeath int
}

func (l *crashLauncher) Launch(ctx context.Context, id int, tasks <-chan line.Task, results chan<- line.Result) (workerHandle, error) {
	w := &crashWorker{id: id, claims: newInflightSet(), done: make(chan struct{})}
	go func() {
		defer close(w.done)
		for i := 0; i < l.tasksBeforeDeath; i++ {
			select {
			case <-ctx.Done():
				return
			case t, ok := <-tasks:
				if !ok {
					return
				}
				w.claims.claim(t)
			}
		}
	}()
	return w, nil
}

type crashWorker struct {
	id     int
	claims *inflightSet
	done   chan struct{}
	killed atomic.Bool
}

func (w *crashWorker) ID() int  { return w.id }
func (w *crashWorker) PID() int { return 99990 + w.id }
func (w *crashWorker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}
func (w *crashWorker) InFlight() []line.Task { return w.claims.snapshot() }
func (w *crashWorker) Err() error            { return nil }
func (w *crashWorker) Done() <-chan struct{} { return w.done }
func (w *crashWorker) Stop()                 {}
func (w *crashWorker) Kill()                 { w.killed.Store(true) }

func TestPoolRunConvertsCrashedWorkerLines(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerCount = 1
	p, err := New(echoExecutor(), 1, "", "", cfg)
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	defer p.Close()
	p.launcher = &crashLauncher{tasksBeforeDeath: 1}

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	results, err := p.Run(context.Background(), makeTasks(1))
	if err != nil {
		t.Fatalf("a crashed worker with all lines accounted for must not abort the run: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	res := results[0]
	if res.Status != line.StatusFailed {
		t.Fatalf("expected failed status, got %s", res.Status)
	}
	if res.Error == nil || res.Error.Code != flowerrors.CodeWorkerCrashed {
		t.Fatalf("expected worker crashed code, got %+v", res.Error)
	}
	want := fmt.Sprintf("Line 0 failed because worker process (%d) exited unexpectedly.", 99990)
	if res.Error.Message != want {
		t.Errorf("expected %q, got %q", want, res.Error.Message)
	}
}

// slowReporter delays line reporting so the collector lags behind the
// workers, leaving finished results buffered while liveness polls fire.
type slowReporter struct {
	delay time.Duration
	lines atomic.Int32
}

func (r *slowReporter) ReportLine(ctx context.Context, runID string, result line.Result) error {
	time.Sleep(r.delay)
	r.lines.Add(1)
	return nil
}

func (r *slowReporter) ReportRunFatal(ctx context.Context, runID string, err error) {}

func TestPoolRunCollectsBufferedResultsAfterWorkersExit(t *testing.T) {
	rep := &slowReporter{delay: 5 * time.Millisecond}
	cfg := testConfig()
	cfg.WorkerCount = 1
	cfg.PollInterval = time.Millisecond
	cfg.Reporter = rep

	p, err := New(echoExecutor(), 3, "", "", cfg)
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	defer p.Close()
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	results, err := p.Run(context.Background(), makeTasks(3))
	if err != nil {
		t.Fatalf("run aborted although every line finished: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, res := range results {
		if res.Index != i || res.Status != line.StatusCompleted {
			t.Errorf("line %d: unexpected result %+v", i, res)
		}
	}
	if n := rep.lines.Load(); n != 3 {
		t.Errorf("expected every line reported once, got %d", n)
	}
}

func TestPoolRunAbortsWhenAllWorkersDie(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerCount = 1
	p, err := New(echoExecutor(), 3, "", "", cfg)
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	defer p.Close()
	p.launcher = &crashLauncher{tasksBeforeDeath: 1}

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	_, err = p.Run(context.Background(), makeTasks(3))
	if !flowerrors.IsSystemError(err) {
		t.Fatalf("expected run-fatal abort once every worker is dead, got %v", err)
	}
}

func TestPoolSpawnRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("spawn mode re-executes the test binary")
	}

	cfg := testConfig()
	cfg.StartMethod = StartMethodSpawn
	cfg.WorkerCount = 2
	cfg.ExecutorName = spawnTestExecutor
	cfg.LineTimeout = 30 * time.Second
	cfg.MemorySampler = sysmem.Fixed(sysmem.Stats{AvailableMB: 4096, ProcessMB: 64})

	p, err := New(nil, 4, "spawn-run", "", cfg)
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	defer p.Close()

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	results, err := p.Run(context.Background(), makeTasks(4))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	for i, res := range results {
		if res.Index != i || res.Status != line.StatusCompleted {
			t.Errorf("line %d: unexpected result %+v", i, res)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}
