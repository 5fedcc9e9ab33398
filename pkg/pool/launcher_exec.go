package pool

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/internal/ipc"
	"github.com/wehubfusion/Talos/pkg/line"

	flowerrors "github.com/wehubfusion/Talos/pkg/errors"
)

// execLauncher spawns each worker as a child process speaking the pipe
// protocol over stdin/stdout. Stderr passes through so worker logs land
// next to the controller's.
type execLauncher struct {
	cfg     Config
	runID   string
	variant string
	logger  *zap.Logger
}

func (l *execLauncher) Launch(ctx context.Context, id int, tasks <-chan line.Task, results chan<- line.Result) (workerHandle, error) {
	argv := l.cfg.WorkerCommand
	if len(argv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker executable: %w", err)
		}
		argv = []string{exe}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), envWorkerMarker+"=1")
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}

	w := &execWorker{
		id:      id,
		cmd:     cmd,
		stdin:   stdin,
		enc:     ipc.NewEncoder(stdin),
		dec:     ipc.NewDecoder(stdout),
		claims:  newInflightSet(),
		results: results,
		done:    make(chan struct{}),
		logger:  l.logger,
	}

	wc := &ipc.WorkerConfig{
		Version:        ipc.Version,
		WorkerID:       id,
		RunID:          l.runID,
		VariantID:      l.variant,
		ValidateInputs: l.cfg.ValidateInputs,
		LineTimeout:    l.cfg.LineTimeout,
		ExecutorName:   l.cfg.ExecutorName,
		ExecutorConfig: l.cfg.ExecutorConfig,
	}
	if err := w.enc.Encode(ipc.Frame{Type: ipc.FrameConfig, Config: wc}); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("send worker config: %w", err)
	}

	frame, err := w.dec.Decode()
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("worker %d handshake: %w", id, err)
	}
	if frame.Type != ipc.FrameReady {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		if frame.Type == ipc.FrameFatal && frame.Fatal != nil {
			return nil, fmt.Errorf("worker %d refused to start: %s", id, frame.Fatal.Message)
		}
		return nil, fmt.Errorf("worker %d handshake: unexpected frame %q", id, frame.Type)
	}
	w.lastBeat.Store(time.Now().UnixNano())

	go w.reap()
	go w.send(ctx, tasks)
	go w.receive()

	l.logger.Debug("Spawned worker process",
		zap.Int("worker_id", id), zap.Int("pid", cmd.Process.Pid))
	return w, nil
}

type execWorker struct {
	id       int
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	enc      *ipc.Encoder
	dec      *ipc.Decoder
	claims   *inflightSet
	results  chan<- line.Result
	done     chan struct{}
	logger   *zap.Logger
	lastBeat atomic.Int64

	stopOnce sync.Once
	killOnce sync.Once

	mu    sync.Mutex
	err   error
	fatal *line.ErrorInfo
}

// send forwards tasks until the source drains, then signals the worker to
// exit by closing its stdin.
func (w *execWorker) send(ctx context.Context, tasks <-chan line.Task) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case t, ok := <-tasks:
			if !ok {
				w.Stop()
				return
			}
			w.claims.claim(t)
			if err := w.enc.Encode(ipc.Frame{Type: ipc.FrameTask, Task: &t}); err != nil {
				// Child is gone. The claim stays so the controller can
				// convert the task once it notices the death.
				w.logger.Warn("Failed to send task to worker",
					zap.Int("worker_id", w.id), zap.Int("index", t.Index), zap.Error(err))
				return
			}
		}
	}
}

// receive pumps frames off the worker's stdout until the pipe closes.
func (w *execWorker) receive() {
	for {
		frame, err := w.dec.Decode()
		if err != nil {
			return
		}
		switch frame.Type {
		case ipc.FrameResult:
			if frame.Result != nil {
				w.claims.release(frame.Result.Index)
				w.results <- *frame.Result
			}
		case ipc.FrameHeartbeat:
			w.lastBeat.Store(time.Now().UnixNano())
		case ipc.FrameFatal:
			if frame.Fatal != nil {
				w.setFatal(frame.Fatal)
			}
		}
	}
}

// reap waits for the process to exit. A fatal frame received beforehand
// classifies the exit; an abnormal exit without one is a silent crash that
// the controller handles through the in-flight set.
func (w *execWorker) reap() {
	waitErr := w.cmd.Wait()
	if f := w.getFatal(); f != nil {
		w.setErr(&flowerrors.Error{
			Kind:    flowerrors.KindSystem,
			Code:    f.Code,
			Message: f.Message,
			Target:  fmt.Sprintf("worker-%d", w.id),
		})
	} else if waitErr != nil {
		w.logger.Warn("Worker process exited abnormally",
			zap.Int("worker_id", w.id), zap.Int("pid", w.cmd.Process.Pid), zap.Error(waitErr))
	}
	close(w.done)
}

func (w *execWorker) ID() int  { return w.id }
func (w *execWorker) PID() int { return w.cmd.Process.Pid }

func (w *execWorker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *execWorker) InFlight() []line.Task { return w.claims.snapshot() }

func (w *execWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *execWorker) setErr(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
}

func (w *execWorker) setFatal(f *line.ErrorInfo) {
	w.mu.Lock()
	w.fatal = f
	w.mu.Unlock()
}

func (w *execWorker) getFatal() *line.ErrorInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fatal
}

func (w *execWorker) Done() <-chan struct{} { return w.done }

func (w *execWorker) LastHeartbeat() time.Time {
	return time.Unix(0, w.lastBeat.Load())
}

// Stop closes the worker's stdin. The worker treats EOF on stdin as the
// signal to finish its current line and exit.
func (w *execWorker) Stop() {
	w.stopOnce.Do(func() {
		_ = w.enc.Encode(ipc.Frame{Type: ipc.FrameStop})
		_ = w.stdin.Close()
	})
}

func (w *execWorker) Kill() {
	w.killOnce.Do(func() {
		w.logger.Warn("Killing worker process",
			zap.Int("worker_id", w.id), zap.Int("pid", w.cmd.Process.Pid))
		_ = w.cmd.Process.Kill()
	})
}
