// Package jsflow provides a JavaScript-backed flow executor. Each line runs
// the configured script in a fresh goja VM with the row's inputs bound as
// globals, which keeps lines fully isolated from one another.
package jsflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	flowerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/executor"
	"github.com/wehubfusion/Talos/pkg/line"
)

// Name is the registry name of this executor.
const Name = "jsflow"

const target = "jsflow"

// Config is the JSON configuration understood by the factory.
type Config struct {
	// Script is the flow body. Its completion value becomes the line output:
	// an object maps directly, any other value is wrapped under "output".
	Script string `json:"script"`
}

// Register makes the executor available to spawn-mode worker processes.
func Register() error {
	return executor.Register(Name, Factory)
}

// Factory builds an Executor from a Config blob.
func Factory(config json.RawMessage) (executor.Executor, error) {
	var cfg Config
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse jsflow configuration: %w", err)
	}
	return New(cfg.Script)
}

// Executor runs a compiled script once per line.
type Executor struct {
	program *goja.Program
}

// New compiles script and returns an executor for it. A script that does not
// parse is user content gone wrong, so the error is user-classified.
func New(script string) (*Executor, error) {
	if script == "" {
		return nil, flowerrors.NewUserError("jsflow script cannot be empty", target)
	}

	program, err := goja.Compile("flow.js", script, false)
	if err != nil {
		return nil, &flowerrors.Error{
			Kind:    flowerrors.KindUser,
			Code:    flowerrors.CodeUserError,
			Message: fmt.Sprintf("jsflow script does not compile: %v", err),
			Target:  target,
			Err:     err,
		}
	}
	return &Executor{program: program}, nil
}

// ExecLine implements executor.Executor.
func (e *Executor) ExecLine(ctx context.Context, inputs map[string]any, index int, opts executor.Options) (*line.Result, error) {
	vm := goja.New()
	if err := vm.Set("inputs", inputs); err != nil {
		return nil, flowerrors.NewSystemError("failed to bind inputs", target, err)
	}
	meta := map[string]any{
		"index":      index,
		"run_id":     opts.RunID,
		"variant_id": opts.VariantID,
	}
	if err := vm.Set("line", meta); err != nil {
		return nil, flowerrors.NewSystemError("failed to bind line metadata", target, err)
	}

	// Interrupt the VM when the line context is cancelled, so runaway
	// scripts stop instead of pinning the worker.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("line context cancelled")
		case <-watchdogDone:
		}
	}()

	start := time.Now()
	value, err := vm.RunProgram(e.program)
	if err != nil {
		return nil, classify(err)
	}

	output := toOutput(value)
	return &line.Result{
		Index:      index,
		Status:     line.StatusCompleted,
		Output:     output,
		DurationMs: time.Since(start).Milliseconds(),
		StartTime:  start,
		EndTime:    time.Now(),
		RunID:      opts.RunID,
		VariantID:  opts.VariantID,
	}, nil
}

func toOutput(value goja.Value) map[string]any {
	if value == nil {
		return map[string]any{}
	}
	exported := value.Export()
	if m, ok := exported.(map[string]any); ok {
		return m
	}
	return map[string]any{"output": exported}
}

// classify maps goja failures onto the pool's error taxonomy: script
// exceptions and interrupts belong to the flow author, everything else is a
// runtime malfunction.
func classify(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return flowerrors.NewUserError("script execution interrupted", target)
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		return &flowerrors.Error{
			Kind:    flowerrors.KindUser,
			Code:    flowerrors.CodeUserError,
			Message: exc.Value().String(),
			Target:  target,
			Err:     err,
		}
	}

	return flowerrors.NewSystemError("script runtime failure", target, err)
}
