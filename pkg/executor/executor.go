// Package executor defines the flow interpreter contract consumed by the
// batch pool, plus a factory registry that lets spawned worker processes
// rebuild the caller's executor by name.
package executor

import (
	"context"

	"github.com/wehubfusion/Talos/pkg/line"
)

// Options carries run-scoped parameters into a line execution.
type Options struct {
	// RunID identifies the batch run the line belongs to.
	RunID string

	// VariantID identifies the flow variant being executed.
	VariantID string

	// ValidateInputs asks the executor to validate the row before running it.
	ValidateInputs bool
}

// Executor runs a flow over one line of inputs. Implementations signal
// failures through classified errors (pkg/errors): user-classified errors
// are isolated to the line, system-classified errors terminate the worker.
//
// ExecLine must honor ctx cancellation where it can; the pool cancels the
// line context when the per-line deadline expires.
type Executor interface {
	ExecLine(ctx context.Context, inputs map[string]any, index int, opts Options) (*line.Result, error)
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, inputs map[string]any, index int, opts Options) (*line.Result, error)

// ExecLine implements Executor.
func (f Func) ExecLine(ctx context.Context, inputs map[string]any, index int, opts Options) (*line.Result, error) {
	return f(ctx, inputs, index, opts)
}
