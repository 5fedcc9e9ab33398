package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/wehubfusion/Talos/pkg/line"

	flowerrors "github.com/wehubfusion/Talos/pkg/errors"
)

type lineOutcome struct {
	result *line.Result
	err    error
}

// timeoutError builds the standard error payload for a line that exceeded
// its execution deadline. Timeouts are attributed to the submitted line,
// not the platform.
func timeoutError(index int, timeout time.Duration) *line.ErrorInfo {
	return &line.ErrorInfo{
		Message: fmt.Sprintf("Line %d execution timeout for exceeding %g seconds", index, timeout.Seconds()),
		Code:    flowerrors.CodeUserError,
	}
}

// runWithDeadline races fn against the per-line deadline. On timeout the
// line context is cancelled and fn is abandoned; its eventual outcome is
// discarded through the buffered channel. A panic inside fn is converted to
// a system error rather than tearing the worker down uncleanly.
func runWithDeadline(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (*line.Result, error)) (result *line.Result, err error, timedOut bool) {
	lineCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcome := make(chan lineOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				outcome <- lineOutcome{err: flowerrors.NewSystemError(
					fmt.Sprintf("panic during line execution: %v", r), "line-dispatcher", nil)}
			}
		}()
		res, execErr := fn(lineCtx)
		outcome <- lineOutcome{result: res, err: execErr}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-outcome:
		return o.result, o.err, false
	case <-timer.C:
		return nil, nil, true
	case <-ctx.Done():
		return nil, ctx.Err(), false
	}
}
