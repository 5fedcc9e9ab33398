// Package reporter publishes batch run events to external tracking
// surfaces. Reporting is best-effort by contract: a reporting failure is
// logged by the pool but never fails the line it describes.
package reporter

import (
	"context"

	"github.com/wehubfusion/Talos/pkg/line"
)

// Reporter receives run events from the pool.
type Reporter interface {
	// ReportLine is called once per terminal line result, in completion
	// order (not index order).
	ReportLine(ctx context.Context, runID string, result line.Result) error

	// ReportRunFatal is called when a run aborts outside the per-line
	// isolation boundary.
	ReportRunFatal(ctx context.Context, runID string, err error)
}

// Multi fans every event out to each reporter in order.
type Multi []Reporter

// ReportLine implements Reporter. The first error is returned after all
// reporters have been invoked.
func (m Multi) ReportLine(ctx context.Context, runID string, result line.Result) error {
	var firstErr error
	for _, r := range m {
		if err := r.ReportLine(ctx, runID, result); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReportRunFatal implements Reporter.
func (m Multi) ReportRunFatal(ctx context.Context, runID string, err error) {
	for _, r := range m {
		r.ReportRunFatal(ctx, runID, err)
	}
}
