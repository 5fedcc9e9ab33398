package reporter

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/wehubfusion/Talos/pkg/line"
)

// Sentry forwards run-fatal errors to Sentry. Ordinary line failures are
// expected workload behavior and are deliberately not captured.
type Sentry struct {
	hub          *sentry.Hub
	flushTimeout time.Duration
}

// NewSentry creates a reporter on the given hub; a nil hub uses the
// process-wide current hub, which the caller is expected to have
// initialized with sentry.Init.
func NewSentry(hub *sentry.Hub) *Sentry {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &Sentry{
		hub:          hub,
		flushTimeout: 2 * time.Second,
	}
}

// ReportLine implements Reporter as a no-op.
func (s *Sentry) ReportLine(ctx context.Context, runID string, result line.Result) error {
	return nil
}

// ReportRunFatal implements Reporter.
func (s *Sentry) ReportRunFatal(ctx context.Context, runID string, err error) {
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("run_id", runID)
		s.hub.CaptureException(err)
	})
	s.hub.Flush(s.flushTimeout)
}
