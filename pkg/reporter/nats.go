package reporter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/pkg/line"
)

// DefaultSubjectPrefix is the subject tree line events are published under.
const DefaultSubjectPrefix = "talos.run"

// lineEvent is the wire shape of one published line result.
type lineEvent struct {
	RunID      string          `json:"run_id"`
	Index      int             `json:"index"`
	Status     line.Status     `json:"status"`
	Error      *line.ErrorInfo `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	VariantID  string          `json:"variant_id,omitempty"`
}

// runFatalEvent is the wire shape of a run abort notification.
type runFatalEvent struct {
	RunID string `json:"run_id"`
	Error string `json:"error"`
}

// NATS publishes run events to a NATS subject tree:
// <prefix>.<runID>.line for line results, <prefix>.<runID>.fatal for aborts.
type NATS struct {
	conn          *nats.Conn
	subjectPrefix string
	logger        *zap.Logger
}

// NewNATS creates a reporter over an already-connected NATS connection.
func NewNATS(conn *nats.Conn, subjectPrefix string, logger *zap.Logger) (*NATS, error) {
	if conn == nil {
		return nil, errors.New("nats connection cannot be nil")
	}
	if subjectPrefix == "" {
		subjectPrefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATS{
		conn:          conn,
		subjectPrefix: subjectPrefix,
		logger:        logger,
	}, nil
}

// LineSubject returns the subject line events for runID are published to.
func (n *NATS) LineSubject(runID string) string {
	return fmt.Sprintf("%s.%s.line", n.subjectPrefix, runID)
}

// ReportLine implements Reporter.
func (n *NATS) ReportLine(ctx context.Context, runID string, result line.Result) error {
	event := lineEvent{
		RunID:      runID,
		Index:      result.Index,
		Status:     result.Status,
		Error:      result.Error,
		DurationMs: result.DurationMs,
		VariantID:  result.VariantID,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal line event: %w", err)
	}

	if err := n.conn.Publish(n.LineSubject(runID), data); err != nil {
		return fmt.Errorf("failed to publish line event: %w", err)
	}

	n.logger.Debug("Published line event",
		zap.String("run_id", runID),
		zap.Int("index", result.Index),
		zap.String("status", string(result.Status)))
	return nil
}

// ReportRunFatal implements Reporter.
func (n *NATS) ReportRunFatal(ctx context.Context, runID string, fatal error) {
	event := runFatalEvent{RunID: runID, Error: fatal.Error()}
	data, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("Failed to marshal run fatal event", zap.Error(err))
		return
	}

	subject := fmt.Sprintf("%s.%s.fatal", n.subjectPrefix, runID)
	if err := n.conn.Publish(subject, data); err != nil {
		n.logger.Error("Failed to publish run fatal event",
			zap.String("run_id", runID),
			zap.Error(err))
	}
}
