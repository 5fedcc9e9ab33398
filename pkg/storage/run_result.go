package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/pkg/line"
)

// RunRecord is the persisted shape of one finished batch run: the ordered
// line results plus enough metadata to read the file without the pool.
type RunRecord struct {
	RunID     string        `json:"run_id"`
	VariantID string        `json:"variant_id,omitempty"`
	RowCount  int           `json:"row_count"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	CreatedAt time.Time     `json:"created_at"`
	Results   []line.Result `json:"results"`
}

// RunResultClient stores and retrieves RunRecords through a blob backend.
type RunResultClient struct {
	blobClient BlobStorageClient
	logger     *zap.Logger
	mu         sync.Mutex
}

// NewRunResultClient creates a run result client.
func NewRunResultClient(blobClient BlobStorageClient, logger *zap.Logger) (*RunResultClient, error) {
	if blobClient == nil {
		return nil, fmt.Errorf("blob client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunResultClient{
		blobClient: blobClient,
		logger:     logger,
	}, nil
}

// RunResultPath returns the standard blob path for a run's result file.
func RunResultPath(runID string) string {
	return fmt.Sprintf("runs/%s/results.json", runID)
}

// SaveRun persists the ordered results of a finished run and returns the
// blob URL.
func (c *RunResultClient) SaveRun(ctx context.Context, runID, variantID string, results []line.Result) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	completed, failed := line.Summarize(results)
	record := RunRecord{
		RunID:     runID,
		VariantID: variantID,
		RowCount:  len(results),
		Completed: completed,
		Failed:    failed,
		CreatedAt: time.Now().UTC(),
		Results:   results,
	}

	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal run record: %w", err)
	}

	blobPath := RunResultPath(runID)
	blobURL, err := c.blobClient.Upload(ctx, blobPath, data, map[string]string{
		"run_id":     runID,
		"row_count":  fmt.Sprintf("%d", record.RowCount),
		"completed":  fmt.Sprintf("%d", completed),
		"failed":     fmt.Sprintf("%d", failed),
		"created_at": record.CreatedAt.Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload run record: %w", err)
	}

	c.logger.Info("Persisted run results",
		zap.String("run_id", runID),
		zap.String("blob_path", blobPath),
		zap.Int("row_count", record.RowCount),
		zap.Int("completed", completed),
		zap.Int("failed", failed))
	return blobURL, nil
}

// LoadRun downloads and parses a run's result file.
func (c *RunResultClient) LoadRun(ctx context.Context, runID string) (*RunRecord, error) {
	data, err := c.blobClient.Download(ctx, RunResultPath(runID))
	if err != nil {
		return nil, fmt.Errorf("failed to download run record: %w", err)
	}

	var record RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse run record: %w", err)
	}
	return &record, nil
}

// GetLineResult retrieves one line's result from a persisted run.
func (c *RunResultClient) GetLineResult(ctx context.Context, runID string, index int) (*line.Result, error) {
	record, err := c.LoadRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	for i := range record.Results {
		if record.Results[i].Index == index {
			return &record.Results[i], nil
		}
	}
	return nil, fmt.Errorf("no result for line %d in run %s", index, runID)
}
