package pool

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/internal/sysmem"
	flowerrors "github.com/wehubfusion/Talos/pkg/errors"
)

// AvailableWorkerCount estimates how many workers fit in the host's
// available memory, assuming each consumes as much as the current process.
// The estimate never drops below one.
func AvailableWorkerCount(stats sysmem.Stats, logger *zap.Logger) (int, error) {
	if stats.ProcessMB <= 0 {
		return 0, fmt.Errorf("%w: per-process memory must be positive, got %.1fMB",
			flowerrors.ErrInvalidConfig, stats.ProcessMB)
	}

	estimated := int(stats.AvailableMB / stats.ProcessMB)
	if estimated < 1 {
		logger.Warn(fmt.Sprintf(
			"Current system's available memory is %.1fMB, less than the memory %.1fMB required by the process. "+
				"The maximum available worker count is 1.",
			stats.AvailableMB, stats.ProcessMB))
		return 1, nil
	}

	logger.Info(fmt.Sprintf(
		"Current system's available memory is %.1fMB, memory consumption of current process is %.1fMB, "+
			"estimated available worker count is %.1f/%.1f = %d",
		stats.AvailableMB, stats.ProcessMB, stats.AvailableMB, stats.ProcessMB, estimated))
	return estimated, nil
}

// EstimateWorkerCount resolves the worker count for a run. A positive
// override wins unconditionally; otherwise the count is the minimum across
// the sizing factors. stats is nil when memory is not a sizing factor
// (goroutine mode, or sampling failed).
func EstimateWorkerCount(rowCount, override, defaultWorkerCount int, stats *sysmem.Stats, logger *zap.Logger) (int, error) {
	if override > 0 {
		logger.Info(fmt.Sprintf("Set process count to %d with the environment variable '%s'.",
			override, EnvWorkerCount))
		if stats != nil {
			recommended, err := AvailableWorkerCount(*stats, logger)
			if err != nil {
				return 0, err
			}
			if override > recommended {
				logger.Warn(fmt.Sprintf(
					"The current process count (%d) is larger than recommended process count (%d) that "+
						"estimated by system available memory. This may cause memory exhaustion",
					override, recommended))
			}
		}
		return override, nil
	}

	factors := map[string]int{
		"default_worker_count": defaultWorkerCount,
		"row_count":            rowCount,
	}
	if stats != nil {
		estimated, err := AvailableWorkerCount(*stats, logger)
		if err != nil {
			return 0, err
		}
		factors["estimated_worker_count_based_on_memory_usage"] = estimated
	}

	count := math.MaxInt
	for _, v := range factors {
		if v < count {
			count = v
		}
	}
	if count < 1 {
		count = 1
	}

	logger.Info(fmt.Sprintf("Set process count to %d by taking the minimum value among the factors of %v.",
		count, factors))
	return count, nil
}
