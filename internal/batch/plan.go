package batch

import "github.com/JonMunkholm/importpipe/internal/domain"

// DefaultBatchSize is the number of rows per batch.
const DefaultBatchSize = 100

// PlanBatches slices n rows into pending batches of at most size rows.
// Ranges are contiguous, non-overlapping, and cover [0, n). Numbering starts
// at firstNumber so retries continue after earlier batches. FirstRecord and
// LastRecord assume rows are the source rows in order; callers planning a
// subset overwrite them.
func PlanBatches(sessionID string, n, size, firstNumber int) []domain.ImportBatch {
	if n <= 0 {
		return nil
	}
	if size <= 0 {
		size = DefaultBatchSize
	}
	if firstNumber <= 0 {
		firstNumber = 1
	}

	batches := make([]domain.ImportBatch, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		batches = append(batches, domain.ImportBatch{
			SessionID:   sessionID,
			BatchNumber: firstNumber + len(batches),
			StartIndex:  start,
			EndIndex:    end,
			FirstRecord: start,
			LastRecord:  end - 1,
			Status:      domain.BatchPending,
		})
	}
	return batches
}
