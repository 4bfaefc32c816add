package domain

import "time"

// BatchStatus is the lifecycle state of a single ImportBatch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// ImportBatch is a contiguous slice [StartIndex, EndIndex) of the rows one
// processing run handles. Batches are created once, in order, before the run
// starts.
//
// StartIndex and EndIndex are positions in that run's row list. For the first
// run they equal source row indexes; a retry only carries the failed rows, so
// FirstRecord and LastRecord name the source rows the batch actually covers.
type ImportBatch struct {
	SessionID      string        `json:"sessionId"`
	BatchNumber    int           `json:"batchNumber"` // 1-based, reflects original row order
	StartIndex     int           `json:"startIndex"`
	EndIndex       int           `json:"endIndex"`    // Exclusive
	FirstRecord    int           `json:"firstRecord"` // source recordIndex of the first row
	LastRecord     int           `json:"lastRecord"`  // source recordIndex of the last row, inclusive
	Status         BatchStatus   `json:"status"`
	SuccessCount   int           `json:"successCount"`
	FailureCount   int           `json:"failureCount"`
	ProcessingTime time.Duration `json:"processingTime"`
	Error          string        `json:"error,omitempty"`
}

// Size returns the number of rows covered by the batch.
func (b ImportBatch) Size() int {
	return b.EndIndex - b.StartIndex
}

// BatchMetrics carries the counters written when a batch resolves.
type BatchMetrics struct {
	SuccessCount   int
	FailureCount   int
	ProcessingTime time.Duration
	Error          string
}

// Severity grades a BatchError.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// BatchError describes one problem found while processing a record.
// Warnings were auto-fixed and do not fail the record.
type BatchError struct {
	RecordIndex int      `json:"recordIndex"`
	Field       string   `json:"field,omitempty"`
	Error       string   `json:"error"`
	Severity    Severity `json:"severity"`
	AutoFixable bool     `json:"autoFixable"`
	Suggestion  string   `json:"suggestion,omitempty"`
}

// BatchResult summarizes a processed batch.
type BatchResult struct {
	BatchNumber    int           `json:"batchNumber"`
	SuccessCount   int           `json:"successCount"`
	FailureCount   int           `json:"failureCount"`
	Errors         []BatchError  `json:"errors,omitempty"`
	ProcessingTime time.Duration `json:"processingTime"`
}

// HasFatal reports whether any error in errs has error severity.
func HasFatal(errs []BatchError) bool {
	for _, e := range errs {
		if e.Severity == SeverityError {
			return true
		}
	}
	return false
}
