package store

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/importpipe/internal/domain"
)

func newSession(t *testing.T, m *Memory, id string) {
	t.Helper()
	require.NoError(t, m.CreateSession(context.Background(), &domain.ImportSession{
		ID:         id,
		EntityType: domain.EntityProduct,
		FileName:   "products.csv",
		Status:     domain.StatusInitiated,
	}))
}

func TestMemorySessionLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	newSession(t, m, "s1")

	assert.Error(t, m.CreateSession(ctx, &domain.ImportSession{ID: "s1"}), "duplicate id")

	_, err := m.GetSession(ctx, "missing")
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("GetSession(missing) error = %v, want ErrSessionNotFound", err)
	}

	require.NoError(t, m.UpdateSessionStatus(ctx, "s1", domain.StatusExecuting, ""))
	require.NoError(t, m.UpdateSessionProgress(ctx, "s1", domain.Progress{TotalRecords: 10, ProcessedRecords: 4, SuccessfulRecords: 3, FailedRecords: 1}))
	require.NoError(t, m.UpdateSessionStatus(ctx, "s1", domain.StatusCompleted, ""))

	err = m.UpdateSessionStatus(ctx, "s1", domain.StatusFailed, "late failure")
	if !errors.Is(err, domain.ErrTerminalState) {
		t.Errorf("UpdateSessionStatus() after completion error = %v, want ErrTerminalState", err)
	}

	s, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, s.Status)
	assert.Equal(t, 4, s.ProcessedRecords)
	assert.Empty(t, s.ErrorMessage)
}

func TestMemoryCompletedWithErrorsCanResettle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	newSession(t, m, "s1")

	require.NoError(t, m.UpdateSessionStatus(ctx, "s1", domain.StatusCompletedWithErrors, ""))
	require.NoError(t, m.UpdateSessionStatus(ctx, "s1", domain.StatusCompleted, ""))
	assert.Error(t, m.UpdateSessionStatus(ctx, "s1", domain.StatusExecuting, ""))
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	newSession(t, m, "s1")
	require.NoError(t, m.SaveMappings(ctx, "s1", []domain.FieldMapping{{SourceField: "SKU", TargetField: "sku", Confidence: 100}}, 100))
	require.NoError(t, m.SetFallback(ctx, "s1", domain.NewFallback(domain.FallbackManualMapping)))

	s, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	s.FieldMappings[0].TargetField = "name"
	s.Fallback.Action = domain.FallbackUploadNewFile
	s.Status = domain.StatusCancelled

	again, err := m.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "sku", again.FieldMappings[0].TargetField)
	assert.Equal(t, domain.FallbackManualMapping, again.Fallback.Action)
	assert.Equal(t, domain.StatusInitiated, again.Status)
	assert.Equal(t, 100.0, again.Confidence)
}

func TestMemoryIncrementRetry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	newSession(t, m, "s1")

	for want := 1; want <= 3; want++ {
		got, err := m.IncrementRetry(ctx, "s1")
		require.NoError(t, err)
		if got != want {
			t.Errorf("IncrementRetry() = %d, want %d", got, want)
		}
	}
	_, err := m.IncrementRetry(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestMemoryBatches(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.CreateBatches(ctx, []domain.ImportBatch{
		{SessionID: "s1", BatchNumber: 2, StartIndex: 100, EndIndex: 150, Status: domain.BatchPending},
		{SessionID: "s1", BatchNumber: 1, StartIndex: 0, EndIndex: 100, Status: domain.BatchPending},
	}))
	require.NoError(t, m.UpdateBatchStatus(ctx, "s1", 2, domain.BatchCompleted, &domain.BatchMetrics{SuccessCount: 49, FailureCount: 1}))
	assert.Error(t, m.UpdateBatchStatus(ctx, "s1", 9, domain.BatchFailed, nil))

	batches, err := m.ListBatches(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, 1, batches[0].BatchNumber)
	assert.Equal(t, domain.BatchCompleted, batches[1].Status)
	assert.Equal(t, 49, batches[1].SuccessCount)
	assert.Equal(t, 50, batches[1].Size())
}

func TestMemoryInsertAndExists(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	rec := domain.ProductRecord{SKU: "AB-1", Name: "Widget", Price: decimal.RequireFromString("9.99"), Currency: "USD", Status: "active"}

	id, err := m.Insert(ctx, rec)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	exists, err := m.RecordExists(ctx, domain.EntityProduct, "ab-1")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = m.RecordExists(ctx, domain.EntityBrand, "ab-1")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = m.Insert(ctx, domain.ProductRecord{SKU: "ab-1"})
	assert.Error(t, err, "natural keys are case-insensitive")
	assert.Len(t, m.Records(domain.EntityProduct), 1)
}

func TestMemoryHistoryIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	row := domain.Row{"sku": "A"}

	require.NoError(t, m.AppendHistory(ctx, domain.HistoryRecord{SessionID: "s1", RecordIndex: 0, RecordData: row, ImportStatus: domain.HistoryFailed}))
	require.NoError(t, m.AppendHistory(ctx, domain.HistoryRecord{SessionID: "s1", RecordIndex: 0, RecordData: row, ImportStatus: domain.HistorySuccess}))
	row["sku"] = "mutated"

	history, err := m.ListHistory(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "A", history[0].RecordData["sku"])
	assert.False(t, history[0].CreatedAt.IsZero())

	latest := domain.LatestByIndex(history)
	assert.Equal(t, domain.HistorySuccess, latest[0].ImportStatus)
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil))
	assert.ErrorIs(t, classify(errors.New("dial tcp: connection refused")), domain.ErrStorageUnavailable)
}

func TestOpenWithoutURLUsesMemory(t *testing.T) {
	st, closeFn, err := Open(context.Background(), "", PoolOptions{}, true)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer closeFn()
	if _, ok := st.(*Memory); !ok {
		t.Errorf("Open(\"\") = %T, want *Memory", st)
	}
}

func TestOpenRejectsBadURL(t *testing.T) {
	if _, _, err := Open(context.Background(), "postgres://%zz", PoolOptions{}, false); err == nil {
		t.Error("Open() with malformed URL should fail")
	}
}
