package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/importpipe/internal/domain"
	"github.com/JonMunkholm/importpipe/internal/events"
	"github.com/JonMunkholm/importpipe/internal/store"
)

var productMappings = []domain.FieldMapping{
	{SourceField: "SKU", TargetField: "sku", Confidence: 100, Strategy: domain.MappingExact},
	{SourceField: "Name", TargetField: "name", Confidence: 100, Strategy: domain.MappingExact},
	{SourceField: "Price", TargetField: "price", Confidence: 100, Strategy: domain.MappingExact},
}

func productRows(n int) []domain.Row {
	rows := make([]domain.Row, n)
	for i := range rows {
		rows[i] = domain.Row{"SKU": fmt.Sprintf("SKU-%04d", i), "Name": fmt.Sprintf("Item %d", i), "Price": float64(i) + 0.5}
	}
	return rows
}

// flakyStore fails selected operations by natural key.
type flakyStore struct {
	*store.Memory

	mu         sync.Mutex
	failInsert map[string]int // key -> remaining record-level failures
	down       map[string]bool
	hang       map[string]bool // key -> block until the batch context ends
	slow       time.Duration
	block      chan struct{}
	blocked    chan struct{}
}

func newFlakyStore() *flakyStore {
	return &flakyStore{Memory: store.NewMemory(), failInsert: map[string]int{}, down: map[string]bool{}, hang: map[string]bool{}}
}

func (f *flakyStore) Insert(ctx context.Context, rec domain.Record) (string, error) {
	f.mu.Lock()
	key := rec.NaturalKey()
	down := f.down[key]
	hang := f.hang[key]
	slow := f.slow
	fail := f.failInsert[key] > 0
	if fail {
		f.failInsert[key]--
	}
	block, blocked := f.block, f.blocked
	f.mu.Unlock()

	if block != nil {
		select {
		case blocked <- struct{}{}:
		default:
		}
		<-block
	}
	if slow > 0 {
		time.Sleep(slow)
	}
	if hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if down {
		return "", fmt.Errorf("%w: connection reset", domain.ErrStorageUnavailable)
	}
	if fail {
		return "", errors.New("duplicate key value violates unique constraint")
	}
	return f.Memory.Insert(ctx, rec)
}

type fixture struct {
	store *flakyStore
	rec   *events.Recorder
	proc  *Processor
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st := newFlakyStore()
	rec := events.NewRecorder()
	proc := NewProcessor(st, rec, opts)
	proc.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = proc.Stop(ctx)
	})
	return &fixture{store: st, rec: rec, proc: proc}
}

func (f *fixture) session(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateSession(ctx, &domain.ImportSession{
		ID:         id,
		EntityType: domain.EntityProduct,
		FileName:   "products.csv",
		Status:     domain.StatusAwaitingApproval,
	}))
	require.NoError(t, f.store.SaveMappings(ctx, id, productMappings, 100))
}

func assertCounters(t *testing.T, s *domain.ImportSession) {
	t.Helper()
	if s.ProcessedRecords != s.SuccessfulRecords+s.FailedRecords {
		t.Errorf("processed = %d, want successful %d + failed %d", s.ProcessedRecords, s.SuccessfulRecords, s.FailedRecords)
	}
}

func TestProcessBulkImport_ThousandRows(t *testing.T) {
	f := newFixture(t, Options{BatchSize: 100, MaxConcurrency: 5})
	f.session(t, "s1")
	ctx := context.Background()

	summary, err := f.proc.ProcessBulkImport(ctx, "s1", productRows(1000), productMappings, domain.EntityProduct)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, summary.Status)
	assert.Equal(t, 10, summary.Batches)
	assert.Equal(t, 1000, summary.Successful)

	batches, err := f.store.ListBatches(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, batches, 10)
	next, total := 0, 0
	for i, b := range batches {
		assert.Equal(t, i+1, b.BatchNumber)
		assert.Equal(t, next, b.StartIndex)
		assert.Equal(t, domain.BatchCompleted, b.Status)
		assert.Equal(t, 100, b.SuccessCount)
		next = b.EndIndex
		total += b.Size()
	}
	assert.Equal(t, 1000, total)

	s, err := f.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, s.Status)
	assert.Equal(t, 1000, s.TotalRecords)
	assert.Equal(t, 1000, s.SuccessfulRecords)
	assertCounters(t, s)

	history, err := f.store.ListHistory(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, history, 1000)
	assert.Len(t, f.store.Records(domain.EntityProduct), 1000)

	assert.Len(t, f.rec.OfType(events.TypeBatchCompleted), 10)
	assert.Len(t, f.rec.OfType(events.TypeProgress), 1000)
	completed := f.rec.OfType(events.TypeCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, domain.StatusCompleted, completed[0].Payload.(events.CompletedPayload).Status)
}

func TestProcessBulkImport_RecordFailuresDoNotAbortBatch(t *testing.T) {
	f := newFixture(t, Options{BatchSize: 4, MaxConcurrency: 2})
	f.session(t, "s1")
	ctx := context.Background()

	rows := productRows(10)
	rows[2]["Price"] = "n/a"
	rows[7]["SKU"] = ""

	summary, err := f.proc.ProcessBulkImport(ctx, "s1", rows, productMappings, domain.EntityProduct)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompletedWithErrors, summary.Status)

	s, err := f.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 8, s.SuccessfulRecords)
	assert.Equal(t, 2, s.FailedRecords)
	assertCounters(t, s)

	batches, err := f.store.ListBatches(ctx, "s1")
	require.NoError(t, err)
	for _, b := range batches {
		assert.Equal(t, domain.BatchCompleted, b.Status, "batch %d", b.BatchNumber)
	}

	latest := domain.LatestByIndex(mustHistory(t, f.store, "s1"))
	assert.Equal(t, domain.HistoryFailed, latest[2].ImportStatus)
	assert.NotEmpty(t, latest[2].ValidationErrors)
	assert.Equal(t, "n/a", latest[2].RecordData["Price"], "history keeps the original row")
}

func TestProcessBulkImport_StorageFailureFailsOnlyThatBatch(t *testing.T) {
	f := newFixture(t, Options{BatchSize: 5, MaxConcurrency: 3})
	f.session(t, "s1")
	f.store.down["sku-0006"] = true
	ctx := context.Background()

	summary, err := f.proc.ProcessBulkImport(ctx, "s1", productRows(15), productMappings, domain.EntityProduct)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompletedWithErrors, summary.Status)

	batches, err := f.store.ListBatches(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, domain.BatchCompleted, batches[0].Status)
	assert.Equal(t, domain.BatchFailed, batches[1].Status)
	assert.NotEmpty(t, batches[1].Error)
	assert.Equal(t, 1, batches[1].SuccessCount)
	assert.Equal(t, 4, batches[1].FailureCount)
	assert.Equal(t, domain.BatchCompleted, batches[2].Status)

	s, err := f.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 15, s.ProcessedRecords)
	assert.Equal(t, 11, s.SuccessfulRecords)
	assert.Equal(t, 4, s.FailedRecords)
	assertCounters(t, s)
	assert.Len(t, f.rec.OfType(events.TypeBatchFailed), 1)
}

func TestProcessBulkImport_BatchTimeout(t *testing.T) {
	f := newFixture(t, Options{BatchSize: 3, MaxConcurrency: 2, BatchTimeout: 50 * time.Millisecond})
	f.session(t, "s1")
	f.store.hang["sku-0002"] = true
	ctx := context.Background()

	summary, err := f.proc.ProcessBulkImport(ctx, "s1", productRows(6), productMappings, domain.EntityProduct)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompletedWithErrors, summary.Status)
	assert.Equal(t, 5, summary.Successful)
	assert.Equal(t, 1, summary.Failed)

	batches, err := f.store.ListBatches(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, domain.BatchFailed, batches[0].Status)
	assert.Contains(t, batches[0].Error, "deadline exceeded")
	assert.Equal(t, domain.BatchCompleted, batches[1].Status)

	latest := domain.LatestByIndex(mustHistory(t, f.store, "s1"))
	assert.Equal(t, domain.HistoryFailed, latest[2].ImportStatus)
}

func TestProcessBulkImport_ContendedPoolWaitsForSlot(t *testing.T) {
	f := newFixture(t, Options{BatchSize: 2, MaxConcurrency: 1, MaxWait: 20 * time.Millisecond})
	f.store.slow = 40 * time.Millisecond
	ctx := context.Background()

	var wg sync.WaitGroup
	summaries := make([]*Summary, 2)
	for i := range summaries {
		i := i
		id := fmt.Sprintf("s%d", i)
		f.session(t, id)
		rows := productRows(2)
		for _, r := range rows {
			r["SKU"] = fmt.Sprintf("%s-%s", id, r["SKU"])
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			summary, err := f.proc.ProcessBulkImport(ctx, id, rows, productMappings, domain.EntityProduct)
			assert.NoError(t, err)
			summaries[i] = summary
		}()
	}
	wg.Wait()

	for i, summary := range summaries {
		require.NotNil(t, summary, "session s%d", i)
		assert.Equal(t, domain.StatusCompleted, summary.Status, "session s%d", i)
		assert.Equal(t, 2, summary.Successful, "session s%d", i)
	}
	assert.Empty(t, f.rec.OfType(events.TypeBatchFailed))
}

func TestProcessBulkImport_SkipsExistingRecords(t *testing.T) {
	f := newFixture(t, Options{})
	f.session(t, "s1")
	ctx := context.Background()

	_, err := f.store.Memory.Insert(ctx, domain.ProductRecord{SKU: "sku-0001", Name: "Existing"})
	require.NoError(t, err)

	summary, err := f.proc.ProcessBulkImport(ctx, "s1", productRows(3), productMappings, domain.EntityProduct)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, summary.Status)
	assert.Equal(t, 1, summary.Skipped)

	latest := domain.LatestByIndex(mustHistory(t, f.store, "s1"))
	assert.Equal(t, domain.HistorySkipped, latest[1].ImportStatus)
	assert.Equal(t, "Existing", f.store.Records(domain.EntityProduct)["sku-0001"].(domain.ProductRecord).Name)
}

func TestProcessBulkImport_IsIdempotent(t *testing.T) {
	f := newFixture(t, Options{BatchSize: 2})
	f.session(t, "s1")
	ctx := context.Background()
	rows := productRows(4)

	_, err := f.proc.ProcessBulkImport(ctx, "s1", rows, productMappings, domain.EntityProduct)
	require.NoError(t, err)
	summary, err := f.proc.ProcessBulkImport(ctx, "s1", rows, productMappings, domain.EntityProduct)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Batches)

	batches, err := f.store.ListBatches(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, batches, 2)
	assert.Len(t, mustHistory(t, f.store, "s1"), 4)
}

func TestRetryFailedRecords(t *testing.T) {
	f := newFixture(t, Options{BatchSize: 3})
	f.session(t, "s1")
	f.store.failInsert["sku-0001"] = 1
	f.store.failInsert["sku-0004"] = 1
	ctx := context.Background()

	summary, err := f.proc.ProcessBulkImport(ctx, "s1", productRows(6), productMappings, domain.EntityProduct)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompletedWithErrors, summary.Status)

	summary, err = f.proc.RetryFailedRecords(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, summary.Status)
	assert.Equal(t, 2, summary.Attempted)
	assert.Equal(t, 1, summary.Batches)

	s, err := f.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 6, s.SuccessfulRecords)
	assert.Equal(t, 0, s.FailedRecords)
	assert.Equal(t, 6, s.ProcessedRecords)
	assert.Equal(t, 1, s.RetryCount)

	batches, err := f.store.ListBatches(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, 3, batches[2].BatchNumber)
	assert.Equal(t, 3, batches[1].FirstRecord)
	assert.Equal(t, 5, batches[1].LastRecord)
	// the retry batch spans the failed source rows, not its own positions
	assert.Equal(t, 1, batches[2].FirstRecord)
	assert.Equal(t, 4, batches[2].LastRecord)

	// succeeded rows were not reprocessed
	history := mustHistory(t, f.store, "s1")
	assert.Len(t, history, 8)
}

func TestRetryFailedRecords_NoFailuresIsNoop(t *testing.T) {
	f := newFixture(t, Options{})
	f.session(t, "s1")
	ctx := context.Background()

	_, err := f.proc.ProcessBulkImport(ctx, "s1", productRows(5), productMappings, domain.EntityProduct)
	require.NoError(t, err)
	before, err := f.store.ListBatches(ctx, "s1")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		summary, err := f.proc.RetryFailedRecords(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, 0, summary.Batches)
	}

	after, err := f.store.ListBatches(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))

	s, err := f.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, s.RetryCount)
}

func TestRetryFailedRecords_BudgetExhausted(t *testing.T) {
	f := newFixture(t, Options{RetryAttempts: 1})
	f.session(t, "s1")
	f.store.failInsert["sku-0000"] = 100
	ctx := context.Background()

	_, err := f.proc.ProcessBulkImport(ctx, "s1", productRows(2), productMappings, domain.EntityProduct)
	require.NoError(t, err)

	summary, err := f.proc.RetryFailedRecords(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompletedWithErrors, summary.Status)

	_, err = f.proc.RetryFailedRecords(ctx, "s1")
	if !errors.Is(err, domain.ErrRetryBudgetExhausted) {
		t.Fatalf("RetryFailedRecords() error = %v, want ErrRetryBudgetExhausted", err)
	}

	s, err := f.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, s.Status)
	require.NotNil(t, s.Fallback)
	assert.Equal(t, domain.FallbackManualReview, s.Fallback.Action)
	assertCounters(t, s)

	_, err = f.proc.RetryFailedRecords(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrTerminalState)
}

func TestCancelProcessing(t *testing.T) {
	f := newFixture(t, Options{BatchSize: 2, MaxConcurrency: 1})
	f.session(t, "s1")
	f.store.block = make(chan struct{})
	f.store.blocked = make(chan struct{}, 1)
	ctx := context.Background()

	done := make(chan *Summary, 1)
	go func() {
		summary, err := f.proc.ProcessBulkImport(ctx, "s1", productRows(6), productMappings, domain.EntityProduct)
		assert.NoError(t, err)
		done <- summary
	}()

	select {
	case <-f.store.blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("first insert never started")
	}

	st, err := f.proc.GetProcessingStatus(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.Equal(t, domain.StatusExecuting, st.Status)

	require.NoError(t, f.proc.CancelProcessing(ctx, "s1"))
	close(f.store.block)

	var summary *Summary
	select {
	case summary = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ProcessBulkImport did not return after cancel")
	}
	assert.Equal(t, domain.StatusCancelled, summary.Status)

	s, err := f.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, s.Status)
	assertCounters(t, s)

	// only the first batch was dispatched
	batches, err := f.store.ListBatches(ctx, "s1")
	require.NoError(t, err)
	pending := 0
	for _, b := range batches {
		if b.Status == domain.BatchPending {
			pending++
		}
	}
	assert.Equal(t, 2, pending)

	assert.ErrorIs(t, f.proc.CancelProcessing(ctx, "s1"), domain.ErrTerminalState)
	_, err = f.proc.ProcessBulkImport(ctx, "s1", productRows(6), productMappings, domain.EntityProduct)
	assert.ErrorIs(t, err, domain.ErrSessionCancelled)
}

func TestGetProcessingStatus(t *testing.T) {
	f := newFixture(t, Options{BatchSize: 10})
	f.session(t, "s1")
	ctx := context.Background()

	_, err := f.proc.ProcessBulkImport(ctx, "s1", productRows(25), productMappings, domain.EntityProduct)
	require.NoError(t, err)

	st, err := f.proc.GetProcessingStatus(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.Equal(t, 100, st.Percent)
	assert.Equal(t, 25, st.SuccessfulRecords)
	assert.Len(t, st.Batches, 3)

	_, err = f.proc.GetProcessingStatus(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestProcessAsyncAfterStop(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.proc.Stop(context.Background()))
	err := f.proc.ProcessAsync("s1", nil, productMappings, domain.EntityProduct)
	assert.ErrorIs(t, err, domain.ErrProcessorStopped)
}

func mustHistory(t *testing.T, st store.Store, sessionID string) []domain.HistoryRecord {
	t.Helper()
	h, err := st.ListHistory(context.Background(), sessionID)
	require.NoError(t, err)
	return h
}
