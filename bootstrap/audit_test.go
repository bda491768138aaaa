package bootstrap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/onceguard/onceguard/adapters/idgen"
	"github.com/onceguard/onceguard/domain/audit"
)

// mockAuditStore implements ports.AuditStore for testing.
type mockAuditStore struct {
	mu           sync.Mutex
	batchRecords [][]audit.Event
	recordErr    error
}

func (m *mockAuditStore) RecordBatch(ctx context.Context, events []audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return m.recordErr
	}
	eventsCopy := make([]audit.Event, len(events))
	copy(eventsCopy, events)
	m.batchRecords = append(m.batchRecords, eventsCopy)
	return nil
}

func (m *mockAuditStore) Query(ctx context.Context, kind audit.Kind, limit int) ([]audit.Event, error) {
	return nil, nil
}

func (m *mockAuditStore) totalRecordedEvents() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, batch := range m.batchRecords {
		total += len(batch)
	}
	return total
}

func claimEvent() audit.Event {
	return audit.Event{
		RequestID: "req-1",
		Kind:      audit.KindIdempotency,
		Decision:  audit.DecisionClaimed,
		Method:    "POST",
		Path:      "/api/v1/dreams",
		Key:       "user1:abc",
		Status:    201,
		At:        time.Now().UnixMilli(),
	}
}

func TestNewBatchAuditRecorder(t *testing.T) {
	store := &mockAuditStore{}

	recorder := NewBatchAuditRecorder(store, idgen.UUID{}, 10, 100*time.Millisecond)
	if recorder == nil {
		t.Fatal("NewBatchAuditRecorder should return a recorder")
	}

	if recorder.batchSize != 10 {
		t.Errorf("batchSize should be 10, got %d", recorder.batchSize)
	}
	if recorder.flushInterval != 100*time.Millisecond {
		t.Errorf("flushInterval should be 100ms, got %v", recorder.flushInterval)
	}

	recorder.Close()
}

func TestNewBatchAuditRecorder_Defaults(t *testing.T) {
	store := &mockAuditStore{}

	recorder := NewBatchAuditRecorder(store, idgen.UUID{}, 0, 0)
	if recorder == nil {
		t.Fatal("NewBatchAuditRecorder should return a recorder")
	}

	if recorder.batchSize != 100 {
		t.Errorf("default batchSize should be 100, got %d", recorder.batchSize)
	}
	if recorder.flushInterval != 10*time.Second {
		t.Errorf("default flushInterval should be 10s, got %v", recorder.flushInterval)
	}

	recorder.Close()
}

func TestBatchAuditRecorder_AssignsIDs(t *testing.T) {
	store := &mockAuditStore{}
	recorder := NewBatchAuditRecorder(store, idgen.NewSequential("ev"), 100, 10*time.Second)

	recorder.Record(claimEvent())
	recorder.Record(claimEvent())

	recorder.Close()

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.batchRecords) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(store.batchRecords))
	}
	batch := store.batchRecords[0]
	if batch[0].ID == "" || batch[1].ID == "" {
		t.Error("recorder should assign event IDs")
	}
	if batch[0].ID == batch[1].ID {
		t.Errorf("event IDs should be distinct, both %q", batch[0].ID)
	}
}

func TestBatchAuditRecorder_BatchFlush(t *testing.T) {
	store := &mockAuditStore{}
	batchSize := 5
	recorder := NewBatchAuditRecorder(store, idgen.UUID{}, batchSize, 10*time.Second)
	defer recorder.Close()

	for i := 0; i < batchSize; i++ {
		recorder.Record(claimEvent())
	}

	// Wait a bit for async processing
	time.Sleep(100 * time.Millisecond)

	if store.totalRecordedEvents() < batchSize {
		t.Errorf("expected at least %d events after batch, got %d", batchSize, store.totalRecordedEvents())
	}
}

func TestBatchAuditRecorder_Flush(t *testing.T) {
	store := &mockAuditStore{}
	recorder := NewBatchAuditRecorder(store, idgen.UUID{}, 100, 10*time.Second)
	defer recorder.Close()

	for i := 0; i < 3; i++ {
		recorder.Record(claimEvent())
	}

	if err := recorder.Flush(context.Background()); err != nil {
		t.Errorf("Flush should not error: %v", err)
	}

	// Wait for async processing
	time.Sleep(100 * time.Millisecond)

	if store.totalRecordedEvents() < 3 {
		t.Errorf("expected at least 3 events after flush, got %d", store.totalRecordedEvents())
	}
}

func TestBatchAuditRecorder_FlushEmpty(t *testing.T) {
	store := &mockAuditStore{}
	recorder := NewBatchAuditRecorder(store, idgen.UUID{}, 100, 10*time.Second)
	defer recorder.Close()

	if err := recorder.Flush(context.Background()); err != nil {
		t.Errorf("Flush with no events should not error: %v", err)
	}

	if store.totalRecordedEvents() != 0 {
		t.Errorf("expected 0 events after empty flush, got %d", store.totalRecordedEvents())
	}
}

func TestBatchAuditRecorder_Close(t *testing.T) {
	store := &mockAuditStore{}
	recorder := NewBatchAuditRecorder(store, idgen.UUID{}, 100, 10*time.Second)

	for i := 0; i < 5; i++ {
		recorder.Record(claimEvent())
	}

	// Close should flush remaining events synchronously
	if err := recorder.Close(); err != nil {
		t.Errorf("Close should not error: %v", err)
	}

	if store.totalRecordedEvents() < 5 {
		t.Errorf("Close should flush all remaining events, got %d", store.totalRecordedEvents())
	}
}

func TestBatchAuditRecorder_FlushLoop(t *testing.T) {
	store := &mockAuditStore{}
	recorder := NewBatchAuditRecorder(store, idgen.UUID{}, 100, 50*time.Millisecond)
	defer recorder.Close()

	for i := 0; i < 3; i++ {
		recorder.Record(claimEvent())
	}

	// Wait for flush loop to trigger
	time.Sleep(100 * time.Millisecond)

	if store.totalRecordedEvents() < 3 {
		t.Errorf("flush loop should have flushed events, got %d", store.totalRecordedEvents())
	}
}

func TestBatchAuditRecorder_ConcurrentRecord(t *testing.T) {
	store := &mockAuditStore{}
	recorder := NewBatchAuditRecorder(store, idgen.UUID{}, 100, 10*time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				recorder.Record(claimEvent())
			}
		}()
	}
	wg.Wait()

	recorder.Flush(context.Background())
	time.Sleep(100 * time.Millisecond)
	recorder.Close()

	if total := store.totalRecordedEvents(); total < 100 {
		t.Errorf("expected at least 100 events after concurrent recording, got %d", total)
	}
}

func TestNoopAuditRecorder(t *testing.T) {
	var r NoopAuditRecorder
	r.Record(claimEvent())
	if err := r.Flush(context.Background()); err != nil {
		t.Errorf("noop Flush error: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("noop Close error: %v", err)
	}
}
