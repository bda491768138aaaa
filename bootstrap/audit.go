package bootstrap

import (
	"context"
	"sync"
	"time"

	"github.com/onceguard/onceguard/domain/audit"
	"github.com/onceguard/onceguard/ports"
)

// BatchAuditRecorder buffers decision events and writes them in batches
// to the store.
type BatchAuditRecorder struct {
	store         ports.AuditStore
	idgen         ports.IDGenerator
	buffer        []audit.Event
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

// NewBatchAuditRecorder creates a recorder that flushes either when the
// buffer reaches batchSize or every flushInterval, whichever comes first.
func NewBatchAuditRecorder(store ports.AuditStore, idgen ports.IDGenerator, batchSize int, flushInterval time.Duration) *BatchAuditRecorder {
	if batchSize == 0 {
		batchSize = 100
	}
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	r := &BatchAuditRecorder{
		store:         store,
		idgen:         idgen,
		buffer:        make([]audit.Event, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
	}

	r.wg.Add(1)
	go r.flushLoop()

	return r
}

// Record queues a decision event for persistence. The event gets its ID
// here so callers never have to care about identity.
func (r *BatchAuditRecorder) Record(e audit.Event) {
	if e.ID == "" {
		e.ID = r.idgen.New()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffer = append(r.buffer, e)

	if len(r.buffer) >= r.batchSize {
		r.flushLocked(context.Background())
	}
}

// Flush forces immediate processing of queued events.
func (r *BatchAuditRecorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked(ctx)
}

func (r *BatchAuditRecorder) flushLocked(ctx context.Context) error {
	if len(r.buffer) == 0 {
		return nil
	}

	events := make([]audit.Event, len(r.buffer))
	copy(events, r.buffer)
	r.buffer = r.buffer[:0]

	// Write in background to not block the request path
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		r.store.RecordBatch(ctx, events)
	}()

	return nil
}

func (r *BatchAuditRecorder) flushLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Flush(context.Background())
		case <-r.stopCh:
			return
		}
	}
}

// Close stops the recorder and flushes remaining events.
func (r *BatchAuditRecorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()

		// Final flush with timeout
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r.mu.Lock()
		defer r.mu.Unlock()

		if len(r.buffer) > 0 {
			err = r.store.RecordBatch(ctx, r.buffer)
		}
	})
	return err
}

// NoopAuditRecorder discards events. Used when audit persistence is
// disabled.
type NoopAuditRecorder struct{}

func (NoopAuditRecorder) Record(audit.Event)              {}
func (NoopAuditRecorder) Flush(ctx context.Context) error { return nil }
func (NoopAuditRecorder) Close() error                    { return nil }

// Ensure interface compliance.
var (
	_ ports.AuditRecorder = (*BatchAuditRecorder)(nil)
	_ ports.AuditRecorder = NoopAuditRecorder{}
)
