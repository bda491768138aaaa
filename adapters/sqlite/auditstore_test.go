package sqlite_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/onceguard/onceguard/adapters/sqlite"
	"github.com/onceguard/onceguard/domain/audit"
)

func setupTestDB(t *testing.T) (*sqlite.DB, func()) {
	t.Helper()

	f, err := os.CreateTemp("", "onceguard-test-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	path := f.Name()
	f.Close()

	db, err := sqlite.Open(path)
	if err != nil {
		os.Remove(path)
		t.Fatalf("open database: %v", err)
	}

	if err := db.Migrate(); err != nil {
		db.Close()
		os.Remove(path)
		t.Fatalf("migrate: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.Remove(path)
	}

	return db, cleanup
}

func TestAuditStore_RecordAndQuery(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewAuditStore(db)
	ctx := context.Background()

	events := []audit.Event{
		{
			ID:        "ev-1",
			RequestID: "req-1",
			Kind:      audit.KindIdempotency,
			Decision:  audit.DecisionClaimed,
			Method:    "POST",
			Path:      "/api/v1/dreams",
			Key:       "IDEM:1:POST:/api/v1/dreams:tok",
			Status:    201,
			At:        1000,
		},
		{
			ID:        "ev-2",
			RequestID: "req-2",
			Kind:      audit.KindRateLimit,
			Decision:  audit.DecisionThrottled,
			Method:    "POST",
			Path:      "/api/v1/auth/login",
			Key:       "RATELIM:IPUA:abc:def:auth-strict",
			Policy:    "auth-strict",
			Status:    429,
			At:        2000,
		},
	}
	if err := store.RecordBatch(ctx, events); err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}

	got, err := store.Query(ctx, "", 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	// Newest first.
	if got[0].RequestID != "req-2" {
		t.Errorf("first event = %q, want req-2", got[0].RequestID)
	}
	if got[0].Policy != "auth-strict" {
		t.Errorf("policy = %q, want auth-strict", got[0].Policy)
	}
	if got[1].Decision != audit.DecisionClaimed {
		t.Errorf("decision = %q, want %q", got[1].Decision, audit.DecisionClaimed)
	}
}

func TestAuditStore_QueryByKind(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewAuditStore(db)
	ctx := context.Background()

	events := []audit.Event{
		{ID: "ev-a", RequestID: "a", Kind: audit.KindIdempotency, Decision: audit.DecisionReplayed, Method: "POST", Path: "/p", At: 1},
		{ID: "ev-b", RequestID: "b", Kind: audit.KindRateLimit, Decision: audit.DecisionAllowed, Method: "GET", Path: "/p", At: 2},
		{ID: "ev-c", RequestID: "c", Kind: audit.KindRateLimit, Decision: audit.DecisionAllowed, Method: "GET", Path: "/p", At: 3},
	}
	if err := store.RecordBatch(ctx, events); err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}

	got, err := store.Query(ctx, audit.KindRateLimit, 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d ratelimit events, want 2", len(got))
	}
	for _, e := range got {
		if e.Kind != audit.KindRateLimit {
			t.Errorf("kind = %q, want %q", e.Kind, audit.KindRateLimit)
		}
	}
}

func TestAuditStore_Limit(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewAuditStore(db)
	ctx := context.Background()

	var events []audit.Event
	for i := int64(0); i < 5; i++ {
		events = append(events, audit.Event{
			ID: fmt.Sprintf("ev-%d", i), RequestID: "r",
			Kind: audit.KindRateLimit, Decision: audit.DecisionAllowed,
			Method: "GET", Path: "/p", At: i,
		})
	}
	if err := store.RecordBatch(ctx, events); err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}

	got, err := store.Query(ctx, "", 3)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("got %d events, want 3", len(got))
	}
}

func TestAuditStore_EmptyBatch(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewAuditStore(db)
	if err := store.RecordBatch(context.Background(), nil); err != nil {
		t.Errorf("empty batch should be a no-op, got %v", err)
	}
}
