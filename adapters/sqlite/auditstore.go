package sqlite

import (
	"context"

	"github.com/onceguard/onceguard/domain/audit"
	"github.com/onceguard/onceguard/ports"
)

// AuditStore implements ports.AuditStore using SQLite.
type AuditStore struct {
	db *DB
}

// NewAuditStore creates a new SQLite audit store.
func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{db: db}
}

// RecordBatch stores multiple decision events.
func (s *AuditStore) RecordBatch(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_events (
			id, request_id, kind, decision, method, path, key, policy, status, at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		_, err := stmt.ExecContext(ctx,
			e.ID, e.RequestID, string(e.Kind), string(e.Decision),
			e.Method, e.Path, e.Key, e.Policy, e.Status, e.At,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Query returns up to limit most recent events, newest first.
func (s *AuditStore) Query(ctx context.Context, kind audit.Kind, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, request_id, kind, decision, method, path, key, policy, status, at
		FROM audit_events
	`
	args := []interface{}{}
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, string(kind))
	}
	query += " ORDER BY at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var e audit.Event
		var k, d string
		if err := rows.Scan(&e.ID, &e.RequestID, &k, &d, &e.Method, &e.Path, &e.Key, &e.Policy, &e.Status, &e.At); err != nil {
			return nil, err
		}
		e.Kind = audit.Kind(k)
		e.Decision = audit.Decision(d)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Ensure interface compliance.
var _ ports.AuditStore = (*AuditStore)(nil)
