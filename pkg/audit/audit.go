// Package audit implements the mesh's append-only audit log (spec §4.6):
// every access-control decision, vault mutation, and handshake outcome is
// recorded as an immutable entry. Entries are never updated or deleted.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes an audit entry.
type EventType string

const (
	EventAccessGranted  EventType = "access_granted"
	EventAccessDenied   EventType = "access_denied"
	EventDataStored     EventType = "data_stored"
	EventDataRetrieved  EventType = "data_retrieved"
	EventDataUpdated    EventType = "data_updated"
	EventDataDeleted    EventType = "data_deleted"
	EventAuthSucceeded  EventType = "auth_succeeded"
	EventAuthFailed     EventType = "auth_failed"
	EventDeviceRevoked  EventType = "device_revoked"
	EventGuestElevation EventType = "guest_elevation"

	EventConnectionEstablished EventType = "connection_established"
	EventConnectionClosed      EventType = "connection_closed"
	EventMessageReceived       EventType = "message_received"
	EventRateLimitHit          EventType = "rate_limit_hit"
	EventTransportError        EventType = "transport_error"

	EventRequestReceived  EventType = "request_received"
	EventRequestCompleted EventType = "request_completed"
	EventRequestFailed    EventType = "request_failed"

	EventProviderRegistered EventType = "provider_registered"
	EventProviderUpdated    EventType = "provider_updated"
	EventProviderStatus     EventType = "provider_status_changed"
)

// Entry is a single immutable audit record.
type Entry struct {
	ID        string          `json:"id"`
	EventType EventType       `json:"event_type"`
	UserID    string          `json:"user_id,omitempty"`
	DataID    string          `json:"data_id,omitempty"`
	Timestamp time.Time       `json:"ts"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// Filter narrows a Query to matching entries. Zero-value fields are
// unconstrained.
type Filter struct {
	UserID    string
	DataID    string
	EventType EventType
	Start     time.Time
	End       time.Time
	Limit     int
}

func (f Filter) matches(e *Entry) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.DataID != "" && e.DataID != f.DataID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && e.Timestamp.After(f.End) {
		return false
	}
	return true
}

// Log is the append-only audit sink implemented by every backing store.
type Log interface {
	Insert(ctx context.Context, eventType EventType, userID, dataID string, details any) (*Entry, error)
	Query(ctx context.Context, f Filter) ([]*Entry, error)
	CountByType(ctx context.Context, eventType EventType) (int, error)
}

// MemoryLog is an in-process audit log, suitable for tests and for
// single-node deployments without a durable store.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []*Entry
	now     func() time.Time
}

// NewMemoryLog creates an empty in-memory audit log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{now: time.Now}
}

// WithClock overrides the time source for deterministic testing.
func (l *MemoryLog) WithClock(now func() time.Time) *MemoryLog {
	l.now = now
	return l
}

// Insert appends a new, immutable entry. details is marshaled to JSON; pass
// nil for no details.
func (l *MemoryLog) Insert(_ context.Context, eventType EventType, userID, dataID string, details any) (*Entry, error) {
	raw, err := marshalDetails(details)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		ID:        uuid.NewString(),
		EventType: eventType,
		UserID:    userID,
		DataID:    dataID,
		Timestamp: l.now().UTC(),
		Details:   raw,
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
	return entry, nil
}

// Query returns entries matching f, oldest first, capped at f.Limit if set.
func (l *MemoryLog) Query(_ context.Context, f Filter) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	results := make([]*Entry, 0)
	for _, e := range l.entries {
		if !f.matches(e) {
			continue
		}
		results = append(results, e)
		if f.Limit > 0 && len(results) >= f.Limit {
			break
		}
	}
	return results, nil
}

// CountByType returns the number of entries of the given type.
func (l *MemoryLog) CountByType(_ context.Context, eventType EventType) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, e := range l.entries {
		if e.EventType == eventType {
			n++
		}
	}
	return n, nil
}

// PostgresLog is a Postgres-backed audit log for durable, multi-node
// deployments.
type PostgresLog struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresLog wraps db and ensures the audit_entries table exists.
func NewPostgresLog(db *sql.DB) (*PostgresLog, error) {
	l := &PostgresLog{db: db, now: time.Now}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *PostgresLog) migrate() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_entries (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			user_id TEXT,
			data_id TEXT,
			ts TIMESTAMPTZ NOT NULL,
			details JSONB
		);
		CREATE INDEX IF NOT EXISTS idx_audit_entries_user_id ON audit_entries (user_id);
		CREATE INDEX IF NOT EXISTS idx_audit_entries_data_id ON audit_entries (data_id);
		CREATE INDEX IF NOT EXISTS idx_audit_entries_event_type ON audit_entries (event_type);
	`)
	return err
}

// Insert appends a new, immutable row.
func (l *PostgresLog) Insert(ctx context.Context, eventType EventType, userID, dataID string, details any) (*Entry, error) {
	raw, err := marshalDetails(details)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		ID:        uuid.NewString(),
		EventType: eventType,
		UserID:    userID,
		DataID:    dataID,
		Timestamp: l.now().UTC(),
		Details:   raw,
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, event_type, user_id, data_id, ts, details) VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.EventType, nullable(entry.UserID), nullable(entry.DataID), entry.Timestamp, string(entry.Details),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: insert entry: %w", err)
	}
	return entry, nil
}

// Query returns rows matching f, oldest first.
func (l *PostgresLog) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	query := `SELECT id, event_type, user_id, data_id, ts, details FROM audit_entries WHERE 1=1`
	var args []any
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}
	if f.UserID != "" {
		query += " AND user_id = " + arg(f.UserID)
	}
	if f.DataID != "" {
		query += " AND data_id = " + arg(f.DataID)
	}
	if f.EventType != "" {
		query += " AND event_type = " + arg(f.EventType)
	}
	if !f.Start.IsZero() {
		query += " AND ts >= " + arg(f.Start)
	}
	if !f.End.IsZero() {
		query += " AND ts <= " + arg(f.End)
	}
	query += " ORDER BY ts ASC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []*Entry
	for rows.Next() {
		var e Entry
		var userID, dataID, details sql.NullString
		if err := rows.Scan(&e.ID, &e.EventType, &userID, &dataID, &e.Timestamp, &details); err != nil {
			return nil, fmt.Errorf("audit: scan row: %w", err)
		}
		e.UserID = userID.String
		e.DataID = dataID.String
		if details.Valid {
			e.Details = json.RawMessage(details.String)
		}
		results = append(results, &e)
	}
	return results, rows.Err()
}

// CountByType returns the number of rows of the given type.
func (l *PostgresLog) CountByType(ctx context.Context, eventType EventType) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries WHERE event_type = $1`, eventType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("audit: count by type: %w", err)
	}
	return n, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalDetails(details any) (json.RawMessage, error) {
	if details == nil {
		return nil, nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal details: %w", err)
	}
	return raw, nil
}
