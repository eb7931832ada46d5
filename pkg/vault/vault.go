// Package vault implements the mesh's encrypted per-record data store
// (spec §4.5): every record is sealed with crypto.SealRecord before it
// touches a backing store, every mutation is authorized through pkg/access
// and logged through pkg/audit, and cache entries are invalidated on
// every write.
package vault

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegismesh/aegis/pkg/access"
	"github.com/aegismesh/aegis/pkg/audit"
	"github.com/aegismesh/aegis/pkg/crypto"
)

// ErrNotFound is returned by Retrieve/Update/Delete when a record does not
// exist or has expired. Expired records are deliberately indistinguishable
// from absent ones (spec §4.5). An actor without access to the owner's data
// gets the access-control error instead.
var ErrNotFound = errors.New("vault: record not found")

// Record is a single piece of user data held in the vault. Value is the
// plaintext payload as seen by callers; it is never persisted in the
// clear.
type Record struct {
	ID        string
	OwnerID   string
	Purpose   string
	Value     json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt *time.Time
}

func (r row) expired(now time.Time) bool {
	return r.expiresAt != nil && r.expiresAt.Before(now)
}

// row is the sealed-at-rest representation.
type row struct {
	id        string
	ownerID   string
	purpose   string
	sealed    []byte
	createdAt time.Time
	updatedAt time.Time
	expiresAt *time.Time
}

// Backend persists sealed rows. Vault owns encryption, authorization, and
// audit; a Backend only stores and retrieves opaque bytes.
type Backend interface {
	Insert(ctx context.Context, r row) error
	Get(ctx context.Context, id string) (row, bool, error)
	Update(ctx context.Context, r row) error
	Delete(ctx context.Context, id string) error
	ListByOwner(ctx context.Context, ownerID string) ([]row, error)
	DeleteByOwner(ctx context.Context, ownerID string) (int, error)
}

// Vault is the encrypted data store.
type Vault struct {
	backend Backend
	keys    *crypto.MasterKeyStore
	rbac    *access.RBAC
	log     audit.Log
	now     func() time.Time

	mu    sync.RWMutex
	cache map[string]*Record // keyed "owner:id"
}

// New creates a Vault backed by backend, using keys for record encryption
// and rbac+log for authorization and audit.
func New(backend Backend, keys *crypto.MasterKeyStore, rbac *access.RBAC, log audit.Log) *Vault {
	return &Vault{
		backend: backend,
		keys:    keys,
		rbac:    rbac,
		log:     log,
		now:     time.Now,
		cache:   make(map[string]*Record),
	}
}

// WithClock overrides the time source for deterministic testing.
func (v *Vault) WithClock(now func() time.Time) *Vault {
	v.now = now
	return v
}

func cacheKey(ownerID, id string) string { return ownerID + ":" + id }

func (v *Vault) invalidate(ownerID, id string) {
	v.mu.Lock()
	delete(v.cache, cacheKey(ownerID, id))
	v.mu.Unlock()
}

func (v *Vault) seal(value json.RawMessage) ([]byte, error) {
	return crypto.SealRecord(v.keys.Get(), value)
}

func (v *Vault) open(sealed []byte) (json.RawMessage, error) {
	pt, err := crypto.OpenRecord(v.keys.Get(), sealed)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(pt), nil
}

func toRecord(r row, value json.RawMessage) *Record {
	return &Record{
		ID:        r.id,
		OwnerID:   r.ownerID,
		Purpose:   r.purpose,
		Value:     value,
		CreatedAt: r.createdAt,
		UpdatedAt: r.updatedAt,
		ExpiresAt: r.expiresAt,
	}
}

// Store creates a new record owned by ownerID, acting as actorID. purpose
// tags the record for retention/consent bookkeeping; ttl is optional (zero
// means no expiration).
func (v *Vault) Store(ctx context.Context, actorID, ownerID, purpose string, value json.RawMessage, ttl time.Duration) (*Record, error) {
	if err := v.rbac.CheckUserData(actorID, ownerID, access.ActionCreate); err != nil {
		return nil, err
	}

	sealed, err := v.seal(value)
	if err != nil {
		return nil, fmt.Errorf("vault: seal record: %w", err)
	}

	now := v.now()
	var expiresAt *time.Time
	if ttl > 0 {
		e := now.Add(ttl)
		expiresAt = &e
	}

	r := row{
		id:        uuid.NewString(),
		ownerID:   ownerID,
		purpose:   purpose,
		sealed:    sealed,
		createdAt: now,
		updatedAt: now,
		expiresAt: expiresAt,
	}
	if err := v.backend.Insert(ctx, r); err != nil {
		return nil, fmt.Errorf("vault: insert: %w", err)
	}

	v.invalidate(ownerID, r.id)
	_, _ = v.log.Insert(ctx, audit.EventDataStored, actorID, r.id, map[string]string{"purpose": purpose, "owner_id": ownerID})

	return toRecord(r, value), nil
}

// Retrieve fetches a record by id, acting as actorID. Expired or missing
// records both surface as ErrNotFound.
func (v *Vault) Retrieve(ctx context.Context, actorID, id string) (*Record, error) {
	r, ok, err := v.backend.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("vault: get: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}

	if err := v.rbac.CheckUserData(actorID, r.ownerID, access.ActionRead); err != nil {
		return nil, err
	}

	if r.expiresAt != nil && r.expiresAt.Before(v.now()) {
		return nil, ErrNotFound
	}

	v.mu.RLock()
	cached, ok := v.cache[cacheKey(r.ownerID, id)]
	v.mu.RUnlock()
	if ok {
		_, _ = v.log.Insert(ctx, audit.EventDataRetrieved, actorID, id, nil)
		return cached, nil
	}

	value, err := v.open(r.sealed)
	if err != nil {
		return nil, fmt.Errorf("vault: open record: %w", err)
	}
	rec := toRecord(r, value)

	v.mu.Lock()
	v.cache[cacheKey(r.ownerID, id)] = rec
	v.mu.Unlock()

	_, _ = v.log.Insert(ctx, audit.EventDataRetrieved, actorID, id, nil)
	return rec, nil
}

// Update replaces a record's value in place, acting as actorID.
func (v *Vault) Update(ctx context.Context, actorID, id string, value json.RawMessage) (*Record, error) {
	existing, ok, err := v.backend.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("vault: get: %w", err)
	}
	if !ok || existing.expired(v.now()) {
		return nil, ErrNotFound
	}

	if err := v.rbac.CheckUserData(actorID, existing.ownerID, access.ActionUpdate); err != nil {
		return nil, err
	}

	sealed, err := v.seal(value)
	if err != nil {
		return nil, fmt.Errorf("vault: seal record: %w", err)
	}

	existing.sealed = sealed
	existing.updatedAt = v.now()
	if err := v.backend.Update(ctx, existing); err != nil {
		return nil, fmt.Errorf("vault: update: %w", err)
	}

	v.invalidate(existing.ownerID, id)
	_, _ = v.log.Insert(ctx, audit.EventDataUpdated, actorID, id, nil)

	return toRecord(existing, value), nil
}

// Delete removes a record, acting as actorID.
func (v *Vault) Delete(ctx context.Context, actorID, id string) error {
	existing, ok, err := v.backend.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("vault: get: %w", err)
	}
	if !ok || existing.expired(v.now()) {
		return ErrNotFound
	}

	if err := v.rbac.CheckUserData(actorID, existing.ownerID, access.ActionDelete); err != nil {
		return err
	}

	if err := v.backend.Delete(ctx, id); err != nil {
		return fmt.Errorf("vault: delete: %w", err)
	}

	v.invalidate(existing.ownerID, id)
	_, _ = v.log.Insert(ctx, audit.EventDataDeleted, actorID, id, nil)
	return nil
}

// GetAllUser returns every non-expired record owned by ownerID, acting as
// actorID.
func (v *Vault) GetAllUser(ctx context.Context, actorID, ownerID string) ([]*Record, error) {
	if err := v.rbac.CheckUserData(actorID, ownerID, access.ActionRead); err != nil {
		return nil, err
	}

	rows, err := v.backend.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("vault: list by owner: %w", err)
	}

	now := v.now()
	records := make([]*Record, 0, len(rows))
	for _, r := range rows {
		if r.expired(now) {
			continue
		}
		value, err := v.open(r.sealed)
		if err != nil {
			return nil, fmt.Errorf("vault: open record %s: %w", r.id, err)
		}
		records = append(records, toRecord(r, value))
	}
	return records, nil
}

// DeleteAllUser removes every record owned by ownerID, acting as actorID.
// Returns the number of records deleted.
func (v *Vault) DeleteAllUser(ctx context.Context, actorID, ownerID string) (int, error) {
	if err := v.rbac.CheckUserData(actorID, ownerID, access.ActionDelete); err != nil {
		return 0, err
	}

	n, err := v.backend.DeleteByOwner(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("vault: delete by owner: %w", err)
	}

	v.mu.Lock()
	for key := range v.cache {
		if len(key) > len(ownerID) && key[:len(ownerID)+1] == ownerID+":" {
			delete(v.cache, key)
		}
	}
	v.mu.Unlock()

	_, _ = v.log.Insert(ctx, audit.EventDataDeleted, actorID, ownerID, map[string]int{"count": n})
	return n, nil
}

// MemoryBackend is an in-process Backend, suitable for tests and
// single-node deployments without a durable store.
type MemoryBackend struct {
	mu   sync.RWMutex
	rows map[string]row
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{rows: make(map[string]row)}
}

func (b *MemoryBackend) Insert(_ context.Context, r row) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows[r.id] = r
	return nil
}

func (b *MemoryBackend) Get(_ context.Context, id string) (row, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.rows[id]
	return r, ok, nil
}

func (b *MemoryBackend) Update(_ context.Context, r row) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows[r.id] = r
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rows, id)
	return nil
}

func (b *MemoryBackend) ListByOwner(_ context.Context, ownerID string) ([]row, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []row
	for _, r := range b.rows {
		if r.ownerID == ownerID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (b *MemoryBackend) DeleteByOwner(_ context.Context, ownerID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, r := range b.rows {
		if r.ownerID == ownerID {
			delete(b.rows, id)
			n++
		}
	}
	return n, nil
}

// PostgresBackend is a Postgres-backed Backend for durable deployments.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend wraps db and ensures the vault_records table exists.
func NewPostgresBackend(db *sql.DB) (*PostgresBackend, error) {
	b := &PostgresBackend{db: db}
	if err := b.migrate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *PostgresBackend) migrate() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS vault_records (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			purpose TEXT,
			sealed BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_vault_records_owner_id ON vault_records (owner_id);
	`)
	return err
}

func (b *PostgresBackend) Insert(ctx context.Context, r row) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO vault_records (id, owner_id, purpose, sealed, created_at, updated_at, expires_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		r.id, r.ownerID, r.purpose, r.sealed, r.createdAt, r.updatedAt, r.expiresAt,
	)
	if err != nil {
		return fmt.Errorf("vault: insert row: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Get(ctx context.Context, id string) (row, bool, error) {
	var r row
	err := b.db.QueryRowContext(ctx,
		`SELECT id, owner_id, purpose, sealed, created_at, updated_at, expires_at FROM vault_records WHERE id = $1`, id,
	).Scan(&r.id, &r.ownerID, &r.purpose, &r.sealed, &r.createdAt, &r.updatedAt, &r.expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return row{}, false, nil
	}
	if err != nil {
		return row{}, false, fmt.Errorf("vault: get row: %w", err)
	}
	return r, true, nil
}

func (b *PostgresBackend) Update(ctx context.Context, r row) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE vault_records SET sealed = $2, updated_at = $3 WHERE id = $1`,
		r.id, r.sealed, r.updatedAt,
	)
	if err != nil {
		return fmt.Errorf("vault: update row: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Delete(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM vault_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("vault: delete row: %w", err)
	}
	return nil
}

func (b *PostgresBackend) ListByOwner(ctx context.Context, ownerID string) ([]row, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, owner_id, purpose, sealed, created_at, updated_at, expires_at FROM vault_records WHERE owner_id = $1`, ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("vault: list by owner: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.ownerID, &r.purpose, &r.sealed, &r.createdAt, &r.updatedAt, &r.expiresAt); err != nil {
			return nil, fmt.Errorf("vault: scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) DeleteByOwner(ctx context.Context, ownerID string) (int, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM vault_records WHERE owner_id = $1`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("vault: delete by owner: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("vault: rows affected: %w", err)
	}
	return int(n), nil
}
