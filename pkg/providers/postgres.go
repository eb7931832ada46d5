package providers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/aegismesh/aegis/pkg/audit"
)

// PostgresRegistry implements Registry with SQL persistence, matching the
// schema of spec §6: providers(provider_id, name, endpoint, status,
// metadata, created_at, updated_at) and provider_capabilities(provider_id,
// capability).
type PostgresRegistry struct {
	db  *sql.DB
	log audit.Log
}

// NewPostgresRegistry wraps an open *sql.DB. log may be nil.
func NewPostgresRegistry(db *sql.DB, log audit.Log) *PostgresRegistry {
	return &PostgresRegistry{db: db, log: log}
}

const postgresProviderSchema = `
CREATE TABLE IF NOT EXISTS providers (
	provider_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	status TEXT NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS provider_capabilities (
	provider_id TEXT NOT NULL REFERENCES providers(provider_id) ON DELETE CASCADE,
	capability TEXT NOT NULL,
	PRIMARY KEY (provider_id, capability)
);
`

// Init creates the registry's tables if they do not already exist.
func (r *PostgresRegistry) Init(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, postgresProviderSchema)
	return err
}

func (r *PostgresRegistry) Register(ctx context.Context, id, name string, caps []string, endpoint string, metadata map[string]string) error {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM providers WHERE provider_id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("providers: check existence: %w", err)
	}
	if exists {
		return ErrAlreadyExists
	}

	metaJSON, err := json.Marshal(copyMeta(metadata))
	if err != nil {
		return fmt.Errorf("providers: marshal metadata: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("providers: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO providers (provider_id, name, endpoint, status, metadata) VALUES ($1, $2, $3, 'active', $4)`,
		id, name, endpoint, metaJSON,
	); err != nil {
		return fmt.Errorf("providers: insert provider: %w", err)
	}

	for _, c := range caps {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO provider_capabilities (provider_id, capability) VALUES ($1, $2)`, id, c,
		); err != nil {
			return fmt.Errorf("providers: insert capability %q: %w", c, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("providers: commit: %w", err)
	}

	r.audit(ctx, audit.EventProviderRegistered, id, map[string]any{"name": name, "endpoint": endpoint})
	return nil
}

func (r *PostgresRegistry) Update(ctx context.Context, id string, upd Update) error {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM providers WHERE provider_id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("providers: check existence: %w", err)
	}
	if !exists {
		return ErrNotFound
	}

	if upd.Name != nil {
		if _, err := r.db.ExecContext(ctx, `UPDATE providers SET name = $1, updated_at = now() WHERE provider_id = $2`, *upd.Name, id); err != nil {
			return fmt.Errorf("providers: update name: %w", err)
		}
	}
	if upd.Endpoint != nil {
		if _, err := r.db.ExecContext(ctx, `UPDATE providers SET endpoint = $1, updated_at = now() WHERE provider_id = $2`, *upd.Endpoint, id); err != nil {
			return fmt.Errorf("providers: update endpoint: %w", err)
		}
	}
	if upd.Metadata != nil {
		metaJSON, err := json.Marshal(copyMeta(upd.Metadata))
		if err != nil {
			return fmt.Errorf("providers: marshal metadata: %w", err)
		}
		if _, err := r.db.ExecContext(ctx, `UPDATE providers SET metadata = $1, updated_at = now() WHERE provider_id = $2`, metaJSON, id); err != nil {
			return fmt.Errorf("providers: update metadata: %w", err)
		}
	}
	if upd.Capabilities != nil {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("providers: begin tx: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `DELETE FROM provider_capabilities WHERE provider_id = $1`, id); err != nil {
			return fmt.Errorf("providers: clear capabilities: %w", err)
		}
		for _, c := range upd.Capabilities {
			if _, err := tx.ExecContext(ctx, `INSERT INTO provider_capabilities (provider_id, capability) VALUES ($1, $2)`, id, c); err != nil {
				return fmt.Errorf("providers: insert capability %q: %w", c, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("providers: commit: %w", err)
		}
	}

	r.audit(ctx, audit.EventProviderUpdated, id, nil)
	return nil
}

func (r *PostgresRegistry) UpdateStatus(ctx context.Context, id, status string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE providers SET status = $1, updated_at = now() WHERE provider_id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("providers: update status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("providers: rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	r.audit(ctx, audit.EventProviderStatus, id, map[string]any{"status": status})
	return nil
}

func (r *PostgresRegistry) Query(ctx context.Context, requiredCaps []string, status string) ([]Provider, error) {
	var ids []string
	if len(requiredCaps) > 0 {
		rows, err := r.db.QueryContext(ctx, `
			SELECT provider_id FROM provider_capabilities
			WHERE capability = ANY($1)
			GROUP BY provider_id
			HAVING COUNT(DISTINCT capability) = $2
		`, pq.Array(requiredCaps), len(requiredCaps))
		if err != nil {
			return nil, fmt.Errorf("providers: query capability matches: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, fmt.Errorf("providers: scan provider id: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, nil
		}
	}

	query := `SELECT provider_id, name, endpoint, status, metadata, created_at, updated_at FROM providers WHERE 1=1`
	args := []any{}
	argN := 1
	if ids != nil {
		query += fmt.Sprintf(" AND provider_id = ANY($%d)", argN)
		args = append(args, pq.Array(ids))
		argN++
	}
	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, status)
		argN++
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("providers: query providers: %w", err)
	}
	defer rows.Close()

	var out []Provider
	for rows.Next() {
		p, err := r.scanProvider(ctx, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PostgresRegistry) List(ctx context.Context, limit, offset int) (ListResult, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM providers`).Scan(&total); err != nil {
		return ListResult{}, fmt.Errorf("providers: count: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT provider_id, name, endpoint, status, metadata, created_at, updated_at
		FROM providers ORDER BY created_at DESC LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return ListResult{}, fmt.Errorf("providers: list: %w", err)
	}
	defer rows.Close()

	out := make([]Provider, 0, limit)
	for rows.Next() {
		p, err := r.scanProvider(ctx, rows)
		if err != nil {
			return ListResult{}, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, err
	}
	return ListResult{Providers: out, Total: total}, nil
}

func (r *PostgresRegistry) scanProvider(ctx context.Context, rows *sql.Rows) (Provider, error) {
	var p Provider
	var metaJSON []byte
	if err := rows.Scan(&p.ID, &p.Name, &p.Endpoint, &p.Status, &metaJSON, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Provider{}, fmt.Errorf("providers: scan provider: %w", err)
	}
	if err := json.Unmarshal(metaJSON, &p.Metadata); err != nil {
		return Provider{}, fmt.Errorf("providers: unmarshal metadata: %w", err)
	}

	capRows, err := r.db.QueryContext(ctx, `SELECT capability FROM provider_capabilities WHERE provider_id = $1`, p.ID)
	if err != nil {
		return Provider{}, fmt.Errorf("providers: query capabilities: %w", err)
	}
	defer capRows.Close()
	for capRows.Next() {
		var c string
		if err := capRows.Scan(&c); err != nil {
			return Provider{}, fmt.Errorf("providers: scan capability: %w", err)
		}
		p.Capabilities = append(p.Capabilities, c)
	}
	return p, capRows.Err()
}

func (r *PostgresRegistry) audit(ctx context.Context, eventType audit.EventType, providerID string, details map[string]any) {
	if r.log == nil {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	details["provider_id"] = providerID
	_, _ = r.log.Insert(ctx, eventType, "", providerID, details)
}
