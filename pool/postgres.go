package pool

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/xiaoyu-work/onevalet/config"
	"github.com/xiaoyu-work/onevalet/core"
)

// poolEntryRow is the bun model backing PostgresBackend. One row per
// (tenant_id, agent_id); saves upsert in place. Rows past expires_at are
// invisible to reads and reaped by CleanupExpired.
type poolEntryRow struct {
	bun.BaseModel `bun:"table:pool_entries,alias:pe"`

	TenantID        string          `bun:"tenant_id,pk"`
	AgentID         string          `bun:"agent_id,pk"`
	AgentType       string          `bun:"agent_type,notnull"`
	Status          string          `bun:"status,notnull"`
	CollectedFields json.RawMessage `bun:"collected_fields,type:jsonb,notnull"`
	ExecutionState  json.RawMessage `bun:"execution_state,type:jsonb,notnull"`
	Context         json.RawMessage `bun:"context,type:jsonb,notnull"`
	SchemaVersion   int             `bun:"schema_version,notnull"`
	CheckpointID    string          `bun:"checkpoint_id,notnull,default:''"`
	LastActivity    time.Time       `bun:"last_activity,notnull"`
	ExpiresAt       time.Time       `bun:"expires_at,notnull"`
}

// PostgresBackend persists pool entries in PostgreSQL through bun. Unlike the
// Redis backend, expiry is enforced at query time against expires_at, so the
// table needs periodic CleanupExpired calls to stay small.
type PostgresBackend struct {
	db  *bun.DB
	ttl time.Duration
	now func() time.Time
}

// NewPostgresBackend connects using cfg and ensures the pool_entries table
// exists. ttl is how long a saved entry stays restorable; zero or negative
// defaults to 24 hours.
func NewPostgresBackend(ctx context.Context, cfg config.PostgresConfig, ttl time.Duration) (*PostgresBackend, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN)))
	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.ConnLifetime)

	db := bun.NewDB(sqldb, pgdialect.New())
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	backend, err := NewPostgresBackendFromDB(ctx, db, ttl)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return backend, nil
}

// NewPostgresBackendFromDB wraps an existing bun.DB (used by tests and by
// callers sharing one connection pool with the checkpoint store).
func NewPostgresBackendFromDB(ctx context.Context, db *bun.DB, ttl time.Duration) (*PostgresBackend, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	backend := &PostgresBackend{db: db, ttl: ttl, now: time.Now}
	if _, err := db.NewCreateTable().Model((*poolEntryRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		return nil, fmt.Errorf("init pool schema: %w", err)
	}
	if _, err := db.NewCreateIndex().Model((*poolEntryRow)(nil)).
		Index("idx_pool_entries_expires").IfNotExists().Column("expires_at").Exec(ctx); err != nil {
		return nil, fmt.Errorf("init pool index: %w", err)
	}
	return backend, nil
}

// Close releases the underlying connection pool.
func (b *PostgresBackend) Close() error { return b.db.Close() }

// SaveAgent upserts the entry, refreshing expires_at.
func (b *PostgresBackend) SaveAgent(ctx context.Context, entry *Entry) error {
	row, err := b.toRow(entry)
	if err != nil {
		return err
	}
	_, err = b.db.NewInsert().Model(row).
		On("CONFLICT (tenant_id, agent_id) DO UPDATE").
		Set("agent_type = EXCLUDED.agent_type").
		Set("status = EXCLUDED.status").
		Set("collected_fields = EXCLUDED.collected_fields").
		Set("execution_state = EXCLUDED.execution_state").
		Set("context = EXCLUDED.context").
		Set("schema_version = EXCLUDED.schema_version").
		Set("checkpoint_id = EXCLUDED.checkpoint_id").
		Set("last_activity = EXCLUDED.last_activity").
		Set("expires_at = EXCLUDED.expires_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("save pool entry: %w", err)
	}
	return nil
}

// GetAgent returns the entry if present and not expired.
func (b *PostgresBackend) GetAgent(ctx context.Context, tenantID, agentID string) (*Entry, error) {
	row := new(poolEntryRow)
	err := b.db.NewSelect().Model(row).
		Where("tenant_id = ?", tenantID).
		Where("agent_id = ?", agentID).
		Where("expires_at > ?", b.now()).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tenant %s agent %s: %w", tenantID, agentID, core.ErrAgentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pool entry: %w", err)
	}
	return fromEntryRow(row)
}

// ListAgents returns the tenant's unexpired entries, most recently active first.
func (b *PostgresBackend) ListAgents(ctx context.Context, tenantID string) ([]*Entry, error) {
	var rows []poolEntryRow
	err := b.db.NewSelect().Model(&rows).
		Where("tenant_id = ?", tenantID).
		Where("expires_at > ?", b.now()).
		Order("last_activity DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pool entries: %w", err)
	}
	out := make([]*Entry, 0, len(rows))
	for i := range rows {
		entry, err := fromEntryRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// RemoveAgent deletes the entry. Removing an absent entry is not an error.
func (b *PostgresBackend) RemoveAgent(ctx context.Context, tenantID, agentID string) error {
	_, err := b.db.NewDelete().Model((*poolEntryRow)(nil)).
		Where("tenant_id = ?", tenantID).
		Where("agent_id = ?", agentID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("remove pool entry: %w", err)
	}
	return nil
}

// ClearTenant deletes all of a tenant's entries, expired ones included, and
// returns how many rows were removed.
func (b *PostgresBackend) ClearTenant(ctx context.Context, tenantID string) (int, error) {
	res, err := b.db.NewDelete().Model((*poolEntryRow)(nil)).
		Where("tenant_id = ?", tenantID).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear pool entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear pool entries: %w", err)
	}
	return int(n), nil
}

// GetActiveTenants returns the distinct tenants with unexpired entries.
func (b *PostgresBackend) GetActiveTenants(ctx context.Context) ([]string, error) {
	var tenants []string
	err := b.db.NewSelect().Model((*poolEntryRow)(nil)).
		ColumnExpr("DISTINCT tenant_id").
		Where("expires_at > ?", b.now()).
		Scan(ctx, &tenants)
	if err != nil {
		return nil, fmt.Errorf("list active tenants: %w", err)
	}
	return tenants, nil
}

// CleanupExpired deletes rows past their expires_at and returns the count.
// Callers typically run it on a timer alongside the pool's auto-backup loop.
func (b *PostgresBackend) CleanupExpired(ctx context.Context) (int, error) {
	res, err := b.db.NewDelete().Model((*poolEntryRow)(nil)).
		Where("expires_at <= ?", b.now()).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("cleanup pool entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup pool entries: %w", err)
	}
	return int(n), nil
}

func (b *PostgresBackend) toRow(entry *Entry) (*poolEntryRow, error) {
	fields, err := json.Marshal(orEmptyPoolMap(entry.CollectedFields))
	if err != nil {
		return nil, fmt.Errorf("marshal pool entry: %w", err)
	}
	state, err := json.Marshal(orEmptyPoolMap(entry.ExecutionState))
	if err != nil {
		return nil, fmt.Errorf("marshal pool entry: %w", err)
	}
	agentCtx, err := json.Marshal(orEmptyPoolMap(entry.Context))
	if err != nil {
		return nil, fmt.Errorf("marshal pool entry: %w", err)
	}
	last := entry.LastActivity
	if last.IsZero() {
		last = b.now().UTC()
	}
	return &poolEntryRow{
		TenantID:        entry.TenantID,
		AgentID:         entry.AgentID,
		AgentType:       entry.AgentType,
		Status:          string(entry.Status),
		CollectedFields: fields,
		ExecutionState:  state,
		Context:         agentCtx,
		SchemaVersion:   entry.SchemaVersion,
		CheckpointID:    entry.CheckpointID,
		LastActivity:    last,
		ExpiresAt:       last.Add(b.ttl),
	}, nil
}

func fromEntryRow(row *poolEntryRow) (*Entry, error) {
	entry := &Entry{
		AgentID:       row.AgentID,
		AgentType:     row.AgentType,
		TenantID:      row.TenantID,
		Status:        core.AgentStatus(row.Status),
		SchemaVersion: row.SchemaVersion,
		CheckpointID:  row.CheckpointID,
		LastActivity:  row.LastActivity,
	}
	if err := json.Unmarshal(row.CollectedFields, &entry.CollectedFields); err != nil {
		return nil, fmt.Errorf("unmarshal pool entry: %w", err)
	}
	if err := json.Unmarshal(row.ExecutionState, &entry.ExecutionState); err != nil {
		return nil, fmt.Errorf("unmarshal pool entry: %w", err)
	}
	if err := json.Unmarshal(row.Context, &entry.Context); err != nil {
		return nil, fmt.Errorf("unmarshal pool entry: %w", err)
	}
	return entry, nil
}

func orEmptyPoolMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
