package checkpoint

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

// checkpointRow is the bun model backing PostgresStorage. State maps and the
// message history are stored as jsonb.
type checkpointRow struct {
	bun.BaseModel `bun:"table:checkpoints,alias:cp"`

	Seq             int64           `bun:"seq,pk,autoincrement"`
	ID              string          `bun:"id,notnull,unique"`
	AgentID         string          `bun:"agent_id,notnull"`
	AgentType       string          `bun:"agent_type,notnull"`
	TenantID        string          `bun:"tenant_id,notnull"`
	Status          string          `bun:"status,notnull"`
	CollectedFields json.RawMessage `bun:"collected_fields,type:jsonb,notnull"`
	ExecutionState  json.RawMessage `bun:"execution_state,type:jsonb,notnull"`
	Context         json.RawMessage `bun:"context,type:jsonb,notnull"`
	Message         string          `bun:"message,notnull,default:''"`
	Result          string          `bun:"result,notnull,default:''"`
	MessageHistory  json.RawMessage `bun:"message_history,type:jsonb,notnull"`
	ParentID        string          `bun:"parent_id,notnull,default:''"`
	BranchLabel     string          `bun:"branch_label,notnull,default:''"`
	Timestamp       time.Time       `bun:"ts,notnull"`
}

// PostgresStorage persists checkpoints in PostgreSQL through bun. It is the
// backend of choice when multiple orchestrator processes share one
// checkpoint tree.
type PostgresStorage struct {
	db *bun.DB
}

// NewPostgresStorage connects using cfg and ensures the checkpoints table exists.
func NewPostgresStorage(ctx context.Context, cfg config.PostgresConfig) (*PostgresStorage, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN)))
	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.ConnLifetime)

	db := bun.NewDB(sqldb, pgdialect.New())
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := &PostgresStorage{db: db}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStorageFromDB wraps an existing bun.DB (used by tests and by
// callers sharing one connection pool across stores).
func NewPostgresStorageFromDB(ctx context.Context, db *bun.DB) (*PostgresStorage, error) {
	store := &PostgresStorage{db: db}
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStorage) initSchema(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().Model((*checkpointRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("init checkpoint schema: %w", err)
	}
	for _, idx := range []struct{ name, column string }{
		{"idx_checkpoints_agent", "agent_id"},
		{"idx_checkpoints_tenant", "tenant_id"},
	} {
		if _, err := s.db.NewCreateIndex().Model((*checkpointRow)(nil)).
			IfNotExists().Index(idx.name).Column(idx.column).Exec(ctx); err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresStorage) Close() error { return s.db.Close() }

// Save inserts a checkpoint row after validating the parent link.
func (s *PostgresStorage) Save(ctx context.Context, cp *Checkpoint) (string, error) {
	if cp.ParentID != "" {
		exists, err := s.db.NewSelect().Model((*checkpointRow)(nil)).
			Where("id = ?", cp.ParentID).Exists(ctx)
		if err != nil {
			return "", fmt.Errorf("check parent checkpoint: %w", err)
		}
		if !exists {
			return "", fmt.Errorf("parent %s: %w", cp.ParentID, core.ErrCheckpointNotFound)
		}
	}
	row, err := toRow(cp)
	if err != nil {
		return "", err
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return "", fmt.Errorf("insert checkpoint: %w", err)
	}
	return cp.ID, nil
}

// Get returns the checkpoint with the given id.
func (s *PostgresStorage) Get(ctx context.Context, id string) (*Checkpoint, error) {
	row := new(checkpointRow)
	err := s.db.NewSelect().Model(row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, core.ErrCheckpointNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return fromRow(row)
}

// Delete removes a single checkpoint, reporting whether a row was removed.
func (s *PostgresStorage) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.NewDelete().Model((*checkpointRow)(nil)).Where("id = ?", id).Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("delete checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListByAgent returns an agent's checkpoints newest first.
func (s *PostgresStorage) ListByAgent(ctx context.Context, agentID string, limit, offset int) ([]*Checkpoint, error) {
	return s.list(ctx, "agent_id", agentID, limit, offset)
}

// ListByUser returns a tenant's checkpoints newest first.
func (s *PostgresStorage) ListByUser(ctx context.Context, tenantID string, limit, offset int) ([]*Checkpoint, error) {
	return s.list(ctx, "tenant_id", tenantID, limit, offset)
}

func (s *PostgresStorage) list(ctx context.Context, column, value string, limit, offset int) ([]*Checkpoint, error) {
	var rows []checkpointRow
	q := s.db.NewSelect().Model(&rows).Where(column+" = ?", value).OrderExpr("seq DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	out := make([]*Checkpoint, 0, len(rows))
	for i := range rows {
		cp, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// GetLatest returns the most recently saved checkpoint for an agent.
func (s *PostgresStorage) GetLatest(ctx context.Context, agentID string) (*Checkpoint, error) {
	row := new(checkpointRow)
	err := s.db.NewSelect().Model(row).Where("agent_id = ?", agentID).
		OrderExpr("seq DESC").Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", agentID, core.ErrCheckpointNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get latest checkpoint: %w", err)
	}
	return fromRow(row)
}

// GetTree rebuilds the derived checkpoint tree for an agent.
func (s *PostgresStorage) GetTree(ctx context.Context, agentID string) (*Tree, error) {
	cps, err := s.ListByAgent(ctx, agentID, 0, 0)
	if err != nil {
		return nil, err
	}
	return BuildTree(oldestFirst(cps)), nil
}

// ClearAgent removes all of an agent's checkpoints, returning the count.
func (s *PostgresStorage) ClearAgent(ctx context.Context, agentID string) (int, error) {
	return s.clear(ctx, "agent_id", agentID)
}

// ClearUser removes all of a tenant's checkpoints, returning the count.
func (s *PostgresStorage) ClearUser(ctx context.Context, tenantID string) (int, error) {
	return s.clear(ctx, "tenant_id", tenantID)
}

func (s *PostgresStorage) clear(ctx context.Context, column, value string) (int, error) {
	res, err := s.db.NewDelete().Model((*checkpointRow)(nil)).Where(column+" = ?", value).Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func toRow(cp *Checkpoint) (*checkpointRow, error) {
	fields, state, cctx, history, err := marshalCheckpointJSON(cp)
	if err != nil {
		return nil, err
	}
	return &checkpointRow{
		ID:              cp.ID,
		AgentID:         cp.AgentID,
		AgentType:       cp.AgentType,
		TenantID:        cp.TenantID,
		Status:          string(cp.Status),
		CollectedFields: fields,
		ExecutionState:  state,
		Context:         cctx,
		Message:         cp.Message,
		Result:          cp.Result,
		MessageHistory:  history,
		ParentID:        cp.ParentID,
		BranchLabel:     cp.BranchLabel,
		Timestamp:       cp.Timestamp,
	}, nil
}

func fromRow(row *checkpointRow) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:          row.ID,
		AgentID:     row.AgentID,
		AgentType:   row.AgentType,
		TenantID:    row.TenantID,
		Status:      core.AgentStatus(row.Status),
		Message:     row.Message,
		Result:      row.Result,
		ParentID:    row.ParentID,
		BranchLabel: row.BranchLabel,
		Timestamp:   row.Timestamp.UTC(),
	}
	if err := unmarshalCheckpointJSON(cp, row.CollectedFields, row.ExecutionState, row.Context, row.MessageHistory); err != nil {
		return nil, err
	}
	return cp, nil
}
