package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // embedded driver, registered as "sqlite"

	"github.com/xiaoyu-work/onevalet/core"
)

// SQLiteStorage persists checkpoints in an embedded SQLite database. State
// maps and message history are stored as JSON columns; ordering uses a
// monotonic seq column so checkpoints saved within the same clock tick keep
// their insertion order.
type SQLiteStorage struct {
	db *sql.DB
}

const sqliteSchema = `CREATE TABLE IF NOT EXISTS checkpoints (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	id               TEXT NOT NULL UNIQUE,
	agent_id         TEXT NOT NULL,
	agent_type       TEXT NOT NULL,
	tenant_id        TEXT NOT NULL,
	status           TEXT NOT NULL,
	collected_fields TEXT NOT NULL DEFAULT '{}',
	execution_state  TEXT NOT NULL DEFAULT '{}',
	context          TEXT NOT NULL DEFAULT '{}',
	message          TEXT NOT NULL DEFAULT '',
	result           TEXT NOT NULL DEFAULT '',
	message_history  TEXT NOT NULL DEFAULT '[]',
	parent_id        TEXT NOT NULL DEFAULT '',
	branch_label     TEXT NOT NULL DEFAULT '',
	ts_unix_ns       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_agent ON checkpoints (agent_id, seq);
CREATE INDEX IF NOT EXISTS idx_checkpoints_tenant ON checkpoints (tenant_id, seq);`

// NewSQLiteStorage opens (or creates) the database at path and ensures the
// schema exists. Use ":memory:" for an ephemeral store.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// modernc sqlite serializes writes; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init checkpoint schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStorage) Close() error { return s.db.Close() }

const checkpointColumns = `id, agent_id, agent_type, tenant_id, status,
	collected_fields, execution_state, context, message, result,
	message_history, parent_id, branch_label, ts_unix_ns`

// Save inserts a checkpoint row after validating the parent link.
func (s *SQLiteStorage) Save(ctx context.Context, cp *Checkpoint) (string, error) {
	if cp.ParentID != "" {
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM checkpoints WHERE id = ?`, cp.ParentID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("parent %s: %w", cp.ParentID, core.ErrCheckpointNotFound)
		}
		if err != nil {
			return "", fmt.Errorf("check parent checkpoint: %w", err)
		}
	}

	fields, state, cctx, history, err := marshalCheckpointJSON(cp)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO checkpoints (`+checkpointColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.AgentID, cp.AgentType, cp.TenantID, string(cp.Status),
		fields, state, cctx, cp.Message, cp.Result,
		history, cp.ParentID, cp.BranchLabel, cp.Timestamp.UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("insert checkpoint: %w", err)
	}
	return cp.ID, nil
}

// Get returns the checkpoint with the given id.
func (s *SQLiteStorage) Get(ctx context.Context, id string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, core.ErrCheckpointNotFound)
	}
	return cp, err
}

// Delete removes a single checkpoint, reporting whether a row was removed.
func (s *SQLiteStorage) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id)
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
func (s *SQLiteStorage) ListByAgent(ctx context.Context, agentID string, limit, offset int) ([]*Checkpoint, error) {
	return s.list(ctx, "agent_id", agentID, limit, offset)
}

// ListByUser returns a tenant's checkpoints newest first.
func (s *SQLiteStorage) ListByUser(ctx context.Context, tenantID string, limit, offset int) ([]*Checkpoint, error) {
	return s.list(ctx, "tenant_id", tenantID, limit, offset)
}

func (s *SQLiteStorage) list(ctx context.Context, column, value string, limit, offset int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE `+column+` = ?
		 ORDER BY seq DESC LIMIT ? OFFSET ?`, value, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// GetLatest returns the most recently saved checkpoint for an agent.
func (s *SQLiteStorage) GetLatest(ctx context.Context, agentID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE agent_id = ?
		 ORDER BY seq DESC LIMIT 1`, agentID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", agentID, core.ErrCheckpointNotFound)
	}
	return cp, err
}

// GetTree rebuilds the derived checkpoint tree for an agent.
func (s *SQLiteStorage) GetTree(ctx context.Context, agentID string) (*Tree, error) {
	cps, err := s.ListByAgent(ctx, agentID, 0, 0)
	if err != nil {
		return nil, err
	}
	return BuildTree(oldestFirst(cps)), nil
}

// ClearAgent removes all of an agent's checkpoints, returning the count.
func (s *SQLiteStorage) ClearAgent(ctx context.Context, agentID string) (int, error) {
	return s.clear(ctx, "agent_id", agentID)
}

// ClearUser removes all of a tenant's checkpoints, returning the count.
func (s *SQLiteStorage) ClearUser(ctx context.Context, tenantID string) (int, error) {
	return s.clear(ctx, "tenant_id", tenantID)
}

func (s *SQLiteStorage) clear(ctx context.Context, column, value string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE `+column+` = ?`, value)
	if err != nil {
		return 0, fmt.Errorf("clear checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// rowScanner lets scanCheckpoint work with both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var (
		cp      Checkpoint
		status  string
		fields  []byte
		state   []byte
		cctx    []byte
		history []byte
		tsNano  int64
	)
	err := row.Scan(&cp.ID, &cp.AgentID, &cp.AgentType, &cp.TenantID, &status,
		&fields, &state, &cctx, &cp.Message, &cp.Result,
		&history, &cp.ParentID, &cp.BranchLabel, &tsNano)
	if err != nil {
		return nil, err
	}
	cp.Status = core.AgentStatus(status)
	cp.Timestamp = time.Unix(0, tsNano).UTC()
	if err := unmarshalCheckpointJSON(&cp, fields, state, cctx, history); err != nil {
		return nil, err
	}
	return &cp, nil
}

func marshalCheckpointJSON(cp *Checkpoint) (fields, state, cctx, history []byte, err error) {
	if fields, err = json.Marshal(orEmptyMap(cp.CollectedFields)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal collected fields: %w", err)
	}
	if state, err = json.Marshal(orEmptyMap(cp.ExecutionState)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal execution state: %w", err)
	}
	if cctx, err = json.Marshal(orEmptyMap(cp.Context)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal context: %w", err)
	}
	hist := cp.MessageHistory
	if hist == nil {
		hist = []core.Message{}
	}
	if history, err = json.Marshal(hist); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal message history: %w", err)
	}
	return fields, state, cctx, history, nil
}

func unmarshalCheckpointJSON(cp *Checkpoint, fields, state, cctx, history []byte) error {
	if err := json.Unmarshal(fields, &cp.CollectedFields); err != nil {
		return fmt.Errorf("unmarshal collected fields: %w", err)
	}
	if err := json.Unmarshal(state, &cp.ExecutionState); err != nil {
		return fmt.Errorf("unmarshal execution state: %w", err)
	}
	if err := json.Unmarshal(cctx, &cp.Context); err != nil {
		return fmt.Errorf("unmarshal context: %w", err)
	}
	if err := json.Unmarshal(history, &cp.MessageHistory); err != nil {
		return fmt.Errorf("unmarshal message history: %w", err)
	}
	return nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
