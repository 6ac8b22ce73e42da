// Package persist is the optional relational sink spec.md section 3
// describes for handlers marked persist=true: a parallel row with the
// same shape as the KV record, keyed by the same id so both views stay
// addressable by one identifier. Grounded on
// control_plane/store/postgres.go's NewPostgresStore pool setup and
// UpsertAgent's INSERT ... ON CONFLICT DO UPDATE shape, retargeted from
// FluxForge's agent/job/state rows onto ClaudeBench's task/instance
// rows.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fblgit/claudebench/internal/domain"
)

// Store is the relational sink. A nil *Store is valid and every method
// on it is a no-op, so handlers can unconditionally call
// UpsertTask/UpsertInstance without a separate "is persistence
// enabled" branch at every call site.
type Store struct {
	pool *pgxpool.Pool
}

// New dials connString and ensures the task/instance tables exist.
// Grounded on NewPostgresStore's ParseConfig-then-Ping shape; pool
// sizing here is left at pgxpool's defaults since ClaudeBench's
// persistence path is a best-effort sink, not the hot path the teacher
// was tuning MaxConns/MinConns for.
func New(ctx context.Context, connString string) (*Store, error) {
	if connString == "" {
		return nil, nil
	}
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INT NOT NULL,
			assigned_to TEXT,
			result JSONB,
			error TEXT,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			roles JSONB NOT NULL,
			status TEXT NOT NULL,
			registered_at TIMESTAMPTZ NOT NULL,
			last_heartbeat TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS quorum_decisions (
			decision_id TEXT PRIMARY KEY,
			final_value TEXT,
			vote_count INT NOT NULL,
			decided_at TIMESTAMPTZ NOT NULL
		);
	`)
	return err
}

// Close releases the pool. Safe to call on a nil *Store.
func (s *Store) Close() {
	if s == nil {
		return
	}
	s.pool.Close()
}

// UpsertTask writes the same fields task.create/update/claim/complete
// already wrote to cb:task:<id>. Safe to call on a nil *Store (no-op),
// mirroring the teacher's "Store interface always present, implementation
// swappable" pattern but collapsed to a single nil-receiver guard
// instead of a separate NullStore type, since ClaudeBench only ever
// wants one relational implementation.
func (s *Store) UpsertTask(ctx context.Context, t domain.Task) error {
	if s == nil {
		return nil
	}
	resultJSON, err := marshalOrNil(t.Result)
	if err != nil {
		return err
	}
	metaJSON, err := marshalOrNil(t.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, text, status, priority, assigned_to, result, error, metadata, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			text = EXCLUDED.text,
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			assigned_to = EXCLUDED.assigned_to,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at
	`, t.ID, t.Text, t.Status, t.Priority, nullString(t.AssignedTo), resultJSON, nullString(t.Error), metaJSON,
		t.CreatedAt, t.UpdatedAt, t.CompletedAt)
	return err
}

// GetTask reads one task row back, returning (zero, false, nil) if
// absent rather than an error, matching the teacher's GetAgent
// "pgx.ErrNoRows -> nil, nil" convention.
func (s *Store) GetTask(ctx context.Context, id string) (domain.Task, bool, error) {
	if s == nil {
		return domain.Task{}, false, nil
	}
	var t domain.Task
	var resultJSON, metaJSON []byte
	var assignedTo, errMsg *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, text, status, priority, assigned_to, result, error, metadata, created_at, updated_at, completed_at
		FROM tasks WHERE id = $1
	`, id).Scan(&t.ID, &t.Text, &t.Status, &t.Priority, &assignedTo, &resultJSON, &errMsg, &metaJSON,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, err
	}
	if assignedTo != nil {
		t.AssignedTo = *assignedTo
	}
	if errMsg != nil {
		t.Error = *errMsg
	}
	if len(resultJSON) > 0 {
		_ = json.Unmarshal(resultJSON, &t.Result)
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &t.Metadata)
	}
	return t, true, nil
}

// UpsertInstance writes the instance record's durable twin.
func (s *Store) UpsertInstance(ctx context.Context, inst domain.Instance) error {
	if s == nil {
		return nil
	}
	rolesJSON, err := json.Marshal(inst.Roles)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO instances (id, roles, status, registered_at, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			roles = EXCLUDED.roles,
			status = EXCLUDED.status,
			last_heartbeat = EXCLUDED.last_heartbeat
	`, inst.ID, rolesJSON, inst.Status, inst.RegisteredAt, inst.LastHeartbeat)
	return err
}

// RecordQuorumDecision writes the latched decision, once, for
// durability across a KV flush. Re-latching the same decisionID is a
// no-op update of vote_count/decided_at, mirroring QUORUM_VOTE's own
// "decision stays latched" invariant.
func (s *Store) RecordQuorumDecision(ctx context.Context, decisionID, finalValue string, voteCount int) error {
	if s == nil {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO quorum_decisions (decision_id, final_value, vote_count, decided_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (decision_id) DO UPDATE SET
			vote_count = EXCLUDED.vote_count,
			decided_at = EXCLUDED.decided_at
	`, decisionID, finalValue, voteCount, time.Now().UTC())
	return err
}

func marshalOrNil(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
