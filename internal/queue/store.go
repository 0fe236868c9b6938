package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/trackflow/featsync/internal/failure"
	"github.com/trackflow/featsync/internal/localdb"
)

const operationColumns = `seq, id, kind, entity_type, entity_id, payload, priority, enqueued_at,
	attempt_count, next_attempt_at, status, claimed_at, last_error, dead_at`

// Enqueue durably appends an operation and returns its id. The operation is
// immediately claimable.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, entityType, entityID string, payload map[string]any, priority Priority) (string, error) {
	if !kind.Valid() {
		return "", failure.Invalid("enqueue", fmt.Errorf("unknown operation kind %q", kind))
	}
	if entityType == "" || entityID == "" {
		return "", failure.Invalid("enqueue", errors.New("entity type and id are required"))
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", failure.Invalid("enqueue", fmt.Errorf("failed to marshal payload: %w", err))
	}

	id := uuid.NewString()
	now := localdb.FormatTime(q.config.Now())

	_, err = q.db.Conn().ExecContext(ctx, `
		INSERT INTO pending_operations
			(id, kind, entity_type, entity_id, payload, priority, enqueued_at, next_attempt_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, string(kind), entityType, entityID, string(data), int(priority), now, now, string(StatusPending))
	if err != nil {
		return "", failure.Queue("enqueue", err)
	}

	q.logger.Debug("operation enqueued",
		"operation", id, "kind", kind, "entity_type", entityType, "entity_id", entityID, "priority", priority)
	return id, nil
}

// Claim leases up to limit ready operations of entityType, in drain order.
//
// An operation is ready when it is pending and its backoff has elapsed, or
// when it is claimed but its lease has expired. It is skipped while an
// earlier live (non-dead) operation exists for the same entity.
func (q *Queue) Claim(ctx context.Context, entityType string, limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = 1
	}
	now := q.config.Now()
	nowStr := localdb.FormatTime(now)
	leaseCutoff := localdb.FormatTime(now.Add(-q.config.ClaimLease))

	var ops []Operation
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+operationColumns+`
			FROM pending_operations p
			WHERE p.entity_type = ?
			  AND ((p.status = 'pending' AND p.next_attempt_at <= ?)
			    OR (p.status = 'claimed' AND p.claimed_at <= ?))
			  AND NOT EXISTS (
				SELECT 1 FROM pending_operations e
				WHERE e.entity_type = p.entity_type
				  AND e.entity_id = p.entity_id
				  AND e.seq < p.seq
				  AND e.status != 'dead')
			ORDER BY p.priority DESC, p.seq ASC
			LIMIT ?
		`, entityType, nowStr, leaseCutoff, limit)
		if err != nil {
			return err
		}
		ops, err = scanOperations(rows)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			return nil
		}

		placeholders := make([]string, len(ops))
		args := []any{nowStr}
		for i, op := range ops {
			placeholders[i] = "?"
			args = append(args, op.ID)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE pending_operations SET status = 'claimed', claimed_at = ?
			WHERE id IN (`+strings.Join(placeholders, ",")+`)`, args...)
		return err
	})
	if err != nil {
		return nil, failure.Queue("claim", err)
	}

	for i := range ops {
		ops[i].Status = StatusClaimed
		ops[i].ClaimedAt = &now
	}
	return ops, nil
}

// Ack removes a successfully applied operation.
func (q *Queue) Ack(ctx context.Context, id string) error {
	res, err := q.db.Conn().ExecContext(ctx,
		`DELETE FROM pending_operations WHERE id = ? AND status != 'dead'`, id)
	if err != nil {
		return failure.Queue("ack", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return failure.NotFound("ack", "operation "+id)
	}
	return nil
}

// Fail records a failed attempt. The operation is rescheduled with backoff
// or, when the attempt budget is spent, dead-lettered and published to
// subscribers. It reports whether the operation was dead-lettered.
func (q *Queue) Fail(ctx context.Context, id string, cause error) (bool, error) {
	causeMsg := "unknown error"
	if cause != nil {
		causeMsg = cause.Error()
	}
	now := q.config.Now()

	var (
		op        Operation
		dead      bool
		newlyDead bool
	)
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		op, err = scanOperation(tx.QueryRowContext(ctx,
			`SELECT `+operationColumns+` FROM pending_operations WHERE id = ?`, id))
		if err != nil {
			return err
		}
		if op.Status == StatusDead {
			dead = true
			return nil
		}

		op.AttemptCount++
		op.LastError = causeMsg
		op.ClaimedAt = nil

		if op.AttemptCount >= q.config.MaxAttempts {
			dead = true
			newlyDead = true
			op.Status = StatusDead
			op.DeadAt = &now
			_, err = tx.ExecContext(ctx, `
				UPDATE pending_operations
				SET status = 'dead', attempt_count = ?, last_error = ?, claimed_at = NULL, dead_at = ?
				WHERE id = ?
			`, op.AttemptCount, causeMsg, localdb.FormatTime(now), id)
			return err
		}

		op.Status = StatusPending
		op.NextAttemptAt = now.Add(q.backoffFor(op.AttemptCount))
		_, err = tx.ExecContext(ctx, `
			UPDATE pending_operations
			SET status = 'pending', attempt_count = ?, last_error = ?, claimed_at = NULL, next_attempt_at = ?
			WHERE id = ?
		`, op.AttemptCount, causeMsg, localdb.FormatTime(op.NextAttemptAt), id)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return false, failure.NotFound("fail", "operation "+id)
	}
	if err != nil {
		return false, failure.Queue("fail", err)
	}

	if newlyDead {
		q.logger.Error("operation dead-lettered",
			"operation", op.ID, "kind", op.Kind, "entity_id", op.EntityID,
			"attempts", op.AttemptCount, "error", causeMsg)
		q.publish(DeadLetter{Operation: op, Cause: causeMsg})
	} else if !dead {
		q.logger.Warn("operation failed, will retry",
			"operation", op.ID, "kind", op.Kind, "entity_id", op.EntityID,
			"attempt", op.AttemptCount, "next_attempt_at", op.NextAttemptAt, "error", causeMsg)
	}
	return dead, nil
}

// Release returns claimed operations to pending without counting an
// attempt. Used when a drain is interrupted before it could apply them.
func (q *Queue) Release(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	_, err := q.db.Conn().ExecContext(ctx, `
		UPDATE pending_operations SET status = 'pending', claimed_at = NULL
		WHERE status = 'claimed' AND id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return failure.Queue("release", err)
	}
	return nil
}

// RecoverClaims returns every claimed operation to pending. Call it at
// startup, before any drain runs, to recover claims left by a crashed
// process without waiting for their leases to expire.
func (q *Queue) RecoverClaims(ctx context.Context) (int, error) {
	res, err := q.db.Conn().ExecContext(ctx, `
		UPDATE pending_operations SET status = 'pending', claimed_at = NULL
		WHERE status = 'claimed'`)
	if err != nil {
		return 0, failure.Queue("recover claims", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Info("recovered abandoned claims", "count", n)
	}
	return int(n), nil
}

// Requeue moves a dead-lettered operation back to pending with a fresh
// attempt budget.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	now := localdb.FormatTime(q.config.Now())
	res, err := q.db.Conn().ExecContext(ctx, `
		UPDATE pending_operations
		SET status = 'pending', attempt_count = 0, next_attempt_at = ?, dead_at = NULL, claimed_at = NULL
		WHERE id = ? AND status = 'dead'`, now, id)
	if err != nil {
		return failure.Queue("requeue", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return failure.NotFound("requeue", "dead letter "+id)
	}
	return nil
}

// RequeueAllDead requeues every dead letter and returns how many moved.
func (q *Queue) RequeueAllDead(ctx context.Context) (int, error) {
	now := localdb.FormatTime(q.config.Now())
	res, err := q.db.Conn().ExecContext(ctx, `
		UPDATE pending_operations
		SET status = 'pending', attempt_count = 0, next_attempt_at = ?, dead_at = NULL, claimed_at = NULL
		WHERE status = 'dead'`, now)
	if err != nil {
		return 0, failure.Queue("requeue all", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Len counts live (pending or claimed) operations across entity types.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_operations WHERE status != 'dead'`).Scan(&n)
	if err != nil {
		return 0, failure.Queue("len", err)
	}
	return n, nil
}

// PendingFor counts live operations for one entity.
func (q *Queue) PendingFor(ctx context.Context, entityType, entityID string) (int, error) {
	var n int
	err := q.db.Conn().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_operations
		WHERE entity_type = ? AND entity_id = ? AND status != 'dead'`, entityType, entityID).Scan(&n)
	if err != nil {
		return 0, failure.Queue("pending for", err)
	}
	return n, nil
}

// Stats summarizes the queue by status.
type Stats struct {
	Pending int        `json:"pending" yaml:"pending"`
	Claimed int        `json:"claimed" yaml:"claimed"`
	Dead    int        `json:"dead" yaml:"dead"`
	Oldest  *time.Time `json:"oldest,omitempty" yaml:"oldest,omitempty"`
}

// Stats returns counts per status and the oldest live enqueue time.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	rows, err := q.db.Conn().QueryContext(ctx,
		`SELECT status, COUNT(*) FROM pending_operations GROUP BY status`)
	if err != nil {
		return s, failure.Queue("stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return s, failure.Queue("stats", err)
		}
		switch Status(status) {
		case StatusPending:
			s.Pending = n
		case StatusClaimed:
			s.Claimed = n
		case StatusDead:
			s.Dead = n
		}
	}
	if err := rows.Err(); err != nil {
		return s, failure.Queue("stats", err)
	}

	var oldest sql.NullString
	if err := q.db.Conn().QueryRowContext(ctx,
		`SELECT MIN(enqueued_at) FROM pending_operations WHERE status != 'dead'`).Scan(&oldest); err != nil {
		return s, failure.Queue("stats", err)
	}
	if s.Oldest, err = localdb.NullTime(oldest); err != nil {
		return s, failure.Queue("stats", err)
	}
	return s, nil
}

// ListOptions filters List.
type ListOptions struct {
	// Status restricts to one status when set.
	Status Status
	// Since keeps operations enqueued at or after this time.
	Since time.Time
	// Limit caps the result size. Zero means no limit.
	Limit int
}

// List returns stored operations in drain order.
func (q *Queue) List(ctx context.Context, opts ListOptions) ([]Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM pending_operations WHERE 1=1`
	var args []any
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	}
	if !opts.Since.IsZero() {
		query += ` AND enqueued_at >= ?`
		args = append(args, localdb.FormatTime(opts.Since))
	}
	query += ` ORDER BY priority DESC, seq ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := q.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, failure.Queue("list", err)
	}
	ops, err := scanOperations(rows)
	if err != nil {
		return nil, failure.Queue("list", err)
	}
	return ops, nil
}

// DeadLetters returns every dead-lettered operation.
func (q *Queue) DeadLetters(ctx context.Context) ([]Operation, error) {
	return q.List(ctx, ListOptions{Status: StatusDead})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOperations(rows *sql.Rows) ([]Operation, error) {
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func scanOperation(row scanner) (Operation, error) {
	var (
		op                         Operation
		kind, status               string
		payload                    string
		enqueuedAt, nextAttempt    string
		claimedAt, lastErr, deadAt sql.NullString
		priority                   int
	)
	err := row.Scan(&op.Seq, &op.ID, &kind, &op.EntityType, &op.EntityID, &payload, &priority,
		&enqueuedAt, &op.AttemptCount, &nextAttempt, &status, &claimedAt, &lastErr, &deadAt)
	if err != nil {
		return Operation{}, err
	}

	op.Kind = Kind(kind)
	op.Status = Status(status)
	op.Priority = Priority(priority)
	op.LastError = lastErr.String

	if err := json.Unmarshal([]byte(payload), &op.Payload); err != nil {
		return Operation{}, fmt.Errorf("failed to unmarshal payload of %s: %w", op.ID, err)
	}
	if op.EnqueuedAt, err = localdb.ParseTime(enqueuedAt); err != nil {
		return Operation{}, fmt.Errorf("failed to parse enqueued_at of %s: %w", op.ID, err)
	}
	if op.NextAttemptAt, err = localdb.ParseTime(nextAttempt); err != nil {
		return Operation{}, fmt.Errorf("failed to parse next_attempt_at of %s: %w", op.ID, err)
	}
	if op.ClaimedAt, err = localdb.NullTime(claimedAt); err != nil {
		return Operation{}, err
	}
	if op.DeadAt, err = localdb.NullTime(deadAt); err != nil {
		return Operation{}, err
	}
	return op, nil
}
