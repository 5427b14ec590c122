package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lazypower/bondline/internal/bond"
)

const queueColumns = `seq, user_id, agent_id, tier, metrics, requested_at`

// Enqueue appends a request to its pool's queue.
func (db *DB) Enqueue(ctx context.Context, e *bond.QueueEntry) error {
	metrics, err := json.Marshal(e.Metrics)
	if err != nil {
		return fmt.Errorf("encode queue metrics: %w", err)
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		var alive int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM bonds WHERE user_id = ? AND agent_id = ? AND status != 'released'
		`, e.UserID, e.AgentID).Scan(&alive); err != nil {
			return fmt.Errorf("check alive bond: %w", err)
		}
		if alive > 0 {
			return bond.NewConflictError("bond", fmt.Sprintf("user %s already has an alive bond with agent %s", e.UserID, e.AgentID))
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO queue_entries (user_id, agent_id, tier, metrics, requested_at)
			VALUES (?, ?, ?, ?, ?)
		`, e.UserID, e.AgentID, int(e.Tier), string(metrics), toMillis(e.RequestedAt))
		if err != nil {
			if isConstraintError(err) {
				return bond.NewConflictError("queue", fmt.Sprintf("user %s is already queued for agent %s", e.UserID, e.AgentID))
			}
			return fmt.Errorf("enqueue: %w", err)
		}
		seq, _ := res.LastInsertId()
		e.Seq = seq
		return nil
	})
}

// PopQueueHead removes and returns the oldest entry of the pool.
func (db *DB) PopQueueHead(ctx context.Context, key bond.PoolKey) (*bond.QueueEntry, error) {
	var head *bond.QueueEntry
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+queueColumns+` FROM queue_entries
			WHERE agent_id = ? AND tier = ?
			ORDER BY requested_at ASC, seq ASC LIMIT 1
		`, key.AgentID, int(key.Tier))
		e, err := scanQueueEntry(row)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("queue head: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_entries WHERE seq = ?`, e.Seq); err != nil {
			return fmt.Errorf("dequeue: %w", err)
		}
		head = e
		return nil
	})
	return head, err
}

// GetQueueEntry returns the pair's queue entry, or nil.
func (db *DB) GetQueueEntry(ctx context.Context, userID, agentID string) (*bond.QueueEntry, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM queue_entries WHERE user_id = ? AND agent_id = ?
	`, userID, agentID)
	e, err := scanQueueEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get queue entry: %w", err)
	}
	return e, nil
}

// DeleteQueueEntry removes the pair's entry. Reports whether one existed.
func (db *DB) DeleteQueueEntry(ctx context.Context, userID, agentID string) (bool, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM queue_entries WHERE user_id = ? AND agent_id = ?
	`, userID, agentID)
	if err != nil {
		return false, fmt.Errorf("delete queue entry: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListQueue returns the pool's entries in FIFO order.
func (db *DB) ListQueue(ctx context.Context, key bond.PoolKey) ([]*bond.QueueEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM queue_entries
		WHERE agent_id = ? AND tier = ?
		ORDER BY requested_at ASC, seq ASC
	`, key.AgentID, int(key.Tier))
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	var entries []*bond.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// QueuedPools lists the distinct pools that have entries waiting.
func (db *DB) QueuedPools(ctx context.Context) ([]bond.PoolKey, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT agent_id, tier FROM queue_entries
		ORDER BY agent_id, tier
	`)
	if err != nil {
		return nil, fmt.Errorf("queued pools: %w", err)
	}
	defer rows.Close()

	var pools []bond.PoolKey
	for rows.Next() {
		var (
			key  bond.PoolKey
			tier int
		)
		if err := rows.Scan(&key.AgentID, &tier); err != nil {
			return nil, fmt.Errorf("scan queued pool: %w", err)
		}
		key.Tier = bond.Tier(tier)
		pools = append(pools, key)
	}
	return pools, rows.Err()
}

// CountQueued returns the number of queued requests across all pools.
func (db *DB) CountQueued(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued: %w", err)
	}
	return n, nil
}

func scanQueueEntry(s scanner) (*bond.QueueEntry, error) {
	var (
		e           bond.QueueEntry
		tier        int
		metrics     string
		requestedAt int64
	)
	if err := s.Scan(&e.Seq, &e.UserID, &e.AgentID, &tier, &metrics, &requestedAt); err != nil {
		return nil, err
	}
	e.Tier = bond.Tier(tier)
	e.RequestedAt = fromMillis(requestedAt)
	if err := json.Unmarshal([]byte(metrics), &e.Metrics); err != nil {
		return nil, fmt.Errorf("decode queue metrics: %w", err)
	}
	return &e, nil
}
