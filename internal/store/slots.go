package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lazypower/bondline/internal/bond"
)

// ClaimSlot takes the lowest free slot number in the pool for bondID.
func (db *DB) ClaimSlot(ctx context.Context, key bond.PoolKey, capacity int, userID, bondID string) (int, error) {
	var slot int
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		slot, err = freeSlotTx(ctx, tx, key, capacity)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO slots (agent_id, tier, slot_number, state, user_id, bond_id)
			VALUES (?, ?, ?, 'occupied', ?, ?)
		`, key.AgentID, int(key.Tier), slot, userID, bondID)
		if err != nil {
			return fmt.Errorf("claim slot: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return slot, nil
}

// freeSlotTx returns the lowest unused slot number, or ErrPoolFull.
func freeSlotTx(ctx context.Context, tx *sql.Tx, key bond.PoolKey, capacity int) (int, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT slot_number FROM slots WHERE agent_id = ? AND tier = ? ORDER BY slot_number
	`, key.AgentID, int(key.Tier))
	if err != nil {
		return 0, fmt.Errorf("scan slots: %w", err)
	}
	used := make(map[int]bool)
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return 0, err
		}
		used[n] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(used) >= capacity {
		return 0, ErrPoolFull
	}
	for n := 1; n <= capacity; n++ {
		if !used[n] {
			return n, nil
		}
	}
	return 0, ErrPoolFull
}

// FreeSlot deletes a slot row regardless of state.
func (db *DB) FreeSlot(ctx context.Context, key bond.PoolKey, slot int) error {
	_, err := db.ExecContext(ctx, `
		DELETE FROM slots WHERE agent_id = ? AND tier = ? AND slot_number = ?
	`, key.AgentID, int(key.Tier), slot)
	if err != nil {
		return fmt.Errorf("free slot: %w", err)
	}
	return nil
}

// PoolUsage counts occupied and reserved slots in a pool.
func (db *DB) PoolUsage(ctx context.Context, key bond.PoolKey) (Usage, error) {
	var u Usage
	err := db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN state = 'occupied' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'reserved' THEN 1 ELSE 0 END), 0)
		FROM slots WHERE agent_id = ? AND tier = ?
	`, key.AgentID, int(key.Tier)).Scan(&u.Occupied, &u.Reserved)
	if err != nil {
		return Usage{}, fmt.Errorf("pool usage: %w", err)
	}
	return u, nil
}

// ReserveSlot holds a free slot for the offer's user.
func (db *DB) ReserveSlot(ctx context.Context, capacity int, o *bond.Offer) error {
	metrics, err := json.Marshal(o.Metrics)
	if err != nil {
		return fmt.Errorf("encode offer metrics: %w", err)
	}
	key := o.Pool()
	return db.withTx(ctx, func(tx *sql.Tx) error {
		slot, err := freeSlotTx(ctx, tx, key, capacity)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO slots (agent_id, tier, slot_number, state, user_id, metrics, requested_at, offered_at, expires_at)
			VALUES (?, ?, ?, 'reserved', ?, ?, ?, ?, ?)
		`, key.AgentID, int(key.Tier), slot, o.UserID, string(metrics),
			toMillis(o.RequestedAt), toMillis(o.OfferedAt), toMillis(o.ExpiresAt))
		if err != nil {
			if isConstraintError(err) {
				return bond.NewConflictError("offer", fmt.Sprintf("user %s already holds an offer from agent %s", o.UserID, o.AgentID))
			}
			return fmt.Errorf("reserve slot: %w", err)
		}
		o.SlotNumber = slot
		return nil
	})
}

const offerColumns = `agent_id, tier, slot_number, user_id, metrics, requested_at, offered_at, expires_at`

// ClaimReservedSlot binds the pair's reserved slot to bondID.
func (db *DB) ClaimReservedSlot(ctx context.Context, userID, agentID, bondID string) (*bond.Offer, error) {
	var offer *bond.Offer
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+offerColumns+` FROM slots
			WHERE user_id = ? AND agent_id = ? AND state = 'reserved'
		`, userID, agentID)
		o, err := scanOffer(row)
		if err == sql.ErrNoRows {
			return bond.NewNotFoundError("offer", fmt.Sprintf("no offer for user %s from agent %s", userID, agentID))
		}
		if err != nil {
			return fmt.Errorf("get offer: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE slots SET state = 'occupied', bond_id = ?, metrics = NULL, expires_at = NULL
			WHERE agent_id = ? AND tier = ? AND slot_number = ?
		`, bondID, o.AgentID, int(o.Tier), o.SlotNumber)
		if err != nil {
			return fmt.Errorf("claim reserved slot: %w", err)
		}
		offer = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return offer, nil
}

// GetOffer returns the pair's outstanding offer, or nil.
func (db *DB) GetOffer(ctx context.Context, userID, agentID string) (*bond.Offer, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+offerColumns+` FROM slots
		WHERE user_id = ? AND agent_id = ? AND state = 'reserved'
	`, userID, agentID)
	o, err := scanOffer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get offer: %w", err)
	}
	return o, nil
}

// CancelOffer frees the pair's reserved slot. Reports whether one existed.
func (db *DB) CancelOffer(ctx context.Context, userID, agentID string) (bool, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM slots WHERE user_id = ? AND agent_id = ? AND state = 'reserved'
	`, userID, agentID)
	if err != nil {
		return false, fmt.Errorf("cancel offer: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListExpiredOffers returns offers whose window closed at or before now,
// oldest expiry first.
func (db *DB) ListExpiredOffers(ctx context.Context, now time.Time) ([]*bond.Offer, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM slots
		WHERE state = 'reserved' AND expires_at <= ?
		ORDER BY expires_at ASC, agent_id, tier, slot_number
	`, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("list expired offers: %w", err)
	}
	defer rows.Close()

	var offers []*bond.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

func scanOffer(s scanner) (*bond.Offer, error) {
	var (
		o           bond.Offer
		tier        int
		metrics     sql.NullString
		requestedAt sql.NullInt64
		offeredAt   sql.NullInt64
		expiresAt   sql.NullInt64
	)
	if err := s.Scan(&o.AgentID, &tier, &o.SlotNumber, &o.UserID, &metrics, &requestedAt, &offeredAt, &expiresAt); err != nil {
		return nil, err
	}
	o.Tier = bond.Tier(tier)
	if metrics.Valid {
		if err := json.Unmarshal([]byte(metrics.String), &o.Metrics); err != nil {
			return nil, fmt.Errorf("decode offer metrics: %w", err)
		}
	}
	o.RequestedAt = fromMillis(requestedAt.Int64)
	o.OfferedAt = fromMillis(offeredAt.Int64)
	o.ExpiresAt = fromMillis(expiresAt.Int64)
	return &o, nil
}

// CapacityOverride returns the per-agent capacity for a pool if one was set.
func (db *DB) CapacityOverride(ctx context.Context, key bond.PoolKey) (int, bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT capacity FROM pools WHERE agent_id = ? AND tier = ?
	`, key.AgentID, int(key.Tier)).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("capacity override: %w", err)
	}
	return n, true, nil
}

// SetCapacityOverride upserts the per-agent capacity for a pool.
func (db *DB) SetCapacityOverride(ctx context.Context, key bond.PoolKey, capacity int) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO pools (agent_id, tier, capacity, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (agent_id, tier) DO UPDATE SET capacity = excluded.capacity, updated_at = excluded.updated_at
	`, key.AgentID, int(key.Tier), capacity, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set capacity: %w", err)
	}
	return nil
}
