package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lazypower/bondline/internal/bond"
)

const bondColumns = `id, user_id, agent_id, tier, status,
	message_quality, consistency_score, mutual_disclosure, emotional_resonance, shared_experiences,
	rarity_score, rarity_tier, peak_rarity_score, peak_rarity_tier,
	affinity_level, affinity_base, last_interaction_at,
	slot_number, milestones, created_at, released_at, release_reason, version`

// rankOrder is the leaderboard order; id makes it total.
const rankOrder = `ORDER BY rarity_score DESC, affinity_level DESC, created_at ASC, id ASC`

// InsertBond stores a new alive bond.
func (db *DB) InsertBond(ctx context.Context, b *bond.Bond) error {
	milestones, err := encodeMilestones(b.Milestones)
	if err != nil {
		return err
	}
	if b.Version == 0 {
		b.Version = 1
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO bonds (`+bondColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.UserID, b.AgentID, int(b.Tier), string(b.Status),
		b.Metrics.MessageQuality, b.Metrics.ConsistencyScore, b.Metrics.MutualDisclosure,
		b.Metrics.EmotionalResonance, b.Metrics.SharedExperiences,
		b.RarityScore, string(b.RarityTier), b.PeakRarityScore, string(b.PeakRarityTier),
		b.AffinityLevel, b.AffinityBase, toMillis(b.LastInteractionAt),
		b.SlotNumber, milestones, toMillis(b.CreatedAt), nullMillis(b.ReleasedAt),
		sql.NullString{String: string(b.ReleaseReason), Valid: b.ReleaseReason != ""}, b.Version)
	if err != nil {
		if isConstraintError(err) {
			return bond.NewConflictError("bond", fmt.Sprintf("user %s already has an alive bond with agent %s", b.UserID, b.AgentID))
		}
		return fmt.Errorf("insert bond: %w", err)
	}
	return nil
}

// GetBond returns the bond with the given id, or nil if absent.
func (db *DB) GetBond(ctx context.Context, id string) (*bond.Bond, error) {
	row := db.QueryRowContext(ctx, `SELECT `+bondColumns+` FROM bonds WHERE id = ?`, id)
	b, err := scanBond(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get bond: %w", err)
	}
	return b, nil
}

// AliveBondFor returns the pair's active or at-risk bond, or nil.
func (db *DB) AliveBondFor(ctx context.Context, userID, agentID string) (*bond.Bond, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+bondColumns+` FROM bonds
		WHERE user_id = ? AND agent_id = ? AND status != 'released'
	`, userID, agentID)
	b, err := scanBond(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("alive bond: %w", err)
	}
	return b, nil
}

// UpdateBond writes the mutable fields of an alive bond under a version check.
func (db *DB) UpdateBond(ctx context.Context, b *bond.Bond) error {
	milestones, err := encodeMilestones(b.Milestones)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `
		UPDATE bonds SET
			status = ?,
			message_quality = ?, consistency_score = ?, mutual_disclosure = ?,
			emotional_resonance = ?, shared_experiences = ?,
			rarity_score = ?, rarity_tier = ?, peak_rarity_score = ?, peak_rarity_tier = ?,
			affinity_level = ?, affinity_base = ?, last_interaction_at = ?,
			milestones = ?, version = version + 1
		WHERE id = ? AND version = ? AND status != 'released'
	`, string(b.Status),
		b.Metrics.MessageQuality, b.Metrics.ConsistencyScore, b.Metrics.MutualDisclosure,
		b.Metrics.EmotionalResonance, b.Metrics.SharedExperiences,
		b.RarityScore, string(b.RarityTier), b.PeakRarityScore, string(b.PeakRarityTier),
		b.AffinityLevel, b.AffinityBase, toMillis(b.LastInteractionAt),
		milestones, b.ID, b.Version)
	if err != nil {
		return fmt.Errorf("update bond: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return bond.NewStaleStateError(b.ID, "bond changed or was released")
	}
	b.Version++
	return nil
}

// ReleaseBond marks the bond released, records its legacy badge and frees
// its slot atomically.
func (db *DB) ReleaseBond(ctx context.Context, b *bond.Bond, badge *bond.LegacyBadge) error {
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE bonds SET
				status = 'released', released_at = ?, release_reason = ?,
				affinity_level = ?, version = version + 1
			WHERE id = ? AND version = ? AND status != 'released'
		`, nullMillis(b.ReleasedAt), string(b.ReleaseReason), b.AffinityLevel, b.ID, b.Version)
		if err != nil {
			return fmt.Errorf("release bond: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return bond.NewStaleStateError(b.ID, "bond changed or was already released")
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO legacy_badges (id, bond_id, user_id, agent_id, tier, peak_rarity_score, peak_rarity_tier,
				duration_seconds, reason, bond_created_at, released_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, badge.ID, badge.BondID, badge.UserID, badge.AgentID, int(badge.Tier),
			badge.PeakRarityScore, string(badge.PeakRarityTier), badge.DurationSeconds,
			string(badge.Reason), toMillis(badge.BondCreatedAt), toMillis(badge.ReleasedAt)); err != nil {
			return fmt.Errorf("insert badge: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM slots WHERE bond_id = ?`, b.ID); err != nil {
			return fmt.Errorf("free slot: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.Status = bond.StatusReleased
	b.Version++
	return nil
}

// ListUserBonds returns the user's alive bonds, newest first.
func (db *DB) ListUserBonds(ctx context.Context, userID string) ([]*bond.Bond, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+bondColumns+` FROM bonds
		WHERE user_id = ? AND status != 'released'
		ORDER BY created_at DESC, id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user bonds: %w", err)
	}
	return collectBonds(rows)
}

// ListAliveBonds returns alive bonds in leaderboard order.
func (db *DB) ListAliveBonds(ctx context.Context, tier *bond.Tier) ([]*bond.Bond, error) {
	query := `SELECT ` + bondColumns + ` FROM bonds WHERE status != 'released'`
	var args []any
	if tier != nil {
		query += ` AND tier = ?`
		args = append(args, int(*tier))
	}
	rows, err := db.QueryContext(ctx, query+` `+rankOrder, args...)
	if err != nil {
		return nil, fmt.Errorf("list alive bonds: %w", err)
	}
	return collectBonds(rows)
}

func collectBonds(rows *sql.Rows) ([]*bond.Bond, error) {
	defer rows.Close()
	var bonds []*bond.Bond
	for rows.Next() {
		b, err := scanBond(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bond: %w", err)
		}
		bonds = append(bonds, b)
	}
	return bonds, rows.Err()
}

func scanBond(s scanner) (*bond.Bond, error) {
	var (
		b          bond.Bond
		tier       int
		status     string
		rarityTier string
		peakTier   string
		lastAt     int64
		milestones string
		createdAt  int64
		releasedAt sql.NullInt64
		reason     sql.NullString
	)
	err := s.Scan(&b.ID, &b.UserID, &b.AgentID, &tier, &status,
		&b.Metrics.MessageQuality, &b.Metrics.ConsistencyScore, &b.Metrics.MutualDisclosure,
		&b.Metrics.EmotionalResonance, &b.Metrics.SharedExperiences,
		&b.RarityScore, &rarityTier, &b.PeakRarityScore, &peakTier,
		&b.AffinityLevel, &b.AffinityBase, &lastAt,
		&b.SlotNumber, &milestones, &createdAt, &releasedAt, &reason, &b.Version)
	if err != nil {
		return nil, err
	}
	b.Tier = bond.Tier(tier)
	b.Status = bond.Status(status)
	b.RarityTier = bond.RarityTier(rarityTier)
	b.PeakRarityTier = bond.RarityTier(peakTier)
	b.LastInteractionAt = fromMillis(lastAt)
	b.CreatedAt = fromMillis(createdAt)
	if releasedAt.Valid {
		t := fromMillis(releasedAt.Int64)
		b.ReleasedAt = &t
	}
	b.ReleaseReason = bond.ReleaseReason(reason.String)
	if err := json.Unmarshal([]byte(milestones), &b.Milestones); err != nil {
		return nil, fmt.Errorf("decode milestones: %w", err)
	}
	return &b, nil
}

func encodeMilestones(m []string) (string, error) {
	if m == nil {
		m = []string{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode milestones: %w", err)
	}
	return string(data), nil
}
