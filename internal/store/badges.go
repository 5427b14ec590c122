package store

import (
	"context"
	"fmt"

	"github.com/lazypower/bondline/internal/bond"
)

// ListBadges returns the user's legacy badges, most recent release first.
func (db *DB) ListBadges(ctx context.Context, userID string) ([]*bond.LegacyBadge, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, bond_id, user_id, agent_id, tier, peak_rarity_score, peak_rarity_tier,
			duration_seconds, reason, bond_created_at, released_at
		FROM legacy_badges
		WHERE user_id = ?
		ORDER BY released_at DESC, id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list badges: %w", err)
	}
	defer rows.Close()

	var badges []*bond.LegacyBadge
	for rows.Next() {
		var (
			lb        bond.LegacyBadge
			tier      int
			peakTier  string
			reason    string
			createdAt int64
			released  int64
		)
		if err := rows.Scan(&lb.ID, &lb.BondID, &lb.UserID, &lb.AgentID, &tier, &lb.PeakRarityScore,
			&peakTier, &lb.DurationSeconds, &reason, &createdAt, &released); err != nil {
			return nil, fmt.Errorf("scan badge: %w", err)
		}
		lb.Tier = bond.Tier(tier)
		lb.PeakRarityTier = bond.RarityTier(peakTier)
		lb.Reason = bond.ReleaseReason(reason)
		lb.BondCreatedAt = fromMillis(createdAt)
		lb.ReleasedAt = fromMillis(released)
		badges = append(badges, &lb)
	}
	return badges, rows.Err()
}
