package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/lazypower/bondline/internal/bond"
)

const (
	DefaultLeaderboardLimit = 50
	MaxLeaderboardLimit     = 1000
)

// LeaderboardQuery filters the leaderboard. A nil Tier ranks every tier
// together.
type LeaderboardQuery struct {
	Tier          *bond.Tier
	Limit         int
	ExcludeAtRisk bool
}

// Leaderboard ranks alive bonds by rarity score, then affinity, then age.
// Ranks are 1-based within the filtered set.
func (e *Engine) Leaderboard(ctx context.Context, q LeaderboardQuery) ([]bond.BondSummary, error) {
	if q.Tier != nil {
		if err := bond.ValidateTier(*q.Tier); err != nil {
			return nil, err
		}
	}
	limit := q.Limit
	switch {
	case limit < 0:
		return nil, bond.NewValidationError("limit", "must not be negative")
	case limit == 0:
		limit = DefaultLeaderboardLimit
	case limit > MaxLeaderboardLimit:
		limit = MaxLeaderboardLimit
	}

	bonds, err := e.store.ListAliveBonds(ctx, q.Tier)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	out := make([]bond.BondSummary, 0, min(limit, len(bonds)))
	for _, b := range bonds {
		if q.ExcludeAtRisk && b.Status == bond.StatusAtRisk {
			continue
		}
		out = append(out, b.Summary(len(out)+1))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// RankOf returns the bond's 1-based position on the global leaderboard.
func (e *Engine) RankOf(ctx context.Context, bondID string) (int, error) {
	bonds, err := e.store.ListAliveBonds(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("rank: %w", err)
	}
	for i, b := range bonds {
		if b.ID == bondID {
			return i + 1, nil
		}
	}
	return 0, bond.NewNotFoundError("bond", bondID)
}

// GlobalStats summarises the alive bond population and the queue.
func (e *Engine) GlobalStats(ctx context.Context) (bond.GlobalStats, error) {
	bonds, err := e.store.ListAliveBonds(ctx, nil)
	if err != nil {
		return bond.GlobalStats{}, fmt.Errorf("stats: %w", err)
	}
	queued, err := e.queue.Total(ctx)
	if err != nil {
		return bond.GlobalStats{}, fmt.Errorf("stats: %w", err)
	}

	stats := bond.GlobalStats{TotalActiveBonds: len(bonds), QueuedRequests: queued}
	if len(bonds) == 0 {
		return stats, nil
	}

	users := make(map[string]struct{})
	perTier := make(map[bond.Tier]int)
	total := 0.0
	for _, b := range bonds {
		users[b.UserID] = struct{}{}
		perTier[b.Tier]++
		total += b.RarityScore
	}
	stats.TotalUsers = len(users)
	stats.AverageRarityScore = math.Round(total/float64(len(bonds))*100) / 100

	// Ties go to the lower tier.
	var popular bond.Tier
	for _, t := range bond.Tiers {
		if perTier[t] > perTier[popular] {
			popular = t
		}
	}
	stats.MostPopularTier = &popular
	return stats, nil
}
