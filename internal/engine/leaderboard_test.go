package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/bondline/internal/bond"
	"github.com/lazypower/bondline/internal/store"
)

var highMetrics = bond.Metrics{MessageQuality: 0.9, ConsistencyScore: 0.9, MutualDisclosure: 0.9, EmotionalResonance: 0.9, SharedExperiences: 20}

func boardIDs(rows []bond.BondSummary) []string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.BondID
	}
	return ids
}

func TestLeaderboardOrdering(t *testing.T) {
	bothStores(t, func(t *testing.T, st store.Store) {
		h := newHarness(t, st, map[bond.Tier]int{bond.TierClose: 10, bond.TierFriend: 10}, 0)
		ctx := context.Background()

		top := h.bonded(t, "u4", "agent", bond.TierClose, highMetrics)
		older := h.bonded(t, "u1", "agent", bond.TierClose, lowMetrics)
		h.clock.Advance(time.Minute)
		newer := h.bonded(t, "u2", "agent", bond.TierClose, lowMetrics)
		h.clock.Advance(time.Minute)
		faded := h.bonded(t, "u3", "agent", bond.TierClose, lowMetrics)
		_, err := h.eng.ApplyDecay(ctx, faded.ID, 10)
		require.NoError(t, err)
		friend := h.bonded(t, "u5", "agent", bond.TierFriend, lowMetrics)
		assert.Equal(t, 127.6, friend.RarityScore)

		board, err := h.eng.Leaderboard(ctx, LeaderboardQuery{})
		require.NoError(t, err)
		assert.Equal(t, []string{top.ID, older.ID, newer.ID, faded.ID, friend.ID}, boardIDs(board))
		for i, row := range board {
			assert.Equal(t, i+1, row.Rank)
		}

		closeTier := bond.TierClose
		board, err = h.eng.Leaderboard(ctx, LeaderboardQuery{Tier: &closeTier})
		require.NoError(t, err)
		assert.Equal(t, []string{top.ID, older.ID, newer.ID, faded.ID}, boardIDs(board))

		board, err = h.eng.Leaderboard(ctx, LeaderboardQuery{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{top.ID, older.ID}, boardIDs(board))

		rank, err := h.eng.RankOf(ctx, faded.ID)
		require.NoError(t, err)
		assert.Equal(t, 4, rank)

		_, err = h.eng.MarkAtRisk(ctx, older.ID)
		require.NoError(t, err)

		board, err = h.eng.Leaderboard(ctx, LeaderboardQuery{})
		require.NoError(t, err)
		require.Len(t, board, 5, "at-risk bonds stay listed by default")
		assert.Equal(t, bond.StatusAtRisk, board[1].Status)

		board, err = h.eng.Leaderboard(ctx, LeaderboardQuery{ExcludeAtRisk: true})
		require.NoError(t, err)
		assert.Equal(t, []string{top.ID, newer.ID, faded.ID, friend.ID}, boardIDs(board))
		assert.Equal(t, 2, board[1].Rank, "ranks close up over excluded rows")
	})
}

func TestLeaderboardRejectsBadQuery(t *testing.T) {
	h := memHarness(t, nil, 0)
	ctx := context.Background()

	_, err := h.eng.Leaderboard(ctx, LeaderboardQuery{Limit: -1})
	assert.True(t, bond.IsValidationError(err))
	bad := bond.Tier(0)
	_, err = h.eng.Leaderboard(ctx, LeaderboardQuery{Tier: &bad})
	assert.True(t, bond.IsValidationError(err))

	_, err = h.eng.RankOf(ctx, "nope")
	assert.True(t, bond.IsNotFoundError(err))
}

func TestGlobalStats(t *testing.T) {
	h := memHarness(t, map[bond.Tier]int{bond.TierClose: 2, bond.TierFriend: 5}, 0)
	ctx := context.Background()

	stats, err := h.eng.GlobalStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalActiveBonds)
	assert.Nil(t, stats.MostPopularTier)

	h.bonded(t, "u1", "a1", bond.TierClose, lowMetrics)
	h.bonded(t, "u1", "a2", bond.TierFriend, lowMetrics)
	h.bonded(t, "u2", "a2", bond.TierFriend, lowMetrics)
	h.bonded(t, "u3", "a1", bond.TierClose, lowMetrics)
	h.queued(t, "u4", "a1", bond.TierClose, lowMetrics)

	stats, err = h.eng.GlobalStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalActiveBonds)
	assert.Equal(t, 3, stats.TotalUsers)
	assert.InDelta(t, 177.6, stats.AverageRarityScore, 1e-9)
	require.NotNil(t, stats.MostPopularTier)
	assert.Equal(t, bond.TierFriend, *stats.MostPopularTier, "ties go to the lower tier")
	assert.Equal(t, 1, stats.QueuedRequests)
}
