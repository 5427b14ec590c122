// Package storetest is a behavioural compliance suite for store.Store
// implementations.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/bondline/internal/bond"
	"github.com/lazypower/bondline/internal/store"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// Run exercises every store operation against a fresh store per subtest.
func Run(t *testing.T, makeStore func(t *testing.T) store.Store) {
	t.Helper()

	t.Run("BondLifecycle", func(t *testing.T) { testBondLifecycle(t, makeStore(t)) })
	t.Run("AlivePairUnique", func(t *testing.T) { testAlivePairUnique(t, makeStore(t)) })
	t.Run("VersionCheck", func(t *testing.T) { testVersionCheck(t, makeStore(t)) })
	t.Run("ReleaseWritesBadgeAndFreesSlot", func(t *testing.T) { testRelease(t, makeStore(t)) })
	t.Run("LeaderboardOrder", func(t *testing.T) { testLeaderboardOrder(t, makeStore(t)) })
	t.Run("SlotClaims", func(t *testing.T) { testSlotClaims(t, makeStore(t)) })
	t.Run("ConcurrentClaims", func(t *testing.T) { testConcurrentClaims(t, makeStore(t)) })
	t.Run("Offers", func(t *testing.T) { testOffers(t, makeStore(t)) })
	t.Run("CapacityOverride", func(t *testing.T) { testCapacityOverride(t, makeStore(t)) })
	t.Run("QueueFIFO", func(t *testing.T) { testQueueFIFO(t, makeStore(t)) })
	t.Run("QueueConflicts", func(t *testing.T) { testQueueConflicts(t, makeStore(t)) })
}

func newBond(userID, agentID string, tier bond.Tier, score float64) *bond.Bond {
	return &bond.Bond{
		ID:                uuid.NewString(),
		UserID:            userID,
		AgentID:           agentID,
		Tier:              tier,
		Status:            bond.StatusActive,
		Metrics:           bond.Metrics{MessageQuality: 0.5, SharedExperiences: 2},
		RarityScore:       score,
		RarityTier:        bond.RarityCommon,
		PeakRarityScore:   score,
		PeakRarityTier:    bond.RarityCommon,
		AffinityLevel:     50,
		AffinityBase:      50,
		SlotNumber:        1,
		CreatedAt:         t0,
		LastInteractionAt: t0,
	}
}

func testBondLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()

	got, err := s.GetBond(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	b := newBond("u1", "a1", bond.TierClose, 40)
	b.Milestones = []string{"rarity:uncommon"}
	require.NoError(t, s.InsertBond(ctx, b))
	assert.Equal(t, int64(1), b.Version)

	got, err = s.GetBond(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, b.UserID, got.UserID)
	assert.Equal(t, bond.TierClose, got.Tier)
	assert.Equal(t, bond.StatusActive, got.Status)
	assert.Equal(t, b.Metrics, got.Metrics)
	assert.True(t, got.CreatedAt.Equal(t0))
	assert.Equal(t, []string{"rarity:uncommon"}, got.Milestones)
	assert.Nil(t, got.ReleasedAt)

	alive, err := s.AliveBondFor(ctx, "u1", "a1")
	require.NoError(t, err)
	require.NotNil(t, alive)
	assert.Equal(t, b.ID, alive.ID)

	none, err := s.AliveBondFor(ctx, "u1", "a2")
	require.NoError(t, err)
	assert.Nil(t, none)

	list, err := s.ListUserBonds(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testAlivePairUnique(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.InsertBond(ctx, newBond("u1", "a1", bond.TierFriend, 10)))
	err := s.InsertBond(ctx, newBond("u1", "a1", bond.TierIntimate, 10))
	assert.True(t, bond.IsConflictError(err), "second alive bond for the pair: %v", err)

	// Other agents and other users are independent.
	require.NoError(t, s.InsertBond(ctx, newBond("u1", "a2", bond.TierFriend, 10)))
	require.NoError(t, s.InsertBond(ctx, newBond("u2", "a1", bond.TierFriend, 10)))
}

func testVersionCheck(t *testing.T, s store.Store) {
	ctx := context.Background()

	b := newBond("u1", "a1", bond.TierClose, 40)
	require.NoError(t, s.InsertBond(ctx, b))

	first, err := s.GetBond(ctx, b.ID)
	require.NoError(t, err)
	second, err := s.GetBond(ctx, b.ID)
	require.NoError(t, err)

	first.RarityScore = 55
	require.NoError(t, s.UpdateBond(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	second.RarityScore = 60
	err = s.UpdateBond(ctx, second)
	assert.True(t, bond.IsStaleStateError(err), "writer with old version loses: %v", err)

	got, err := s.GetBond(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 55.0, got.RarityScore)
	assert.Equal(t, int64(2), got.Version)
}

func testRelease(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := bond.PoolKey{AgentID: "a1", Tier: bond.TierClose}

	b := newBond("u1", "a1", bond.TierClose, 72)
	slot, err := s.ClaimSlot(ctx, key, 1, b.UserID, b.ID)
	require.NoError(t, err)
	b.SlotNumber = slot
	require.NoError(t, s.InsertBond(ctx, b))

	releasedAt := t0.Add(48 * time.Hour)
	b.ReleasedAt = &releasedAt
	b.ReleaseReason = bond.ReasonVoluntary
	badge := &bond.LegacyBadge{
		ID:              uuid.NewString(),
		BondID:          b.ID,
		UserID:          b.UserID,
		AgentID:         b.AgentID,
		Tier:            b.Tier,
		PeakRarityScore: 72,
		PeakRarityTier:  bond.RarityEpic,
		DurationSeconds: int64((48 * time.Hour).Seconds()),
		Reason:          bond.ReasonVoluntary,
		BondCreatedAt:   t0,
		ReleasedAt:      releasedAt,
	}
	stale := *b
	require.NoError(t, s.ReleaseBond(ctx, b, badge))
	assert.Equal(t, bond.StatusReleased, b.Status)

	got, err := s.GetBond(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, bond.StatusReleased, got.Status)
	assert.Equal(t, bond.ReasonVoluntary, got.ReleaseReason)
	require.NotNil(t, got.ReleasedAt)
	assert.True(t, got.ReleasedAt.Equal(releasedAt))

	usage, err := s.PoolUsage(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, store.Usage{}, usage, "slot freed with the release")

	badges, err := s.ListBadges(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, badges, 1)
	assert.Equal(t, b.ID, badges[0].BondID)
	assert.Equal(t, bond.RarityEpic, badges[0].PeakRarityTier)

	// Released bonds are immutable.
	err = s.ReleaseBond(ctx, &stale, badge)
	assert.True(t, bond.IsStaleStateError(err))
	got.RarityScore = 99
	assert.True(t, bond.IsStaleStateError(s.UpdateBond(ctx, got)))

	badges, err = s.ListBadges(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, badges, 1, "badge written exactly once")

	alive, err := s.ListUserBonds(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, alive)

	// The pair may bond again.
	require.NoError(t, s.InsertBond(ctx, newBond("u1", "a1", bond.TierClose, 10)))
}

func testLeaderboardOrder(t *testing.T, s store.Store) {
	ctx := context.Background()

	a := newBond("ua", "x", bond.TierClose, 80)
	b := newBond("ub", "x", bond.TierClose, 80)
	b.AffinityLevel = 90
	c := newBond("uc", "x", bond.TierFriend, 80)
	c.AffinityLevel = 90
	c.CreatedAt = t0.Add(time.Hour)
	d := newBond("ud", "x", bond.TierFriend, 95)
	d.Status = bond.StatusAtRisk
	for _, bb := range []*bond.Bond{a, b, c, d} {
		require.NoError(t, s.InsertBond(ctx, bb))
	}

	all, err := s.ListAliveBonds(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, []string{"ud", "ub", "uc", "ua"}, users(all))

	friend := bond.TierFriend
	only, err := s.ListAliveBonds(ctx, &friend)
	require.NoError(t, err)
	assert.Equal(t, []string{"ud", "uc"}, users(only))
}

func users(bonds []*bond.Bond) []string {
	out := make([]string, len(bonds))
	for i, b := range bonds {
		out[i] = b.UserID
	}
	return out
}

func testSlotClaims(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := bond.PoolKey{AgentID: "a1", Tier: bond.TierDevoted}

	n1, err := s.ClaimSlot(ctx, key, 2, "u1", "b1")
	require.NoError(t, err)
	n2, err := s.ClaimSlot(ctx, key, 2, "u2", "b2")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, []int{n1, n2})

	_, err = s.ClaimSlot(ctx, key, 2, "u3", "b3")
	assert.ErrorIs(t, err, store.ErrPoolFull)

	// Other pools are unaffected.
	_, err = s.ClaimSlot(ctx, bond.PoolKey{AgentID: "a1", Tier: bond.TierClose}, 2, "u3", "b3")
	require.NoError(t, err)

	require.NoError(t, s.FreeSlot(ctx, key, 1))
	n, err := s.ClaimSlot(ctx, key, 2, "u4", "b4")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "lowest free slot is reused")

	usage, err := s.PoolUsage(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, store.Usage{Occupied: 2}, usage)
}

func testConcurrentClaims(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := bond.PoolKey{AgentID: "hot", Tier: bond.TierIntimate}
	const capacity, callers = 3, 24

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		won   []int
		other []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := s.ClaimSlot(ctx, key, capacity, uuid.NewString(), uuid.NewString())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won = append(won, n)
			case !errors.Is(err, store.ErrPoolFull):
				other = append(other, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Empty(t, other)
	assert.ElementsMatch(t, []int{1, 2, 3}, won)
}

func testOffers(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := bond.PoolKey{AgentID: "a1", Tier: bond.TierClose}

	_, err := s.ClaimSlot(ctx, key, 2, "holder", "b-holder")
	require.NoError(t, err)

	o := &bond.Offer{
		AgentID:     "a1",
		Tier:        bond.TierClose,
		UserID:      "u2",
		Metrics:     bond.Metrics{EmotionalResonance: 0.7},
		RequestedAt: t0,
		OfferedAt:   t0.Add(time.Hour),
		ExpiresAt:   t0.Add(2 * time.Hour),
	}
	require.NoError(t, s.ReserveSlot(ctx, 2, o))
	assert.Equal(t, 2, o.SlotNumber)

	usage, err := s.PoolUsage(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, store.Usage{Occupied: 1, Reserved: 1}, usage)

	_, err = s.ClaimSlot(ctx, key, 2, "u3", "b3")
	assert.ErrorIs(t, err, store.ErrPoolFull, "a reserved slot counts as taken")

	got, err := s.GetOffer(ctx, "u2", "a1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0.7, got.Metrics.EmotionalResonance)
	assert.True(t, got.ExpiresAt.Equal(o.ExpiresAt))

	expired, err := s.ListExpiredOffers(ctx, t0.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, expired)
	expired, err = s.ListExpiredOffers(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "u2", expired[0].UserID)

	claimed, err := s.ClaimReservedSlot(ctx, "u2", "a1", "b2")
	require.NoError(t, err)
	assert.Equal(t, 2, claimed.SlotNumber)

	usage, err = s.PoolUsage(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, store.Usage{Occupied: 2}, usage)

	_, err = s.ClaimReservedSlot(ctx, "u2", "a1", "b2")
	assert.True(t, bond.IsNotFoundError(err))

	// Cancel frees the reservation.
	require.NoError(t, s.FreeSlot(ctx, key, 2))
	o2 := &bond.Offer{AgentID: "a1", Tier: bond.TierClose, UserID: "u5", RequestedAt: t0, OfferedAt: t0, ExpiresAt: t0.Add(time.Minute)}
	require.NoError(t, s.ReserveSlot(ctx, 2, o2))
	assert.True(t, bond.IsConflictError(s.ReserveSlot(ctx, 3, &bond.Offer{AgentID: "a1", Tier: bond.TierClose, UserID: "u5", ExpiresAt: t0})))

	ok, err := s.CancelOffer(ctx, "u5", "a1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.CancelOffer(ctx, "u5", "a1")
	require.NoError(t, err)
	assert.False(t, ok)

	none, err := s.GetOffer(ctx, "u5", "a1")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func testCapacityOverride(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := bond.PoolKey{AgentID: "a1", Tier: bond.TierFriend}

	_, ok, err := s.CapacityOverride(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetCapacityOverride(ctx, key, 7))
	require.NoError(t, s.SetCapacityOverride(ctx, key, 4))
	n, ok, err := s.CapacityOverride(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 4, n)
}

func testQueueFIFO(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := bond.PoolKey{AgentID: "a1", Tier: bond.TierClose}

	for i, u := range []string{"u1", "u2", "u3"} {
		e := &bond.QueueEntry{UserID: u, AgentID: "a1", Tier: bond.TierClose, RequestedAt: t0.Add(time.Duration(i) * time.Second)}
		require.NoError(t, s.Enqueue(ctx, e))
		assert.NotZero(t, e.Seq)
	}
	// Same timestamp as u3: sequence breaks the tie.
	require.NoError(t, s.Enqueue(ctx, &bond.QueueEntry{UserID: "u4", AgentID: "a1", Tier: bond.TierClose, RequestedAt: t0.Add(2 * time.Second)}))
	// Different pool.
	require.NoError(t, s.Enqueue(ctx, &bond.QueueEntry{UserID: "u9", AgentID: "a1", Tier: bond.TierFriend, RequestedAt: t0}))

	list, err := s.ListQueue(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2", "u3", "u4"}, queueUsers(list))

	n, err := s.CountQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	pools, err := s.QueuedPools(ctx)
	require.NoError(t, err)
	assert.Equal(t, []bond.PoolKey{{AgentID: "a1", Tier: bond.TierFriend}, key}, pools)

	ok, err := s.DeleteQueueEntry(ctx, "u2", "a1")
	require.NoError(t, err)
	assert.True(t, ok)

	head, err := s.PopQueueHead(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, "u1", head.UserID)

	list, err = s.ListQueue(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"u3", "u4"}, queueUsers(list))

	got, err := s.GetQueueEntry(ctx, "u4", "a1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, bond.TierClose, got.Tier)

	missing, err := s.GetQueueEntry(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	empty, err := s.PopQueueHead(ctx, bond.PoolKey{AgentID: "nobody", Tier: bond.TierClose})
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = s.DeleteQueueEntry(ctx, "u9", "a1")
	require.NoError(t, err)
	pools, err = s.QueuedPools(ctx)
	require.NoError(t, err)
	assert.Equal(t, []bond.PoolKey{key}, pools, "drained pools drop out")
}

func queueUsers(entries []*bond.QueueEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.UserID
	}
	return out
}

func testQueueConflicts(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, &bond.QueueEntry{UserID: "u1", AgentID: "a1", Tier: bond.TierClose, RequestedAt: t0}))
	err := s.Enqueue(ctx, &bond.QueueEntry{UserID: "u1", AgentID: "a1", Tier: bond.TierFriend, RequestedAt: t0})
	assert.True(t, bond.IsConflictError(err), "one entry per pair across tiers: %v", err)

	require.NoError(t, s.InsertBond(ctx, newBond("u2", "a1", bond.TierClose, 10)))
	err = s.Enqueue(ctx, &bond.QueueEntry{UserID: "u2", AgentID: "a1", Tier: bond.TierClose, RequestedAt: t0})
	assert.True(t, bond.IsConflictError(err), "bonded pair cannot queue: %v", err)
}
