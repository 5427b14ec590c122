package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/bondline/internal/bond"
	"github.com/lazypower/bondline/internal/events"
	"github.com/lazypower/bondline/internal/store"
	"github.com/lazypower/bondline/internal/store/memstore"
)

var errDiskFull = errors.New("database or disk is full")

// flakyStore fails the next N bond inserts or slot reservations.
type flakyStore struct {
	store.Store

	mu           sync.Mutex
	failInserts  int
	failReserves int
}

func (s *flakyStore) take(n *int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *n == 0 {
		return false
	}
	*n--
	return true
}

func (s *flakyStore) InsertBond(ctx context.Context, b *bond.Bond) error {
	if s.take(&s.failInserts) {
		return errDiskFull
	}
	return s.Store.InsertBond(ctx, b)
}

func (s *flakyStore) ReserveSlot(ctx context.Context, capacity int, o *bond.Offer) error {
	if s.take(&s.failReserves) {
		return errDiskFull
	}
	return s.Store.ReserveSlot(ctx, capacity, o)
}

func (h *harness) position(t *testing.T, userID, agentID string) int {
	t.Helper()
	pos, _, err := h.eng.QueuePosition(context.Background(), userID, agentID)
	require.NoError(t, err, "position of %s", userID)
	return pos
}

func (h *harness) free(t *testing.T, agentID string, tier bond.Tier) int {
	t.Helper()
	occ, err := h.eng.Occupancy(context.Background(), agentID, tier)
	require.NoError(t, err)
	return occ.Free
}

func TestFailedPromotionKeepsHeadQueued(t *testing.T) {
	bothStores(t, func(t *testing.T, st store.Store) {
		flaky := &flakyStore{Store: st}
		h := newHarness(t, flaky, map[bond.Tier]int{bond.TierClose: 1}, 0)
		ctx := context.Background()

		holder := h.bonded(t, "u1", "agent", bond.TierClose, lowMetrics)
		h.queued(t, "u2", "agent", bond.TierClose, lowMetrics)
		h.queued(t, "u3", "agent", bond.TierClose, midMetrics)

		flaky.failInserts = 1
		_, err := h.eng.Release(ctx, holder.ID, bond.ReasonVoluntary)
		require.NoError(t, err, "the release itself is committed")

		assert.Nil(t, h.alive(t, "u2", "agent"))
		assert.Equal(t, 1, h.position(t, "u2", "agent"), "head keeps its place")
		assert.Equal(t, 2, h.position(t, "u3", "agent"))
		assert.Equal(t, 1, h.free(t, "agent", bond.TierClose), "slot handed back")

		// The free slot still belongs to the queue, not to newcomers.
		assert.Equal(t, 3, h.queued(t, "u4", "agent", bond.TierClose, lowMetrics))

		report, err := NewSweeper(h.eng, time.Hour, 2).Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.PoolsResumed)

		b := h.alive(t, "u2", "agent")
		require.NotNil(t, b)
		assert.Equal(t, 1, b.SlotNumber)
		assert.Equal(t, lowMetrics, b.Metrics)
		assert.Equal(t, 1, h.position(t, "u3", "agent"))
		assert.Equal(t, 2, h.position(t, "u4", "agent"))
		assert.Zero(t, h.free(t, "agent", bond.TierClose))

		report, err = NewSweeper(h.eng, time.Hour, 2).Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, report.PoolsResumed, "full pools are left alone")
	})
}

func TestFailedOfferKeepsHeadQueued(t *testing.T) {
	flaky := &flakyStore{Store: memstore.New()}
	h := newHarness(t, flaky, map[bond.Tier]int{bond.TierClose: 1}, time.Hour)
	ctx := context.Background()

	holder := h.bonded(t, "u1", "agent", bond.TierClose, lowMetrics)
	h.queued(t, "u2", "agent", bond.TierClose, lowMetrics)
	h.queued(t, "u3", "agent", bond.TierClose, lowMetrics)

	flaky.failReserves = 1
	_, err := h.eng.Release(ctx, holder.ID, bond.ReasonVoluntary)
	require.NoError(t, err)

	_, err = h.eng.AcceptOffer(ctx, "u2", "agent")
	assert.True(t, bond.IsNotFoundError(err), "no offer was written: %v", err)
	assert.Equal(t, 1, h.position(t, "u2", "agent"))

	h.rec.Reset()
	resumed, err := h.eng.ResumeQueues(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	offers := h.rec.OfType(events.SlotAvailable)
	require.Len(t, offers, 1)
	assert.Equal(t, "u2", offers[0].UserID)
	require.NotNil(t, offers[0].ExpiresAt)
	assert.Equal(t, t0.Add(time.Hour), *offers[0].ExpiresAt)
	assert.Equal(t, 1, h.position(t, "u3", "agent"))

	b, err := h.eng.AcceptOffer(ctx, "u2", "agent")
	require.NoError(t, err)
	assert.Equal(t, 1, b.SlotNumber)
}

func TestPromotionFailureStopsAtHead(t *testing.T) {
	flaky := &flakyStore{Store: memstore.New()}
	h := newHarness(t, flaky, map[bond.Tier]int{bond.TierClose: 2}, 0)
	ctx := context.Background()

	h.bonded(t, "u1", "agent", bond.TierClose, lowMetrics)
	h.bonded(t, "u2", "agent", bond.TierClose, lowMetrics)
	h.queued(t, "u3", "agent", bond.TierClose, lowMetrics)
	h.queued(t, "u4", "agent", bond.TierClose, lowMetrics)

	flaky.failInserts = 1
	_, err := h.eng.SetCapacity(ctx, "agent", bond.TierClose, 4)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errDiskFull), "got %v", err)

	// u4 must not jump ahead of the head that failed.
	assert.Nil(t, h.alive(t, "u4", "agent"))
	assert.Equal(t, 1, h.position(t, "u3", "agent"))
	assert.Equal(t, 2, h.free(t, "agent", bond.TierClose))

	resumed, err := h.eng.ResumeQueues(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	assert.NotNil(t, h.alive(t, "u3", "agent"))
	assert.NotNil(t, h.alive(t, "u4", "agent"))
	assert.Zero(t, h.free(t, "agent", bond.TierClose))
}

func TestEstablishOtherTierExpiresLapsedOffer(t *testing.T) {
	bothStores(t, func(t *testing.T, st store.Store) {
		h := newHarness(t, st, map[bond.Tier]int{bond.TierClose: 1, bond.TierFriend: 1}, time.Hour)
		ctx := context.Background()

		holder := h.bonded(t, "u1", "agent", bond.TierClose, lowMetrics)
		h.queued(t, "u2", "agent", bond.TierClose, lowMetrics)
		_, err := h.eng.Release(ctx, holder.ID, bond.ReasonVoluntary)
		require.NoError(t, err)

		// While the offer is live a different tier is refused.
		_, err = h.eng.Establish(ctx, "u2", "agent", bond.TierFriend, lowMetrics)
		assert.True(t, bond.IsConflictError(err), "got %v", err)

		h.clock.Advance(2 * time.Hour)
		res := h.establish(t, "u2", "agent", bond.TierFriend, midMetrics)
		require.True(t, res.Bonded)
		assert.False(t, res.OfferAccepted)
		assert.Equal(t, bond.TierFriend, res.Bond.Tier)

		_, err = h.eng.AcceptOffer(ctx, "u2", "agent")
		assert.True(t, bond.IsNotFoundError(err), "lapsed close offer is gone: %v", err)

		occ, err := h.eng.Occupancy(ctx, "agent", bond.TierClose)
		require.NoError(t, err)
		assert.Zero(t, occ.Reserved)
		assert.Equal(t, 1, occ.Free)

		// Nobody else waits, so the close slot goes to the next direct request.
		assert.NotNil(t, h.bonded(t, "u3", "agent", bond.TierClose, lowMetrics))
	})
}
