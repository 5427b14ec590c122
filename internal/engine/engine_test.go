package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/bondline/internal/bond"
	"github.com/lazypower/bondline/internal/clock"
	"github.com/lazypower/bondline/internal/events"
	"github.com/lazypower/bondline/internal/store"
	"github.com/lazypower/bondline/internal/store/memstore"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Scores 227.6 at tier close (27.6 points, uncommon): weighted 0.3.
var lowMetrics = bond.Metrics{MessageQuality: 0.4, ConsistencyScore: 0.3, MutualDisclosure: 0.3, EmotionalResonance: 0.4}

// Scores 253.82 at tier close (53.82 points, rare).
var midMetrics = bond.Metrics{MessageQuality: 0.6, ConsistencyScore: 0.6, MutualDisclosure: 0.6, EmotionalResonance: 0.6, SharedExperiences: 10}

type harness struct {
	eng   *Engine
	rec   *events.Recorder
	clock *clock.FakeClock
	store store.Store
}

func newHarness(t *testing.T, st store.Store, capacities map[bond.Tier]int, window time.Duration) *harness {
	t.Helper()
	t.Cleanup(func() { st.Close() })
	rec := &events.Recorder{}
	clk := clock.Fake(t0)
	eng := New(st, Config{Capacities: capacities, AcceptanceWindow: window}, rec, clk, zerolog.Nop())
	return &harness{eng: eng, rec: rec, clock: clk, store: st}
}

func memHarness(t *testing.T, capacities map[bond.Tier]int, window time.Duration) *harness {
	return newHarness(t, memstore.New(), capacities, window)
}

func sqliteStore(t *testing.T) store.Store {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	return db
}

// bothStores runs fn against the in-memory and SQLite stores.
func bothStores(t *testing.T, fn func(t *testing.T, st store.Store)) {
	t.Run("memstore", func(t *testing.T) { fn(t, memstore.New()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, sqliteStore(t)) })
}

func (h *harness) establish(t *testing.T, userID, agentID string, tier bond.Tier, m bond.Metrics) *EstablishResult {
	t.Helper()
	res, err := h.eng.Establish(context.Background(), userID, agentID, tier, m)
	require.NoError(t, err, "establish %s/%s", userID, agentID)
	return res
}

func (h *harness) bonded(t *testing.T, userID, agentID string, tier bond.Tier, m bond.Metrics) *bond.Bond {
	t.Helper()
	res := h.establish(t, userID, agentID, tier, m)
	require.True(t, res.Bonded, "expected %s to bond", userID)
	return res.Bond
}

func (h *harness) queued(t *testing.T, userID, agentID string, tier bond.Tier, m bond.Metrics) int {
	t.Helper()
	res := h.establish(t, userID, agentID, tier, m)
	require.False(t, res.Bonded, "expected %s to queue", userID)
	return res.Position
}

func (h *harness) alive(t *testing.T, userID, agentID string) *bond.Bond {
	t.Helper()
	b, err := h.store.AliveBondFor(context.Background(), userID, agentID)
	require.NoError(t, err)
	return b
}

func TestEstablishBondsWhenSlotFree(t *testing.T) {
	bothStores(t, func(t *testing.T, st store.Store) {
		h := newHarness(t, st, map[bond.Tier]int{bond.TierClose: 2}, 0)

		b := h.bonded(t, "u1", "agent", bond.TierClose, lowMetrics)
		assert.Equal(t, bond.StatusActive, b.Status)
		assert.Equal(t, 1, b.SlotNumber)
		assert.Equal(t, 227.6, b.RarityScore)
		assert.Equal(t, bond.RarityUncommon, b.RarityTier)
		assert.Equal(t, 227.6, b.PeakRarityScore)
		assert.Equal(t, 40.0, b.AffinityLevel, "100·0.3 plus the interaction boost")
		assert.Equal(t, t0, b.CreatedAt)
		assert.Empty(t, b.Milestones)

		stored, err := h.eng.GetBond(context.Background(), b.ID)
		require.NoError(t, err)
		assert.Equal(t, b.RarityScore, stored.RarityScore)
		assert.Equal(t, b.CreatedAt, stored.CreatedAt)

		assert.Equal(t, []events.Type{events.BondEstablished}, h.rec.Types())
		ev := h.rec.Events()[0]
		assert.Equal(t, b.ID, ev.BondID)
		assert.Equal(t, "u1", ev.UserID)
		assert.Equal(t, 1, ev.Slot)

		occ, err := h.eng.Occupancy(context.Background(), "agent", bond.TierClose)
		require.NoError(t, err)
		assert.Equal(t, 2, occ.Capacity)
		assert.Equal(t, 1, occ.Occupied)
		assert.Equal(t, 1, occ.Free)
	})
}

func TestEstablishValidatesBeforeWriting(t *testing.T) {
	h := memHarness(t, map[bond.Tier]int{bond.TierClose: 1}, 0)
	ctx := context.Background()

	_, err := h.eng.Establish(ctx, "", "agent", bond.TierClose, lowMetrics)
	assert.True(t, bond.IsValidationError(err))
	_, err = h.eng.Establish(ctx, "u1", "agent", bond.Tier(9), lowMetrics)
	assert.True(t, bond.IsValidationError(err))
	_, err = h.eng.Establish(ctx, "u1", "agent", bond.TierClose, bond.Metrics{MessageQuality: 1.5})
	assert.True(t, bond.IsValidationError(err))

	assert.Empty(t, h.rec.Events())
	occ, err := h.eng.Occupancy(ctx, "agent", bond.TierClose)
	require.NoError(t, err)
	assert.Zero(t, occ.Occupied)
}

func TestEstablishConflicts(t *testing.T) {
	h := memHarness(t, map[bond.Tier]int{bond.TierClose: 1, bond.TierFriend: 1}, 0)
	ctx := context.Background()

	h.bonded(t, "u1", "agent", bond.TierClose, lowMetrics)
	_, err := h.eng.Establish(ctx, "u1", "agent", bond.TierClose, lowMetrics)
	assert.True(t, bond.IsConflictError(err), "same pair, same tier")
	_, err = h.eng.Establish(ctx, "u1", "agent", bond.TierFriend, lowMetrics)
	assert.True(t, bond.IsConflictError(err), "same pair, other tier")

	assert.Equal(t, 1, h.queued(t, "u2", "agent", bond.TierClose, lowMetrics))
	_, err = h.eng.Establish(ctx, "u2", "agent", bond.TierClose, lowMetrics)
	assert.True(t, bond.IsConflictError(err), "already queued")
}

func TestCapacityOneHandover(t *testing.T) {
	bothStores(t, func(t *testing.T, st store.Store) {
		h := newHarness(t, st, map[bond.Tier]int{bond.TierIntimate: 1}, 0)
		ctx := context.Background()

		u1 := h.bonded(t, "U1", "A", bond.TierIntimate, lowMetrics)
		res := h.establish(t, "U2", "A", bond.TierIntimate, midMetrics)
		require.False(t, res.Bonded)
		assert.Equal(t, 1, res.Position)
		assert.Equal(t, events.QueuePositionChanged, h.rec.Types()[1])

		h.rec.Reset()
		badge, err := h.eng.Release(ctx, u1.ID, bond.ReasonVoluntary)
		require.NoError(t, err)
		assert.Equal(t, u1.ID, badge.BondID)

		assert.Equal(t, []events.Type{events.BondReleased, events.SlotAvailable, events.BondEstablished}, h.rec.Types())
		slot := h.rec.OfType(events.SlotAvailable)[0]
		assert.Equal(t, "U2", slot.UserID)
		assert.Equal(t, 1, slot.Slot)

		u2 := h.alive(t, "U2", "A")
		require.NotNil(t, u2)
		assert.Equal(t, midMetrics, u2.Metrics, "bonded from the queued snapshot")
		assert.Equal(t, 1, u2.SlotNumber)
		assert.Equal(t, u2.ID, h.rec.OfType(events.BondEstablished)[0].BondID)

		_, _, err = h.eng.QueuePosition(ctx, "U2", "A")
		assert.True(t, bond.IsNotFoundError(err))

		occ, err := h.eng.Occupancy(ctx, "A", bond.TierIntimate)
		require.NoError(t, err)
		assert.Equal(t, 1, occ.Occupied)
		assert.Zero(t, occ.Free)
	})
}

func TestReleaseWithEmptyQueueAnnouncesFreeSlot(t *testing.T) {
	h := memHarness(t, map[bond.Tier]int{bond.TierClose: 1}, 0)
	b := h.bonded(t, "u1", "agent", bond.TierClose, lowMetrics)
	h.rec.Reset()

	_, err := h.eng.Release(context.Background(), b.ID, "")
	require.NoError(t, err)
	require.Equal(t, []events.Type{events.BondReleased, events.SlotAvailable}, h.rec.Types())
	assert.Empty(t, h.rec.OfType(events.SlotAvailable)[0].UserID)
	assert.Equal(t, bond.ReasonVoluntary, h.rec.OfType(events.BondReleased)[0].Reason)
}

func TestQueueIsFIFO(t *testing.T) {
	h := memHarness(t, map[bond.Tier]int{bond.TierClose: 1}, 0)
	ctx := context.Background()

	holder := h.bonded(t, "u1", "agent", bond.TierClose, lowMetrics)
	for i, u := range []string{"u2", "u3", "u4", "u5", "u6"} {
		h.clock.Advance(time.Second)
		assert.Equal(t, i+1, h.queued(t, u, "agent", bond.TierClose, lowMetrics))
	}

	_, err := h.eng.CancelQueue(ctx, "u3", "agent")
	require.NoError(t, err)
	pos, _, err := h.eng.QueuePosition(ctx, "u4", "agent")
	require.NoError(t, err)
	assert.Equal(t, 2, pos, "u4 moves up behind u2")

	var order []string
	current := holder
	for range 4 {
		h.rec.Reset()
		_, err := h.eng.Release(ctx, current.ID, bond.ReasonVoluntary)
		require.NoError(t, err)
		est := h.rec.OfType(events.BondEstablished)
		require.Len(t, est, 1)
		order = append(order, est[0].UserID)
		current, err = h.eng.GetBond(ctx, est[0].BondID)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"u2", "u4", "u5", "u6"}, order)
}

func TestReleasePublishesRemainingPositions(t *testing.T) {
	h := memHarness(t, map[bond.Tier]int{bond.TierClose: 1}, 0)
	holder := h.bonded(t, "u1", "agent", bond.TierClose, lowMetrics)
	h.queued(t, "u2", "agent", bond.TierClose, lowMetrics)
	h.queued(t, "u3", "agent", bond.TierClose, lowMetrics)
	h.queued(t, "u4", "agent", bond.TierClose, lowMetrics)
	h.rec.Reset()

	_, err := h.eng.Release(context.Background(), holder.ID, bond.ReasonAdmin)
	require.NoError(t, err)

	positions := h.rec.OfType(events.QueuePositionChanged)
	require.Len(t, positions, 2)
	assert.Equal(t, "u3", positions[0].UserID)
	assert.Equal(t, 1, positions[0].Position)
	assert.Equal(t, "u4", positions[1].UserID)
	assert.Equal(t, 2, positions[1].Position)
	assert.Equal(t, events.QueuePositionChanged, h.rec.Types()[len(h.rec.Types())-1])
}

func TestCancelQueueUnknown(t *testing.T) {
	h := memHarness(t, map[bond.Tier]int{bond.TierClose: 1}, 0)
	_, err := h.eng.CancelQueue(context.Background(), "ghost", "agent")
	assert.True(t, bond.IsNotFoundError(err))
}

func TestConcurrentEstablishRespectsCapacity(t *testing.T) {
	bothStores(t, func(t *testing.T, st store.Store) {
		const capacity, users = 3, 24
		h := newHarness(t, st, map[bond.Tier]int{bond.TierDevoted: capacity}, 0)
		ctx := context.Background()

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			bonded    int
			positions = make(map[int]bool)
		)
		for i := range users {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := h.eng.Establish(ctx, fmt.Sprintf("user-%02d", i), "agent", bond.TierDevoted, lowMetrics)
				if err != nil {
					t.Errorf("establish: %v", err)
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if res.Bonded {
					bonded++
				} else {
					positions[res.Position] = true
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, capacity, bonded)
		assert.Len(t, positions, users-capacity, "every queued request gets a distinct position")
		for p := 1; p <= users-capacity; p++ {
			assert.True(t, positions[p], "position %d", p)
		}

		occ, err := h.eng.Occupancy(ctx, "agent", bond.TierDevoted)
		require.NoError(t, err)
		assert.Equal(t, capacity, occ.Occupied)
	})
}

func TestOfferWindowReservesSlot(t *testing.T) {
	h := memHarness(t, map[bond.Tier]int{bond.TierClose: 1}, time.Hour)
	ctx := context.Background()

	holder := h.bonded(t, "u1", "agent", bond.TierClose, lowMetrics)
	h.queued(t, "u2", "agent", bond.TierClose, lowMetrics)
	h.rec.Reset()

	_, err := h.eng.Release(ctx, holder.ID, bond.ReasonVoluntary)
	require.NoError(t, err)
	assert.Equal(t, []events.Type{events.BondReleased, events.SlotAvailable}, h.rec.Types())
	offer := h.rec.OfType(events.SlotAvailable)[0]
	assert.Equal(t, "u2", offer.UserID)
	require.NotNil(t, offer.ExpiresAt)
	assert.Equal(t, t0.Add(time.Hour), *offer.ExpiresAt)

	occ, err := h.eng.Occupancy(ctx, "agent", bond.TierClose)
	require.NoError(t, err)
	assert.Equal(t, 1, occ.Reserved)
	assert.Zero(t, occ.Free)

	// The reserved slot is not up for grabs.
	assert.Equal(t, 1, h.queued(t, "u3", "agent", bond.TierClose, lowMetrics))

	b, err := h.eng.AcceptOffer(ctx, "u2", "agent")
	require.NoError(t, err)
	assert.Equal(t, 1, b.SlotNumber)
	assert.Equal(t, bond.StatusActive, b.Status)

	occ, err = h.eng.Occupancy(ctx, "agent", bond.TierClose)
	require.NoError(t, err)
	assert.Equal(t, 1, occ.Occupied)
	assert.Zero(t, occ.Reserved)
}

func TestOfferExpiryCascades(t *testing.T) {
	bothStores(t, func(t *testing.T, st store.Store) {
		h := newHarness(t, st, map[bond.Tier]int{bond.TierClose: 1}, time.Hour)
		ctx := context.Background()

		holder := h.bonded(t, "u1", "agent", bond.TierClose, lowMetrics)
		h.queued(t, "u2", "agent", bond.TierClose, lowMetrics)
		h.queued(t, "u3", "agent", bond.TierClose, midMetrics)
		_, err := h.eng.Release(ctx, holder.ID, bond.ReasonVoluntary)
		require.NoError(t, err)

		h.clock.Advance(2 * time.Hour)
		h.rec.Reset()
		report, err := NewSweeper(h.eng, time.Hour, 2).Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.OffersExpired)

		offers := h.rec.OfType(events.SlotAvailable)
		require.Len(t, offers, 1)
		assert.Equal(t, "u3", offers[0].UserID)

		_, err = h.eng.AcceptOffer(ctx, "u2", "agent")
		assert.True(t, bond.IsNotFoundError(err), "lapsed offer is gone")

		b, err := h.eng.AcceptOffer(ctx, "u3", "agent")
		require.NoError(t, err)
		assert.Equal(t, midMetrics, b.Metrics)
		assert.Equal(t, 1, b.SlotNumber)
	})
}

func TestAcceptAfterDeadlinePassesOfferOn(t *testing.T) {
	h := memHarness(t, map[bond.Tier]int{bond.TierClose: 1}, time.Hour)
	ctx := context.Background()

	holder := h.bonded(t, "u1", "agent", bond.TierClose, lowMetrics)
	h.queued(t, "u2", "agent", bond.TierClose, lowMetrics)
	h.queued(t, "u3", "agent", bond.TierClose, lowMetrics)
	_, err := h.eng.Release(ctx, holder.ID, bond.ReasonVoluntary)
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	_, err = h.eng.AcceptOffer(ctx, "u2", "agent")
	assert.True(t, bond.IsNotFoundError(err))

	res := h.establish(t, "u3", "agent", bond.TierClose, midMetrics)
	assert.True(t, res.Bonded)
	assert.True(t, res.OfferAccepted)
	assert.Equal(t, midMetrics, res.Bond.Metrics, "establish accepts with fresh metrics")
}

func TestDeclineOfferPromotesNext(t *testing.T) {
	h := memHarness(t, map[bond.Tier]int{bond.TierClose: 1}, time.Hour)
	ctx := context.Background()

	holder := h.bonded(t, "u1", "agent", bond.TierClose, lowMetrics)
	h.queued(t, "u2", "agent", bond.TierClose, lowMetrics)
	h.queued(t, "u3", "agent", bond.TierClose, lowMetrics)
	_, err := h.eng.Release(ctx, holder.ID, bond.ReasonVoluntary)
	require.NoError(t, err)
	h.rec.Reset()

	require.NoError(t, h.eng.DeclineOffer(ctx, "u2", "agent"))
	offers := h.rec.OfType(events.SlotAvailable)
	require.Len(t, offers, 1)
	assert.Equal(t, "u3", offers[0].UserID)

	assert.True(t, bond.IsNotFoundError(h.eng.DeclineOffer(ctx, "u2", "agent")))

	// u2 gave up their place and may queue again from the back.
	assert.Equal(t, 1, h.queued(t, "u2", "agent", bond.TierClose, lowMetrics))
}

func TestUpdateMetricsRankAndMilestones(t *testing.T) {
	bothStores(t, func(t *testing.T, st store.Store) {
		h := newHarness(t, st, map[bond.Tier]int{bond.TierClose: 5}, 0)
		ctx := context.Background()

		leader := h.bonded(t, "ua", "agent", bond.TierClose, midMetrics)
		assert.Equal(t, 253.82, leader.RarityScore)
		b := h.bonded(t, "ub", "agent", bond.TierClose, lowMetrics)
		assert.Equal(t, 227.6, b.RarityScore)
		assert.Equal(t, bond.RarityUncommon, b.RarityTier)
		h.rec.Reset()

		one, shared := 1.0, 14
		updated, err := h.eng.UpdateMetrics(ctx, b.ID, bond.MetricsPatch{
			MessageQuality:     &one,
			ConsistencyScore:   &one,
			MutualDisclosure:   &one,
			EmotionalResonance: &one,
			SharedExperiences:  &shared,
		})
		require.NoError(t, err)
		assert.Equal(t, 286.25, updated.RarityScore)
		assert.Equal(t, bond.RarityLegendary, updated.RarityTier)
		assert.Equal(t, 286.25, updated.PeakRarityScore)
		assert.Equal(t, 100.0, updated.AffinityLevel)
		assert.Equal(t, []string{"rarity:rare", "rarity:epic", "rarity:legendary"}, updated.Milestones)

		assert.Equal(t, []events.Type{
			events.BondUpdated,
			events.RankChanged,
			events.MilestoneReached,
			events.MilestoneReached,
			events.MilestoneReached,
		}, h.rec.Types())

		upd := h.rec.OfType(events.BondUpdated)[0]
		assert.Equal(t, 286.25, upd.Changes["rarity_score"])
		assert.Equal(t, bond.RarityLegendary, upd.Changes["rarity_tier"])
		assert.NotContains(t, upd.Changes, "status", "status did not change")

		rank := h.rec.OfType(events.RankChanged)[0]
		assert.Equal(t, 2, rank.OldRank)
		assert.Equal(t, 1, rank.NewRank)

		board, err := h.eng.Leaderboard(ctx, LeaderboardQuery{})
		require.NoError(t, err)
		require.Len(t, board, 2)
		assert.Equal(t, b.ID, board[0].BondID)

		stored, err := h.eng.GetBond(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, updated.Milestones, stored.Milestones)
		assert.Equal(t, updated.Version, stored.Version)

		// Same values again: no new milestones, no rank change.
		h.rec.Reset()
		_, err = h.eng.UpdateMetrics(ctx, b.ID, bond.MetricsPatch{SharedExperiences: &shared})
		require.NoError(t, err)
		assert.Equal(t, []events.Type{events.BondUpdated}, h.rec.Types())
	})
}

func TestUpdateMetricsDurationMilestones(t *testing.T) {
	h := memHarness(t, map[bond.Tier]int{bond.TierClose: 1}, 0)
	b := h.bonded(t, "u1", "agent", bond.TierClose, lowMetrics)

	h.clock.Advance(31 * 24 * time.Hour)
	q := 0.4
	_, err := h.eng.UpdateMetrics(context.Background(), b.ID, bond.MetricsPatch{MessageQuality: &q})
	require.NoError(t, err)

	var reached []string
	for _, ev := range h.rec.OfType(events.MilestoneReached) {
		reached = append(reached, ev.Milestone)
	}
	assert.Equal(t, []string{"duration:7d", "duration:30d"}, reached)
}

func TestUpdateMetricsValidation(t *testing.T) {
	h := memHarness(t, map[bond.Tier]int{bond.TierClose: 1}, 0)
	b := h.bonded(t, "u1", "agent", bond.TierClose, lowMetrics)
	ctx := context.Background()

	_, err := h.eng.UpdateMetrics(ctx, b.ID, bond.MetricsPatch{})
	assert.True(t, bond.IsValidationError(err))
	bad := 2.0
	_, err = h.eng.UpdateMetrics(ctx, b.ID, bond.MetricsPatch{EmotionalResonance: &bad})
	assert.True(t, bond.IsValidationError(err))
	ok := 0.5
	_, err = h.eng.UpdateMetrics(ctx, "missing", bond.MetricsPatch{EmotionalResonance: &ok})
	assert.True(t, bond.IsNotFoundError(err))

	stored, err := h.eng.GetBond(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.Version, stored.Version, "nothing written")
}

func TestReleaseIsTerminal(t *testing.T) {
	bothStores(t, func(t *testing.T, st store.Store) {
		h := newHarness(t, st, map[bond.Tier]int{bond.TierClose: 1}, 0)
		ctx := context.Background()

		b := h.bonded(t, "u1", "agent", bond.TierClose, lowMetrics)
		h.clock.Advance(2 * time.Hour)

		badge, err := h.eng.Release(ctx, b.ID, bond.ReasonAdmin)
		require.NoError(t, err)
		assert.Equal(t, int64(7200), badge.DurationSeconds)
		assert.Equal(t, bond.ReasonAdmin, badge.Reason)
		assert.Equal(t, 227.6, badge.PeakRarityScore)
		assert.Equal(t, bond.TierClose, badge.Tier)
		assert.Equal(t, t0, badge.BondCreatedAt)

		_, err = h.eng.Release(ctx, b.ID, bond.ReasonVoluntary)
		assert.True(t, bond.IsStaleStateError(err), "second release")
		q := 0.9
		_, err = h.eng.UpdateMetrics(ctx, b.ID, bond.MetricsPatch{MessageQuality: &q})
		assert.True(t, bond.IsStaleStateError(err), "update after release")
		_, err = h.eng.MarkAtRisk(ctx, b.ID)
		assert.True(t, bond.IsStaleStateError(err))

		released, err := h.eng.GetBond(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, bond.StatusReleased, released.Status)
		require.NotNil(t, released.ReleasedAt)
		assert.Equal(t, t0.Add(2*time.Hour), *released.ReleasedAt)
		assert.Equal(t, bond.ReasonAdmin, released.ReleaseReason)

		legacy, err := h.eng.GetUserBondLegacy(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, legacy, 1)
		assert.Equal(t, badge.ID, legacy[0].ID)

		alive, err := h.eng.GetUserBonds(ctx, "u1")
		require.NoError(t, err)
		assert.Empty(t, alive)

		again := h.bonded(t, "u1", "agent", bond.TierClose, lowMetrics)
		assert.NotEqual(t, b.ID, again.ID, "a new bond supersedes the released one")
	})
}

func TestReleaseRejectsUnknownReason(t *testing.T) {
	h := memHarness(t, map[bond.Tier]int{bond.TierClose: 1}, 0)
	b := h.bonded(t, "u1", "agent", bond.TierClose, lowMetrics)
	_, err := h.eng.Release(context.Background(), b.ID, "bored")
	assert.True(t, bond.IsValidationError(err))
	assert.NotNil(t, h.alive(t, "u1", "agent"))
}

func TestStaleSnapshotLoses(t *testing.T) {
	h := memHarness(t, map[bond.Tier]int{bond.TierClose: 1}, 0)
	ctx := context.Background()
	b := h.bonded(t, "u1", "agent", bond.TierClose, lowMetrics)

	snapshot, err := h.eng.GetBond(ctx, b.ID)
	require.NoError(t, err)
	q := 0.8
	_, err = h.eng.UpdateMetrics(ctx, b.ID, bond.MetricsPatch{MessageQuality: &q})
	require.NoError(t, err)

	_, err = h.eng.applyDecay(ctx, snapshot, 1)
	assert.True(t, bond.IsStaleStateError(err))
	assert.True(t, bond.IsStaleStateError(h.eng.markAtRisk(ctx, snapshot)))
	_, err = h.eng.release(ctx, snapshot, bond.ReasonDecay)
	assert.True(t, bond.IsStaleStateError(err))

	current := h.alive(t, "u1", "agent")
	require.NotNil(t, current)
	assert.Equal(t, bond.StatusActive, current.Status)
	assert.Equal(t, q, current.Metrics.MessageQuality)
}

func TestSetCapacityPromotesQueue(t *testing.T) {
	h := memHarness(t, map[bond.Tier]int{bond.TierFriend: 1}, 0)
	ctx := context.Background()

	h.bonded(t, "u1", "agent", bond.TierFriend, lowMetrics)
	h.queued(t, "u2", "agent", bond.TierFriend, lowMetrics)
	h.queued(t, "u3", "agent", bond.TierFriend, lowMetrics)
	h.queued(t, "u4", "agent", bond.TierFriend, lowMetrics)

	occ, err := h.eng.SetCapacity(ctx, "agent", bond.TierFriend, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, occ.Capacity)
	assert.Equal(t, 3, occ.Occupied)
	assert.NotNil(t, h.alive(t, "u2", "agent"))
	assert.NotNil(t, h.alive(t, "u3", "agent"))

	pos, _, err := h.eng.QueuePosition(ctx, "u4", "agent")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	_, err = h.eng.SetCapacity(ctx, "agent", bond.TierFriend, 2)
	assert.True(t, bond.IsValidationError(err), "below occupied slots")
	_, err = h.eng.SetCapacity(ctx, "agent", bond.TierFriend, -1)
	assert.True(t, bond.IsValidationError(err))

	other, err := h.eng.Occupancy(ctx, "other-agent", bond.TierFriend)
	require.NoError(t, err)
	assert.Equal(t, 1, other.Capacity, "override is per agent")
}
