package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lazypower/bondline/internal/bond"
	"github.com/lazypower/bondline/internal/events"
	"github.com/lazypower/bondline/internal/metrics"
)

// promoteLocked hands every free slot in the pool to the queue, head first.
// With no acceptance window the head is bonded immediately from its metrics
// snapshot; otherwise the slot is reserved as an offer. Heads that can no
// longer be bonded are dropped and the next one is tried. A head leaves the
// queue only after its bond or offer is written, so a failed write keeps it
// in place for the next attempt. Hold the pool lock.
func (e *Engine) promoteLocked(ctx context.Context, key bond.PoolKey) error {
	dequeued := false
	defer func() {
		if dequeued {
			e.emitQueuePositions(ctx, key)
		}
	}()

	for {
		occ, err := e.ledger.Occupancy(ctx, key)
		if err != nil {
			return err
		}
		if occ.Free == 0 {
			return nil
		}
		head, err := e.queue.Peek(ctx, key)
		if err != nil {
			return err
		}
		if head == nil {
			e.emit(events.Event{Type: events.SlotAvailable, AgentID: key.AgentID, Tier: key.Tier})
			return nil
		}

		perr := e.promoteHead(ctx, key, head)
		if perr != nil && !bond.IsConflictError(perr) {
			metrics.Promotions.WithLabelValues(key.Tier.String(), "failed").Inc()
			return fmt.Errorf("promote %s: %w", head.UserID, perr)
		}
		if err := e.queue.Remove(ctx, head); err != nil {
			return err
		}
		dequeued = true

		if perr != nil {
			metrics.Promotions.WithLabelValues(key.Tier.String(), "dropped").Inc()
			e.log.Warn().Err(perr).
				Str("user_id", head.UserID).
				Str("pool", key.String()).
				Msg("dropping queue head that can no longer bond")
		}
	}
}

// ResumeQueues promotes waiting heads into every pool that has a free slot
// while its queue is non-empty. Pools end up that way when a promotion
// write failed after a release. It returns how many pools it resumed;
// per-pool failures are logged and left for the next call.
func (e *Engine) ResumeQueues(ctx context.Context) (int, error) {
	pools, err := e.queue.Pools(ctx)
	if err != nil {
		return 0, fmt.Errorf("list queued pools: %w", err)
	}
	resumed := 0
	for _, key := range pools {
		if err := ctx.Err(); err != nil {
			return resumed, err
		}
		ok, err := e.resumePool(ctx, key)
		if err != nil {
			e.log.Error().Err(err).Str("pool", key.String()).Msg("resume queue")
			continue
		}
		if ok {
			resumed++
		}
	}
	return resumed, nil
}

func (e *Engine) resumePool(ctx context.Context, key bond.PoolKey) (bool, error) {
	unlock := e.ledger.Lock(key)
	defer unlock()

	occ, err := e.ledger.Occupancy(ctx, key)
	if err != nil {
		return false, err
	}
	if occ.Free == 0 {
		return false, nil
	}
	head, err := e.queue.Peek(ctx, key)
	if err != nil || head == nil {
		return false, err
	}
	e.log.Warn().
		Str("pool", key.String()).
		Int("free", occ.Free).
		Str("head", head.UserID).
		Msg("resuming stalled queue")
	if err := e.promoteLocked(ctx, key); err != nil {
		return false, err
	}
	e.refreshOccupancy(ctx, key)
	return true, nil
}

func (e *Engine) promoteHead(ctx context.Context, key bond.PoolKey, head *bond.QueueEntry) error {
	if e.window <= 0 {
		b, err := e.createBond(ctx, key, head.UserID, head.Metrics)
		if err != nil {
			return err
		}
		metrics.Promotions.WithLabelValues(key.Tier.String(), "bonded").Inc()
		e.emit(events.Event{
			Type:    events.SlotAvailable,
			UserID:  head.UserID,
			AgentID: key.AgentID,
			Tier:    key.Tier,
			Slot:    b.SlotNumber,
		})
		e.emitEstablished(b)
		return nil
	}

	now := e.now()
	offer := &bond.Offer{
		AgentID:     key.AgentID,
		Tier:        key.Tier,
		UserID:      head.UserID,
		Metrics:     head.Metrics,
		RequestedAt: head.RequestedAt,
		OfferedAt:   now,
		ExpiresAt:   now.Add(e.window),
	}
	if err := e.ledger.Reserve(ctx, offer); err != nil {
		return err
	}
	metrics.Promotions.WithLabelValues(key.Tier.String(), "offered").Inc()
	e.log.Info().
		Str("user_id", offer.UserID).
		Str("pool", key.String()).
		Int("slot", offer.SlotNumber).
		Time("expires_at", offer.ExpiresAt).
		Msg("slot offered")
	expires := offer.ExpiresAt
	e.emit(events.Event{
		Type:      events.SlotAvailable,
		UserID:    offer.UserID,
		AgentID:   key.AgentID,
		Tier:      key.Tier,
		Slot:      offer.SlotNumber,
		ExpiresAt: &expires,
	})
	return nil
}

// emitQueuePositions tells every entry still waiting in the pool where it
// now stands.
func (e *Engine) emitQueuePositions(ctx context.Context, key bond.PoolKey) {
	entries, err := e.queue.List(ctx, key)
	if err != nil {
		e.log.Error().Err(err).Str("pool", key.String()).Msg("list queue for position updates")
		return
	}
	for i, entry := range entries {
		e.emit(events.Event{
			Type:     events.QueuePositionChanged,
			UserID:   entry.UserID,
			AgentID:  entry.AgentID,
			Tier:     entry.Tier,
			Position: i + 1,
		})
	}
}

// acceptLocked turns the pair's reserved slot into a bond. If the bond
// cannot be written the slot goes to the next head. Hold the pool lock.
func (e *Engine) acceptLocked(ctx context.Context, offer *bond.Offer, m bond.Metrics) (*bond.Bond, error) {
	key := offer.Pool()
	id := uuid.NewString()
	h, _, err := e.ledger.ClaimReserved(ctx, offer.UserID, offer.AgentID, id)
	if err != nil {
		return nil, err
	}
	b := e.newBond(id, key, offer.UserID, m, h.Slot)
	if err := e.store.InsertBond(ctx, b); err != nil {
		if rerr := e.ledger.Release(ctx, h); rerr != nil {
			e.log.Error().Err(rerr).Str("bond_id", id).Msg("failed to hand back offered slot")
		} else if perr := e.promoteLocked(ctx, key); perr != nil {
			e.log.Error().Err(perr).Str("pool", key.String()).Msg("promotion after failed accept")
		}
		return nil, fmt.Errorf("insert bond: %w", err)
	}
	e.refreshOccupancy(ctx, key)
	e.emitEstablished(b)
	return b, nil
}

// AcceptOffer bonds the user into the slot they were offered, using the
// metrics captured when they queued.
func (e *Engine) AcceptOffer(ctx context.Context, userID, agentID string) (*bond.Bond, error) {
	defer observe("accept_offer", time.Now())

	if err := bond.ValidateIdentity(userID, agentID); err != nil {
		return nil, err
	}
	offer, err := e.ledger.OfferFor(ctx, userID, agentID)
	if err != nil {
		return nil, fmt.Errorf("accept offer: %w", err)
	}
	if offer == nil {
		return nil, noOffer(userID, agentID)
	}

	key := offer.Pool()
	unlock := e.ledger.Lock(key)
	defer unlock()

	// Re-read under the lock: the sweeper may have expired it meanwhile.
	offer, err = e.ledger.OfferFor(ctx, userID, agentID)
	if err != nil {
		return nil, fmt.Errorf("accept offer: %w", err)
	}
	if offer == nil {
		return nil, noOffer(userID, agentID)
	}
	if !e.now().Before(offer.ExpiresAt) {
		if err := e.expireLocked(ctx, offer); err != nil {
			return nil, err
		}
		return nil, bond.NewNotFoundError("offer", fmt.Sprintf("offer for user %s from agent %s expired at %s", userID, agentID, offer.ExpiresAt.Format(time.RFC3339)))
	}

	b, err := e.acceptLocked(ctx, offer, offer.Metrics)
	if err != nil {
		return nil, err
	}
	metrics.Establishes.WithLabelValues(key.Tier.String(), "offer_accepted").Inc()
	return b, nil
}

// DeclineOffer gives up an offered slot; it passes to the next queue head.
func (e *Engine) DeclineOffer(ctx context.Context, userID, agentID string) error {
	if err := bond.ValidateIdentity(userID, agentID); err != nil {
		return err
	}
	offer, err := e.ledger.OfferFor(ctx, userID, agentID)
	if err != nil {
		return fmt.Errorf("decline offer: %w", err)
	}
	if offer == nil {
		return noOffer(userID, agentID)
	}

	key := offer.Pool()
	unlock := e.ledger.Lock(key)
	defer unlock()

	ok, err := e.ledger.CancelReservation(ctx, userID, agentID)
	if err != nil {
		return fmt.Errorf("decline offer: %w", err)
	}
	if !ok {
		return noOffer(userID, agentID)
	}
	e.log.Info().Str("user_id", userID).Str("pool", key.String()).Msg("offer declined")
	return e.promoteLocked(ctx, key)
}

// ExpireOffers cancels every offer whose window has closed and promotes the
// next head into each freed slot. It returns the number expired.
func (e *Engine) ExpireOffers(ctx context.Context) (int, error) {
	offers, err := e.ledger.ExpiredOffers(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("list expired offers: %w", err)
	}
	expired := 0
	for _, o := range offers {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		n, err := e.expireOffer(ctx, o)
		if err != nil {
			e.log.Error().Err(err).Str("user_id", o.UserID).Str("pool", o.Pool().String()).Msg("expire offer")
			continue
		}
		expired += n
	}
	return expired, nil
}

func (e *Engine) expireOffer(ctx context.Context, o *bond.Offer) (int, error) {
	unlock := e.ledger.Lock(o.Pool())
	defer unlock()

	cur, err := e.ledger.OfferFor(ctx, o.UserID, o.AgentID)
	if err != nil {
		return 0, err
	}
	// Accepted, declined or re-offered since it was listed.
	if cur == nil || !cur.OfferedAt.Equal(o.OfferedAt) || e.now().Before(cur.ExpiresAt) {
		return 0, nil
	}
	if err := e.expireLocked(ctx, cur); err != nil {
		return 0, err
	}
	return 1, nil
}

func (e *Engine) expireLocked(ctx context.Context, o *bond.Offer) error {
	ok, err := e.ledger.CancelReservation(ctx, o.UserID, o.AgentID)
	if err != nil {
		return fmt.Errorf("cancel offer: %w", err)
	}
	if !ok {
		return nil
	}
	metrics.OffersExpired.Inc()
	e.log.Info().Str("user_id", o.UserID).Str("pool", o.Pool().String()).Msg("offer expired")
	return e.promoteLocked(ctx, o.Pool())
}

func noOffer(userID, agentID string) error {
	return bond.NewNotFoundError("offer", fmt.Sprintf("no offer for user %s from agent %s", userID, agentID))
}

// QueuePosition returns the user's 1-based place in the agent's queue.
func (e *Engine) QueuePosition(ctx context.Context, userID, agentID string) (int, *bond.QueueEntry, error) {
	if err := bond.ValidateIdentity(userID, agentID); err != nil {
		return 0, nil, err
	}
	return e.queue.PositionOf(ctx, userID, agentID)
}

// CancelQueue withdraws the user's queued request. Everyone behind moves up
// one place without changing relative order.
func (e *Engine) CancelQueue(ctx context.Context, userID, agentID string) (*bond.QueueEntry, error) {
	if err := bond.ValidateIdentity(userID, agentID); err != nil {
		return nil, err
	}
	_, entry, err := e.queue.PositionOf(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}
	key := entry.Pool()
	unlock := e.ledger.Lock(key)
	defer unlock()

	entry, err = e.queue.Cancel(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}
	e.log.Debug().Str("user_id", userID).Str("pool", key.String()).Msg("queue entry cancelled")
	e.emitQueuePositions(ctx, key)
	return entry, nil
}
