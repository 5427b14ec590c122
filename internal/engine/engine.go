package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lazypower/bondline/internal/admission"
	"github.com/lazypower/bondline/internal/bond"
	"github.com/lazypower/bondline/internal/clock"
	"github.com/lazypower/bondline/internal/events"
	"github.com/lazypower/bondline/internal/ledger"
	"github.com/lazypower/bondline/internal/metrics"
	"github.com/lazypower/bondline/internal/rarity"
	"github.com/lazypower/bondline/internal/store"
)

// Config tunes an Engine. Zero-valued policies fall back to the defaults.
type Config struct {
	Capacities map[bond.Tier]int
	Rarity     rarity.Config
	Decay      DecayPolicy

	// AcceptanceWindow is how long a promoted queue head may take to accept
	// its slot. Zero establishes the bond on the head's behalf immediately.
	AcceptanceWindow time.Duration
}

// Engine orchestrates slot allocation, the admission queue, rarity scoring,
// affinity decay and the events raised by each transition.
type Engine struct {
	store  store.Store
	ledger *ledger.Ledger
	queue  *admission.Queue
	rarity rarity.Config
	decay  DecayPolicy
	window time.Duration
	events events.Emitter
	clock  clock.Clock
	log    zerolog.Logger
}

// New creates an Engine over st. A nil emitter discards events and a nil
// clock uses wall time.
func New(st store.Store, cfg Config, emitter events.Emitter, clk clock.Clock, log zerolog.Logger) *Engine {
	if emitter == nil {
		emitter = events.Nop{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.Rarity.TierOffsets == nil {
		cfg.Rarity = rarity.DefaultConfig()
	}
	if cfg.Decay.HalfLife <= 0 {
		cfg.Decay = DefaultDecayPolicy()
	}
	return &Engine{
		store:  st,
		ledger: ledger.New(st, cfg.Capacities),
		queue:  admission.New(st),
		rarity: cfg.Rarity,
		decay:  cfg.Decay,
		window: cfg.AcceptanceWindow,
		events: emitter,
		clock:  clk,
		log:    log.With().Str("component", "engine").Logger(),
	}
}

// now is millisecond-truncated UTC so timestamps round-trip through every store.
func (e *Engine) now() time.Time {
	return e.clock.Now().UTC().Truncate(time.Millisecond)
}

func (e *Engine) emit(ev events.Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.now()
	}
	e.events.Emit(ev)
}

func observe(operation string, start time.Time) {
	metrics.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// errorOutcome labels a failed request for metrics.
func errorOutcome(err error) string {
	switch {
	case bond.IsValidationError(err):
		return "invalid"
	case bond.IsConflictError(err):
		return "conflict"
	case bond.IsStaleStateError(err):
		return "stale"
	case bond.IsNotFoundError(err):
		return "not_found"
	default:
		return "error"
	}
}

// EstablishResult is the outcome of Establish: either a bond or a place in
// the queue.
type EstablishResult struct {
	Bonded        bool             `json:"bonded"`
	Bond          *bond.Bond       `json:"bond,omitempty"`
	Position      int              `json:"position,omitempty"`
	Entry         *bond.QueueEntry `json:"entry,omitempty"`
	OfferAccepted bool             `json:"offer_accepted,omitempty"`
}

// Establish requests a bond between userID and agentID at tier. When the
// pool is full, or earlier requests are still waiting, the request is queued
// instead. A user holding an offer in the pool accepts it.
func (e *Engine) Establish(ctx context.Context, userID, agentID string, tier bond.Tier, m bond.Metrics) (res *EstablishResult, err error) {
	defer observe("establish", time.Now())
	defer func() {
		var outcome string
		switch {
		case err != nil:
			outcome = errorOutcome(err)
		case res.OfferAccepted:
			outcome = "offer_accepted"
		case res.Bonded:
			outcome = "bonded"
		default:
			outcome = "queued"
		}
		metrics.Establishes.WithLabelValues(tier.String(), outcome).Inc()
	}()

	if err := bond.ValidateIdentity(userID, agentID); err != nil {
		return nil, err
	}
	if err := bond.ValidateTier(tier); err != nil {
		return nil, err
	}
	if err := bond.ValidateMetrics(m); err != nil {
		return nil, err
	}

	key := bond.PoolKey{AgentID: agentID, Tier: tier}

	// A lapsed offer in another pool is expired under that pool's own lock
	// before this one is taken.
	stale, err := e.ledger.OfferFor(ctx, userID, agentID)
	if err != nil {
		return nil, fmt.Errorf("establish: %w", err)
	}
	if stale != nil && stale.Tier != tier && !e.now().Before(stale.ExpiresAt) {
		if _, err := e.expireOffer(ctx, stale); err != nil {
			return nil, fmt.Errorf("establish: %w", err)
		}
	}

	unlock := e.ledger.Lock(key)
	defer unlock()

	existing, err := e.store.AliveBondFor(ctx, userID, agentID)
	if err != nil {
		return nil, fmt.Errorf("establish: %w", err)
	}
	if existing != nil {
		return nil, bond.NewConflictError("bond", fmt.Sprintf("user %s already has an alive bond with agent %s", userID, agentID))
	}
	queued, err := e.store.GetQueueEntry(ctx, userID, agentID)
	if err != nil {
		return nil, fmt.Errorf("establish: %w", err)
	}
	if queued != nil {
		return nil, bond.NewConflictError("queue", fmt.Sprintf("user %s is already queued for agent %s", userID, agentID))
	}

	offer, err := e.ledger.OfferFor(ctx, userID, agentID)
	if err != nil {
		return nil, fmt.Errorf("establish: %w", err)
	}
	if offer != nil && !e.now().Before(offer.ExpiresAt) && offer.Tier == tier {
		if err := e.expireLocked(ctx, offer); err != nil {
			return nil, err
		}
		offer = nil
	}
	if offer != nil {
		if offer.Tier != tier {
			return nil, bond.NewConflictError("offer", fmt.Sprintf("user %s holds an offer from agent %s at tier %s", userID, agentID, offer.Tier))
		}
		b, err := e.acceptLocked(ctx, offer, m)
		if err != nil {
			return nil, err
		}
		return &EstablishResult{Bonded: true, Bond: b, OfferAccepted: true}, nil
	}

	waiting, err := e.queue.Len(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("establish: %w", err)
	}
	if waiting == 0 {
		b, err := e.createBond(ctx, key, userID, m)
		if err == nil {
			e.emitEstablished(b)
			return &EstablishResult{Bonded: true, Bond: b}, nil
		}
		if !errors.Is(err, ledger.ErrFull) {
			return nil, err
		}
	}
	return e.enqueueLocked(ctx, key, userID, m)
}

// createBond claims a slot and persists a fresh active bond in it. The slot
// is handed back if the insert fails. Hold the pool lock.
func (e *Engine) createBond(ctx context.Context, key bond.PoolKey, userID string, m bond.Metrics) (*bond.Bond, error) {
	id := uuid.NewString()
	h, err := e.ledger.TryClaim(ctx, key, userID, id)
	if err != nil {
		return nil, err
	}
	b := e.newBond(id, key, userID, m, h.Slot)
	if err := e.store.InsertBond(ctx, b); err != nil {
		if rerr := e.ledger.Release(ctx, h); rerr != nil {
			e.log.Error().Err(rerr).Str("bond_id", id).Msg("failed to hand back slot after insert error")
		}
		return nil, fmt.Errorf("insert bond: %w", err)
	}
	e.refreshOccupancy(ctx, key)
	return b, nil
}

func (e *Engine) newBond(id string, key bond.PoolKey, userID string, m bond.Metrics, slot int) *bond.Bond {
	now := e.now()
	r := e.rarity.Compute(key.Tier, m, 0)
	affinity := e.decay.Interact(0, e.rarity.Weighted(m))
	b := &bond.Bond{
		ID:                id,
		UserID:            userID,
		AgentID:           key.AgentID,
		Tier:              key.Tier,
		Status:            bond.StatusActive,
		Metrics:           m,
		RarityScore:       r.Score,
		RarityTier:        r.Label,
		PeakRarityScore:   r.Score,
		PeakRarityTier:    r.Label,
		AffinityLevel:     affinity,
		AffinityBase:      affinity,
		SlotNumber:        slot,
		CreatedAt:         now,
		LastInteractionAt: now,
	}
	// Milestones already satisfied at creation are recorded without events.
	b.Milestones = reachedMilestones(b, now)
	return b
}

func (e *Engine) emitEstablished(b *bond.Bond) {
	e.log.Info().
		Str("bond_id", b.ID).
		Str("user_id", b.UserID).
		Str("agent_id", b.AgentID).
		Stringer("tier", b.Tier).
		Int("slot", b.SlotNumber).
		Float64("rarity_score", b.RarityScore).
		Msg("bond established")
	e.emit(events.Event{
		Type:        events.BondEstablished,
		UserID:      b.UserID,
		AgentID:     b.AgentID,
		Tier:        b.Tier,
		BondID:      b.ID,
		Slot:        b.SlotNumber,
		RarityScore: b.RarityScore,
		RarityTier:  b.RarityTier,
	})
}

func (e *Engine) enqueueLocked(ctx context.Context, key bond.PoolKey, userID string, m bond.Metrics) (*EstablishResult, error) {
	entry := &bond.QueueEntry{
		UserID:      userID,
		AgentID:     key.AgentID,
		Tier:        key.Tier,
		Metrics:     m,
		RequestedAt: e.now(),
	}
	pos, err := e.queue.Enqueue(ctx, entry)
	if err != nil {
		return nil, err
	}
	e.log.Debug().
		Str("user_id", userID).
		Str("agent_id", key.AgentID).
		Stringer("tier", key.Tier).
		Int("position", pos).
		Msg("request queued")
	e.emit(events.Event{
		Type:     events.QueuePositionChanged,
		UserID:   userID,
		AgentID:  key.AgentID,
		Tier:     key.Tier,
		Position: pos,
	})
	return &EstablishResult{Position: pos, Entry: entry}, nil
}

// GetBond returns a bond in any state.
func (e *Engine) GetBond(ctx context.Context, bondID string) (*bond.Bond, error) {
	b, err := e.store.GetBond(ctx, bondID)
	if err != nil {
		return nil, fmt.Errorf("get bond: %w", err)
	}
	if b == nil {
		return nil, bond.NewNotFoundError("bond", bondID)
	}
	return b, nil
}

// loadAlive returns the bond or StaleStateError if it was already released.
func (e *Engine) loadAlive(ctx context.Context, bondID string) (*bond.Bond, error) {
	b, err := e.GetBond(ctx, bondID)
	if err != nil {
		return nil, err
	}
	if !b.Status.Alive() {
		return nil, bond.NewStaleStateError(b.ID, "bond is released")
	}
	return b, nil
}

// GetUserBonds returns the user's alive bonds, newest first.
func (e *Engine) GetUserBonds(ctx context.Context, userID string) ([]*bond.Bond, error) {
	if userID == "" {
		return nil, bond.NewValidationError("user_id", "required")
	}
	return e.store.ListUserBonds(ctx, userID)
}

// GetUserBondLegacy returns the badges of the user's released bonds.
func (e *Engine) GetUserBondLegacy(ctx context.Context, userID string) ([]*bond.LegacyBadge, error) {
	if userID == "" {
		return nil, bond.NewValidationError("user_id", "required")
	}
	return e.store.ListBadges(ctx, userID)
}

// Occupancy reports a pool's capacity and usage.
func (e *Engine) Occupancy(ctx context.Context, agentID string, tier bond.Tier) (ledger.Occupancy, error) {
	if agentID == "" {
		return ledger.Occupancy{}, bond.NewValidationError("agent_id", "required")
	}
	if err := bond.ValidateTier(tier); err != nil {
		return ledger.Occupancy{}, err
	}
	return e.ledger.Occupancy(ctx, bond.PoolKey{AgentID: agentID, Tier: tier})
}

// SetCapacity overrides a pool's capacity. Raising it promotes queue heads
// into the new slots.
func (e *Engine) SetCapacity(ctx context.Context, agentID string, tier bond.Tier, capacity int) (ledger.Occupancy, error) {
	if agentID == "" {
		return ledger.Occupancy{}, bond.NewValidationError("agent_id", "required")
	}
	if err := bond.ValidateTier(tier); err != nil {
		return ledger.Occupancy{}, err
	}
	key := bond.PoolKey{AgentID: agentID, Tier: tier}
	unlock := e.ledger.Lock(key)
	defer unlock()

	if err := e.ledger.SetCapacity(ctx, key, capacity); err != nil {
		return ledger.Occupancy{}, err
	}
	e.log.Info().Str("agent_id", agentID).Stringer("tier", tier).Int("capacity", capacity).Msg("capacity set")
	if err := e.promoteLocked(ctx, key); err != nil {
		return ledger.Occupancy{}, err
	}
	return e.ledger.Occupancy(ctx, key)
}

func (e *Engine) refreshOccupancy(ctx context.Context, key bond.PoolKey) {
	occ, err := e.ledger.Occupancy(ctx, key)
	if err != nil {
		return
	}
	metrics.PoolOccupancy.WithLabelValues(key.AgentID, key.Tier.String()).Set(float64(occ.Occupied))
}

// Ping checks that the backing store is reachable, when it can tell.
func (e *Engine) Ping(ctx context.Context) error {
	if p, ok := e.store.(interface{ PingContext(context.Context) error }); ok {
		return p.PingContext(ctx)
	}
	return nil
}
