// Package ledger tracks slot ownership per (agent, tier) pool.
//
// Every ledger call is atomic on its own: the store checks and writes inside
// one transaction. Lock is for callers that need several calls to appear as
// one step, such as release followed by promotion of the queue head.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lazypower/bondline/internal/bond"
	"github.com/lazypower/bondline/internal/store"
)

// ErrFull means the pool has no free slot. Callers queue the request.
var ErrFull = errors.New("ledger: pool full")

// Handle identifies a claimed slot.
type Handle struct {
	Pool   bond.PoolKey
	Slot   int
	BondID string
}

// Occupancy is a snapshot of one pool.
type Occupancy struct {
	AgentID  string    `json:"agent_id"`
	Tier     bond.Tier `json:"tier"`
	Capacity int       `json:"capacity"`
	Occupied int       `json:"occupied"`
	Reserved int       `json:"reserved"`
	Free     int       `json:"free"`
}

// Ledger hands out slots against per-tier default capacities, optionally
// overridden per agent.
type Ledger struct {
	slots    store.Slots
	defaults map[bond.Tier]int

	mu    sync.Mutex
	locks map[bond.PoolKey]*sync.Mutex
}

// New creates a ledger over slots. Tiers missing from defaults have zero
// capacity until an override is set.
func New(slots store.Slots, defaults map[bond.Tier]int) *Ledger {
	d := make(map[bond.Tier]int, len(defaults))
	for t, n := range defaults {
		d[t] = n
	}
	return &Ledger{
		slots:    slots,
		defaults: d,
		locks:    make(map[bond.PoolKey]*sync.Mutex),
	}
}

// Lock acquires the pool's mutex and returns its unlock function.
func (l *Ledger) Lock(key bond.PoolKey) func() {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Capacity returns the pool's effective capacity.
func (l *Ledger) Capacity(ctx context.Context, key bond.PoolKey) (int, error) {
	n, ok, err := l.slots.CapacityOverride(ctx, key)
	if err != nil {
		return 0, err
	}
	if ok {
		return n, nil
	}
	return l.defaults[key.Tier], nil
}

// TryClaim takes a free slot for bondID, or returns ErrFull.
func (l *Ledger) TryClaim(ctx context.Context, key bond.PoolKey, userID, bondID string) (Handle, error) {
	capacity, err := l.Capacity(ctx, key)
	if err != nil {
		return Handle{}, err
	}
	slot, err := l.slots.ClaimSlot(ctx, key, capacity, userID, bondID)
	if errors.Is(err, store.ErrPoolFull) {
		return Handle{}, ErrFull
	}
	if err != nil {
		return Handle{}, fmt.Errorf("claim %s: %w", key, err)
	}
	return Handle{Pool: key, Slot: slot, BondID: bondID}, nil
}

// Release frees a claimed slot.
func (l *Ledger) Release(ctx context.Context, h Handle) error {
	if err := l.slots.FreeSlot(ctx, h.Pool, h.Slot); err != nil {
		return fmt.Errorf("release %s slot %d: %w", h.Pool, h.Slot, err)
	}
	return nil
}

// Occupancy reports capacity and usage of a pool.
func (l *Ledger) Occupancy(ctx context.Context, key bond.PoolKey) (Occupancy, error) {
	capacity, err := l.Capacity(ctx, key)
	if err != nil {
		return Occupancy{}, err
	}
	u, err := l.slots.PoolUsage(ctx, key)
	if err != nil {
		return Occupancy{}, err
	}
	free := capacity - u.Occupied - u.Reserved
	if free < 0 {
		free = 0
	}
	return Occupancy{
		AgentID:  key.AgentID,
		Tier:     key.Tier,
		Capacity: capacity,
		Occupied: u.Occupied,
		Reserved: u.Reserved,
		Free:     free,
	}, nil
}

// Reserve holds a free slot for an offer, or returns ErrFull.
func (l *Ledger) Reserve(ctx context.Context, o *bond.Offer) error {
	capacity, err := l.Capacity(ctx, o.Pool())
	if err != nil {
		return err
	}
	err = l.slots.ReserveSlot(ctx, capacity, o)
	if errors.Is(err, store.ErrPoolFull) {
		return ErrFull
	}
	return err
}

// ClaimReserved binds the pair's offered slot to bondID.
func (l *Ledger) ClaimReserved(ctx context.Context, userID, agentID, bondID string) (Handle, *bond.Offer, error) {
	o, err := l.slots.ClaimReservedSlot(ctx, userID, agentID, bondID)
	if err != nil {
		return Handle{}, nil, err
	}
	return Handle{Pool: o.Pool(), Slot: o.SlotNumber, BondID: bondID}, o, nil
}

// CancelReservation frees the pair's offered slot.
func (l *Ledger) CancelReservation(ctx context.Context, userID, agentID string) (bool, error) {
	return l.slots.CancelOffer(ctx, userID, agentID)
}

// OfferFor returns the pair's outstanding offer, or nil.
func (l *Ledger) OfferFor(ctx context.Context, userID, agentID string) (*bond.Offer, error) {
	return l.slots.GetOffer(ctx, userID, agentID)
}

// ExpiredOffers lists offers whose acceptance window closed by now.
func (l *Ledger) ExpiredOffers(ctx context.Context, now time.Time) ([]*bond.Offer, error) {
	return l.slots.ListExpiredOffers(ctx, now)
}

// SetCapacity overrides the pool's capacity. It refuses to drop below the
// slots currently occupied or reserved. Hold the pool lock.
func (l *Ledger) SetCapacity(ctx context.Context, key bond.PoolKey, capacity int) error {
	if capacity < 0 {
		return bond.NewValidationError("capacity", "must not be negative")
	}
	u, err := l.slots.PoolUsage(ctx, key)
	if err != nil {
		return err
	}
	if used := u.Occupied + u.Reserved; capacity < used {
		return bond.NewValidationError("capacity", fmt.Sprintf("%d is below the %d slots in use", capacity, used))
	}
	return l.slots.SetCapacityOverride(ctx, key, capacity)
}
