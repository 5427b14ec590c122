package store

import (
	"context"
	"errors"
	"time"

	"github.com/lazypower/bondline/internal/bond"
)

// ErrPoolFull is returned by slot claims and reservations when every slot in
// the pool is occupied or reserved.
var ErrPoolFull = errors.New("store: pool full")

// Store exposes the persistence operations the ledger, admission queue and
// lifecycle engine need. Implementations: *DB (SQLite) and memstore.
type Store interface {
	Bonds
	Slots
	Queue
	Close() error
}

// Bonds persists bonds and the legacy badges written when they are released.
type Bonds interface {
	// InsertBond stores a new alive bond. ConflictError if the (user, agent)
	// pair already has an alive bond.
	InsertBond(ctx context.Context, b *bond.Bond) error
	// GetBond returns nil, nil when the bond does not exist.
	GetBond(ctx context.Context, id string) (*bond.Bond, error)
	AliveBondFor(ctx context.Context, userID, agentID string) (*bond.Bond, error)
	// UpdateBond writes b if its Version still matches the stored row and the
	// bond is alive, then increments b.Version. StaleStateError otherwise.
	UpdateBond(ctx context.Context, b *bond.Bond) error
	// ReleaseBond marks b released, writes the badge and frees the bond's slot
	// in one transaction. Same version rules as UpdateBond.
	ReleaseBond(ctx context.Context, b *bond.Bond, badge *bond.LegacyBadge) error
	// ListUserBonds returns the user's alive bonds, newest first.
	ListUserBonds(ctx context.Context, userID string) ([]*bond.Bond, error)
	// ListAliveBonds returns alive bonds in leaderboard order, optionally
	// restricted to one tier.
	ListAliveBonds(ctx context.Context, tier *bond.Tier) ([]*bond.Bond, error)
	// ListBadges returns the user's legacy badges, most recent release first.
	ListBadges(ctx context.Context, userID string) ([]*bond.LegacyBadge, error)
}

// Usage is the slot usage of one pool.
type Usage struct {
	Occupied int
	Reserved int
}

// Slots persists slot ownership, offers and per-agent capacity overrides.
type Slots interface {
	// ClaimSlot takes the lowest free slot number in 1..capacity for bondID.
	// ErrPoolFull when occupied + reserved >= capacity.
	ClaimSlot(ctx context.Context, key bond.PoolKey, capacity int, userID, bondID string) (int, error)
	FreeSlot(ctx context.Context, key bond.PoolKey, slot int) error
	PoolUsage(ctx context.Context, key bond.PoolKey) (Usage, error)
	// ReserveSlot holds a slot for o and sets o.SlotNumber. ErrPoolFull when
	// no slot is free; ConflictError if the pair already holds an offer.
	ReserveSlot(ctx context.Context, capacity int, o *bond.Offer) error
	// ClaimReservedSlot converts the pair's offer into an occupied slot bound
	// to bondID. NotFoundError when there is no offer.
	ClaimReservedSlot(ctx context.Context, userID, agentID, bondID string) (*bond.Offer, error)
	// GetOffer returns nil, nil when the pair holds no offer.
	GetOffer(ctx context.Context, userID, agentID string) (*bond.Offer, error)
	CancelOffer(ctx context.Context, userID, agentID string) (bool, error)
	ListExpiredOffers(ctx context.Context, now time.Time) ([]*bond.Offer, error)
	CapacityOverride(ctx context.Context, key bond.PoolKey) (int, bool, error)
	SetCapacityOverride(ctx context.Context, key bond.PoolKey, capacity int) error
}

// Queue persists admission queue entries in FIFO order per pool.
type Queue interface {
	// Enqueue stores e and sets e.Seq. ConflictError if the pair is already
	// queued or already has an alive bond.
	Enqueue(ctx context.Context, e *bond.QueueEntry) error
	// PopQueueHead removes and returns the first entry of the pool, or nil.
	PopQueueHead(ctx context.Context, key bond.PoolKey) (*bond.QueueEntry, error)
	// GetQueueEntry returns nil, nil when the pair is not queued.
	GetQueueEntry(ctx context.Context, userID, agentID string) (*bond.QueueEntry, error)
	DeleteQueueEntry(ctx context.Context, userID, agentID string) (bool, error)
	// ListQueue returns the pool's entries ordered by (RequestedAt, Seq).
	ListQueue(ctx context.Context, key bond.PoolKey) ([]*bond.QueueEntry, error)
	// QueuedPools returns every pool with at least one entry, ordered by
	// (AgentID, Tier).
	QueuedPools(ctx context.Context) ([]bond.PoolKey, error)
	CountQueued(ctx context.Context) (int, error)
}
