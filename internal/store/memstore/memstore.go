// Package memstore is an in-memory store.Store used by tests and by the
// "memory" database driver.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lazypower/bondline/internal/bond"
	"github.com/lazypower/bondline/internal/store"
)

type pairKey struct {
	userID  string
	agentID string
}

type slotKey struct {
	pool bond.PoolKey
	slot int
}

type slot struct {
	reserved bool
	userID   string
	bondID   string
	offer    *bond.Offer
}

// Store keeps everything in maps behind one mutex. Values are copied on the
// way in and out so callers never share memory with the store.
type Store struct {
	mu       sync.Mutex
	bonds    map[string]*bond.Bond
	alive    map[pairKey]string
	badges   []*bond.LegacyBadge
	slots    map[slotKey]*slot
	capacity map[bond.PoolKey]int
	queue    []*bond.QueueEntry
	seq      int64
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		bonds:    make(map[string]*bond.Bond),
		alive:    make(map[pairKey]string),
		slots:    make(map[slotKey]*slot),
		capacity: make(map[bond.PoolKey]int),
	}
}

func (s *Store) Close() error { return nil }

func copyBond(b *bond.Bond) *bond.Bond {
	c := *b
	c.Milestones = append([]string(nil), b.Milestones...)
	if b.ReleasedAt != nil {
		t := *b.ReleasedAt
		c.ReleasedAt = &t
	}
	return &c
}

func (s *Store) InsertBond(_ context.Context, b *bond.Bond) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pk := pairKey{b.UserID, b.AgentID}
	if _, ok := s.alive[pk]; ok {
		return bond.NewConflictError("bond", fmt.Sprintf("user %s already has an alive bond with agent %s", b.UserID, b.AgentID))
	}
	if _, ok := s.bonds[b.ID]; ok {
		return bond.NewConflictError("bond", fmt.Sprintf("bond %s already exists", b.ID))
	}
	if b.Version == 0 {
		b.Version = 1
	}
	s.bonds[b.ID] = copyBond(b)
	if b.Status.Alive() {
		s.alive[pk] = b.ID
	}
	return nil
}

func (s *Store) GetBond(_ context.Context, id string) (*bond.Bond, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bonds[id]
	if !ok {
		return nil, nil
	}
	return copyBond(b), nil
}

func (s *Store) AliveBondFor(_ context.Context, userID, agentID string) (*bond.Bond, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.alive[pairKey{userID, agentID}]
	if !ok {
		return nil, nil
	}
	return copyBond(s.bonds[id]), nil
}

// checkVersion returns the stored bond if b may be written over it.
func (s *Store) checkVersion(b *bond.Bond) (*bond.Bond, error) {
	cur, ok := s.bonds[b.ID]
	if !ok || cur.Version != b.Version || !cur.Status.Alive() {
		return nil, bond.NewStaleStateError(b.ID, "bond changed or was released")
	}
	return cur, nil
}

func (s *Store) UpdateBond(_ context.Context, b *bond.Bond) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.checkVersion(b)
	if err != nil {
		return err
	}
	next := copyBond(b)
	// Identity and release fields are not writable through UpdateBond.
	next.UserID, next.AgentID, next.Tier = cur.UserID, cur.AgentID, cur.Tier
	next.SlotNumber, next.CreatedAt = cur.SlotNumber, cur.CreatedAt
	next.ReleasedAt, next.ReleaseReason = nil, ""
	next.Version = cur.Version + 1
	s.bonds[b.ID] = next
	b.Version++
	return nil
}

func (s *Store) ReleaseBond(_ context.Context, b *bond.Bond, badge *bond.LegacyBadge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.checkVersion(b)
	if err != nil {
		return err
	}
	next := copyBond(cur)
	next.Status = bond.StatusReleased
	if b.ReleasedAt != nil {
		t := *b.ReleasedAt
		next.ReleasedAt = &t
	}
	next.ReleaseReason = b.ReleaseReason
	next.AffinityLevel = b.AffinityLevel
	next.Version = cur.Version + 1
	s.bonds[b.ID] = next
	delete(s.alive, pairKey{cur.UserID, cur.AgentID})

	lb := *badge
	s.badges = append(s.badges, &lb)

	for k, sl := range s.slots {
		if sl.bondID == b.ID {
			delete(s.slots, k)
		}
	}

	b.Status = bond.StatusReleased
	b.Version++
	return nil
}

func (s *Store) ListUserBonds(_ context.Context, userID string) ([]*bond.Bond, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*bond.Bond
	for _, id := range s.alive {
		if b := s.bonds[id]; b.UserID == userID {
			out = append(out, copyBond(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ListAliveBonds(_ context.Context, tier *bond.Tier) ([]*bond.Bond, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*bond.Bond
	for _, id := range s.alive {
		b := s.bonds[id]
		if tier != nil && b.Tier != *tier {
			continue
		}
		out = append(out, copyBond(b))
	}
	sort.Slice(out, func(i, j int) bool { return bond.RanksBefore(out[i], out[j]) })
	return out, nil
}

func (s *Store) ListBadges(_ context.Context, userID string) ([]*bond.LegacyBadge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*bond.LegacyBadge
	for _, lb := range s.badges {
		if lb.UserID == userID {
			c := *lb
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReleasedAt.Equal(out[j].ReleasedAt) {
			return out[i].ReleasedAt.After(out[j].ReleasedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// freeSlotLocked returns the lowest unused slot number, or ErrPoolFull.
func (s *Store) freeSlotLocked(key bond.PoolKey, capacity int) (int, error) {
	used := 0
	for k := range s.slots {
		if k.pool == key {
			used++
		}
	}
	if used >= capacity {
		return 0, store.ErrPoolFull
	}
	for n := 1; n <= capacity; n++ {
		if _, ok := s.slots[slotKey{key, n}]; !ok {
			return n, nil
		}
	}
	return 0, store.ErrPoolFull
}

func (s *Store) ClaimSlot(_ context.Context, key bond.PoolKey, capacity int, userID, bondID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.freeSlotLocked(key, capacity)
	if err != nil {
		return 0, err
	}
	s.slots[slotKey{key, n}] = &slot{userID: userID, bondID: bondID}
	return n, nil
}

func (s *Store) FreeSlot(_ context.Context, key bond.PoolKey, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, slotKey{key, n})
	return nil
}

func (s *Store) PoolUsage(_ context.Context, key bond.PoolKey) (store.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var u store.Usage
	for k, sl := range s.slots {
		if k.pool != key {
			continue
		}
		if sl.reserved {
			u.Reserved++
		} else {
			u.Occupied++
		}
	}
	return u, nil
}

// offerLocked finds the pair's reserved slot.
func (s *Store) offerLocked(userID, agentID string) (slotKey, *slot, bool) {
	for k, sl := range s.slots {
		if sl.reserved && sl.userID == userID && k.pool.AgentID == agentID {
			return k, sl, true
		}
	}
	return slotKey{}, nil, false
}

func (s *Store) ReserveSlot(_ context.Context, capacity int, o *bond.Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, _, ok := s.offerLocked(o.UserID, o.AgentID); ok {
		return bond.NewConflictError("offer", fmt.Sprintf("user %s already holds an offer from agent %s", o.UserID, o.AgentID))
	}
	key := o.Pool()
	n, err := s.freeSlotLocked(key, capacity)
	if err != nil {
		return err
	}
	o.SlotNumber = n
	c := *o
	s.slots[slotKey{key, n}] = &slot{reserved: true, userID: o.UserID, offer: &c}
	return nil
}

func (s *Store) ClaimReservedSlot(_ context.Context, userID, agentID, bondID string) (*bond.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, sl, ok := s.offerLocked(userID, agentID)
	if !ok {
		return nil, bond.NewNotFoundError("offer", fmt.Sprintf("no offer for user %s from agent %s", userID, agentID))
	}
	o := *sl.offer
	s.slots[k] = &slot{userID: userID, bondID: bondID}
	return &o, nil
}

func (s *Store) GetOffer(_ context.Context, userID, agentID string) (*bond.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, sl, ok := s.offerLocked(userID, agentID)
	if !ok {
		return nil, nil
	}
	o := *sl.offer
	return &o, nil
}

func (s *Store) CancelOffer(_ context.Context, userID, agentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, _, ok := s.offerLocked(userID, agentID)
	if ok {
		delete(s.slots, k)
	}
	return ok, nil
}

func (s *Store) ListExpiredOffers(_ context.Context, now time.Time) ([]*bond.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*bond.Offer
	for _, sl := range s.slots {
		if sl.reserved && !sl.offer.ExpiresAt.After(now) {
			o := *sl.offer
			out = append(out, &o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.ExpiresAt.Equal(b.ExpiresAt) {
			return a.ExpiresAt.Before(b.ExpiresAt)
		}
		if a.AgentID != b.AgentID {
			return a.AgentID < b.AgentID
		}
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		return a.SlotNumber < b.SlotNumber
	})
	return out, nil
}

func (s *Store) CapacityOverride(_ context.Context, key bond.PoolKey) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.capacity[key]
	return n, ok, nil
}

func (s *Store) SetCapacityOverride(_ context.Context, key bond.PoolKey, capacity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capacity[key] = capacity
	return nil
}

func (s *Store) Enqueue(_ context.Context, e *bond.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.alive[pairKey{e.UserID, e.AgentID}]; ok {
		return bond.NewConflictError("bond", fmt.Sprintf("user %s already has an alive bond with agent %s", e.UserID, e.AgentID))
	}
	for _, q := range s.queue {
		if q.UserID == e.UserID && q.AgentID == e.AgentID {
			return bond.NewConflictError("queue", fmt.Sprintf("user %s is already queued for agent %s", e.UserID, e.AgentID))
		}
	}
	s.seq++
	e.Seq = s.seq
	c := *e
	s.queue = append(s.queue, &c)
	return nil
}

// poolQueueLocked returns copies of the pool's entries in FIFO order.
func (s *Store) poolQueueLocked(key bond.PoolKey) []*bond.QueueEntry {
	var out []*bond.QueueEntry
	for _, q := range s.queue {
		if q.AgentID == key.AgentID && q.Tier == key.Tier {
			c := *q
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

func (s *Store) removeSeqLocked(seq int64) {
	for i, q := range s.queue {
		if q.Seq == seq {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func (s *Store) PopQueueHead(_ context.Context, key bond.PoolKey) (*bond.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.poolQueueLocked(key)
	if len(entries) == 0 {
		return nil, nil
	}
	s.removeSeqLocked(entries[0].Seq)
	return entries[0], nil
}

func (s *Store) GetQueueEntry(_ context.Context, userID, agentID string) (*bond.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, q := range s.queue {
		if q.UserID == userID && q.AgentID == agentID {
			c := *q
			return &c, nil
		}
	}
	return nil, nil
}

func (s *Store) DeleteQueueEntry(_ context.Context, userID, agentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, q := range s.queue {
		if q.UserID == userID && q.AgentID == agentID {
			s.removeSeqLocked(q.Seq)
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ListQueue(_ context.Context, key bond.PoolKey) ([]*bond.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poolQueueLocked(key), nil
}

func (s *Store) QueuedPools(_ context.Context) ([]bond.PoolKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[bond.PoolKey]bool)
	var pools []bond.PoolKey
	for _, q := range s.queue {
		key := q.Pool()
		if !seen[key] {
			seen[key] = true
			pools = append(pools, key)
		}
	}
	sort.Slice(pools, func(i, j int) bool {
		if pools[i].AgentID != pools[j].AgentID {
			return pools[i].AgentID < pools[j].AgentID
		}
		return pools[i].Tier < pools[j].Tier
	})
	return pools, nil
}

func (s *Store) CountQueued(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue), nil
}
