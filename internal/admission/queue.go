// Package admission is the FIFO waiting line for full slot pools. Positions
// are never stored; they are derived from (RequestedAt, Seq) order on read.
package admission

import (
	"context"
	"fmt"

	"github.com/lazypower/bondline/internal/bond"
	"github.com/lazypower/bondline/internal/store"
)

// Queue wraps the store's queue table.
type Queue struct {
	store store.Queue
}

// New returns a Queue backed by s.
func New(s store.Queue) *Queue {
	return &Queue{store: s}
}

// Enqueue appends e to its pool and returns its 1-based position.
func (q *Queue) Enqueue(ctx context.Context, e *bond.QueueEntry) (int, error) {
	if err := q.store.Enqueue(ctx, e); err != nil {
		return 0, err
	}
	pos, _, err := q.PositionOf(ctx, e.UserID, e.AgentID)
	return pos, err
}

// DequeueNext removes and returns the pool's head, or nil when empty.
func (q *Queue) DequeueNext(ctx context.Context, key bond.PoolKey) (*bond.QueueEntry, error) {
	e, err := q.store.PopQueueHead(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", key, err)
	}
	return e, nil
}

// Peek returns the pool's head without removing it, or nil when empty.
func (q *Queue) Peek(ctx context.Context, key bond.PoolKey) (*bond.QueueEntry, error) {
	entries, err := q.store.ListQueue(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("peek %s: %w", key, err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

// Remove deletes e once it has been served. Removing an entry that is
// already gone is not an error.
func (q *Queue) Remove(ctx context.Context, e *bond.QueueEntry) error {
	if _, err := q.store.DeleteQueueEntry(ctx, e.UserID, e.AgentID); err != nil {
		return fmt.Errorf("remove %s from %s: %w", e.UserID, e.Pool(), err)
	}
	return nil
}

// PositionOf returns the pair's position and entry. NotFoundError when the
// pair is not queued.
func (q *Queue) PositionOf(ctx context.Context, userID, agentID string) (int, *bond.QueueEntry, error) {
	e, err := q.store.GetQueueEntry(ctx, userID, agentID)
	if err != nil {
		return 0, nil, err
	}
	if e == nil {
		return 0, nil, bond.NewNotFoundError("queue", fmt.Sprintf("user %s is not queued for agent %s", userID, agentID))
	}
	entries, err := q.store.ListQueue(ctx, e.Pool())
	if err != nil {
		return 0, nil, err
	}
	for i, other := range entries {
		if other.Seq == e.Seq {
			return i + 1, e, nil
		}
	}
	// Dequeued between the two reads.
	return 0, nil, bond.NewNotFoundError("queue", fmt.Sprintf("user %s is not queued for agent %s", userID, agentID))
}

// Cancel withdraws the pair's entry and returns it. The order of the
// remaining entries is unchanged.
func (q *Queue) Cancel(ctx context.Context, userID, agentID string) (*bond.QueueEntry, error) {
	e, err := q.store.GetQueueEntry(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, bond.NewNotFoundError("queue", fmt.Sprintf("user %s is not queued for agent %s", userID, agentID))
	}
	ok, err := q.store.DeleteQueueEntry(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, bond.NewNotFoundError("queue", fmt.Sprintf("user %s is not queued for agent %s", userID, agentID))
	}
	return e, nil
}

// List returns the pool's entries in FIFO order.
func (q *Queue) List(ctx context.Context, key bond.PoolKey) ([]*bond.QueueEntry, error) {
	return q.store.ListQueue(ctx, key)
}

// Len returns the number of entries waiting in the pool.
func (q *Queue) Len(ctx context.Context, key bond.PoolKey) (int, error) {
	entries, err := q.store.ListQueue(ctx, key)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Pools returns every pool with at least one entry waiting.
func (q *Queue) Pools(ctx context.Context) ([]bond.PoolKey, error) {
	return q.store.QueuedPools(ctx)
}

// Total returns the number of queued requests across every pool.
func (q *Queue) Total(ctx context.Context) (int, error) {
	return q.store.CountQueued(ctx)
}
