// Package events defines the engine's outbound notifications and the
// in-process bus that fans them out to stream subscribers.
package events

import (
	"time"

	"github.com/lazypower/bondline/internal/bond"
)

// Type is the kind of event.
type Type string

const (
	BondEstablished      Type = "BOND_ESTABLISHED"
	BondUpdated          Type = "BOND_UPDATED"
	SlotAvailable        Type = "SLOT_AVAILABLE"
	RankChanged          Type = "RANK_CHANGED"
	QueuePositionChanged Type = "QUEUE_POSITION_CHANGED"
	MilestoneReached     Type = "MILESTONE_REACHED"
	BondAtRisk           Type = "BOND_AT_RISK"
	BondReleased         Type = "BOND_RELEASED"
)

// Types lists every event type.
var Types = []Type{
	BondEstablished, BondUpdated, SlotAvailable, RankChanged,
	QueuePositionChanged, MilestoneReached, BondAtRisk, BondReleased,
}

// Event is one notification. Only the fields relevant to Type are set.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`

	UserID  string    `json:"user_id,omitempty"`
	AgentID string    `json:"agent_id,omitempty"`
	Tier    bond.Tier `json:"tier,omitempty"`
	BondID  string    `json:"bond_id,omitempty"`

	Slot     int `json:"slot,omitempty"`
	Position int `json:"position,omitempty"`
	OldRank  int `json:"old_rank,omitempty"`
	NewRank  int `json:"new_rank,omitempty"`

	Milestone   string             `json:"milestone,omitempty"`
	Reason      bond.ReleaseReason `json:"reason,omitempty"`
	RarityScore float64            `json:"rarity_score,omitempty"`
	RarityTier  bond.RarityTier    `json:"rarity_tier,omitempty"`
	ExpiresAt   *time.Time         `json:"expires_at,omitempty"`

	// Changes maps a changed field to its new value on BOND_UPDATED.
	Changes map[string]any `json:"changes,omitempty"`
}

// Emitter receives events from the engine. Emit must not block.
type Emitter interface {
	Emit(Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(Event) {}
