// Package bond holds the domain types shared by every layer of the engine:
// bonds, queue entries, offers, legacy badges and the error taxonomy.
package bond

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Tier is the ordinal affinity tier a bond is requested at. Each agent
// exposes a separate slot pool per tier.
type Tier int

const (
	TierAcquaintance Tier = iota + 1
	TierFriend
	TierClose
	TierDevoted
	TierIntimate
)

// Tiers lists every tier in ascending order.
var Tiers = []Tier{TierAcquaintance, TierFriend, TierClose, TierDevoted, TierIntimate}

var tierNames = map[Tier]string{
	TierAcquaintance: "acquaintance",
	TierFriend:       "friend",
	TierClose:        "close",
	TierDevoted:      "devoted",
	TierIntimate:     "intimate",
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	_, ok := tierNames[t]
	return ok
}

// ParseTier accepts a tier name (case-insensitive) or its ordinal.
func ParseTier(s string) (Tier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range tierNames {
		if name == s || fmt.Sprint(int(t)) == s {
			return t, nil
		}
	}
	return 0, NewValidationError("tier", fmt.Sprintf("unknown tier %q", s))
}

func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Tier) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		var n int
		if err := json.Unmarshal(data, &n); err != nil {
			return NewValidationError("tier", "must be a tier name or ordinal")
		}
		name = fmt.Sprint(n)
	}
	parsed, err := ParseTier(name)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalText lets tiers be used as JSON map keys.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Status is the lifecycle state of a bond.
type Status string

const (
	StatusActive   Status = "active"
	StatusAtRisk   Status = "at_risk"
	StatusReleased Status = "released"
)

// Alive reports whether the bond still holds a slot.
func (s Status) Alive() bool {
	return s == StatusActive || s == StatusAtRisk
}

// ReleaseReason records why a bond was released.
type ReleaseReason string

const (
	ReasonVoluntary ReleaseReason = "voluntary"
	ReasonDecay     ReleaseReason = "decay"
	ReasonAdmin     ReleaseReason = "admin"
)

// ParseReleaseReason validates a release reason; empty defaults to voluntary.
func ParseReleaseReason(s string) (ReleaseReason, error) {
	switch r := ReleaseReason(strings.ToLower(strings.TrimSpace(s))); r {
	case "":
		return ReasonVoluntary, nil
	case ReasonVoluntary, ReasonDecay, ReasonAdmin:
		return r, nil
	default:
		return "", NewValidationError("reason", fmt.Sprintf("unknown release reason %q", s))
	}
}

// RarityTier is the discretized label of a rarity score.
type RarityTier string

const (
	RarityCommon    RarityTier = "common"
	RarityUncommon  RarityTier = "uncommon"
	RarityRare      RarityTier = "rare"
	RarityEpic      RarityTier = "epic"
	RarityLegendary RarityTier = "legendary"
	RarityMythic    RarityTier = "mythic"
)

// RarityTiers lists the labels in ascending order.
var RarityTiers = []RarityTier{RarityCommon, RarityUncommon, RarityRare, RarityEpic, RarityLegendary, RarityMythic}

// Rank returns the ordinal of the label (common = 0), or -1 if unknown.
func (r RarityTier) Rank() int {
	for i, t := range RarityTiers {
		if t == r {
			return i
		}
	}
	return -1
}

// Metrics are the relationship-quality inputs produced by the chat pipeline.
type Metrics struct {
	MessageQuality     float64 `json:"message_quality" validate:"gte=0,lte=1"`
	ConsistencyScore   float64 `json:"consistency_score" validate:"gte=0,lte=1"`
	MutualDisclosure   float64 `json:"mutual_disclosure" validate:"gte=0,lte=1"`
	EmotionalResonance float64 `json:"emotional_resonance" validate:"gte=0,lte=1"`
	SharedExperiences  int     `json:"shared_experiences" validate:"gte=0"`
}

// MetricsPatch is a partial metrics update. Nil fields are left unchanged.
type MetricsPatch struct {
	MessageQuality     *float64 `json:"message_quality,omitempty" validate:"omitempty,gte=0,lte=1"`
	ConsistencyScore   *float64 `json:"consistency_score,omitempty" validate:"omitempty,gte=0,lte=1"`
	MutualDisclosure   *float64 `json:"mutual_disclosure,omitempty" validate:"omitempty,gte=0,lte=1"`
	EmotionalResonance *float64 `json:"emotional_resonance,omitempty" validate:"omitempty,gte=0,lte=1"`
	SharedExperiences  *int     `json:"shared_experiences,omitempty" validate:"omitempty,gte=0"`
}

// Empty reports whether the patch changes nothing.
func (p MetricsPatch) Empty() bool {
	return p.MessageQuality == nil && p.ConsistencyScore == nil && p.MutualDisclosure == nil &&
		p.EmotionalResonance == nil && p.SharedExperiences == nil
}

// Apply returns m with the patch merged in.
func (p MetricsPatch) Apply(m Metrics) Metrics {
	if p.MessageQuality != nil {
		m.MessageQuality = *p.MessageQuality
	}
	if p.ConsistencyScore != nil {
		m.ConsistencyScore = *p.ConsistencyScore
	}
	if p.MutualDisclosure != nil {
		m.MutualDisclosure = *p.MutualDisclosure
	}
	if p.EmotionalResonance != nil {
		m.EmotionalResonance = *p.EmotionalResonance
	}
	if p.SharedExperiences != nil {
		m.SharedExperiences = *p.SharedExperiences
	}
	return m
}

// Bond is the scarce relationship between one user and one agent.
type Bond struct {
	ID                string        `json:"id"`
	UserID            string        `json:"user_id"`
	AgentID           string        `json:"agent_id"`
	Tier              Tier          `json:"tier"`
	Status            Status        `json:"status"`
	Metrics           Metrics       `json:"metrics"`
	RarityScore       float64       `json:"rarity_score"`
	RarityTier        RarityTier    `json:"rarity_tier"`
	PeakRarityScore   float64       `json:"peak_rarity_score"`
	PeakRarityTier    RarityTier    `json:"peak_rarity_tier"`
	AffinityLevel     float64       `json:"affinity_level"`
	AffinityBase      float64       `json:"affinity_base"`
	SlotNumber        int           `json:"slot_number"`
	Milestones        []string      `json:"milestones,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	LastInteractionAt time.Time     `json:"last_interaction_at"`
	ReleasedAt        *time.Time    `json:"released_at,omitempty"`
	ReleaseReason     ReleaseReason `json:"release_reason,omitempty"`
	Version           int64         `json:"version"`
}

// HasMilestone reports whether key has already been reached.
func (b *Bond) HasMilestone(key string) bool {
	for _, m := range b.Milestones {
		if m == key {
			return true
		}
	}
	return false
}

// AgeDays is the bond's age at now, in fractional days.
func (b *Bond) AgeDays(now time.Time) float64 {
	d := now.Sub(b.CreatedAt)
	if d < 0 {
		return 0
	}
	return d.Hours() / 24
}

// PoolKey identifies one slot pool: an agent's capacity at one tier.
type PoolKey struct {
	AgentID string
	Tier    Tier
}

func (k PoolKey) String() string {
	return k.AgentID + "/" + k.Tier.String()
}

// QueueEntry is a pending request waiting for a slot in a full pool.
type QueueEntry struct {
	Seq         int64     `json:"seq"`
	UserID      string    `json:"user_id"`
	AgentID     string    `json:"agent_id"`
	Tier        Tier      `json:"tier"`
	Metrics     Metrics   `json:"metrics"`
	RequestedAt time.Time `json:"requested_at"`
}

// Pool returns the pool the entry waits in.
func (e *QueueEntry) Pool() PoolKey {
	return PoolKey{AgentID: e.AgentID, Tier: e.Tier}
}

// Offer is a freed slot held for a promoted queue head until it accepts or
// the acceptance window lapses.
type Offer struct {
	AgentID     string    `json:"agent_id"`
	Tier        Tier      `json:"tier"`
	SlotNumber  int       `json:"slot_number"`
	UserID      string    `json:"user_id"`
	Metrics     Metrics   `json:"metrics"`
	RequestedAt time.Time `json:"requested_at"`
	OfferedAt   time.Time `json:"offered_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Pool returns the pool the offer reserves a slot in.
func (o *Offer) Pool() PoolKey {
	return PoolKey{AgentID: o.AgentID, Tier: o.Tier}
}

// LegacyBadge is the permanent record of a released bond's peak.
type LegacyBadge struct {
	ID              string        `json:"id"`
	BondID          string        `json:"bond_id"`
	UserID          string        `json:"user_id"`
	AgentID         string        `json:"agent_id"`
	Tier            Tier          `json:"tier"`
	PeakRarityScore float64       `json:"peak_rarity_score"`
	PeakRarityTier  RarityTier    `json:"peak_rarity_tier"`
	DurationSeconds int64         `json:"duration_seconds"`
	Reason          ReleaseReason `json:"reason"`
	BondCreatedAt   time.Time     `json:"bond_created_at"`
	ReleasedAt      time.Time     `json:"released_at"`
}

// BondSummary is one leaderboard row.
type BondSummary struct {
	Rank          int        `json:"rank"`
	BondID        string     `json:"bond_id"`
	UserID        string     `json:"user_id"`
	AgentID       string     `json:"agent_id"`
	Tier          Tier       `json:"tier"`
	Status        Status     `json:"status"`
	RarityScore   float64    `json:"rarity_score"`
	RarityTier    RarityTier `json:"rarity_tier"`
	AffinityLevel float64    `json:"affinity_level"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Summary projects a bond onto a leaderboard row with the given rank.
func (b *Bond) Summary(rank int) BondSummary {
	return BondSummary{
		Rank:          rank,
		BondID:        b.ID,
		UserID:        b.UserID,
		AgentID:       b.AgentID,
		Tier:          b.Tier,
		Status:        b.Status,
		RarityScore:   b.RarityScore,
		RarityTier:    b.RarityTier,
		AffinityLevel: b.AffinityLevel,
		CreatedAt:     b.CreatedAt,
	}
}

// RanksBefore reports whether a sorts strictly ahead of b on the leaderboard:
// rarity score desc, affinity desc, created_at asc, then id for a total order.
func RanksBefore(a, b *Bond) bool {
	if a.RarityScore != b.RarityScore {
		return a.RarityScore > b.RarityScore
	}
	if a.AffinityLevel != b.AffinityLevel {
		return a.AffinityLevel > b.AffinityLevel
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// GlobalStats summarises the alive bond population.
type GlobalStats struct {
	TotalActiveBonds   int     `json:"total_active_bonds"`
	TotalUsers         int     `json:"total_users"`
	AverageRarityScore float64 `json:"average_rarity_score"`
	MostPopularTier    *Tier   `json:"most_popular_tier"`
	QueuedRequests     int     `json:"queued_requests"`
}
