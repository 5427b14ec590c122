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

// Milestone keys recorded on a bond the first time they are reached.
var (
	rarityMilestones = []bond.RarityTier{bond.RarityRare, bond.RarityEpic, bond.RarityLegendary, bond.RarityMythic}

	durationMilestones = []struct {
		key  string
		days float64
	}{
		{"duration:7d", 7},
		{"duration:30d", 30},
		{"duration:100d", 100},
		{"duration:365d", 365},
	}
)

// reachedMilestones lists every milestone b satisfies at now, by peak rarity
// and by age.
func reachedMilestones(b *bond.Bond, now time.Time) []string {
	var out []string
	peak := b.PeakRarityTier.Rank()
	for _, t := range rarityMilestones {
		if peak >= t.Rank() {
			out = append(out, "rarity:"+string(t))
		}
	}
	age := b.AgeDays(now)
	for _, d := range durationMilestones {
		if age >= d.days {
			out = append(out, d.key)
		}
	}
	return out
}

// UpdateMetrics merges patch into the bond's metrics, recomputes rarity and
// affinity, and counts as an interaction: the idle clock restarts and an
// at-risk bond becomes active again.
func (e *Engine) UpdateMetrics(ctx context.Context, bondID string, patch bond.MetricsPatch) (*bond.Bond, error) {
	defer observe("update_metrics", time.Now())

	if err := bond.ValidatePatch(patch); err != nil {
		return nil, err
	}
	b, err := e.loadAlive(ctx, bondID)
	if err != nil {
		return nil, err
	}
	merged := patch.Apply(b.Metrics)
	if err := bond.ValidateMetrics(merged); err != nil {
		return nil, err
	}

	oldRank, err := e.RankOf(ctx, b.ID)
	if err != nil && !bond.IsNotFoundError(err) {
		return nil, err
	}

	before := *b
	now := e.now()
	r := e.rarity.Compute(b.Tier, merged, b.AgeDays(now))
	current := e.decay.Affinity(b.AffinityBase, now.Sub(b.LastInteractionAt))
	affinity := e.decay.Interact(current, e.rarity.Weighted(merged))

	b.Metrics = merged
	b.RarityScore = r.Score
	b.RarityTier = r.Label
	if r.Score > b.PeakRarityScore {
		b.PeakRarityScore = r.Score
		b.PeakRarityTier = r.Label
	}
	b.AffinityBase = affinity
	b.AffinityLevel = affinity
	b.LastInteractionAt = now
	b.Status = bond.StatusActive

	var fresh []string
	for _, m := range reachedMilestones(b, now) {
		if !b.HasMilestone(m) {
			fresh = append(fresh, m)
		}
	}
	b.Milestones = append(b.Milestones, fresh...)

	if err := e.store.UpdateBond(ctx, b); err != nil {
		if bond.IsStaleStateError(err) {
			metrics.StaleWrites.WithLabelValues("update_metrics").Inc()
		}
		return nil, err
	}

	e.log.Debug().
		Str("bond_id", b.ID).
		Float64("rarity_score", b.RarityScore).
		Float64("affinity", b.AffinityLevel).
		Msg("metrics updated")
	e.emit(events.Event{
		Type:        events.BondUpdated,
		OccurredAt:  now,
		UserID:      b.UserID,
		AgentID:     b.AgentID,
		Tier:        b.Tier,
		BondID:      b.ID,
		RarityScore: b.RarityScore,
		RarityTier:  b.RarityTier,
		Changes:     bondChanges(&before, b),
	})

	newRank, err := e.RankOf(ctx, b.ID)
	if err == nil && oldRank > 0 && newRank != oldRank {
		e.emit(events.Event{
			Type:    events.RankChanged,
			UserID:  b.UserID,
			AgentID: b.AgentID,
			Tier:    b.Tier,
			BondID:  b.ID,
			OldRank: oldRank,
			NewRank: newRank,
		})
	}
	for _, m := range fresh {
		e.log.Info().Str("bond_id", b.ID).Str("milestone", m).Msg("milestone reached")
		e.emit(events.Event{
			Type:        events.MilestoneReached,
			UserID:      b.UserID,
			AgentID:     b.AgentID,
			Tier:        b.Tier,
			BondID:      b.ID,
			Milestone:   m,
			RarityScore: b.RarityScore,
			RarityTier:  b.RarityTier,
		})
	}
	return b, nil
}

// bondChanges returns the fields that differ between two versions of a bond.
func bondChanges(before, after *bond.Bond) map[string]any {
	changes := make(map[string]any)
	if before.Metrics != after.Metrics {
		changes["metrics"] = after.Metrics
	}
	if before.RarityScore != after.RarityScore {
		changes["rarity_score"] = after.RarityScore
	}
	if before.RarityTier != after.RarityTier {
		changes["rarity_tier"] = after.RarityTier
	}
	if before.PeakRarityScore != after.PeakRarityScore {
		changes["peak_rarity_score"] = after.PeakRarityScore
	}
	if before.AffinityLevel != after.AffinityLevel {
		changes["affinity_level"] = after.AffinityLevel
	}
	if before.Status != after.Status {
		changes["status"] = after.Status
	}
	if !before.LastInteractionAt.Equal(after.LastInteractionAt) {
		changes["last_interaction_at"] = after.LastInteractionAt
	}
	return changes
}

// Release ends a bond, writes its legacy badge and hands the freed slot to
// the head of the pool's queue.
func (e *Engine) Release(ctx context.Context, bondID string, reason bond.ReleaseReason) (*bond.LegacyBadge, error) {
	defer observe("release", time.Now())

	reason, err := bond.ParseReleaseReason(string(reason))
	if err != nil {
		return nil, err
	}
	b, err := e.loadAlive(ctx, bondID)
	if err != nil {
		return nil, err
	}
	return e.release(ctx, b, reason)
}

// release takes the pool lock and releases the snapshot b. A snapshot that
// no longer matches the stored version fails with StaleStateError.
func (e *Engine) release(ctx context.Context, b *bond.Bond, reason bond.ReleaseReason) (*bond.LegacyBadge, error) {
	key := bond.PoolKey{AgentID: b.AgentID, Tier: b.Tier}
	unlock := e.ledger.Lock(key)
	defer unlock()

	now := e.now()
	badge := &bond.LegacyBadge{
		ID:              uuid.NewString(),
		BondID:          b.ID,
		UserID:          b.UserID,
		AgentID:         b.AgentID,
		Tier:            b.Tier,
		PeakRarityScore: b.PeakRarityScore,
		PeakRarityTier:  b.PeakRarityTier,
		DurationSeconds: int64(now.Sub(b.CreatedAt) / time.Second),
		Reason:          reason,
		BondCreatedAt:   b.CreatedAt,
		ReleasedAt:      now,
	}
	b.ReleasedAt = &now
	b.ReleaseReason = reason
	if err := e.store.ReleaseBond(ctx, b, badge); err != nil {
		if bond.IsStaleStateError(err) {
			metrics.StaleWrites.WithLabelValues("release").Inc()
		}
		return nil, err
	}
	metrics.Releases.WithLabelValues(b.Tier.String(), string(reason)).Inc()

	e.log.Info().
		Str("bond_id", b.ID).
		Str("user_id", b.UserID).
		Str("agent_id", b.AgentID).
		Stringer("tier", b.Tier).
		Str("reason", string(reason)).
		Msg("bond released")
	e.emit(events.Event{
		Type:        events.BondReleased,
		OccurredAt:  now,
		UserID:      b.UserID,
		AgentID:     b.AgentID,
		Tier:        b.Tier,
		BondID:      b.ID,
		Slot:        b.SlotNumber,
		Reason:      reason,
		RarityScore: b.PeakRarityScore,
		RarityTier:  b.PeakRarityTier,
	})

	// The release is committed; a promotion failure leaves the slot free for
	// the next sweep or release to hand out.
	if err := e.promoteLocked(ctx, key); err != nil {
		e.log.Error().Err(err).Str("pool", key.String()).Msg("promotion after release failed")
	}
	e.refreshOccupancy(ctx, key)
	return badge, nil
}

// MarkAtRisk flags an active bond as at risk. Bonds already at risk are
// returned unchanged and no event is raised.
func (e *Engine) MarkAtRisk(ctx context.Context, bondID string) (*bond.Bond, error) {
	b, err := e.loadAlive(ctx, bondID)
	if err != nil {
		return nil, err
	}
	if err := e.markAtRisk(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (e *Engine) markAtRisk(ctx context.Context, b *bond.Bond) error {
	if b.Status == bond.StatusAtRisk {
		return nil
	}
	b.Status = bond.StatusAtRisk
	if err := e.store.UpdateBond(ctx, b); err != nil {
		b.Status = bond.StatusActive
		if bond.IsStaleStateError(err) {
			metrics.StaleWrites.WithLabelValues("mark_at_risk").Inc()
		}
		return err
	}
	e.log.Info().
		Str("bond_id", b.ID).
		Float64("affinity", b.AffinityLevel).
		Msg("bond at risk")
	e.emit(events.Event{
		Type:        events.BondAtRisk,
		UserID:      b.UserID,
		AgentID:     b.AgentID,
		Tier:        b.Tier,
		BondID:      b.ID,
		RarityScore: b.RarityScore,
		RarityTier:  b.RarityTier,
	})
	return nil
}

// ApplyDecay stores a decayed affinity level. It never moves the idle clock
// or the affinity base, so applying the same decay twice is a no-op.
func (e *Engine) ApplyDecay(ctx context.Context, bondID string, affinity float64) (*bond.Bond, error) {
	if affinity < 0 || affinity > 100 {
		return nil, bond.NewValidationError("affinity", fmt.Sprintf("%.2f is outside [0,100]", affinity))
	}
	b, err := e.loadAlive(ctx, bondID)
	if err != nil {
		return nil, err
	}
	if _, err := e.applyDecay(ctx, b, affinity); err != nil {
		return nil, err
	}
	return b, nil
}

// applyDecay writes affinity onto the snapshot b and reports whether
// anything changed.
func (e *Engine) applyDecay(ctx context.Context, b *bond.Bond, affinity float64) (bool, error) {
	if affinity == b.AffinityLevel {
		return false, nil
	}
	prev := b.AffinityLevel
	b.AffinityLevel = affinity
	if err := e.store.UpdateBond(ctx, b); err != nil {
		b.AffinityLevel = prev
		if bond.IsStaleStateError(err) {
			metrics.StaleWrites.WithLabelValues("apply_decay").Inc()
		}
		return false, err
	}
	return true, nil
}
