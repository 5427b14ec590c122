// Package rarity computes a bond's rarity score and label from its metrics,
// tier and age. Everything here is pure: no I/O, no clocks, no globals that
// change at runtime.
//
// Score formula:
//
//	weighted = Σ wᵢ·mᵢ   (four bounded metrics + normalized shared experiences)
//	points   = MetricScale·weighted + min(AgeBonusCap, AgeBonusRate·ln(1+ageDays))
//	score    = TierOffset[tier] + points
//
// Shared experiences are normalized as n/(n+SharedExperienceHalf), so the
// first few count most and the term approaches 1.
//
// Each tier offset sits at least MetricScale+AgeBonusCap above the one
// below, so a tier's score band lies wholly above every lower tier's. The
// label is read from points, the bond's standing within its own tier.
package rarity

import (
	"fmt"
	"math"

	"github.com/lazypower/bondline/internal/bond"
)

// Weights are the per-metric coefficients. They must sum to 1.
type Weights struct {
	MessageQuality     float64 `yaml:"message_quality"`
	ConsistencyScore   float64 `yaml:"consistency_score"`
	MutualDisclosure   float64 `yaml:"mutual_disclosure"`
	EmotionalResonance float64 `yaml:"emotional_resonance"`
	SharedExperiences  float64 `yaml:"shared_experiences"`
}

func (w Weights) sum() float64 {
	return w.MessageQuality + w.ConsistencyScore + w.MutualDisclosure + w.EmotionalResonance + w.SharedExperiences
}

// Threshold is the minimum score for a label.
type Threshold struct {
	Label bond.RarityTier
	Min   float64
}

// Config is the tunable rarity policy.
type Config struct {
	Weights              Weights
	MetricScale          float64
	SharedExperienceHalf float64
	AgeBonusRate         float64
	AgeBonusCap          float64
	TierOffsets          map[bond.Tier]float64

	// Thresholds ascend by Min over in-tier points; anything below the
	// first is common.
	Thresholds []Threshold
}

// DefaultConfig returns the shipped policy.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			MessageQuality:     0.25,
			ConsistencyScore:   0.20,
			MutualDisclosure:   0.20,
			EmotionalResonance: 0.20,
			SharedExperiences:  0.15,
		},
		MetricScale:          92,
		SharedExperienceHalf: 10,
		AgeBonusRate:         2,
		AgeBonusCap:          8,
		TierOffsets: map[bond.Tier]float64{
			bond.TierAcquaintance: 0,
			bond.TierFriend:       100,
			bond.TierClose:        200,
			bond.TierDevoted:      300,
			bond.TierIntimate:     400,
		},
		Thresholds: []Threshold{
			{Label: bond.RarityUncommon, Min: 25},
			{Label: bond.RarityRare, Min: 50},
			{Label: bond.RarityEpic, Min: 70},
			{Label: bond.RarityLegendary, Min: 85},
			{Label: bond.RarityMythic, Min: 95},
		},
	}
}

// Validate checks the invariants the formula relies on. Weights must sum to
// 1, thresholds must ascend, and every tier offset step must cover the
// widest in-tier band (MetricScale+AgeBonusCap).
func (c Config) Validate() error {
	if math.Abs(c.Weights.sum()-1) > 1e-9 {
		return fmt.Errorf("rarity weights sum to %.4f, want 1", c.Weights.sum())
	}
	for _, w := range []float64{c.Weights.MessageQuality, c.Weights.ConsistencyScore, c.Weights.MutualDisclosure, c.Weights.EmotionalResonance, c.Weights.SharedExperiences} {
		if w < 0 {
			return fmt.Errorf("rarity weight %.4f is negative", w)
		}
	}
	if c.MetricScale <= 0 {
		return fmt.Errorf("metric_scale must be positive")
	}
	if c.SharedExperienceHalf <= 0 {
		return fmt.Errorf("shared_experience_half must be positive")
	}
	if c.AgeBonusRate < 0 || c.AgeBonusCap < 0 {
		return fmt.Errorf("age bonus must not be negative")
	}
	band := c.MetricScale + c.AgeBonusCap
	prev := math.Inf(-1)
	for i, tier := range bond.Tiers {
		off, ok := c.TierOffsets[tier]
		if !ok {
			return fmt.Errorf("missing tier offset for %s", tier)
		}
		if off < 0 {
			return fmt.Errorf("tier offset for %s is negative", tier)
		}
		if i > 0 && off-prev < band {
			return fmt.Errorf("tier offset step %s → %s is %.2f, must be ≥ metric_scale+age_bonus_cap %.2f", bond.Tiers[i-1], tier, off-prev, band)
		}
		prev = off
	}
	last := math.Inf(-1)
	for _, th := range c.Thresholds {
		if th.Label.Rank() <= 0 {
			return fmt.Errorf("invalid threshold label %q", th.Label)
		}
		if th.Min <= last {
			return fmt.Errorf("thresholds must ascend at %s", th.Label)
		}
		last = th.Min
	}
	return nil
}

// Breakdown exposes the three score components.
type Breakdown struct {
	Metric float64 `json:"metric"`
	Age    float64 `json:"age"`
	Tier   float64 `json:"tier"`
}

// Result is the output of Compute. Points is the in-tier part of Score
// that Label was read from.
type Result struct {
	Score     float64         `json:"score"`
	Points    float64         `json:"points"`
	Label     bond.RarityTier `json:"label"`
	Breakdown Breakdown       `json:"breakdown"`
}

// Weighted returns the weighted metric sum in [0,1].
func (c Config) Weighted(m bond.Metrics) float64 {
	shared := 0.0
	if m.SharedExperiences > 0 {
		n := float64(m.SharedExperiences)
		shared = n / (n + c.SharedExperienceHalf)
	}
	w := c.Weights
	sum := w.MessageQuality*clamp01(m.MessageQuality) +
		w.ConsistencyScore*clamp01(m.ConsistencyScore) +
		w.MutualDisclosure*clamp01(m.MutualDisclosure) +
		w.EmotionalResonance*clamp01(m.EmotionalResonance) +
		w.SharedExperiences*shared
	return clamp01(sum)
}

// AgeBonus is the capped logarithmic bonus for a bond age in days.
func (c Config) AgeBonus(ageDays float64) float64 {
	if math.IsNaN(ageDays) || ageDays <= 0 {
		return 0
	}
	return math.Min(c.AgeBonusCap, c.AgeBonusRate*math.Log1p(ageDays))
}

// Compute returns the rarity score and label. It is deterministic in its
// inputs.
func (c Config) Compute(tier bond.Tier, m bond.Metrics, ageDays float64) Result {
	b := Breakdown{
		Metric: c.MetricScale * c.Weighted(m),
		Age:    c.AgeBonus(ageDays),
		Tier:   c.TierOffsets[tier],
	}
	points := round2(b.Metric + b.Age)
	return Result{
		Score:     round2(b.Tier + points),
		Points:    points,
		Label:     c.Label(points),
		Breakdown: b,
	}
}

// Label maps in-tier points onto the threshold table.
func (c Config) Label(points float64) bond.RarityTier {
	label := bond.RarityCommon
	for _, th := range c.Thresholds {
		if points >= th.Min {
			label = th.Label
		}
	}
	return label
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
