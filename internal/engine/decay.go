package engine

// Affinity decay:
//   - Affinity is a pure function of (AffinityBase, idle time), never of the
//     previously stored level, so a sweep can run any number of times.
//   - No decay during Grace; afterwards it halves every HalfLife.
//   - Below LowWater an active bond turns at_risk (first crossing only).
//   - An at_risk bond idle for Expiry is released with reason decay.
//   - Interactions set the base to max(current, 100·weighted) + boost, capped
//     at 100, and restart the idle clock.

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lazypower/bondline/internal/bond"
	"github.com/lazypower/bondline/internal/metrics"
)

// DecayPolicy holds the affinity decay constants.
type DecayPolicy struct {
	Grace            time.Duration
	HalfLife         time.Duration
	LowWater         float64
	Expiry           time.Duration
	InteractionBoost float64
}

// DefaultDecayPolicy returns the shipped constants.
func DefaultDecayPolicy() DecayPolicy {
	return DecayPolicy{
		Grace:            72 * time.Hour,
		HalfLife:         7 * 24 * time.Hour,
		LowWater:         25,
		Expiry:           30 * 24 * time.Hour,
		InteractionBoost: 10,
	}
}

// Affinity is the decayed level of a bond whose level was base at its last
// interaction, idle for the given duration. Rounded to 2 decimals.
func (p DecayPolicy) Affinity(base float64, idle time.Duration) float64 {
	if idle <= p.Grace || p.HalfLife <= 0 {
		return base
	}
	halvings := float64(idle-p.Grace) / float64(p.HalfLife)
	return math.Round(base*math.Pow(0.5, halvings)*100) / 100
}

// Interact returns the level after an interaction with the given weighted
// metric sum, starting from the current decayed level.
func (p DecayPolicy) Interact(current, weighted float64) float64 {
	v := max(current, 100*weighted) + p.InteractionBoost
	return math.Round(min(100, v)*100) / 100
}

// SweepReport counts what one sweep did.
type SweepReport struct {
	Scanned       int           `json:"scanned"`
	Decayed       int           `json:"decayed"`
	AtRisk        int           `json:"at_risk"`
	Released      int           `json:"released"`
	Skipped       int           `json:"skipped"`
	Failed        int           `json:"failed"`
	OffersExpired int           `json:"offers_expired"`
	PoolsResumed  int           `json:"pools_resumed"`
	Duration      time.Duration `json:"duration"`
}

// Sweeper periodically decays affinity, flags idle bonds and releases the
// ones that stayed idle past expiry.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	workers  int
}

// NewSweeper creates a sweeper running every interval with up to workers
// bonds processed concurrently.
func NewSweeper(e *Engine, interval time.Duration, workers int) *Sweeper {
	if workers < 1 {
		workers = 1
	}
	return &Sweeper{engine: e, interval: interval, workers: workers}
}

type sweepResult int

const (
	sweepUnchanged sweepResult = iota
	sweepDecayed
	sweepAtRisk
	sweepReleased
)

// Sweep runs one pass over every alive bond. Per-bond failures are counted
// and logged but do not stop the pass; bonds changed concurrently by a user
// action are skipped.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	e := s.engine
	start := time.Now()
	var report SweepReport
	defer func() {
		report.Duration = time.Since(start)
		metrics.SweepDuration.Observe(report.Duration.Seconds())
	}()

	expired, err := e.ExpireOffers(ctx)
	report.OffersExpired = expired
	if err != nil {
		e.log.Error().Err(err).Msg("sweep: expire offers")
	}
	resumed, err := e.ResumeQueues(ctx)
	report.PoolsResumed = resumed
	if err != nil {
		e.log.Error().Err(err).Msg("sweep: resume queues")
	}

	bonds, err := e.store.ListAliveBonds(ctx, nil)
	if err != nil {
		return report, err
	}
	now := e.now()

	var mu sync.Mutex
	record := func(res sweepResult, err error) {
		mu.Lock()
		defer mu.Unlock()
		report.Scanned++
		switch {
		case err != nil && bond.IsStaleStateError(err):
			report.Skipped++
			metrics.SweepBonds.WithLabelValues("skipped").Inc()
		case err != nil:
			report.Failed++
			metrics.SweepBonds.WithLabelValues("failed").Inc()
		case res == sweepDecayed:
			report.Decayed++
			metrics.SweepBonds.WithLabelValues("decayed").Inc()
		case res == sweepAtRisk:
			report.AtRisk++
			metrics.SweepBonds.WithLabelValues("at_risk").Inc()
		case res == sweepReleased:
			report.Released++
			metrics.SweepBonds.WithLabelValues("released").Inc()
		default:
			metrics.SweepBonds.WithLabelValues("unchanged").Inc()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, b := range bonds {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := e.sweepBond(gctx, b, now)
			if err != nil && !bond.IsStaleStateError(err) {
				e.log.Error().Err(err).Str("bond_id", b.ID).Msg("sweep bond")
			}
			record(res, err)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return report, err
	}
	e.log.Info().
		Int("scanned", report.Scanned).
		Int("decayed", report.Decayed).
		Int("at_risk", report.AtRisk).
		Int("released", report.Released).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Int("offers_expired", report.OffersExpired).
		Msg("sweep complete")
	return report, nil
}

// sweepBond brings one bond snapshot up to date as of now.
func (e *Engine) sweepBond(ctx context.Context, b *bond.Bond, now time.Time) (sweepResult, error) {
	idle := now.Sub(b.LastInteractionAt)
	if b.Status == bond.StatusAtRisk && idle >= e.decay.Expiry {
		if _, err := e.release(ctx, b, bond.ReasonDecay); err != nil {
			return sweepUnchanged, err
		}
		return sweepReleased, nil
	}

	res := sweepUnchanged
	affinity := e.decay.Affinity(b.AffinityBase, idle)
	changed, err := e.applyDecay(ctx, b, affinity)
	if err != nil {
		return res, err
	}
	if changed {
		res = sweepDecayed
	}
	if b.Status == bond.StatusActive && affinity < e.decay.LowWater {
		if err := e.markAtRisk(ctx, b); err != nil {
			return res, err
		}
		res = sweepAtRisk
	}
	return res, nil
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return nil
	}
	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.engine.log.Error().Err(err).Msg("sweep failed")
	}

	ticker := s.engine.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.engine.log.Error().Err(err).Msg("sweep failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}
