// Package metrics holds the Prometheus collectors for the engine, sweeper and
// event bus. All collectors register with the default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Establishes counts establish requests by outcome: bonded, queued,
	// offer_accepted, conflict, invalid, error.
	Establishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bondline_establish_total",
		Help: "Establish requests by tier and outcome",
	}, []string{"tier", "outcome"})

	// Releases counts released bonds by reason.
	Releases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bondline_release_total",
		Help: "Released bonds by tier and reason",
	}, []string{"tier", "reason"})

	// Promotions counts queue heads promoted into freed slots.
	Promotions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bondline_promotion_total",
		Help: "Queue promotions by tier and result",
	}, []string{"tier", "result"})

	// StaleWrites counts optimistic concurrency losses.
	StaleWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bondline_stale_write_total",
		Help: "Writes rejected because the bond changed underneath",
	}, []string{"operation"})

	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bondline_operation_duration_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"operation"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bondline_sweep_duration_seconds",
		Help:    "Decay sweep duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// SweepBonds counts bonds visited by the sweeper by result: decayed,
	// at_risk, released, skipped, failed, unchanged.
	SweepBonds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bondline_sweep_bonds_total",
		Help: "Bonds processed by the decay sweeper by result",
	}, []string{"result"})

	OffersExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bondline_offers_expired_total",
		Help: "Slot offers that lapsed before acceptance",
	})

	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bondline_events_emitted_total",
		Help: "Events emitted by type",
	}, []string{"type"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bondline_events_dropped_total",
		Help: "Events dropped because a subscriber buffer was full",
	})

	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bondline_event_subscribers",
		Help: "Connected event stream subscribers",
	})

	// PoolOccupancy is the occupied slot count per pool, refreshed on claim
	// and release.
	PoolOccupancy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bondline_pool_occupied_slots",
		Help: "Occupied slots per agent pool",
	}, []string{"agent_id", "tier"})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
