// Package metrics exposes Prometheus counters/gauges for epoch, consensus
// and PoW activity. Carried as part of the ambient stack per DESIGN NOTES,
// even though the JSON-RPC/websocket frontends this would normally sit
// behind are an explicit spec.md non-goal — this is observability, not a
// frontend.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// EpochNumber is the node's current epoch number (testable property 1).
	EpochNumber = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dsnode",
		Name:      "epoch_number",
		Help:      "current value of m_currentEpochNum",
	})

	// ConsensusRounds counts completed consensus rounds by kind and outcome.
	ConsensusRounds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dsnode",
		Name:      "consensus_rounds_total",
		Help:      "consensus rounds completed, by kind and outcome",
	}, []string{"kind", "outcome"})

	// ConsensusRoundDuration observes time-to-Done for each consensus kind.
	ConsensusRoundDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dsnode",
		Name:      "consensus_round_duration_seconds",
		Help:      "wall-clock time from Announce to Done",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	// ViewChanges counts view-change rounds triggered, by committee kind.
	ViewChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dsnode",
		Name:      "view_changes_total",
		Help:      "view change rounds triggered",
	}, []string{"kind"})

	// PowSubmissions counts local PoW submissions by difficulty tier met.
	PowSubmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dsnode",
		Name:      "pow_submissions_total",
		Help:      "PoW solutions submitted, by tier (normal|ds)",
	}, []string{"tier"})

	// UnavailableMicroBlocks tracks the live size of the current epoch's
	// unavailableMicroBlocks set (spec.md section 4.5).
	UnavailableMicroBlocks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dsnode",
		Name:      "unavailable_microblocks",
		Help:      "remaining microblocks awaiting tx-body availability",
	})
)

func init() {
	prometheus.MustRegister(
		EpochNumber,
		ConsensusRounds,
		ConsensusRoundDuration,
		ViewChanges,
		PowSubmissions,
		UnavailableMicroBlocks,
	)
}
