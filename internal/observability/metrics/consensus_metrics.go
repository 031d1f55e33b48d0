package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ConsensusMetrics tracks model fan-out and fund movement.
type ConsensusMetrics struct {
	modelLatency   *prometheus.HistogramVec
	modelSuccesses *prometheus.HistogramVec
	settlementLegs *prometheus.CounterVec
}

var (
	consensusMetricsOnce sync.Once
	consensusMetrics     *ConsensusMetrics
)

func Consensus() *ConsensusMetrics {
	return ConsensusWithConfig(Config{})
}

func ConsensusWithConfig(cfg Config) *ConsensusMetrics {
	consensusMetricsOnce.Do(func() {
		consensusMetrics = newConsensusMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return consensusMetrics
}

func newConsensusMetrics(registerer prometheus.Registerer, cfg Config) *ConsensusMetrics {
	labels := constLabels(cfg)
	modelLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "arbiter_consensus_model_latency_seconds",
		Help:        "Model call latency by stage, role and outcome.",
		Buckets:     []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 45, 60, 90},
		ConstLabels: labels,
	}, []string{"stage", "role", "status"})
	modelSuccesses := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "arbiter_consensus_model_successes",
		Help:        "Number of models that answered per generation.",
		Buckets:     []float64{0, 1, 2, 3},
		ConstLabels: labels,
	}, []string{"stage"})
	settlementLegs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "arbiter_settlement_legs_total",
		Help:        "Escrow gateway legs by kind and outcome.",
		ConstLabels: labels,
	}, []string{"leg", "status"})
	registerer.MustRegister(modelLatency, modelSuccesses, settlementLegs)
	return &ConsensusMetrics{
		modelLatency:   modelLatency,
		modelSuccesses: modelSuccesses,
		settlementLegs: settlementLegs,
	}
}

func (m *ConsensusMetrics) ObserveModelCall(stage, role, status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.modelLatency.WithLabelValues(stage, role, status).Observe(latency.Seconds())
}

func (m *ConsensusMetrics) ObserveSuccesses(stage string, count int) {
	if m == nil {
		return
	}
	m.modelSuccesses.WithLabelValues(stage).Observe(float64(count))
}

func (m *ConsensusMetrics) IncSettlementLeg(leg, status string) {
	if m == nil {
		return
	}
	m.settlementLegs.WithLabelValues(leg, status).Inc()
}
