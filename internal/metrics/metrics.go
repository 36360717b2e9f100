// Package metrics exposes prometheus collectors for the engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics collectors shared by the ledger, resolver and keeper.
type EngineMetrics struct {
	operations     *prometheus.CounterVec
	executions     *prometheus.CounterVec
	batchSize      prometheus.Histogram
	eligible       prometheus.Gauge
	positions      prometheus.Gauge
	keeperTicks    *prometheus.CounterVec
	quoteFailures  prometheus.Counter
	journalFailure *prometheus.CounterVec
}

var (
	engineOnce     sync.Once
	engineRegistry *EngineMetrics
)

// Engine returns the process-wide collectors, registering them on first use.
func Engine() *EngineMetrics {
	engineOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "dcacore_ledger_operations_total",
				Help: "Ledger operations by name and result.",
			}, []string{"op", "result"}),
			executions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "dcacore_executions_total",
				Help: "Per-position executions by result.",
			}, []string{"result"}),
			batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "dcacore_batch_size",
				Help:    "Number of positions submitted per batch.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			}),
			eligible: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "dcacore_resolver_eligible_positions",
				Help: "Positions found executable by the last resolver scan.",
			}),
			positions: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "dcacore_positions",
				Help: "Number of allocated position ids.",
			}),
			keeperTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "dcacore_keeper_ticks_total",
				Help: "Keeper ticks by outcome.",
			}, []string{"outcome"}),
			quoteFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "dcacore_resolver_quote_failures_total",
				Help: "Quotes that failed during a resolver scan.",
			}),
			journalFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "dcacore_persistence_failures_total",
				Help: "Failed writes to durable stores.",
			}, []string{"store"}),
		}
		prometheus.MustRegister(
			engineRegistry.operations,
			engineRegistry.executions,
			engineRegistry.batchSize,
			engineRegistry.eligible,
			engineRegistry.positions,
			engineRegistry.keeperTicks,
			engineRegistry.quoteFailures,
			engineRegistry.journalFailure,
		)
	})
	return engineRegistry
}

func (m *EngineMetrics) ObserveOperation(op string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, result(err)).Inc()
}

func (m *EngineMetrics) ObserveExecution(err error) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(result(err)).Inc()
}

func (m *EngineMetrics) ObserveBatchSize(n int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(n))
}

func (m *EngineMetrics) SetEligible(n int) {
	if m == nil {
		return
	}
	m.eligible.Set(float64(n))
}

func (m *EngineMetrics) SetPositions(n uint64) {
	if m == nil {
		return
	}
	m.positions.Set(float64(n))
}

func (m *EngineMetrics) ObserveKeeperTick(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.keeperTicks.WithLabelValues(outcome).Inc()
}

func (m *EngineMetrics) IncQuoteFailure() {
	if m == nil {
		return
	}
	m.quoteFailures.Inc()
}

func (m *EngineMetrics) IncPersistenceFailure(store string) {
	if m == nil {
		return
	}
	m.journalFailure.WithLabelValues(store).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
