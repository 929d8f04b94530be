package observability

import (
	"math"
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MarketMetrics tracks marketplace engine activity: operation counts by
// outcome, the number of open offers, and the total value currently escrowed
// in the fund ledger.
type MarketMetrics struct {
	operations *prometheus.CounterVec
	failures   *prometheus.CounterVec
	openOffers prometheus.Gauge
	escrowed   prometheus.Gauge

	mu            sync.Mutex
	escrowedValue *big.Int
}

var (
	marketOnce     sync.Once
	marketRegistry *MarketMetrics
)

// Market returns the lazily-initialised marketplace metrics registry.
func Market() *MarketMetrics {
	marketOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "assetmarket",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Count of marketplace operations by name.",
			}, []string{"operation"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "assetmarket",
				Subsystem: "engine",
				Name:      "operation_failures_total",
				Help:      "Count of rejected marketplace operations by name.",
			}, []string{"operation"}),
			openOffers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "assetmarket",
				Subsystem: "engine",
				Name:      "open_offers",
				Help:      "Number of currently open (non-deleted) offers.",
			}),
			escrowed: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "assetmarket",
				Subsystem: "engine",
				Name:      "escrowed_value",
				Help:      "Total unclaimed proceeds held in the fund ledger.",
			}),
			escrowedValue: big.NewInt(0),
		}
		prometheus.MustRegister(
			marketRegistry.operations,
			marketRegistry.failures,
			marketRegistry.openOffers,
			marketRegistry.escrowed,
		)
	})
	return marketRegistry
}

// RecordOperation counts one operation attempt and, on error, one failure.
func (m *MarketMetrics) RecordOperation(operation string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation).Inc()
	if err != nil {
		m.failures.WithLabelValues(operation).Inc()
	}
}

// SetOpenOffers records the current number of open offers.
func (m *MarketMetrics) SetOpenOffers(count int) {
	if m == nil {
		return
	}
	m.openOffers.Set(float64(count))
}

// AddEscrowedValue increases the escrowed-value gauge.
func (m *MarketMetrics) AddEscrowedValue(amount *big.Int) {
	m.adjustEscrowed(amount, false)
}

// SubEscrowedValue decreases the escrowed-value gauge.
func (m *MarketMetrics) SubEscrowedValue(amount *big.Int) {
	m.adjustEscrowed(amount, true)
}

func (m *MarketMetrics) adjustEscrowed(amount *big.Int, negate bool) {
	if m == nil || amount == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if negate {
		m.escrowedValue.Sub(m.escrowedValue, amount)
	} else {
		m.escrowedValue.Add(m.escrowedValue, amount)
	}
	value, _ := new(big.Float).SetInt(m.escrowedValue).Float64()
	if math.IsInf(value, 0) || math.IsNaN(value) {
		return
	}
	m.escrowed.Set(value)
}
