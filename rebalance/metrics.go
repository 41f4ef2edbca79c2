package rebalance

import (
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/parallaxfi/basket-engine/basket"
)

// Metrics exposes the engine's operational counters. Pass a private
// registry in tests to avoid duplicate registration.
type Metrics struct {
	Rounds prometheus.Counter
	Trades prometheus.Counter
	Skips  prometheus.Counter
	profit prometheus.Counter
	value  prometheus.Gauge
}

// NewMetrics registers the engine metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "basket_engine",
			Name:      "rebalance_rounds_total",
			Help:      "Number of rebalance rounds started.",
		}),
		Trades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "basket_engine",
			Name:      "trades_executed_total",
			Help:      "Number of swaps executed across all rounds.",
		}),
		Skips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "basket_engine",
			Name:      "assets_skipped_total",
			Help:      "Assets passed over by the profitability gate.",
		}),
		profit: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "basket_engine",
			Name:      "realized_profit_units_total",
			Help:      "Realized gain in whole normalized units.",
		}),
		value: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "basket_engine",
			Name:      "basket_value_units",
			Help:      "Total basket value in whole normalized units.",
		}),
	}
	reg.MustRegister(m.Rounds, m.Trades, m.Skips, m.profit, m.value)
	return m
}

// ObserveRound records the round's realized gain and the post-round basket
// value.
func (m *Metrics) ObserveRound(gain, total *uint256.Int) {
	m.profit.Add(normalizedUnits(gain))
	m.SetBasketValue(total)
}

// SetBasketValue updates the basket value gauge.
func (m *Metrics) SetBasketValue(total *uint256.Int) {
	m.value.Set(normalizedUnits(total))
}

// normalizedUnits converts a normalized fixed-point amount into whole units
// for export. Precision loss here only affects metrics, never accounting.
func normalizedUnits(v *uint256.Int) float64 {
	d, err := decimal.NewFromString(v.Dec())
	if err != nil {
		return 0
	}
	f, _ := d.Shift(-basket.NormalizedDecimals).Float64()
	return f
}
