package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type BridgeMetrics struct {
	redemptionsRequested prometheus.Counter
	redemptionsSettled   *prometheus.CounterVec
	rateLimited          prometheus.Counter
	mintsBlocked         *prometheus.CounterVec
	broadcastFailures    prometheus.Counter
	supplyBloom          prometheus.Gauge
	reserveRatioBps      prometheus.Gauge
}

var (
	bridgeOnce     sync.Once
	bridgeRegistry *BridgeMetrics
)

func Bridge() *BridgeMetrics {
	bridgeOnce.Do(func() {
		bridgeRegistry = &BridgeMetrics{
			redemptionsRequested: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "bridge_redemptions_requested_total",
				Help: "Count of signed redemption intents issued.",
			}),
			redemptionsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "bridge_redemptions_settled_total",
				Help: "Count of redemption intents reaching a terminal state, by outcome.",
			}, []string{"outcome"}),
			rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "bridge_rate_limited_total",
				Help: "Count of redemption requests rejected by the per-requester limiter.",
			}),
			mintsBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "bridge_mints_blocked_total",
				Help: "Count of mint requests rejected by the reserve gate, by reason.",
			}, []string{"reason"}),
			broadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "bridge_broadcast_failures_total",
				Help: "Count of settlement transactions that failed to broadcast.",
			}),
			supplyBloom: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "bridge_supply_bloom",
				Help: "Circulating BLOOM supply tracked by the bridge.",
			}),
			reserveRatioBps: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "bridge_reserve_ratio_bps",
				Help: "Attested collateral over required backing, in basis points.",
			}),
		}
		prometheus.MustRegister(
			bridgeRegistry.redemptionsRequested,
			bridgeRegistry.redemptionsSettled,
			bridgeRegistry.rateLimited,
			bridgeRegistry.mintsBlocked,
			bridgeRegistry.broadcastFailures,
			bridgeRegistry.supplyBloom,
			bridgeRegistry.reserveRatioBps,
		)
	})
	return bridgeRegistry
}

func (m *BridgeMetrics) IncRedemptionRequested() {
	if m == nil {
		return
	}
	m.redemptionsRequested.Inc()
}

func (m *BridgeMetrics) ObserveSettlement(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.redemptionsSettled.WithLabelValues(outcome).Inc()
}

func (m *BridgeMetrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *BridgeMetrics) IncMintBlocked(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.mintsBlocked.WithLabelValues(reason).Inc()
}

func (m *BridgeMetrics) IncBroadcastFailure() {
	if m == nil {
		return
	}
	m.broadcastFailures.Inc()
}

func (m *BridgeMetrics) SetSupply(totalBloom int64) {
	if m == nil {
		return
	}
	m.supplyBloom.Set(float64(totalBloom))
}

func (m *BridgeMetrics) SetReserveRatio(bps int64) {
	if m == nil {
		return
	}
	m.reserveRatioBps.Set(float64(bps))
}
