package metrics

import (
	"math/big"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uhyunpark/cloakbook/pkg/app/core/batch"
	"github.com/uhyunpark/cloakbook/pkg/app/core/matcher"
	"github.com/uhyunpark/cloakbook/pkg/app/core/orderbook"
)

const namespace = "cloakbook"

// EngineSource is polled at scrape time for book gauges.
type EngineSource interface {
	OrderCounts() orderbook.Counts
	GetState() batch.State
}

// Collector is a batch.Notifier that feeds Prometheus. It owns its
// registry so several nodes can run in one process.
type Collector struct {
	registry *prometheus.Registry

	matches         *prometheus.CounterVec
	settlements     prometheus.Counter
	settledVolume   prometheus.Counter
	liquidations    prometheus.Counter
	batches         prometheus.Counter
	failedResiduals prometheus.Counter
	carriedOver     prometheus.Counter
	resolveSeconds  prometheus.Histogram
	rejected        *prometheus.CounterVec
}

var _ batch.Notifier = (*Collector)(nil)

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "matches_total",
			Help: "Matches found, by kind.",
		}, []string{"kind"}),
		settlements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "direct_settlements_total",
			Help: "Internal matches settled on the ledger.",
		}),
		settledVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "settled_volume_total",
			Help: "Quote notional settled directly, aggregated across matches.",
		}),
		liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "liquidations_total",
			Help: "Residual sells liquidated at the venue.",
		}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "batches_resolved_total",
			Help: "Resolved batches.",
		}),
		failedResiduals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "failed_residuals_total",
			Help: "Residual sells whose liquidation failed.",
		}),
		carriedOver: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "carried_over_total",
			Help: "Residual buys carried into the next batch.",
		}),
		resolveSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "batch_resolution_seconds",
			Help:    "Wall time of the three resolution phases.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "intake_rejected_total",
			Help: "Envelopes dropped by intake, by reason.",
		}, []string{"reason"}),
	}
	c.registry.MustRegister(
		c.matches, c.settlements, c.settledVolume, c.liquidations, c.batches,
		c.failedResiduals, c.carriedOver, c.resolveSeconds, c.rejected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// WatchEngine registers scrape-time gauges over src.
func (c *Collector) WatchEngine(src EngineSource) {
	gauge := func(name, help string, f func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, f)
	}
	c.registry.MustRegister(
		gauge("open_bids", "Open buy orders.", func() float64 { return float64(src.OrderCounts().Bids) }),
		gauge("open_asks", "Open sell orders.", func() float64 { return float64(src.OrderCounts().Asks) }),
		gauge("pending_orders", "Orders awaiting decryption.", func() float64 { return float64(src.OrderCounts().Pending) }),
		gauge("batch_id", "Current batch id.", func() float64 { return float64(src.GetState().BatchID) }),
		gauge("batch_status", "0 idle, 1 accumulating, 2 resolving.", func() float64 { return float64(src.GetState().Status) }),
	)
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) MatchFound(m matcher.Match) {
	c.matches.WithLabelValues(m.Kind.String()).Inc()
}

func (c *Collector) SettlementRecorded(_ matcher.Match, _ string, volume *big.Int) {
	c.settlements.Inc()
	if volume == nil || volume.Sign() <= 0 {
		return
	}
	v, _ := new(big.Float).SetInt(volume).Float64()
	c.settledVolume.Add(v)
}

func (c *Collector) LiquidationExecuted(m matcher.Match, _ string) {
	c.matches.WithLabelValues(m.Kind.String()).Inc()
	c.liquidations.Inc()
}

func (c *Collector) BatchResolved(r batch.Resolution) {
	c.batches.Inc()
	c.failedResiduals.Add(float64(r.FailedResiduals))
	c.carriedOver.Add(float64(r.CarriedOver))
	c.resolveSeconds.Observe(r.Duration.Seconds())
}

// IntakeRejected matches intake.App.OnReject.
func (c *Collector) IntakeRejected(reason string) {
	c.rejected.WithLabelValues(reason).Inc()
}
