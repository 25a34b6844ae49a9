package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Collector struct {
	reg *prometheus.Registry

	ActiveSessions      prometheus.Gauge
	ActiveSubscriptions prometheus.Gauge
	TrackedVehicles     prometheus.Gauge

	ReportsAccepted  prometheus.Counter
	ReportsRejected  *prometheus.CounterVec // reason label
	ReportsMalformed prometheus.Counter

	BroadcastsEnqueued prometheus.Counter
	UpdatesDropped     prometheus.Counter
	UpdatesDelivered   prometheus.Counter

	AlertsEmitted *prometheus.CounterVec // kind label

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	RosterReloads    prometheus.Counter
	RosterReloadErrs prometheus.Counter

	IngestDuration prometheus.Histogram
	FanoutDuration prometheus.Histogram

	SkewToleranceSeconds prometheus.Gauge
	QueueCapacity        prometheus.Gauge
}

func NewCollector(skewTolerance time.Duration, queueCapacity int) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_active_sessions",
			Help: "Number of live viewer sessions.",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_active_subscriptions",
			Help: "Number of (session, target) subscription pairs.",
		}),
		TrackedVehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_known_vehicles",
			Help: "Number of vehicles in the roster.",
		}),
		ReportsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_reports_accepted_total",
			Help: "Total position reports accepted.",
		}),
		ReportsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_reports_rejected_total",
			Help: "Total position reports rejected.",
		}, []string{"reason"}),
		ReportsMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_reports_malformed_total",
			Help: "Total inbound payloads that failed to decode.",
		}),
		BroadcastsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_broadcasts_enqueued_total",
			Help: "Total updates enqueued onto viewer outboxes.",
		}),
		UpdatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_updates_dropped_total",
			Help: "Total queued updates evicted under viewer backpressure.",
		}),
		UpdatesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_updates_delivered_total",
			Help: "Total updates written to viewer connections.",
		}),
		AlertsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_alerts_emitted_total",
			Help: "Total alerts dispatched.",
		}, []string{"kind"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		RosterReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_roster_reloads_total",
			Help: "Total roster/assignment reloads from the database.",
		}),
		RosterReloadErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_roster_reload_errors_total",
			Help: "Total failed roster/assignment reloads.",
		}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_ingest_duration_seconds",
			Help:    "Duration of validate+update for one report.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 15),
		}),
		FanoutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_fanout_duration_seconds",
			Help:    "Duration of resolving viewers and enqueueing one update.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 15),
		}),
		SkewToleranceSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_clock_skew_tolerance_seconds",
			Help: "Configured future clock skew tolerance in seconds.",
		}),
		QueueCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_session_queue_capacity",
			Help: "Configured per-session outbound queue capacity.",
		}),
	}

	// Register
	reg.MustRegister(
		c.ActiveSessions, c.ActiveSubscriptions, c.TrackedVehicles,
		c.ReportsAccepted, c.ReportsRejected, c.ReportsMalformed,
		c.BroadcastsEnqueued, c.UpdatesDropped, c.UpdatesDelivered,
		c.AlertsEmitted,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.RosterReloads, c.RosterReloadErrs,
		c.IngestDuration, c.FanoutDuration,
		c.SkewToleranceSeconds, c.QueueCapacity,
	)

	c.SkewToleranceSeconds.Set(skewTolerance.Seconds())
	c.QueueCapacity.Set(float64(queueCapacity))

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
	log.Info().Str("addr", addr).Msg("metrics listening")
	return srv
}
