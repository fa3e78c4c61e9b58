package hub

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the hub's prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	packages     *prometheus.CounterVec
	reconcile    *prometheus.CounterVec
	passes       prometheus.Counter
	rejections   *prometheus.CounterVec
	outcomes     *prometheus.CounterVec
	laneRuns     *prometheus.CounterVec
	laneSkips    *prometheus.CounterVec
	laneDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the hub collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		packages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetd",
			Name:      "packages_processed_total",
			Help:      "Packages leaving the pipeline, by terminal status.",
		}, []string{"status"}),
		reconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetd",
			Name:      "reconcile_changes_total",
			Help:      "Deployments changed by reconciliation, by kind.",
		}, []string{"kind"}),
		passes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetd",
			Name:      "reconcile_passes_total",
			Help:      "Completed reconciliation passes.",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetd",
			Name:      "envelope_rejections_total",
			Help:      "Rejected agent envelopes, by reason.",
		}, []string{"reason"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetd",
			Name:      "deployment_results_total",
			Help:      "Deployment results reported by agents, by outcome.",
		}, []string{"outcome"}),
		laneRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetd",
			Name:      "lane_runs_total",
			Help:      "Maintenance lane runs, by lane and result.",
		}, []string{"lane", "result"}),
		laneSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetd",
			Name:      "lane_skips_total",
			Help:      "Ticks skipped because the lane was still busy.",
		}, []string{"lane"}),
		laneDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fleetd",
			Name:      "lane_run_seconds",
			Help:      "Maintenance lane run duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"lane"}),
	}

	for _, c := range []prometheus.Collector{m.packages, m.reconcile, m.passes, m.rejections, m.outcomes, m.laneRuns, m.laneSkips, m.laneDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) packageFinished(status PackageStatus) {
	if m == nil {
		return
	}
	m.packages.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) reconciled(r PassResult) {
	if m == nil {
		return
	}
	m.passes.Inc()
	m.reconcile.WithLabelValues("created").Add(float64(r.Created))
	m.reconcile.WithLabelValues("removed").Add(float64(r.Removed))
	m.reconcile.WithLabelValues("collapsed").Add(float64(r.Collapsed))
}

// EnvelopeRejected counts a rejected envelope.
func (m *Metrics) EnvelopeRejected(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) deploymentReported(o Outcome) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(o.String()).Inc()
}

func (m *Metrics) laneRun(lane string, took time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.laneRuns.WithLabelValues(lane, result).Inc()
	m.laneDuration.WithLabelValues(lane).Observe(took.Seconds())
}

func (m *Metrics) laneSkipped(lane string) {
	if m == nil {
		return
	}
	m.laneSkips.WithLabelValues(lane).Inc()
}
