package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/geekxflood/proteus/internal/types"
)

type instruments struct {
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	subRequests prometheus.Histogram
	undos       *prometheus.CounterVec

	saves       *prometheus.CounterVec
	saveLatency prometheus.Histogram
	rowsSaved   prometheus.Gauge

	registrations prometheus.Gauge
	uptime        prometheus.Gauge
}

func newInstruments(reg prometheus.Registerer, ns string) *instruments {
	f := promauto.With(reg)
	return &instruments{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "requests_total",
			Help:      "Processed requests by PDU type and error status.",
		}, []string{"pdu_type", "error_status"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "request_duration_seconds",
			Help:      "Time from dispatch to response per request.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"pdu_type"}),
		subRequests: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "request_subrequests",
			Help:      "Sub-requests per request.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 1000},
		}),
		undos: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "undos_total",
			Help:      "SET requests rolled back, by undo outcome.",
		}, []string{"result"}),

		saves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "storage",
			Name:      "saves_total",
			Help:      "State saves by outcome.",
		}, []string{"result"}),
		saveLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "storage",
			Name:      "save_duration_seconds",
			Help:      "Time spent writing a state snapshot.",
		}),
		rowsSaved: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "storage",
			Name:      "rows",
			Help:      "Rows written by the last successful save.",
		}),

		registrations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "registrations",
			Help:      "Managed object registrations in the directory.",
		}),
		uptime: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "uptime_seconds",
			Help:      "Seconds since the metrics manager was created.",
		}),
	}
}

// RequestProcessed records one completed request.
func (m *MetricsManager) RequestProcessed(pdu types.PDUType, status types.ErrorStatus, subRequests int, duration time.Duration) {
	m.inst.requests.WithLabelValues(pdu.String(), status.String()).Inc()
	m.inst.latency.WithLabelValues(pdu.String()).Observe(duration.Seconds())
	m.inst.subRequests.Observe(float64(subRequests))
}

// UndoPerformed records a rolled back SET request.
func (m *MetricsManager) UndoPerformed(failed bool) {
	m.inst.undos.WithLabelValues(outcome(!failed)).Inc()
}

// SaveCompleted records one state save. A failed save marks storage
// unhealthy until the next successful one.
func (m *MetricsManager) SaveCompleted(rows int, duration time.Duration, err error) {
	m.inst.saves.WithLabelValues(outcome(err == nil)).Inc()
	if err == nil {
		m.inst.saveLatency.Observe(duration.Seconds())
		m.inst.rowsSaved.Set(float64(rows))
	}
	m.SetComponentHealth("storage", err == nil)
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
