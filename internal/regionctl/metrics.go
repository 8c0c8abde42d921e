package regionctl

import (
	"strconv"
	"time"

	"nyxkv/internal/region"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes command and region lifecycle metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	dispatched  *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	finished    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	executors   prometheus.Gauge
	regionState *prometheus.GaugeVec
	compacted   prometheus.Counter
}

// NewMetrics registers the collectors on reg (default registerer if nil).
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "nyxkv"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	builder := promauto.With(reg)
	return &Metrics{
		dispatched: builder.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "region_cmd",
			Name:      "dispatched_total",
			Help:      "Region commands accepted into the ledger.",
		}, []string{"type"}),
		rejected: builder.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "region_cmd",
			Name:      "rejected_total",
			Help:      "Region commands rejected before execution, by error code.",
		}, []string{"type", "code"}),
		finished: builder.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "region_cmd",
			Name:      "finished_total",
			Help:      "Region commands that reached a terminal status.",
		}, []string{"type", "status"}),
		duration: builder.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "region_cmd",
			Name:      "run_duration_seconds",
			Help:      "Wall time spent executing a region command.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"type"}),
		executors: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "region_cmd",
			Name:      "executors",
			Help:      "Per-region executors currently registered.",
		}),
		regionState: builder.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "region_state",
			Help:      "Lifecycle state of each hosted region (numeric region.State).",
		}, []string{"region"}),
		compacted: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "region_cmd",
			Name:      "compacted_total",
			Help:      "Finished region commands reclaimed from the ledger.",
		}),
	}
}

func (m *Metrics) observeDispatch(t CommandType) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) observeReject(t CommandType, err error) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(t.String(), CodeOf(err).String()).Inc()
}

func (m *Metrics) observeFinish(t CommandType, status CommandStatus, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(t.String(), status.String()).Inc()
	m.duration.WithLabelValues(t.String()).Observe(elapsed.Seconds())
}

func (m *Metrics) setExecutors(n int) {
	if m == nil {
		return
	}
	m.executors.Set(float64(n))
}

func (m *Metrics) addCompacted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.compacted.Add(float64(n))
}

// AddRegion allocates the per-region series.
func (m *Metrics) AddRegion(id region.ID, state region.State) {
	m.SetRegionState(id, state)
}

// SetRegionState records the current state of a region.
func (m *Metrics) SetRegionState(id region.ID, state region.State) {
	if m == nil {
		return
	}
	m.regionState.WithLabelValues(regionLabel(id)).Set(float64(state))
}

// DeleteRegion drops the per-region series.
func (m *Metrics) DeleteRegion(id region.ID) {
	if m == nil {
		return
	}
	m.regionState.DeleteLabelValues(regionLabel(id))
}

func regionLabel(id region.ID) string {
	return strconv.FormatUint(uint64(id), 10)
}
