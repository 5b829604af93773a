// Package metrics exposes prometheus collectors for bus operations and
// channel stages.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pwmd/internal/pwm"
)

// StageCounter reports how many resident channel records sit in each stage.
type StageCounter interface {
	StageCounts() map[pwm.Stage]int
}

type Metrics struct {
	ops *prometheus.CounterVec
	dur *prometheus.HistogramVec
}

// New registers the collectors on reg. stages may be nil.
func New(reg prometheus.Registerer, stages StageCounter) *Metrics {
	m := &Metrics{
		ops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pwmd_operations_total",
				Help: "Bus operations handled, by operation and result code.",
			},
			[]string{"op", "code"},
		),
		dur: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pwmd_operation_duration_seconds",
				Help:    "Bus operation latency, including the wait for the channel lock.",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"op"},
		),
	}
	reg.MustRegister(m.ops, m.dur)
	if stages != nil {
		reg.MustRegister(&stageCollector{src: stages})
	}
	return m
}

// Observe records one finished operation. Safe on a nil *Metrics.
func (m *Metrics) Observe(op string, code int32, d time.Duration) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(op, strconv.Itoa(int(code))).Inc()
	m.dur.WithLabelValues(op).Observe(d.Seconds())
}

var stageDesc = prometheus.NewDesc(
	"pwmd_channels",
	"Resident channel records by life-cycle stage.",
	[]string{"stage"}, nil,
)

type stageCollector struct {
	src StageCounter
}

func (c *stageCollector) Describe(ch chan<- *prometheus.Desc) { ch <- stageDesc }

func (c *stageCollector) Collect(ch chan<- prometheus.Metric) {
	counts := c.src.StageCounts()
	for _, st := range []pwm.Stage{pwm.Exported, pwm.Configured, pwm.Enabled} {
		ch <- prometheus.MustNewConstMetric(stageDesc, prometheus.GaugeValue, float64(counts[st]), st.String())
	}
}
