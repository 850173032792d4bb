package vpoll

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors updated by devices, instances and
// pollers. A nil *Metrics is valid, and records nothing.
type Metrics struct {
	instances   prometheus.Gauge
	opened      prometheus.Counter
	released    prometheus.Counter
	controls    *prometheus.CounterVec
	wakes       prometheus.Counter
	waitLatency prometheus.Histogram
	waitReady   prometheus.Histogram
}

// NewMetrics creates the collectors, registering them with reg, if reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		instances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: `vpoll`,
			Name:      `instances`,
			Help:      `Number of open instances.`,
		}),
		opened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: `vpoll`,
			Name:      `instances_opened_total`,
			Help:      `Total number of instances opened.`,
		}),
		released: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: `vpoll`,
			Name:      `instances_released_total`,
			Help:      `Total number of instances released.`,
		}),
		controls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: `vpoll`,
			Name:      `control_total`,
			Help:      `Control plane operations, by op and result.`,
		}, []string{`op`, `result`}),
		wakes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: `vpoll`,
			Name:      `wakes_total`,
			Help:      `Wait entries called by wakes.`,
		}),
		waitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: `vpoll`,
			Subsystem: `poller`,
			Name:      `wait_seconds`,
			Help:      `Time spent in Poller.Wait and Select.`,
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}),
		waitReady: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: `vpoll`,
			Subsystem: `poller`,
			Name:      `wait_ready`,
			Help:      `Number of ready events returned per wait.`,
			Buckets:   prometheus.LinearBuckets(0, 1, 9),
		}),
	}
	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (x *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		x.instances,
		x.opened,
		x.released,
		x.controls,
		x.wakes,
		x.waitLatency,
		x.waitReady,
	}
}

func (x *Metrics) open() {
	if x == nil {
		return
	}
	x.instances.Inc()
	x.opened.Inc()
}

func (x *Metrics) release() {
	if x == nil {
		return
	}
	x.instances.Dec()
	x.released.Inc()
}

func (x *Metrics) control(cmd Command, err error) {
	if x == nil {
		return
	}
	x.controls.WithLabelValues(cmd.op(), resultLabel(err)).Inc()
}

func (x *Metrics) wake(n int) {
	if x == nil || n == 0 {
		return
	}
	x.wakes.Add(float64(n))
}

func (x *Metrics) wait(start time.Time, ready int) {
	if x == nil {
		return
	}
	x.waitLatency.Observe(time.Since(start).Seconds())
	x.waitReady.Observe(float64(ready))
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return `ok`
	case errors.Is(err, ErrInvalidHandle):
		return `invalid_handle`
	case errors.Is(err, ErrInvalidArgument):
		return `invalid_argument`
	default:
		return `error`
	}
}
