package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PromSink exposes the latest value of every metric as a gauge labelled by
// metric name, plus a counter of recorded points.
type PromSink struct {
	values   *prometheus.GaugeVec
	epoch    prometheus.Gauge
	recorded prometheus.Counter
}

// NewPromSink registers its collectors on reg.
func NewPromSink(reg prometheus.Registerer) (*PromSink, error) {
	s := &PromSink{
		values: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "qrsegment",
			Subsystem: "train",
			Name:      "metric_value",
			Help:      "Latest value of a training or validation metric",
		}, []string{"name"}),
		epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qrsegment",
			Subsystem: "train",
			Name:      "epoch",
			Help:      "Epoch of the latest recorded metric",
		}),
		recorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qrsegment",
			Subsystem: "train",
			Name:      "points_total",
			Help:      "Total number of recorded metric points",
		}),
	}
	for _, c := range []prometheus.Collector{s.values, s.epoch, s.recorded} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Record implements Sink.
func (s *PromSink) Record(p Point) error {
	s.values.WithLabelValues(p.Name).Set(p.Value)
	s.epoch.Set(float64(p.Epoch))
	s.recorded.Inc()
	return nil
}

// Close implements Sink.
func (s *PromSink) Close() error { return nil }
