package relay

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var fanoutBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

type metrics struct {
	events     *prometheus.CounterVec
	rejections *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	fanout     prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anonrelay",
			Subsystem: "relay",
			Name:      "events_total",
			Help:      "Inbound events by content kind",
		}, []string{"kind"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anonrelay",
			Subsystem: "relay",
			Name:      "rejections_total",
			Help:      "Events refused at admission, by reason",
		}, []string{"reason"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anonrelay",
			Subsystem: "relay",
			Name:      "deliveries_total",
			Help:      "Per-recipient delivery attempts, by outcome",
		}, []string{"outcome"}),
		fanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "anonrelay",
			Subsystem: "relay",
			Name:      "fanout_duration_seconds",
			Help:      "Time to attempt delivery to every recipient of one event",
			Buckets:   fanoutBuckets,
		}),
	}

	m.events = register(reg, m.events)
	m.rejections = register(reg, m.rejections)
	m.deliveries = register(reg, m.deliveries)
	m.fanout = register(reg, m.fanout)
	return m
}

// register adds c to reg, reusing the collector already registered under the
// same name when several engines share one registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

const (
	outcomeDelivered   = "delivered"
	outcomeUnreachable = "unreachable"
	outcomeFailed      = "failed"
)
