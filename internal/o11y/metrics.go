package o11y

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the domain counters exported next to the HTTP RED metrics.
type Metrics struct {
	RidesStarted      prometheus.Counter
	RidesFinished     *prometheus.CounterVec
	BatteryTicks      prometheus.Counter
	BatteryAlerts     *prometheus.CounterVec
	ForcedStops       prometheus.Counter
	TickRideFailures  prometheus.Counter
	PublishFailures   *prometheus.CounterVec
	PublishQueueDepth prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RidesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rides_started_total",
			Help: "Rides started",
		}),
		RidesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rides_finished_total",
			Help: "Rides that reached a terminal state, by state",
		}, []string{"state"}),
		BatteryTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "battery_ticks_total",
			Help: "Battery decrement ticks run by this replica",
		}),
		BatteryAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "battery_alerts_total",
			Help: "Battery alerts raised, by kind",
		}, []string{"kind"}),
		ForcedStops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "battery_forced_stops_total",
			Help: "Rides stopped because the vehicle battery ran out",
		}),
		TickRideFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "battery_tick_ride_failures_total",
			Help: "Rides skipped within a tick because processing failed",
		}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_publish_failures_total",
			Help: "Events that could not be published, by topic",
		}, []string{"topic"}),
		PublishQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "event_publish_queue_depth",
			Help: "Events waiting to be sent to the broker",
		}),
	}
	reg.MustRegister(
		m.RidesStarted,
		m.RidesFinished,
		m.BatteryTicks,
		m.BatteryAlerts,
		m.ForcedStops,
		m.TickRideFailures,
		m.PublishFailures,
		m.PublishQueueDepth,
	)
	return m
}
