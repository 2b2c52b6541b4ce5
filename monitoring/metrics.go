package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queuetrack_commands_total",
			Help: "Queue commands issued by the client, by outcome",
		},
		[]string{"command", "outcome"},
	)

	pushEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queuetrack_push_events_total",
			Help: "Inbound push-channel events received, by type",
		},
		[]string{"event"},
	)

	socketReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queuetrack_socket_reconnects_total",
			Help: "Push-channel reconnect attempts",
		},
	)

	socketConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "queuetrack_socket_connected",
			Help: "Whether the push channel is currently connected (1/0)",
		},
	)
)

func TrackCommand(command string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	commandsTotal.WithLabelValues(command, outcome).Inc()
}

func TrackPushEvent(event string) {
	pushEventsTotal.WithLabelValues(event).Inc()
}

func TrackReconnect() {
	socketReconnects.Inc()
}

func SetSocketConnected(connected bool) {
	if connected {
		socketConnected.Set(1)
	} else {
		socketConnected.Set(0)
	}
}
