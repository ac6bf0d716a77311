// Package metrics defines the Prometheus collectors exported by tcp2socks.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tcp2socks"

// Relay directions, used as the "direction" label of RelayBytes.
const (
	ClientToDestination = "client_to_destination"
	DestinationToClient = "destination_to_client"
)

var (
	SessionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_accepted_total",
		Help:      "Client connections accepted.",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Sessions registered with the server and not yet reaped.",
	})

	ConnectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connect_failures_total",
		Help:      "Sessions whose SOCKS5 connect to the destination failed.",
	})

	SessionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_errors_total",
		Help:      "Sessions whose relay ended with an error. Connect failures are counted separately.",
	})

	RelayBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_bytes_total",
		Help:      "Bytes relayed, by direction.",
	}, []string{"direction"})
)
