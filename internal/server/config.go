package server

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/die-net/tcp2socks/internal/model"
)

type Config struct {
	ListenAddr  string
	Destination model.Address

	// ClientRWTimeout bounds each read and write on client connections, i.e.
	// the polling interval of the client->destination direction.
	ClientRWTimeout time.Duration

	// ServerRWTimeout bounds each read and write on destination connections.
	// It is applied by the connector.
	ServerRWTimeout time.Duration

	// AcceptTimeout bounds each accept call. Zero blocks until a connection
	// arrives or the listener is closed.
	AcceptTimeout time.Duration

	// BufferSize is the relay chunk size.
	BufferSize int

	KeepAlive net.KeepAliveConfig

	Logger logrus.FieldLogger
}

// DefaultConfig returns a Config with the default timeouts.
func DefaultConfig() Config {
	return Config{
		ClientRWTimeout: 2000 * time.Millisecond,
		ServerRWTimeout: 5000 * time.Millisecond,
		AcceptTimeout:   3 * time.Second,
		BufferSize:      4096,
		KeepAlive:       net.KeepAliveConfig{Enable: true},
	}
}
