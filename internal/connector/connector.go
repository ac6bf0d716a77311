package connector

import (
	"context"
	"net"
	"time"

	"github.com/die-net/tcp2socks/internal/model"
	"github.com/die-net/tcp2socks/internal/socks5"
)

// Connector establishes connections to a destination through an upstream
// proxy.
type Connector interface {
	// Connect returns a byte stream to dst and the proxy address it runs
	// through.
	Connect(ctx context.Context, dst model.Address) (net.Conn, net.Addr, error)

	// ConnectPacket returns a packet stream to dst. UDP associate is not
	// supported and this always fails with model.ErrNotImplemented.
	ConnectPacket(ctx context.Context, dst model.Address) (net.PacketConn, net.Addr, error)
}

type Config struct {
	// DialTimeout bounds the TCP connect to the proxy.
	DialTimeout time.Duration

	// NegotiationTimeout bounds the SOCKS5 handshake.
	NegotiationTimeout time.Duration

	// ReadTimeout and WriteTimeout are applied to every I/O call on the
	// returned stream. Zero disables the deadline.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	Auth socks5.Auth
}
