package connector

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/die-net/tcp2socks/internal/conn"
	"github.com/die-net/tcp2socks/internal/model"
	"github.com/die-net/tcp2socks/internal/socks5"
)

// aLongTimeAgo is a deadline that has already expired.
var aLongTimeAgo = time.Unix(1, 0)

// SOCKS5Connector connects through a SOCKS5 proxy with the CONNECT command.
type SOCKS5Connector struct {
	cfg       Config
	proxyAddr string
}

var _ Connector = (*SOCKS5Connector)(nil)

func NewSOCKS5Connector(cfg Config, proxyAddr string) *SOCKS5Connector {
	return &SOCKS5Connector{cfg: cfg, proxyAddr: proxyAddr}
}

// ProxyAddr returns the proxy host:port.
func (c *SOCKS5Connector) ProxyAddr() string {
	return c.proxyAddr
}

// Connect dials the proxy, asks it to CONNECT to dst and returns the stream
// with the configured read and write timeouts applied.
//
// Cancelling ctx aborts the dial and the handshake; it has no effect on the
// returned connection.
func (c *SOCKS5Connector) Connect(ctx context.Context, dst model.Address) (net.Conn, net.Addr, error) {
	d := net.Dialer{Timeout: c.cfg.DialTimeout, KeepAliveConfig: c.cfg.KeepAlive}

	nc, err := d.DialContext(ctx, "tcp", c.proxyAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: socks5 proxy dial %s: %w", model.ErrIO, c.proxyAddr, err)
	}

	if c.cfg.NegotiationTimeout > 0 {
		_ = nc.SetDeadline(time.Now().Add(c.cfg.NegotiationTimeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = nc.SetDeadline(aLongTimeAgo)
	})

	_, err = socks5.ClientDial(nc, c.cfg.Auth, dst.String())
	if !stop() {
		_ = nc.Close()
		return nil, nil, fmt.Errorf("%w: socks5 connect %s via %s: %w", model.ErrIO, dst, c.proxyAddr, context.Cause(ctx))
	}
	if err != nil {
		_ = nc.Close()
		return nil, nil, fmt.Errorf("%w: socks5 connect %s via %s: %w", model.ErrIO, dst, c.proxyAddr, err)
	}

	// Clear the handshake deadline; from here on deadlines are per call.
	_ = nc.SetDeadline(time.Time{})

	return conn.WithTimeouts(nc, c.cfg.ReadTimeout, c.cfg.WriteTimeout), nc.RemoteAddr(), nil
}

func (c *SOCKS5Connector) ConnectPacket(_ context.Context, dst model.Address) (net.PacketConn, net.Addr, error) {
	return nil, nil, fmt.Errorf("socks5 udp associate %s: %w", dst, model.ErrNotImplemented)
}
