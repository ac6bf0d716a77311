package conn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Options configures connections accepted by a Listener.
type Options struct {
	KeepAlive net.KeepAliveConfig

	// ReadTimeout and WriteTimeout are applied to every Read and Write on
	// accepted connections. Zero disables the deadline.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ListenTCP listens on the given network/address and returns a Listener that
// applies opts to accepted TCP connections.
//
// Bind failures caused by the address being in use or unavailable wrap
// model.ErrAddrInUse or model.ErrAddrNotAvailable.
func ListenTCP(ctx context.Context, network, addr string, opts Options) (*Listener, error) {
	lc := net.ListenConfig{}

	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, classifyBindError(err))
	}

	return &Listener{Listener: ln, Options: opts}, nil
}

// Listener wraps a net.Listener, applying KeepAlive to any accepted
// *net.TCPConn and wrapping every accepted connection with WithTimeouts.
type Listener struct {
	net.Listener
	Options
}

// Accept accepts the next connection and configures it.
func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(l.KeepAlive)
	}

	return WithTimeouts(c, l.ReadTimeout, l.WriteTimeout), nil
}

// SetDeadline bounds the next Accept call. It returns errors.ErrUnsupported if
// the underlying listener has no deadline support.
func (l *Listener) SetDeadline(t time.Time) error {
	dl, ok := l.Listener.(interface{ SetDeadline(time.Time) error })
	if !ok {
		return errors.ErrUnsupported
	}
	return dl.SetDeadline(t)
}
