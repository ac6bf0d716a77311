package conn

import (
	"errors"
	"net"
	"os"
	"time"
)

// TimeoutConn refreshes its read or write deadline before every Read or
// Write, so a timeout bounds a single I/O call rather than the connection's
// lifetime.
type TimeoutConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// WithTimeouts wraps c with per-call read and write timeouts. A zero timeout
// leaves that direction without a deadline. If both are zero c is returned
// unchanged.
func WithTimeouts(c net.Conn, read, write time.Duration) net.Conn {
	if read <= 0 && write <= 0 {
		return c
	}
	return &TimeoutConn{Conn: c, readTimeout: read, writeTimeout: write}
}

func (c *TimeoutConn) Read(p []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

func (c *TimeoutConn) Write(p []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(p)
}

// CloseWrite half-closes the underlying connection if it supports it.
func (c *TimeoutConn) CloseWrite() error {
	return CloseWrite(c.Conn)
}

// Unwrap returns the underlying connection.
func (c *TimeoutConn) Unwrap() net.Conn {
	return c.Conn
}

// CloseWrite shuts down the write side of c. It returns errors.ErrUnsupported
// for connections without half-close support.
func CloseWrite(c net.Conn) error {
	cw, ok := c.(interface{ CloseWrite() error })
	if !ok {
		return errors.ErrUnsupported
	}
	return cw.CloseWrite()
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
