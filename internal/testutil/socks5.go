package testutil

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/die-net/tcp2socks/internal/socks5"
)

// SOCKS5ProxyOptions scripts the behavior of a SOCKS5Proxy.
type SOCKS5ProxyOptions struct {
	Auth socks5.Auth

	// Refuse answers every CONNECT with "connection refused".
	Refuse bool

	// Stall accepts connections but never answers the negotiation.
	Stall bool

	// Redirect maps requested addresses to the address actually dialed, so
	// tests can use domain destinations without DNS.
	Redirect map[string]string
}

// SOCKS5Proxy is a minimal CONNECT-only SOCKS5 proxy for tests. It records
// the destination of every request it reads.
type SOCKS5Proxy struct {
	net.Listener

	opts SOCKS5ProxyOptions

	mu       sync.Mutex
	requests []string
	conns    map[net.Conn]struct{}
}

// StartSOCKS5Proxy starts a scripted proxy on a loopback port. It is shut
// down with t.Cleanup.
func StartSOCKS5Proxy(t *testing.T, ctx context.Context, opts SOCKS5ProxyOptions) *SOCKS5Proxy {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	p := &SOCKS5Proxy{Listener: ln, opts: opts, conns: make(map[net.Conn]struct{})}

	var wg sync.WaitGroup
	wg.Go(func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			p.track(c)
			wg.Go(func() {
				defer p.untrack(c)
				p.handle(ctx, c)
			})
		}
	})
	t.Cleanup(func() {
		_ = ln.Close()
		p.mu.Lock()
		for c := range p.conns {
			_ = c.Close()
		}
		p.mu.Unlock()
		wg.Wait()
	})

	return p
}

// Requests returns the destinations requested so far.
func (p *SOCKS5Proxy) Requests() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.requests...)
}

func (p *SOCKS5Proxy) track(c net.Conn) {
	p.mu.Lock()
	p.conns[c] = struct{}{}
	p.mu.Unlock()
}

func (p *SOCKS5Proxy) untrack(c net.Conn) {
	_ = c.Close()
	p.mu.Lock()
	delete(p.conns, c)
	p.mu.Unlock()
}

func (p *SOCKS5Proxy) handle(ctx context.Context, c net.Conn) {
	if p.opts.Stall {
		_, _ = io.Copy(io.Discard, c)
		return
	}

	if err := socks5.ServerNegotiate(c, p.opts.Auth); err != nil {
		return
	}
	req, err := socks5.ServerReadRequest(c)
	if err != nil {
		return
	}

	addr := req.Address()
	p.mu.Lock()
	p.requests = append(p.requests, addr)
	p.mu.Unlock()

	if req.Cmd != socks5.CmdConnect {
		socks5.WriteCommandNotSupportedReply(c, req.Atyp)
		return
	}
	if p.opts.Refuse {
		socks5.WriteConnectionRefusedReply(c, req.Atyp)
		return
	}
	if to, ok := p.opts.Redirect[addr]; ok {
		addr = to
	}

	d := net.Dialer{}
	dst, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		socks5.WriteConnectionRefusedReply(c, req.Atyp)
		return
	}
	p.track(dst)
	defer p.untrack(dst)

	if err := socks5.WriteSuccessReply(c, dst.LocalAddr()); err != nil {
		return
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		_, _ = io.Copy(dst, c)
		_ = dst.(*net.TCPConn).CloseWrite()
	})
	_, _ = io.Copy(c, dst)
	_ = c.(*net.TCPConn).CloseWrite()
	wg.Wait()
}
