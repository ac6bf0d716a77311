// Package pipeline parses the three endpoint URLs that describe a relay: where
// to listen, which SOCKS5 proxy to use, and where the proxy should connect.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"github.com/die-net/tcp2socks/internal/model"
	"github.com/die-net/tcp2socks/internal/socks5"
)

// Resolver looks up host names. *net.Resolver implements it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Pipeline is a parsed server -> proxy -> destination chain.
type Pipeline struct {
	ServerAddr netip.AddrPort
	ProxyAddr  netip.AddrPort
	ProxyAuth  socks5.Auth

	// Destination is passed to the proxy unresolved.
	Destination model.Address
}

var errNotUnique = errors.New("socket address must be unique")

// Parse parses the endpoint URLs using the system resolver:
//
//	server:      tcp://host:port
//	proxy:       socks5h://[user:pass@]host:port
//	destination: tcp://host:port
//
// Server and proxy hosts must resolve to exactly one address.
func Parse(server, proxy, destination string) (Pipeline, error) {
	return ParseContext(context.Background(), net.DefaultResolver, server, proxy, destination)
}

// ParseContext is Parse with an explicit context and resolver.
func ParseContext(ctx context.Context, r Resolver, server, proxy, destination string) (Pipeline, error) {
	var p Pipeline

	u, err := parseURL(server, "tcp")
	if err != nil {
		return Pipeline{}, fmt.Errorf("server url: %w", err)
	}
	if p.ServerAddr, err = resolveUnique(ctx, r, u); err != nil {
		return Pipeline{}, fmt.Errorf("server url %q: %w", server, err)
	}

	u, err = parseURL(proxy, "socks5h")
	if err != nil {
		return Pipeline{}, fmt.Errorf("proxy url: %w", err)
	}
	if p.ProxyAddr, err = resolveUnique(ctx, r, u); err != nil {
		return Pipeline{}, fmt.Errorf("proxy url %q: %w", proxy, err)
	}
	if u.User != nil {
		p.ProxyAuth.Username = u.User.Username()
		p.ProxyAuth.Password, _ = u.User.Password()
	}

	u, err = parseURL(destination, "tcp")
	if err != nil {
		return Pipeline{}, fmt.Errorf("destination url: %w", err)
	}
	if u.User != nil {
		return Pipeline{}, fmt.Errorf("destination url %q: unexpected userinfo", destination)
	}
	if p.Destination, err = model.ParseAddress(u.Host); err != nil {
		return Pipeline{}, fmt.Errorf("destination url %q: %w", destination, err)
	}

	return p, nil
}

func parseURL(s, scheme string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)

	switch {
	case u.Scheme == "":
		return nil, fmt.Errorf("invalid url %q: missing scheme", s)
	case u.Scheme != scheme:
		return nil, fmt.Errorf("invalid url %q: unsupported scheme %q, want %s://", s, u.Scheme, scheme)
	case u.Opaque != "":
		return nil, fmt.Errorf("invalid url %q: expected %s://host:port", s, scheme)
	case u.Path != "" && u.Path != "/":
		return nil, fmt.Errorf("invalid url %q: path should be empty", s)
	case u.RawQuery != "" || u.Fragment != "":
		return nil, fmt.Errorf("invalid url %q: query and fragment should be empty", s)
	case u.Hostname() == "":
		return nil, fmt.Errorf("invalid url %q: missing host", s)
	case u.Port() == "":
		return nil, fmt.Errorf("invalid url %q: missing port", s)
	}
	return u, nil
}

func resolveUnique(ctx context.Context, r Resolver, u *url.URL) (netip.AddrPort, error) {
	port, err := model.ParsePort(u.Port())
	if err != nil {
		return netip.AddrPort{}, err
	}

	host := u.Hostname()
	if ip, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(ip.Unmap(), port), nil
	}

	ips, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(ips) != 1 {
		return netip.AddrPort{}, fmt.Errorf("%w: %s has %d addresses", errNotUnique, host, len(ips))
	}
	return netip.AddrPortFrom(ips[0].Unmap(), port), nil
}
