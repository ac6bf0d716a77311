package model

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Address is a relay destination: either an IP address or a domain name,
// always with a port. Domain names are never resolved locally; they are handed
// to the SOCKS5 proxy as-is.
type Address struct {
	ip     netip.Addr
	domain string
	port   uint16
}

// IPAddress returns an Address for ip:port.
func IPAddress(ip netip.Addr, port uint16) Address {
	return Address{ip: ip.Unmap(), port: port}
}

// DomainAddress returns an Address for name:port. It panics if name is empty;
// use ParseAddress for untrusted input.
func DomainAddress(name string, port uint16) Address {
	if name == "" {
		panic("model: empty domain name")
	}
	return Address{domain: name, port: port}
}

// AddressFromTCPAddr converts a resolved TCP address.
func AddressFromTCPAddr(a *net.TCPAddr) Address {
	return IPAddress(a.AddrPort().Addr(), uint16(a.Port))
}

// ParseAddress parses "host:port". A host that is an IP literal yields an IP
// address, anything else a domain address.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	port, err := ParsePort(portStr)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	if host == "" {
		return Address{}, fmt.Errorf("parse address %q: missing host", s)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return IPAddress(ip, port), nil
	}
	return DomainAddress(host, port), nil
}

// ParsePort parses a decimal port in the range 1-65535.
func ParsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if n == 0 {
		return 0, errors.New("port must be > 0")
	}
	return uint16(n), nil
}

// IsDomain reports whether a is a domain name rather than an IP address.
func (a Address) IsDomain() bool {
	return a.domain != ""
}

// IP returns the address' IP. It is the zero netip.Addr for domain addresses.
func (a Address) IP() netip.Addr {
	return a.ip
}

// Host returns the domain name or the textual IP.
func (a Address) Host() string {
	if a.IsDomain() {
		return a.domain
	}
	return a.ip.String()
}

// Port returns the port.
func (a Address) Port() uint16 {
	return a.port
}

// String renders host:port, bracketing IPv6 literals.
func (a Address) String() string {
	return net.JoinHostPort(a.Host(), strconv.Itoa(int(a.port)))
}
