// Package socks5 provides the SOCKS5 handshake used by tcp2socks.
//
// It wraps the low-level protocol types in github.com/txthinking/socks5 to keep
// negotiation and CONNECT encoding in one place. The client side is used by
// the connector; the server side is only used by test proxies.
//
// This package is not intended to be a full SOCKS5 implementation; it is a
// thin layer around the library primitives.
package socks5
