// Package connector opens upstream connections to the relay destination
// through a SOCKS5 proxy.
//
// Destination names are sent to the proxy unresolved (socks5h semantics).
// Every failure is reported wrapping model.ErrIO, and nothing is retried.
package connector
