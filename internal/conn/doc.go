// Package conn provides the TCP plumbing shared by the tcp2socks server and
// connector: a listener that configures accepted connections, per-call I/O
// timeouts, and bind error classification.
package conn
