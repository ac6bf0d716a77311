// Package testutil holds loopback servers and helpers shared by tcp2socks
// tests.
package testutil
