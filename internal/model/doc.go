// Package model holds the plain data shared by every tcp2socks component:
// destination addresses, session identifiers and the error kinds callers
// match with errors.Is.
package model
