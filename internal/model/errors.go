package model

import "errors"

// Error kinds. Errors returned by tcp2socks packages wrap one of these
// together with the underlying cause, so both can be matched with errors.Is.
var (
	// ErrIO covers transport failures, timeouts and SOCKS5 handshake failures.
	ErrIO = errors.New("io error")

	// ErrDisconnected means the peer of a command or cancellation channel is gone.
	ErrDisconnected = errors.New("disconnected channel")

	// ErrAddrInUse and ErrAddrNotAvailable are bind-time failures.
	ErrAddrInUse        = errors.New("address already in use")
	ErrAddrNotAvailable = errors.New("address not available")

	// ErrPacketSizeLimitExceeded is reserved for the packet connector.
	ErrPacketSizeLimitExceeded = errors.New("packet size limit exceeded")

	// ErrPoisoned means a relay worker panicked.
	ErrPoisoned = errors.New("relay worker panicked")

	ErrNotImplemented = errors.New("not implemented")
)
