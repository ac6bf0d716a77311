// Package relay copies bytes in both directions between a client connection
// and a destination connection.
//
// Each direction runs in its own goroutine and stops on end-of-stream, on an
// I/O error, or when its cancellation Token fires. Whichever direction stops
// first cancels the other. Timeouts on the underlying connections only bound
// individual I/O calls; they are the interval at which a blocked worker polls
// its token, and an idle relay never ends on its own.
//
// Both workers share a Guard. Each owns one reference and releases it on exit,
// so the Guard's callback runs exactly once, after both directions stopped.
package relay
