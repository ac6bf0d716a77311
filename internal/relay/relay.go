package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/tcp2socks/internal/conn"
	"github.com/die-net/tcp2socks/internal/metrics"
	"github.com/die-net/tcp2socks/internal/model"
)

// DefaultBufferSize is the chunk size each direction reads at a time.
const DefaultBufferSize = 4096

// errStopped ends a pending write once the worker's token fired.
var errStopped = errors.New("relay stopped")

// Options tunes a relay.
type Options struct {
	// BufferSize bounds a single read. Zero means DefaultBufferSize.
	BufferSize int

	Logger logrus.FieldLogger
}

// Handle is a running relay.
type Handle struct {
	done chan struct{}
	err  error
}

// Join waits until both directions stopped and both connections are closed.
// It returns the first error other than end-of-stream, or nil if both
// directions ended cleanly or by cancellation.
func (h *Handle) Join() error {
	<-h.done
	return h.err
}

// Done is closed once Join would no longer block.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Spawn starts relaying between client and dest and returns immediately.
//
// Spawn takes ownership of guard and adds one reference of its own, so each
// direction holds exactly one. The guard fires after both directions have
// stopped. Both connections are closed once the relay ends.
func Spawn(client, dest net.Conn, tokens Tokens, guard *GuardRef, opts Options) *Handle {
	size := opts.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	pool := getBufferPool(size)

	up := &worker{
		name:  metrics.ClientToDestination,
		src:   client,
		dst:   dest,
		self:  tokens.ToDestination,
		peer:  tokens.ToClient,
		guard: guard.Clone(),
		pool:  pool,
		bytes: metrics.RelayBytes.WithLabelValues(metrics.ClientToDestination),
		log:   log,
	}
	down := &worker{
		name:  metrics.DestinationToClient,
		src:   dest,
		dst:   client,
		self:  tokens.ToClient,
		peer:  tokens.ToDestination,
		guard: guard,
		pool:  pool,
		bytes: metrics.RelayBytes.WithLabelValues(metrics.DestinationToClient),
		log:   log,
	}

	h := &Handle{done: make(chan struct{})}

	var g errgroup.Group
	g.Go(up.run)
	g.Go(down.run)

	go func() {
		err := g.Wait()
		_ = client.Close()
		_ = dest.Close()
		h.err = err
		close(h.done)
	}()

	return h
}

type worker struct {
	name  string
	src   net.Conn
	dst   net.Conn
	self  *Token
	peer  *Token
	guard *GuardRef
	pool  *bufferPool
	bytes prometheus.Counter
	log   logrus.FieldLogger
}

func (w *worker) run() (err error) {
	defer w.guard.Release()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", model.ErrPoisoned, w.name, r)
			w.peer.Cancel()
		}
	}()

	// A fired token pushes both deadlines into the past so a blocked Read or
	// Write returns at once.
	stop := context.AfterFunc(w.self.Context(), w.wake)
	defer stop()

	bp := w.pool.Get()
	defer w.pool.Put(bp)
	buf := *bp

	err = w.copy(buf)
	entry := w.log.WithField("direction", w.name)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Debug("relay direction stopped")
	return err
}

func (w *worker) copy(buf []byte) error {
	for {
		if w.self.Cancelled() {
			return nil
		}

		n, rerr := w.src.Read(buf)
		if n > 0 {
			if err := w.write(buf[:n]); err != nil {
				w.peer.Cancel()
				if errors.Is(err, errStopped) {
					return nil
				}
				return err
			}
			w.bytes.Add(float64(n))
		}

		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF):
			if err := conn.CloseWrite(w.dst); err != nil && !errors.Is(err, errors.ErrUnsupported) {
				w.log.WithField("direction", w.name).WithError(err).Debug("half-close failed")
			}
			w.peer.Cancel()
			return nil
		case conn.IsTimeout(rerr):
			// Idle; poll the token again.
		default:
			w.peer.Cancel()
			return fmt.Errorf("%w: %s read: %w", model.ErrIO, w.name, rerr)
		}
	}
}

func (w *worker) write(p []byte) error {
	for len(p) > 0 {
		n, err := w.dst.Write(p)
		p = p[n:]
		switch {
		case err == nil:
		case conn.IsTimeout(err):
			if w.self.Cancelled() {
				return errStopped
			}
		default:
			return fmt.Errorf("%w: %s write: %w", model.ErrIO, w.name, err)
		}
	}
	return nil
}

func (w *worker) wake() {
	now := time.Now()
	_ = w.src.SetReadDeadline(now)
	_ = w.dst.SetWriteDeadline(now)
}
