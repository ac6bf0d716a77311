// Package server accepts client connections and runs one relay session per
// connection.
//
// A single goroutine owns the session registry. The accept loop, the sessions
// and signal handlers only talk to it through the command channel, so the
// registry needs no locking.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/die-net/tcp2socks/internal/command"
	"github.com/die-net/tcp2socks/internal/conn"
	"github.com/die-net/tcp2socks/internal/connector"
	"github.com/die-net/tcp2socks/internal/metrics"
	"github.com/die-net/tcp2socks/internal/model"
	"github.com/die-net/tcp2socks/internal/relay"
	"github.com/die-net/tcp2socks/internal/session"
)

const (
	commandBuffer = 128

	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// State is the server's lifecycle stage. It only moves forward.
type State int32

const (
	Idle State = iota
	Accepting
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Accepting:
		return "accepting"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var errAlreadyStarted = errors.New("server already started")

// Server relays every accepted connection to a fixed destination.
type Server struct {
	cfg       Config
	connector connector.Connector
	cmds      *command.Channel
	log       logrus.FieldLogger
	state     atomic.Int32

	// Owned by the Serve goroutine.
	sessions map[model.SessionID]*sessionHandle
	nextID   model.SessionID
}

// sessionHandle is the registry's record of a running session.
type sessionHandle struct {
	client net.Addr
	tokens relay.Tokens
	done   chan struct{}
	err    error

	// connectFailed is set when err came from the connector rather than the
	// relay.
	connectFailed bool
}

func (h *sessionHandle) stop() {
	h.tokens.Cancel()
}

func (h *sessionHandle) join() error {
	<-h.done
	return h.err
}

// New returns an idle server that connects sessions through c.
func New(cfg Config, c connector.Connector) *Server {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		cfg:       cfg,
		connector: c,
		cmds:      command.NewChannel(commandBuffer),
		log:       log,
		sessions:  make(map[model.SessionID]*sessionHandle),
	}
}

// Commands returns the sender used to deliver Terminate to the server.
func (s *Server) Commands() command.Sender {
	return s.cmds
}

// State returns the current lifecycle stage.
func (s *Server) State() State {
	return State(s.state.Load())
}

// Listen binds the configured listen address. Accepted connections get the
// client read/write timeout and the keepalive configuration.
func (s *Server) Listen(ctx context.Context) (*conn.Listener, error) {
	return conn.ListenTCP(ctx, "tcp", s.cfg.ListenAddr, conn.Options{
		KeepAlive:    s.cfg.KeepAlive,
		ReadTimeout:  s.cfg.ClientRWTimeout,
		WriteTimeout: s.cfg.ClientRWTimeout,
	})
}

// ListenAndServe binds the listen address and serves on it. Bind failures
// are returned before any connection is accepted.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := s.Listen(ctx)
	if err != nil {
		s.state.Store(int32(Stopped))
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Terminate is received or ln fails,
// then cancels every live session and waits for all of them. ln is closed
// when Serve returns.
//
// Serve returns nil after a Terminate, or the error that stopped the accept
// loop.
func (s *Server) Serve(ln net.Listener) error {
	if !s.state.CompareAndSwap(int32(Idle), int32(Accepting)) {
		return errAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan struct{})
	acceptDone := make(chan error, 1)
	go func() {
		acceptDone <- s.acceptLoop(ln, stop)
	}()

	s.log.WithFields(logrus.Fields{
		"listen":      ln.Addr(),
		"destination": s.cfg.Destination,
	}).Info("accepting connections")

	var fatal error
	recv := s.cmds.Recv()

accepting:
	for {
		select {
		case cmd := <-recv:
			switch cmd := cmd.(type) {
			case command.Accepted:
				s.spawn(ctx, ln.Addr(), cmd.Conn)
			case command.Disconnect:
				s.reap(cmd.ID)
			case command.Terminate:
				s.log.Info("terminate requested")
				break accepting
			}
		case err := <-acceptDone:
			acceptDone = nil
			fatal = err
			s.log.WithError(err).Error("accept loop stopped")
			break accepting
		}
	}

	s.drain(ln, stop, acceptDone)
	return fatal
}

func (s *Server) acceptLoop(ln net.Listener, stop <-chan struct{}) error {
	dl, _ := ln.(interface{ SetDeadline(time.Time) error })

	var backoff time.Duration
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		if dl != nil && s.cfg.AcceptTimeout > 0 {
			_ = dl.SetDeadline(time.Now().Add(s.cfg.AcceptTimeout))
		}

		c, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
			}

			if conn.IsTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}

			backoff = min(max(2*backoff, minAcceptBackoff), maxAcceptBackoff)
			s.log.WithError(err).WithField("retry_in", backoff).Warn("accept failed")
			select {
			case <-stop:
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		if err := s.cmds.Send(command.Accepted{Conn: c}); err != nil {
			_ = c.Close()
			return nil
		}
	}
}

func (s *Server) spawn(ctx context.Context, listenAddr net.Addr, c net.Conn) {
	s.nextID++
	id := s.nextID

	sess, tokens := session.New(ctx, id, session.Config{
		Connector:   s.connector,
		ListenAddr:  listenAddr,
		Destination: s.cfg.Destination,
		Commands:    s.cmds,
		Relay:       relay.Options{BufferSize: s.cfg.BufferSize},
		Logger:      s.log,
	})

	h := &sessionHandle{
		client: c.RemoteAddr(),
		tokens: tokens,
		done:   make(chan struct{}),
	}
	s.sessions[id] = h
	metrics.SessionsAccepted.Inc()
	metrics.SessionsActive.Inc()

	go func() {
		defer close(h.done)

		rh, err := sess.Start(h.client, c)
		if err != nil {
			h.err = err
			h.connectFailed = true
			return
		}
		h.err = rh.Join()
	}()
}

func (s *Server) reap(id model.SessionID) {
	log := s.log.WithField("session", id)

	h, ok := s.sessions[id]
	if !ok {
		log.Warn("disconnect for unknown session")
		return
	}

	err := h.join()
	delete(s.sessions, id)
	metrics.SessionsActive.Dec()

	log = log.WithField("client", h.client)
	switch {
	case err == nil:
	case h.connectFailed:
		// Counted and logged by the session.
		log.WithError(err).Debug("session closed after connect failure")
		return
	default:
		metrics.SessionErrors.Inc()
		log.WithError(err).Warn("session closed with error")
		return
	}
	log.Info("session closed")
}

func (s *Server) drain(ln net.Listener, stop chan struct{}, acceptDone <-chan error) {
	s.state.Store(int32(Draining))
	close(stop)
	_ = ln.Close()

	s.log.WithField("sessions", len(s.sessions)).Info("draining")
	for _, h := range s.sessions {
		h.stop()
	}

	recv := s.cmds.Recv()
	for len(s.sessions) > 0 || acceptDone != nil {
		select {
		case cmd := <-recv:
			s.handleDraining(cmd)
		case <-acceptDone:
			acceptDone = nil
		}
	}

	// The accept loop is gone; close whatever it queued last.
	for {
		select {
		case cmd := <-recv:
			s.handleDraining(cmd)
			continue
		default:
		}
		break
	}

	s.cmds.Close()
	s.state.Store(int32(Stopped))
	s.log.Info("stopped")
}

func (s *Server) handleDraining(cmd command.Command) {
	switch cmd := cmd.(type) {
	case command.Accepted:
		_ = cmd.Conn.Close()
	case command.Disconnect:
		s.reap(cmd.ID)
	case command.Terminate:
	}
}
