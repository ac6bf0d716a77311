// Package session drives one accepted client connection: it connects to the
// destination through the proxy and hands both streams to the relay.
package session

import (
	"context"
	"errors"
	"net"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/die-net/tcp2socks/internal/command"
	"github.com/die-net/tcp2socks/internal/connector"
	"github.com/die-net/tcp2socks/internal/metrics"
	"github.com/die-net/tcp2socks/internal/model"
	"github.com/die-net/tcp2socks/internal/relay"
)

var errStarted = errors.New("session already started")

type Config struct {
	Connector   connector.Connector
	ListenAddr  net.Addr
	Destination model.Address

	// Commands receives the session's Disconnect.
	Commands command.Sender

	Relay  relay.Options
	Logger logrus.FieldLogger
}

// Session is the relay context of one client connection.
type Session struct {
	ID model.SessionID

	cfg     Config
	tokens  relay.Tokens
	guard   *relay.GuardRef
	log     logrus.FieldLogger
	started atomic.Bool
}

// New creates a session and returns it together with the tokens that stop
// it. A Disconnect for id is sent exactly once, when the session has fully
// ended, whether or not Start succeeds.
func New(ctx context.Context, id model.SessionID, cfg Config) (*Session, relay.Tokens) {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("session", id)

	tokens := relay.NewTokens(ctx)
	s := &Session{
		ID:     id,
		cfg:    cfg,
		tokens: tokens,
		log:    log,
	}
	s.guard = relay.NewGuard(func() {
		log.Debug("session ended")
		if err := cfg.Commands.Send(command.Disconnect{ID: id}); err != nil {
			// The server is already gone; nobody is waiting for this session.
			log.WithError(err).Debug("dropping disconnect")
		}
	})
	return s, tokens
}

// Start connects to the destination and starts relaying. On failure the
// client connection is closed and the error returned; the session is over
// and its Disconnect has been sent. Start must be called at most once.
func (s *Session) Start(clientAddr net.Addr, client net.Conn) (*relay.Handle, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, errStarted
	}

	log := s.log.WithFields(logrus.Fields{
		"listen":      s.cfg.ListenAddr,
		"client":      clientAddr,
		"destination": s.cfg.Destination,
	})
	log.Info("connecting")

	dest, proxyAddr, err := s.cfg.Connector.Connect(s.tokens.ToDestination.Context(), s.cfg.Destination)
	if err != nil {
		metrics.ConnectFailures.Inc()
		log.WithError(err).Error("connect failed")
		_ = client.Close()
		s.guard.Release()
		return nil, err
	}
	log.WithField("proxy", proxyAddr).Info("connected")

	opts := s.cfg.Relay
	opts.Logger = log
	return relay.Spawn(client, dest, s.tokens, s.guard, opts), nil
}
