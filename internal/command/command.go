// Package command carries control messages into the server loop.
//
// The server is the only consumer. Sessions, the accept loop and signal
// handlers are producers.
package command

import (
	"fmt"
	"net"
	"sync"

	"github.com/die-net/tcp2socks/internal/model"
)

// Command is one of Accepted, Disconnect or Terminate.
type Command interface {
	isCommand()
}

// Accepted hands a newly accepted client connection to the server loop.
type Accepted struct {
	Conn net.Conn
}

// Disconnect reports that a session ended. Exactly one is sent per session.
type Disconnect struct {
	ID model.SessionID
}

// Terminate asks the server to drain its sessions and stop.
type Terminate struct{}

func (Accepted) isCommand()   {}
func (Disconnect) isCommand() {}
func (Terminate) isCommand()  {}

// Sender is the producer side of a Channel.
type Sender interface {
	Send(cmd Command) error
}

// Channel is a buffered command queue whose consumer can go away. Once
// closed, Send fails with model.ErrDisconnected instead of blocking.
type Channel struct {
	ch     chan Command
	closed chan struct{}
	once   sync.Once
}

var _ Sender = (*Channel)(nil)

func NewChannel(size int) *Channel {
	return &Channel{
		ch:     make(chan Command, size),
		closed: make(chan struct{}),
	}
}

// Send queues cmd, blocking while the buffer is full and the channel open.
func (c *Channel) Send(cmd Command) error {
	select {
	case <-c.closed:
		return fmt.Errorf("send %T: %w", cmd, model.ErrDisconnected)
	default:
	}

	select {
	case c.ch <- cmd:
		return nil
	case <-c.closed:
		return fmt.Errorf("send %T: %w", cmd, model.ErrDisconnected)
	}
}

// Recv returns the channel the consumer reads commands from.
func (c *Channel) Recv() <-chan Command {
	return c.ch
}

// Close marks the consumer as gone. It is safe to call more than once.
func (c *Channel) Close() {
	c.once.Do(func() { close(c.closed) })
}
