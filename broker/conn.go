// Package broker owns the message-broker side of the orchestration engine:
// the topic exchange that carries execution triggers and the bounded,
// expiring per-execution control queues that carry run/resume/stop
// directives to compute units.
package broker

import (
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/loomworks/loom/errors"
)

// Conn is an explicitly owned AMQP connection with lazy
// reconnect-on-failure. Callers hold one Conn per process and pass it by
// reference; there is no package-level channel singleton.
type Conn struct {
	url string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewConn creates a connection handle. No dial happens until the first
// Channel() call, so constructing a Conn never fails.
func NewConn(url string) *Conn {
	return &Conn{url: url}
}

// Channel returns a live channel, dialing or re-dialing as needed.
// A channel that died since the last call is replaced transparently.
func (c *Conn) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch != nil && !c.ch.IsClosed() {
		return c.ch, nil
	}

	if c.conn == nil || c.conn.IsClosed() {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			return nil, errors.Wrap(err, "failed to dial broker")
		}
		c.conn = conn
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open channel")
	}
	c.ch = ch
	return ch, nil
}

// Reset drops the cached connection and channel so the next Channel()
// call performs a full reconnect. Used between bounded retry attempts.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch != nil {
		c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close releases the channel and connection
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	if c.ch != nil {
		if err := c.ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.ch = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.conn = nil
	}
	return firstErr
}
