package broker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/errors"
)

// ControlQueue delivers control directives to a compute unit with
// "latest wins" semantics: at most one directive is ever pending per
// execution, and an unconsumed queue expires rather than accumulate.
type ControlQueue interface {
	// Publish places a directive on the execution's queue, displacing any
	// directive already pending.
	Publish(ctx context.Context, executionID string, d Directive) error

	// Consume returns a channel of directives for the execution. The
	// channel closes when ctx is cancelled or the underlying transport
	// goes away.
	Consume(ctx context.Context, executionID string) (<-chan Directive, error)
}

// AMQPControlQueue implements ControlQueue on per-execution RabbitMQ
// queues declared with x-max-length=1, x-overflow=drop-head and a 60s
// x-expires, so the broker itself enforces the bounded latest-wins
// contract.
type AMQPControlQueue struct {
	conn *Conn
	cfg  config.BrokerConfig
}

// NewAMQPControlQueue creates a control queue backed by the given connection
func NewAMQPControlQueue(conn *Conn, cfg config.BrokerConfig) *AMQPControlQueue {
	return &AMQPControlQueue{conn: conn, cfg: cfg}
}

// QueueName returns the deterministic control queue name for an execution
func (q *AMQPControlQueue) QueueName(executionID string) string {
	return q.cfg.ControlQueuePrefix + executionID
}

// declare creates the control queue if it does not exist. Declaration with
// identical arguments is idempotent on the broker side.
func (q *AMQPControlQueue) declare(ch *amqp.Channel, executionID string) (amqp.Queue, error) {
	return ch.QueueDeclare(
		q.QueueName(executionID),
		false, // durable: control intents are ephemeral by design
		false, // autoDelete: expiry is handled by x-expires
		false, // exclusive
		false, // noWait
		amqp.Table{
			"x-max-length": int32(q.cfg.ControlQueueMaxLen),
			"x-overflow":   "drop-head",
			"x-expires":    int32(q.cfg.ControlQueueTTLMs),
		},
	)
}

// Publish implements ControlQueue
func (q *AMQPControlQueue) Publish(ctx context.Context, executionID string, d Directive) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return err
	}

	if _, err := q.declare(ch, executionID); err != nil {
		return errors.Wrapf(err, "failed to declare control queue for %s", executionID)
	}

	body, err := d.Encode()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx,
		"", // default exchange: direct to the named queue
		q.QueueName(executionID),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	return errors.Wrapf(err, "failed to publish %s directive for %s", d.Type, executionID)
}

// Consume implements ControlQueue
func (q *AMQPControlQueue) Consume(ctx context.Context, executionID string) (<-chan Directive, error) {
	ch, err := q.conn.Channel()
	if err != nil {
		return nil, err
	}

	if _, err := q.declare(ch, executionID); err != nil {
		return nil, errors.Wrapf(err, "failed to declare control queue for %s", executionID)
	}

	deliveries, err := ch.Consume(
		q.QueueName(executionID),
		"",   // consumer tag: generated
		true, // autoAck: a displaced directive is stale, never worth redelivery
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to consume control queue for %s", executionID)
	}

	out := make(chan Directive)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case delivery, ok := <-deliveries:
				if !ok {
					return
				}
				d, err := DecodeDirective(delivery.Body)
				if err != nil {
					// Malformed control messages are dropped; retrying
					// cannot make them parse.
					continue
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
