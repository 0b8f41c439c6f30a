package broker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/errors"
)

// TriggerRoutingKey is the routing key execution triggers are published
// under on the topic exchange.
const TriggerRoutingKey = "execution.run"

// Topic wraps the durable topic exchange that carries execution triggers
// from the web API / scheduler into the bridge.
type Topic struct {
	conn *Conn
	cfg  config.BrokerConfig
}

// NewTopic creates a topic handle on the given connection
func NewTopic(conn *Conn, cfg config.BrokerConfig) *Topic {
	return &Topic{conn: conn, cfg: cfg}
}

// BridgeQueueName is the shared durable queue the bridge consumes.
// Multiple bridge processes consume the same queue for throughput;
// correctness relies on the idempotent find-or-create in the pod manager,
// not on exclusive consumption.
func (t *Topic) BridgeQueueName() string {
	return t.cfg.Exchange + ".bridge"
}

// declare sets up the exchange, the bridge queue and its binding
func (t *Topic) declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(
		t.cfg.Exchange,
		"topic",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	); err != nil {
		return errors.Wrapf(err, "failed to declare exchange %s", t.cfg.Exchange)
	}

	if _, err := ch.QueueDeclare(
		t.BridgeQueueName(),
		true, // durable: triggers must survive a broker restart
		false,
		false,
		false,
		nil,
	); err != nil {
		return errors.Wrapf(err, "failed to declare bridge queue")
	}

	if err := ch.QueueBind(
		t.BridgeQueueName(),
		"execution.*",
		t.cfg.Exchange,
		false,
		nil,
	); err != nil {
		return errors.Wrap(err, "failed to bind bridge queue")
	}

	return nil
}

// PublishTrigger publishes a raw trigger payload onto the exchange
func (t *Topic) PublishTrigger(ctx context.Context, body []byte) error {
	ch, err := t.conn.Channel()
	if err != nil {
		return err
	}
	if err := t.declare(ch); err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx,
		t.cfg.Exchange,
		TriggerRoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	return errors.Wrap(err, "failed to publish trigger")
}

// ConsumeTriggers returns the raw delivery stream for the bridge.
// Deliveries are not auto-acked: the bridge acknowledges only after the
// payload has been forwarded to the per-execution control queue.
func (t *Topic) ConsumeTriggers(ctx context.Context, consumerTag string) (<-chan amqp.Delivery, error) {
	ch, err := t.conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := t.declare(ch); err != nil {
		return nil, err
	}

	// One unacked message at a time: handling is sequential per process
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, errors.Wrap(err, "failed to set channel QoS")
	}

	deliveries, err := ch.Consume(
		t.BridgeQueueName(),
		consumerTag,
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to consume bridge queue")
	}

	out := make(chan amqp.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
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
