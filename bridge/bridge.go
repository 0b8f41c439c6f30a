package bridge

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/loomworks/loom/broker"
	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/history"
	"github.com/loomworks/loom/logger"
	"github.com/loomworks/loom/pod"
)

// Bridge is the daemon loop between the topic exchange and the control
// queues. It is safe to run several bridge processes against the same
// queue: the pod manager's find-or-create is idempotent.
type Bridge struct {
	conn    *broker.Conn
	topic   *broker.Topic
	control broker.ControlQueue
	pods    *pod.Manager
	ledger  *history.Ledger
	cfg     config.BridgeConfig
	log     *zap.SugaredLogger
}

// New creates a bridge
func New(conn *broker.Conn, topic *broker.Topic, control broker.ControlQueue, pods *pod.Manager, ledger *history.Ledger, cfg config.BridgeConfig) *Bridge {
	return &Bridge{
		conn:    conn,
		topic:   topic,
		control: control,
		pods:    pods,
		ledger:  ledger,
		cfg:     cfg,
		log:     logger.Named("bridge"),
	}
}

// Run consumes triggers until the context is cancelled. Broker failures
// trigger a full reconnect; attempts are bounded so a dead broker surfaces
// as an error instead of a silent retry loop.
func (b *Bridge) Run(ctx context.Context) error {
	attempts := 0
	for {
		err := b.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempts++
		if attempts >= b.cfg.MaxConnectAttempts {
			return errors.Wrapf(err, "bridge gave up after %d connect attempts", attempts)
		}

		b.log.Warnw("bridge consume loop failed, reconnecting",
			"attempt", attempts,
			"max_attempts", b.cfg.MaxConnectAttempts,
			"error", err)
		b.conn.Reset()

		select {
		case <-time.After(time.Duration(b.cfg.ReconnectDelaySeconds) * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Bridge) consume(ctx context.Context) error {
	deliveries, err := b.topic.ConsumeTriggers(ctx, b.cfg.ConsumerTag)
	if err != nil {
		return err
	}

	b.log.Infow("bridge consuming", "queue", b.topic.BridgeQueueName())
	for d := range deliveries {
		b.Handle(ctx, d)
	}
	return errors.New("delivery stream closed")
}

// Handle processes one delivery and settles it: ack on success, ack+drop on
// permanent failure, nack(requeue) on transient failure. The ack only
// happens after the trigger is safely on the control queue.
func (b *Bridge) Handle(ctx context.Context, d amqp.Delivery) {
	err := b.process(ctx, d.Body)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			b.log.Warnw("failed to ack trigger", "error", ackErr)
		}
	case broker.IsTransient(err):
		b.log.Warnw("transient failure handling trigger, requeueing", "error", err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			b.log.Warnw("failed to nack trigger", "error", nackErr)
		}
	default:
		b.log.Errorw("dropping unprocessable trigger", "error", err)
		if ackErr := d.Ack(false); ackErr != nil {
			b.log.Warnw("failed to ack dropped trigger", "error", ackErr)
		}
	}
}

// process runs the forward path for one trigger payload
func (b *Bridge) process(ctx context.Context, body []byte) error {
	trig, err := ParseTrigger(body)
	if err != nil {
		return err
	}

	exec, err := b.pods.EnsureActive(ctx, trig.Ref)
	if err != nil {
		return err
	}

	// Record the queued run before forwarding; Create cancels any stale
	// queued record for the same execution in the same transaction.
	rec := history.NewRecord(exec.ID, exec.AutomationID, trig.IsScheduled)
	if err := b.ledger.Create(rec); err != nil {
		return err
	}

	directiveType := broker.DirectiveRun
	if trig.TokenID != "" {
		directiveType = broker.DirectiveResume
	}
	if err := b.control.Publish(ctx, exec.ID, broker.Directive{
		Type:    directiveType,
		Payload: body,
	}); err != nil {
		return errors.Wrapf(err, "failed to forward trigger for %s", exec.ID)
	}

	b.log.Infow("trigger forwarded",
		"execution_id", exec.ID,
		"history_id", rec.ID,
		"directive", directiveType,
		"scheduled", trig.IsScheduled)
	return nil
}
