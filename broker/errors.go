package broker

import (
	"context"
	"net"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/loomworks/loom/errors"
)

// IsTransient classifies an error for acknowledgment policy. Transient
// infrastructure failures (broker unreachable, connection dropped, DNS,
// timeouts) are worth a reject-and-requeue; everything else is a permanent
// domain error where retrying cannot change the outcome.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, errors.ErrServiceUnavailable) ||
		errors.Is(err, errors.ErrTimeout) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		// Recover marks errors the client may retry after reconnecting;
		// a closed channel/connection is likewise worth a fresh attempt.
		return amqpErr.Recover || amqpErr.Code == amqp.ChannelError || amqpErr.Code == amqp.ConnectionForced
	}
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}

	return false
}
