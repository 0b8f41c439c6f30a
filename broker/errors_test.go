package broker

import (
	"context"
	"net"
	"syscall"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"

	"github.com/loomworks/loom/errors"
)

func TestIsTransientNetworkErrors(t *testing.T) {
	assert.True(t, IsTransient(syscall.ECONNREFUSED))
	assert.True(t, IsTransient(syscall.ECONNRESET))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(&net.DNSError{Err: "no such host", Name: "broker.internal"}))
	assert.True(t, IsTransient(&net.OpError{Op: "dial", Err: syscall.ETIMEDOUT}))
}

func TestIsTransientWrappedErrors(t *testing.T) {
	err := errors.Wrap(syscall.ECONNREFUSED, "failed to forward payload")
	assert.True(t, IsTransient(err))

	err = errors.Wrap(errors.ErrServiceUnavailable, "compute provisioning")
	assert.True(t, IsTransient(err))
}

func TestIsTransientAMQPErrors(t *testing.T) {
	assert.True(t, IsTransient(amqp.ErrClosed))
	assert.True(t, IsTransient(&amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restarting", Recover: true}))
	assert.False(t, IsTransient(&amqp.Error{Code: amqp.NotFound, Reason: "no such queue"}))
}

func TestPermanentDomainErrorsAreNotTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.ErrNotFound))
	assert.False(t, IsTransient(errors.NewInvalidRequestError("payload missing executionId")))
	assert.False(t, IsTransient(errors.New("malformed identifier")))
}
