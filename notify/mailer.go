package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/loomworks/loom/logger"
)

// LogMailer is the built-in Mailer: it writes notifications to the
// structured log. Deployments with a real transport replace it.
type LogMailer struct {
	log *zap.SugaredLogger
}

// NewLogMailer creates a log-backed mailer
func NewLogMailer() *LogMailer {
	return &LogMailer{log: logger.Named("mailer")}
}

// Send implements Mailer
func (m *LogMailer) Send(_ context.Context, n Notification) error {
	m.log.Infow("notification",
		"recipient", n.Recipient,
		"subject", n.Subject,
		"body", n.Body)
	return nil
}
