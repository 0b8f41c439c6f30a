// Package notify delivers the outcome of scheduled runs. Log ingestion is
// asynchronous, so the dispatcher polls the run log with a bounded budget
// before building the notification; a lagging log never blocks or fails
// delivery.
package notify

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/history"
	"github.com/loomworks/loom/logger"
	"github.com/loomworks/loom/runlog"
)

// Notification is one rendered outcome message
type Notification struct {
	Recipient string
	Subject   string
	Body      string
}

// Mailer delivers notifications. Transport (SMTP, webhook, ...) is up to
// the implementation.
type Mailer interface {
	Send(ctx context.Context, n Notification) error
}

// terminalLinePattern marks the run's final log line. Once it has landed,
// the log is complete and polling can stop early.
var terminalLinePattern = regexp.MustCompile(`run (completed|finished) with exit code`)

// Dispatcher implements history.ScheduledRunNotifier
type Dispatcher struct {
	logs   *runlog.Store
	mailer Mailer
	log    *zap.SugaredLogger

	mu           sync.RWMutex
	cfg          config.NotifyConfig
	pollInterval time.Duration
}

// NewDispatcher creates a dispatcher
func NewDispatcher(logs *runlog.Store, mailer Mailer, cfg config.NotifyConfig) *Dispatcher {
	return &Dispatcher{
		logs:         logs,
		mailer:       mailer,
		cfg:          cfg,
		pollInterval: time.Duration(cfg.LogPollIntervalSeconds) * time.Second,
		log:          logger.Named("notify"),
	}
}

// UpdateConfig applies reloaded notification settings. Safe to call while
// a notification is in flight; the new budget applies to the next one.
func (d *Dispatcher) UpdateConfig(cfg config.NotifyConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	d.pollInterval = time.Duration(cfg.LogPollIntervalSeconds) * time.Second
}

func (d *Dispatcher) settings() (config.NotifyConfig, time.Duration) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg, d.pollInterval
}

// NotifyRunFinished builds and sends the outcome notification for a
// finished scheduled run. Delivery failures are logged, never escalated:
// a run's history must not depend on the mail path.
func (d *Dispatcher) NotifyRunFinished(ctx context.Context, rec *history.Record) error {
	lines, complete := d.awaitLogs(ctx, rec.ExecutionID)
	if !complete {
		d.log.Warnw("run log still incomplete after poll budget, notifying anyway",
			"execution_id", rec.ExecutionID,
			"history_id", rec.ID,
			"lines", len(lines))
	}

	n := d.render(rec, lines)
	if err := d.mailer.Send(ctx, n); err != nil {
		d.log.Warnw("failed to deliver run notification",
			"execution_id", rec.ExecutionID,
			"recipient", n.Recipient,
			"error", err)
		return nil
	}

	d.log.Infow("run notification delivered",
		"execution_id", rec.ExecutionID,
		"status", rec.Status,
		"recipient", n.Recipient)
	return nil
}

// awaitLogs polls the run log until the terminal line appears or the poll
// budget runs out, returning whatever lines are present either way.
func (d *Dispatcher) awaitLogs(ctx context.Context, executionID string) ([]string, bool) {
	cfg, interval := d.settings()
	attempts := cfg.MaxLogPolls
	if attempts <= 0 {
		attempts = 1
	}

	var lines []string
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return lines, false
			}
		}

		batches, err := d.logs.ListByExecution(executionID)
		if err != nil {
			d.log.Warnw("failed to read run log", "execution_id", executionID, "error", err)
			continue
		}
		lines = runlog.Flatten(batches)
		if hasTerminalLine(lines) {
			return lines, true
		}
	}
	return lines, false
}

func hasTerminalLine(lines []string) bool {
	for i := len(lines) - 1; i >= 0; i-- {
		if terminalLinePattern.MatchString(lines[i]) {
			return true
		}
	}
	return false
}

// render builds the notification from the record and its log lines
func (d *Dispatcher) render(rec *history.Record, lines []string) Notification {
	cfg, _ := d.settings()
	name := rec.AutomationID
	if name == "" {
		name = rec.ExecutionID
	}

	var body strings.Builder
	fmt.Fprintf(&body, "Run %s for %s.\n", rec.Status, name)
	if rec.ExitCode != nil {
		fmt.Fprintf(&body, "Exit code: %d\n", *rec.ExitCode)
	}
	if rec.DurationMs != nil {
		fmt.Fprintf(&body, "Duration: %dms\n", *rec.DurationMs)
	}
	if rec.ErrorMessage != "" {
		fmt.Fprintf(&body, "Error: %s\n", rec.ErrorMessage)
	}
	if len(lines) > 0 {
		body.WriteString("\nLog:\n")
		for _, line := range lines {
			body.WriteString(line)
			body.WriteByte('\n')
		}
	}

	return Notification{
		Recipient: cfg.Recipient,
		Subject:   fmt.Sprintf("Scheduled run %s: %s", rec.Status, name),
		Body:      body.String(),
	}
}
