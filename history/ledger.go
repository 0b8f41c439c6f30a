package history

import (
	"context"

	"go.uber.org/zap"
)

// ScheduledRunNotifier is notified when a scheduled execution reaches a
// terminal outcome. Implemented by the notify package; delivery failures
// must never escalate into ledger failures.
type ScheduledRunNotifier interface {
	NotifyRunFinished(ctx context.Context, rec *Record) error
}

// Ledger wraps the history store with the terminal-status side effect:
// when an update lands completed/failed/errored on a record flagged
// is_scheduled, the notifier fires exactly once (on the transition edge).
type Ledger struct {
	store    *Store
	notifier ScheduledRunNotifier
	logger   *zap.SugaredLogger
}

// NewLedger creates a ledger. notifier may be nil (e.g. bridge-only
// processes that never finish runs).
func NewLedger(store *Store, notifier ScheduledRunNotifier, logger *zap.SugaredLogger) *Ledger {
	return &Ledger{
		store:    store,
		notifier: notifier,
		logger:   logger,
	}
}

// Store exposes the underlying store for read paths
func (l *Ledger) Store() *Store {
	return l.store
}

// Create records a fresh trigger, cancelling stale queued records for the
// same execution id (see Store.Create).
func (l *Ledger) Create(rec *Record) error {
	return l.store.Create(rec)
}

// Update applies a partial update. If the update transitions a scheduled
// record into completed/failed/errored, the notifier is invoked; notifier
// errors are logged and swallowed.
func (l *Ledger) Update(ctx context.Context, id string, patch Update) (*Record, error) {
	prev, err := l.store.Get(id)
	if err != nil {
		return nil, err
	}

	rec, err := l.store.Update(id, patch)
	if err != nil {
		return nil, err
	}

	if l.notifier != nil && rec.IsScheduled && notifiable(rec.Status) && !notifiable(prev.Status) {
		if err := l.notifier.NotifyRunFinished(ctx, rec); err != nil {
			l.logger.Warnw("Scheduled-run notification failed",
				"history_id", rec.ID,
				"execution_id", rec.ExecutionID,
				"status", rec.Status,
				"error", err)
		}
	}

	return rec, nil
}

// LatestLive returns the newest queued/running record for an execution;
// (nil, nil) when there is none.
func (l *Ledger) LatestLive(executionID string) (*Record, error) {
	return l.store.LatestLive(executionID)
}

// notifiable reports whether a status is one of the terminal outcomes that
// trigger a scheduled-run notification. Stopped and cancelled runs are
// user-initiated and never notify.
func notifiable(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusErrored
}
