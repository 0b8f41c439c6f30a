package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/loomworks/loom/bridge"
	"github.com/loomworks/loom/broker"
	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/history"
	"github.com/loomworks/loom/logger"
	"github.com/loomworks/loom/notify"
	"github.com/loomworks/loom/runlog"
	"github.com/loomworks/loom/runner"
	"github.com/loomworks/loom/token"
)

// RunCmd is the compute-unit entry point: it serves one execution's
// control queue and drives the run state machine.
var RunCmd = &cobra.Command{
	Use:   "run <execution-id>",
	Short: "Run a compute unit for one execution",
	Long: `Run the compute-unit side of an execution in foreground mode.

The process consumes the execution's control queue and acts on directives:
  run    - start a fresh run of the trigger's step sequence
  resume - continue from a persisted run token
  stop   - end the current run at the next step boundary

On startup, a run left in 'running' by a crashed unit is resumed from its
persisted token before new directives are served.

Runs until interrupted (Ctrl+C); an in-flight step finishes naturally.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		executionID := args[0]

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		conn := broker.NewConn(cfg.Broker.URL)
		defer conn.Close()
		control := broker.NewAMQPControlQueue(conn, cfg.Broker)

		logs := runlog.NewStore(database)
		dispatcher := notify.NewDispatcher(logs, notify.NewLogMailer(), cfg.Notify)

		// Live-reload notification settings when the config file changes
		if path := config.FileUsed(); path != "" {
			watcher, err := config.NewConfigWatcher(path)
			if err != nil {
				logger.Logger.Warnw("Config watcher unavailable", "path", path, "error", err)
			} else {
				watcher.OnReload(func(c *config.Config) error {
					dispatcher.UpdateConfig(c.Notify)
					return nil
				})
				watcher.Start()
				defer watcher.Stop()
			}
		}
		ledger := history.NewLedger(history.NewStore(database), dispatcher, logger.Named("history"))
		tokens := token.NewStore(database)
		workers := runner.NewProcessWorkerFactory(cfg.Runner, logs)
		r := runner.New(tokens, ledger, workers)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		loop := &runLoop{
			executionID: executionID,
			runner:      r,
			tokens:      tokens,
			ledger:      ledger,
			log:         logger.Named("unit"),
		}

		pterm.Info.Printf("Compute unit serving %s\n", executionID)
		if err := loop.recoverOrphanedRun(ctx); err != nil {
			return err
		}

		directives, err := control.Consume(ctx, executionID)
		if err != nil {
			return err
		}
		loop.serve(ctx, directives)

		pterm.Success.Println("Compute unit stopped")
		return nil
	},
}

// runLoop serializes runs for one execution while staying responsive to
// stop directives arriving mid-run.
type runLoop struct {
	executionID string
	runner      *runner.Runner
	tokens      *token.Store
	ledger      *history.Ledger
	log         *zap.SugaredLogger
}

func (l *runLoop) serve(ctx context.Context, directives <-chan broker.Directive) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-directives:
			if !ok {
				return
			}
			switch d.Type {
			case broker.DirectiveRun, broker.DirectiveResume:
				l.execute(ctx, directives, d)
			case broker.DirectiveStop:
				l.log.Debugw("stop directive with no run in flight", "execution_id", l.executionID)
			default:
				l.log.Warnw("ignoring unknown directive", "type", d.Type)
			}
		}
	}
}

// execute drives one run while watching the directive stream for a stop.
// Run directives arriving mid-run are dropped: the control queue holds at
// most one pending directive, so the latest intent wins once the run ends.
func (l *runLoop) execute(ctx context.Context, directives <-chan broker.Directive, d broker.Directive) {
	opts, err := l.buildOptions(d)
	if err != nil {
		l.log.Errorw("dropping unusable directive",
			"execution_id", l.executionID,
			"type", d.Type,
			"error", err)
		return
	}

	stopCh := make(chan struct{})
	opts.Stop = stopCh

	type outcome struct {
		result *runner.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := l.runner.Run(ctx, *opts)
		done <- outcome{result: result, err: err}
	}()

	stopped := false
	stream := directives
	ctxDone := ctx.Done()
	for {
		select {
		case out := <-done:
			if out.err != nil {
				l.log.Errorw("run aborted", "execution_id", l.executionID, "error", out.err)
			}
			return
		case nd, ok := <-stream:
			if !ok {
				stream = nil
				continue
			}
			if nd.Type == broker.DirectiveStop && !stopped {
				l.log.Infow("stopping run at next step boundary", "execution_id", l.executionID)
				close(stopCh)
				stopped = true
				continue
			}
			l.log.Warnw("directive ignored while run in flight", "type", nd.Type)
		case <-ctxDone:
			if !stopped {
				close(stopCh)
				stopped = true
			}
			ctxDone = nil
		}
	}
}

// buildOptions turns a directive back into runner options. The directive
// payload is the original trigger, forwarded untouched by the bridge.
func (l *runLoop) buildOptions(d broker.Directive) (*runner.Options, error) {
	trig, err := bridge.ParseTrigger(d.Payload)
	if err != nil {
		return nil, err
	}

	opts := &runner.Options{
		ExecutionID: l.executionID,
		Declared:    trig.Steps,
		StartStep:   trig.StartStep,
		SingleStep:  trig.SingleStep,
	}

	if d.Type == broker.DirectiveResume {
		opts.TokenID = trig.TokenID
		if opts.TokenID == "" {
			latest, err := l.tokens.GetLatestByExecution(l.executionID)
			if err != nil {
				return nil, err
			}
			opts.TokenID = latest.ID
		}
	}

	rec, err := l.ledger.LatestLive(l.executionID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		opts.HistoryID = rec.ID
	}
	return opts, nil
}

// recoverOrphanedRun resumes a run the previous unit left mid-flight: a
// live 'running' history record with a persisted token means the process
// died between step boundaries.
func (l *runLoop) recoverOrphanedRun(ctx context.Context) error {
	rec, err := l.ledger.LatestLive(l.executionID)
	if err != nil {
		return err
	}
	if rec == nil || rec.Status != history.StatusRunning {
		return nil
	}

	tok, err := l.tokens.GetLatestByExecution(l.executionID)
	if errors.IsNotFoundError(err) {
		l.log.Warnw("orphaned running record has no token, leaving as-is",
			"execution_id", l.executionID,
			"history_id", rec.ID)
		return nil
	}
	if err != nil {
		return err
	}

	l.log.Infow("resuming orphaned run",
		"execution_id", l.executionID,
		"history_id", rec.ID,
		"token_id", tok.ID)

	_, err = l.runner.Run(ctx, runner.Options{
		ExecutionID: l.executionID,
		HistoryID:   rec.ID,
		TokenID:     tok.ID,
	})
	return err
}
