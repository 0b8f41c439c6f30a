package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/loomworks/loom/bridge"
	"github.com/loomworks/loom/broker"
	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/history"
	"github.com/loomworks/loom/logger"
	"github.com/loomworks/loom/pod"
)

// BridgeCmd runs the broker bridge daemon
var BridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Run the broker bridge daemon",
	Long: `Run the broker bridge daemon in foreground mode.

The bridge consumes execution triggers from the topic exchange, ensures
each target compute unit exists and is active, records the queued run in
the execution history, and forwards the trigger onto the per-execution
control queue. Triggers are acknowledged only after forwarding, so a
bridge crash never loses one.

Runs until interrupted (Ctrl+C).`,
	RunE: func(cmd *cobra.Command, args []string) error {
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
		topic := broker.NewTopic(conn, cfg.Broker)
		control := broker.NewAMQPControlQueue(conn, cfg.Broker)

		histories := history.NewStore(database)
		ledger := history.NewLedger(histories, nil, logger.Named("history"))
		pods := pod.NewManager(pod.NewStore(database), histories, pod.NoopProvisioner{}, control)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		pterm.Info.Printf("Bridge consuming %s (exchange %s)\n", topic.BridgeQueueName(), cfg.Broker.Exchange)

		b := bridge.New(conn, topic, control, pods, ledger, cfg.Bridge)
		if err := b.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}

		pterm.Success.Println("Bridge stopped")
		return nil
	},
}
