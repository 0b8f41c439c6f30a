package commands

import (
	"context"
	"io"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/loomworks/loom/bridge"
	"github.com/loomworks/loom/broker"
	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/errors"
)

// TriggerCmd publishes an execution trigger onto the topic exchange
var TriggerCmd = &cobra.Command{
	Use:   "trigger <payload.json | ->",
	Short: "Publish an execution trigger",
	Long: `Publish a trigger payload onto the topic exchange, exactly as the web
API or scheduler would. The payload is validated locally before publish.

Examples:
  loom trigger trigger.json
  cat trigger.json | loom trigger -`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var body []byte
		var err error
		if args[0] == "-" {
			body, err = io.ReadAll(os.Stdin)
		} else {
			body, err = os.ReadFile(args[0])
		}
		if err != nil {
			return errors.Wrap(err, "failed to read trigger payload")
		}

		trig, err := bridge.ParseTrigger(body)
		if err != nil {
			return err
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		conn := broker.NewConn(cfg.Broker.URL)
		defer conn.Close()
		topic := broker.NewTopic(conn, cfg.Broker)

		if err := topic.PublishTrigger(context.Background(), body); err != nil {
			return err
		}

		target := trig.ExecutionID
		if target == "" {
			target = trig.AutomationID + "/" + trig.DeviceID
		}
		pterm.Success.Printf("Trigger published for %s\n", target)
		return nil
	},
}
