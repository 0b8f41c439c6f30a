package commands

import (
	"context"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/loomworks/loom/broker"
	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/history"
	"github.com/loomworks/loom/pod"
)

// DeactivateCmd stops an execution and deactivates its compute unit
var DeactivateCmd = &cobra.Command{
	Use:   "deactivate [execution-id]",
	Short: "Stop an execution and tear down its compute unit",
	Long: `Stop an execution: close its live run history as stopped, signal the
running compute unit to halt at the next step boundary, and mark the
environment inactive.

The execution is resolved by id, or by --automation and --device when no
id is given. Deactivating an already-inactive execution succeeds without
side effects.

Examples:
  loom deactivate EXC_123
  loom deactivate --automation AUT_1 --device DEV_1
  loom deactivate EXC_123 --keep-alive   # stop the run, keep the unit warm`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var executionID string
		if len(args) > 0 {
			executionID = args[0]
		}
		automationID, _ := cmd.Flags().GetString("automation")
		deviceID, _ := cmd.Flags().GetString("device")
		keepAlive, _ := cmd.Flags().GetBool("keep-alive")

		if executionID == "" && (automationID == "" || deviceID == "") {
			return errors.NewInvalidRequestError("provide an execution id or both --automation and --device")
		}

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

		pods := pod.NewManager(pod.NewStore(database), history.NewStore(database), pod.NoopProvisioner{}, control)

		err = pods.Deactivate(context.Background(), executionID, automationID, deviceID, keepAlive)
		if errors.IsNotFoundError(err) {
			pterm.Error.Printf("No such execution: %s\n", executionID)
			return err
		}
		if err != nil {
			return err
		}

		if keepAlive {
			pterm.Success.Println("Execution stopped, compute unit kept alive")
		} else {
			pterm.Success.Println("Execution stopped and deactivated")
		}
		return nil
	},
}

func init() {
	DeactivateCmd.Flags().String("automation", "", "Automation id (with --device, instead of an execution id)")
	DeactivateCmd.Flags().String("device", "", "Device id (with --automation, instead of an execution id)")
	DeactivateCmd.Flags().Bool("keep-alive", false, "Stop the run but keep the compute environment warm")
}
