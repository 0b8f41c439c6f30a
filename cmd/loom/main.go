package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/cmd/loom/commands"
	"github.com/loomworks/loom/logger"
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Loom - execution orchestration engine",
	Long: `Loom - execution orchestration for automation workflows.

Loom connects execution triggers to isolated compute units: triggers land
on a topic exchange, the bridge forwards them to bounded per-execution
control queues, and compute units drive each run's step sequence with
resumable progress tokens.

Available commands:
  bridge     - Run the broker bridge daemon
  run        - Run a compute unit for one execution
  trigger    - Publish an execution trigger
  deactivate - Stop an execution and tear down its compute unit
  ps         - List executions and recent run history

Examples:
  loom bridge                  # Start the bridge daemon
  loom run EXC_123             # Serve the control queue for EXC_123
  loom deactivate EXC_123      # Stop EXC_123 and deactivate its unit
  loom ps                      # Show recent runs`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonOutput); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs instead of console output")

	rootCmd.AddCommand(commands.BridgeCmd)
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.TriggerCmd)
	rootCmd.AddCommand(commands.DeactivateCmd)
	rootCmd.AddCommand(commands.PsCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
