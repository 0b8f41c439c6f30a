package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/history"
	"github.com/loomworks/loom/pod"
)

// PsCmd lists active executions and recent run history
var PsCmd = &cobra.Command{
	Use:   "ps",
	Short: "List executions and recent run history",
	Long: `Show active compute units and recent run history.

Examples:
  loom ps             # Active units + last 20 runs
  loom ps --limit 50  # More history`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		pods := pod.NewStore(database)
		histories := history.NewStore(database)

		active, err := pods.ListActive()
		if err != nil {
			return err
		}
		pterm.DefaultSection.Println("Active compute units")
		if len(active) == 0 {
			pterm.Println("  (none)")
		} else {
			table := pterm.TableData{{"EXECUTION", "AUTOMATION", "DEVICE", "DEPLOYMENT", "SINCE"}}
			for _, e := range active {
				table = append(table, []string{
					e.ID, e.AutomationID, e.DeviceID, e.DeploymentName,
					e.UpdatedAt.Local().Format(time.RFC3339),
				})
			}
			if err := pterm.DefaultTable.WithHasHeader().WithData(table).Render(); err != nil {
				return err
			}
		}

		records, err := histories.ListRecent(limit)
		if err != nil {
			return err
		}
		pterm.DefaultSection.Println("Recent runs")
		if len(records) == 0 {
			pterm.Println("  (none)")
		} else {
			table := pterm.TableData{{"RUN", "EXECUTION", "STATUS", "STARTED", "DURATION", "EXIT", "ERROR"}}
			for _, r := range records {
				table = append(table, []string{
					r.ID, r.ExecutionID, string(r.Status),
					r.StartedAt.Local().Format(time.RFC3339),
					formatDuration(r.DurationMs),
					formatExit(r.ExitCode),
					r.ErrorMessage,
				})
			}
			if err := pterm.DefaultTable.WithHasHeader().WithData(table).Render(); err != nil {
				return err
			}
		}

		counts, err := histories.CountByStatus()
		if err != nil {
			return err
		}
		pterm.DefaultSection.Println("Totals")
		for _, status := range []history.Status{
			history.StatusQueued, history.StatusRunning, history.StatusCompleted,
			history.StatusFailed, history.StatusStopped, history.StatusCancelled,
			history.StatusErrored,
		} {
			if counts[status] > 0 {
				pterm.Printf("  %-10s %d\n", status, counts[status])
			}
		}
		return nil
	},
}

func init() {
	PsCmd.Flags().Int("limit", 20, "Number of history records to show")
}

func formatDuration(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return fmt.Sprintf("%dms", *ms)
}

func formatExit(code *int) string {
	if code == nil {
		return "-"
	}
	return strconv.Itoa(*code)
}
