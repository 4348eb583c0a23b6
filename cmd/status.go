package cmd

import (
	"fmt"
	"net/http"

	"backupd/internal/daemon"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "View daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var result daemon.StatusResponse
		if err := callDaemon(http.MethodGet, "/status", nil, &result); err != nil {
			return err
		}

		critical := "no"
		if result.CriticalActive {
			critical = "yes"
		}

		fmt.Printf("permits: %d/%d  network: %.0f kbps down, %.0f kbps up  critical app: %s\n",
			result.Permits, result.MaxParallel, result.DownKbps, result.UpKbps, critical)

		if len(result.Jobs) == 0 {
			fmt.Println("no jobs configured")
			return nil
		}

		fmt.Printf("%-16s %-9s %-9s %-10s %s\n", "JOB", "TYPE", "STATE", "SIZE", "PROGRESS")
		for _, j := range result.Jobs {
			fmt.Printf("%-16s %-9s %-9s %-10s %3d%%  %d files left\n",
				j.Name, j.Type, j.State, humanize.IBytes(j.TotalFilesSize), j.Progress, j.NumberFilesLeftToDo)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
