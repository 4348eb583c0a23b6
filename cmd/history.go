package cmd

import (
	"fmt"
	"net/http"
	"time"

	"backupd/internal/model"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var historyN int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View backup history",
	RunE: func(cmd *cobra.Command, args []string) error {
		var events []model.BackupEvent
		if err := callDaemon(http.MethodGet, fmt.Sprintf("/history?n=%d", historyN), nil, &events); err != nil {
			return err
		}

		if len(events) == 0 {
			fmt.Println("no history yet")
			return nil
		}

		for _, ev := range events {
			status := "✓"
			if ev.ExitCode < 0 {
				status = "✗"
			}

			fmt.Printf("%s [%s] %-12s %9s %6s  %s\n",
				status,
				ev.BackedUpAt.Format("2006-01-02 15:04:05"),
				ev.JobName,
				humanize.IBytes(uint64(max(0, ev.SizeBytes))),
				(time.Duration(ev.ElapsedMs) * time.Millisecond).String(),
				ev.SourceFile,
			)
		}

		return nil
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyN, "n", 20, "number of history entries to show")
	rootCmd.AddCommand(historyCmd)
}
