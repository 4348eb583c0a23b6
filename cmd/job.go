package cmd

import (
	"fmt"
	"net/http"
	"net/url"

	"backupd/internal/model"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var jobAddType string

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage jobs",
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		var jobs []model.Job
		if err := callDaemon(http.MethodGet, "/jobs", nil, &jobs); err != nil {
			return err
		}

		if len(jobs) == 0 {
			fmt.Println("no jobs configured")
			return nil
		}

		fmt.Printf("%-16s %-5s %-9s %-30s %-30s %s\n", "NAME", "TYPE", "STATE", "SRC", "DST", "PROGRESS")
		for _, j := range jobs {
			fmt.Printf("%-16s %-5s %-9s %-30s %-30s %d%% (%d/%d, %s)\n",
				j.Name, j.Type, j.State, j.SourceDirectory, j.TargetDirectory,
				j.Progress, j.TotalFilesToCopy-j.NumberFilesLeftToDo, j.TotalFilesToCopy,
				humanize.IBytes(j.TotalFilesSize))
			if j.ErrorMessage != "" {
				fmt.Printf("%-16s error: %s\n", "", j.ErrorMessage)
			}
		}

		return nil
	},
}

var jobAddCmd = &cobra.Command{
	Use:   "add [name] [src] [dst]",
	Short: "Add a new job",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{
			"name":   args[0],
			"source": args[1],
			"target": args[2],
			"type":   jobAddType,
		}

		var job model.Job
		if err := callDaemon(http.MethodPost, "/jobs", body, &job); err != nil {
			return err
		}

		fmt.Printf("job added: name=%s type=%s src=%s dst=%s\n", job.Name, job.Type, job.SourceDirectory, job.TargetDirectory)
		return nil
	},
}

var jobRemoveCmd = &cobra.Command{
	Use:   "remove [name]",
	Short: "Remove a job, stopping it first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := callDaemon(http.MethodDelete, "/jobs/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return err
		}

		fmt.Printf("job %s removed\n", args[0])
		return nil
	},
}

func jobActionCmd(action, short, done string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " [name]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/jobs/" + url.PathEscape(args[0]) + "/" + action
			if err := callDaemon(http.MethodPost, path, nil, nil); err != nil {
				return err
			}

			fmt.Printf("job %s %s\n", args[0], done)
			return nil
		},
	}
}

var jobStatsCmd = &cobra.Command{
	Use:   "stats [name]",
	Short: "Show copy totals of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var stats struct {
			Total  int64 `json:"total"`
			Failed int64 `json:"failed"`
			Bytes  int64 `json:"bytes"`
		}
		if err := callDaemon(http.MethodGet, "/jobs/"+url.PathEscape(args[0])+"/stats", nil, &stats); err != nil {
			return err
		}

		fmt.Printf("%s: %d files copied, %d failed, %s\n",
			args[0], stats.Total-stats.Failed, stats.Failed, humanize.IBytes(uint64(max(0, stats.Bytes))))
		return nil
	},
}

func init() {
	jobAddCmd.Flags().StringVar(&jobAddType, "type", "full", "backup type: full or diff")

	jobCmd.AddCommand(
		jobListCmd,
		jobAddCmd,
		jobRemoveCmd,
		jobStatsCmd,
		jobActionCmd("start", "Start a job", "started"),
		jobActionCmd("pause", "Pause a job after its current file", "pausing"),
		jobActionCmd("resume", "Resume a stopped or paused job", "resumed"),
		jobActionCmd("stop", "Stop a job after its current file", "stopping"),
	)
	rootCmd.AddCommand(jobCmd)
}
