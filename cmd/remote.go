package cmd

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"backupd/internal/remote"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	remoteHost    string
	remoteTimeout time.Duration
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Talk to a daemon over the remote-control protocol",
}

func dialRemote() (*remote.Client, error) {
	addr := net.JoinHostPort(remoteHost, strconv.Itoa(cfg.RemotePort))
	return remote.Dial(addr, remoteTimeout)
}

func remoteDo(request string) error {
	client, err := dialRemote()
	if err != nil {
		return err
	}

	defer func(client *remote.Client) {
		_ = client.Close()
	}(client)

	reply, err := client.Do(request)
	if err != nil {
		return err
	}

	fmt.Println(reply)
	if remote.IsError(reply) {
		return errors.New("request rejected")
	}

	return nil
}

var remotePingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the remote server answers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return remoteDo(string(remote.CmdPing))
	},
}

var remoteJobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs as seen by remote clients",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialRemote()
		if err != nil {
			return err
		}

		defer func(client *remote.Client) {
			_ = client.Close()
		}(client)

		jobs, err := client.Jobs()
		if err != nil {
			return err
		}

		if len(jobs) == 0 {
			fmt.Println("no jobs configured")
			return nil
		}

		for _, j := range jobs {
			fmt.Printf("%-16s %-5s %-9s %3d%% %s\n", j.Name, j.Type, j.State, j.Progress, humanize.IBytes(j.TotalFilesSize))
		}

		return nil
	},
}

func remoteJobCmd(command remote.Command, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [name]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return remoteDo(string(command) + " " + args[0])
		},
	}
}

func init() {
	remoteCmd.PersistentFlags().StringVar(&remoteHost, "host", "localhost", "remote daemon host")
	remoteCmd.PersistentFlags().DurationVar(&remoteTimeout, "timeout", 5*time.Second, "connect timeout")

	remoteCmd.AddCommand(
		remotePingCmd,
		remoteJobsCmd,
		remoteJobCmd(remote.CmdStartJob, "start", "Start a job remotely"),
		remoteJobCmd(remote.CmdPauseJob, "pause", "Pause a job remotely"),
		remoteJobCmd(remote.CmdResumeJob, "resume", "Resume a job remotely"),
		remoteJobCmd(remote.CmdStopJob, "stop", "Stop a job remotely"),
	)
	rootCmd.AddCommand(remoteCmd)
}
