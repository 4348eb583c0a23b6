package cmd

import (
	"fmt"
	"os"

	"backupd/internal/config"
	"backupd/internal/db"
	"backupd/internal/logger"

	"github.com/spf13/cobra"
)

var (
	cfg        *config.Config
	debug      bool
	configFile string
)

// daemonCmds open the history database; every other command is a client of
// a running daemon.
var daemonCmds = map[string]bool{
	"run": true,
}

var rootCmd = &cobra.Command{
	Use:   "backupd",
	Short: "A resumable, scheduled backup daemon",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		logger.Init(debug)

		var err error
		if configFile != "" {
			cfg, err = config.LoadFile(configFile)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return err
		}

		if daemonCmds[cmd.Name()] {
			if err := db.Init(cfg.DBPath); err != nil {
				return err
			}
		}

		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func daemonURL(path string) string {
	return fmt.Sprintf("http://localhost:%d%s", cfg.DaemonPort, path)
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug mode")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ~/.backupd/config.yaml)")
}
