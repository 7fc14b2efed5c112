package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vonshlovens/capture-sync/internal/config"
	"github.com/vonshlovens/capture-sync/internal/logging"
)

var (
	cfgFile string
	verbose bool
	version = "dev"

	appConfig *config.Config
	logCloser io.Closer
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "capsync",
		Short:   "Offline-first capture sync",
		Long:    `Keeps captures, todos and digests in a local store and syncs them with a capsync server whenever the network allows.`,
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				// init exists to create a working config
				if cmd.Name() != "init" {
					return fmt.Errorf("failed to load config: %w", err)
				}
				cfg = config.DefaultConfig()
			}
			appConfig = cfg

			logCloser, err = logging.Setup(logging.Options{
				Level:      cfg.Log.Level,
				Format:     cfg.Log.Format,
				File:       cfg.Log.File,
				MaxSizeMB:  cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAgeDays: cfg.Log.MaxAgeDays,
				Verbose:    verbose,
			})
			if err != nil {
				return fmt.Errorf("failed to set up logging: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logCloser != nil {
				logCloser.Close()
			}
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		daemonCmd(),
		syncCmd(),
		statusCmd(),
		importCmd(),
		uploadCmd(),
		conflictsCmd(),
		serveCmd(),
		tokenCmd(),
		migrateCmd(),
		initCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
