package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"calendar-sync-server/config"
	"calendar-sync-server/utils"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfg       config.Config
	log       *logrus.Logger
	logCloser io.Closer
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "calendar-sync",
	Short: "Multi-channel calendar sync server",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.LogLevel = logLevel
		}
		cfg = loaded

		log, logCloser, err = utils.NewLogger(cfg.LogLevel, cfg.LogFile)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
	SilenceUsage: true,
}

func Execute() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(retryFailedCmd())
	rootCmd.AddCommand(quoteCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override LOG_LEVEL")
}

func writeJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
