package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/repusense/internal/config"
)

var (
	cfg        *config.Config
	cfgFile    string
	cfgVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "repusense",
	Short: "Company reputation analysis pipeline",
	Long:  "Fetches public discussion about a company, runs topic, sentiment, keyword and engagement analysis, and publishes the results for the dashboard API.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.LoadFile(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c
		if cfgVerbose {
			cfg.Log.Level = "debug"
		}

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&cfgVerbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
