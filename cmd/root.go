package cmd

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xkayo32/pytake-sub001/core/config"
)

var rootCmd = &cobra.Command{
	Use:   "pytake",
	Short: "Multi-tenant WhatsApp automation runtime",
	Long:  `Core runtime for multi-tenant WhatsApp business automation: webhook ingestion, flow execution, windowed outbound dispatch, and inactivity supervision.`,
}

func init() {
	// .env is optional; real deployments inject the environment directly.
	_ = godotenv.Load()

	time.Local = time.UTC

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	viper.AutomaticEnv()

	cobra.OnInitialize(initConfig, initLogger)
}

func initConfig() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("failed to load configuration: %v", err)
	}
	config.Global = cfg
}

func initLogger() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if config.Global.App.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
