// Package cmd implements the batchclassify command line.
package cmd

import (
	"batchclassify/internal/application/common/logging"
	"batchclassify/internal/application/common/slogger"
	"batchclassify/internal/config"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

//nolint:gochecknoglobals // Standard Cobra CLI pattern
var (
	cfgFile  string
	envFiles []string
)

// rootCmd represents the base command when called without any subcommands
//
//nolint:gochecknoglobals // Standard Cobra CLI pattern
var rootCmd = &cobra.Command{
	Use:   "batchclassify",
	Short: "Classify stored text records through an asynchronous batch API",
	Long: `BatchClassify submits unclassified text records to a remote batch
inference service, tracks the submitted jobs on disk and writes the parsed
classifications back to the record store.

Typical use:
  batchclassify submit --from 2024-01-01 --to 2024-01-31
  batchclassify monitor
  batchclassify status`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		cmd.SetContext(logging.NewCorrelationContext(cmd.Context()))
	},
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command's
// context; any returned error exits with status 1.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func init() { //nolint:gochecknoinits // Standard Cobra CLI pattern for command registration
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./configs/config.yaml)")
	rootCmd.PersistentFlags().StringArrayVar(&envFiles, "env-file", nil, "dotenv file to load before reading the environment (repeatable, default: .env if present)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (json, text)")
}

// loadConfig reads dotenv files, the config file and the environment, then
// configures the global logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}

	v := viper.New()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}
	config.BindEnvironment(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	for key, flag := range map[string]string{"log.level": "log-level", "log.format": "log-format"} {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			v.Set(key, f.Value.String())
		}
	}

	cfg, err := config.New(v)
	if err != nil {
		return nil, err
	}

	if err := slogger.Configure(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: "stderr",
	}); err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}

	return cfg, nil
}

// loadEnvFiles loads the given dotenv files, or .env when none are given and
// it exists. Variables already set in the environment win.
func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		files = []string{".env"}
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}
