package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/makeasinger/bulkgen/internal/config"
	"github.com/makeasinger/bulkgen/internal/logger"
)

type contextKey string

const configContextKey contextKey = "config"

var rootCmd = &cobra.Command{
	Use:   "bulkgen",
	Short: "Bulk generative-job orchestrator",
	Long: `bulkgen expands prompt templates into every combination of placeholder
values, image inputs and negative prompt, and drives the resulting prompts
through a remote generation backend one at a time per instance.

Use serve to run the API together with the scheduler, scheduler to run
only the scheduler against a shared MongoDB, and expand to preview the
prompts a job definition would produce.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		if level, _ := cmd.Flags().GetString("log-level"); level != "" {
			cfg.Log.Level = level
		}
		if err := logger.Init(logger.Config{
			Level:      cfg.Log.Level,
			Format:     cfg.Log.Format,
			Output:     cfg.Log.Output,
			Path:       cfg.Log.Path,
			MaxSize:    cfg.Log.MaxSize,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAge,
			Compress:   cfg.Log.Compress,
		}); err != nil {
			return err
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		cmd.SetContext(context.WithValue(ctx, configContextKey, cfg))
		return nil
	},
}

// getConfig retrieves the Config loaded by the root command
func getConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, ok := cmd.Context().Value(configContextKey).(*config.Config)
	if !ok {
		return nil, errors.New("no config in context")
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides LOG_LEVEL)")

	rootCmd.AddCommand(serveCmd, schedulerCmd, expandCmd, tokenCmd)
}
