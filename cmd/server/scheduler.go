package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run only the scheduler against the shared job store",
	Long: `Runs discovery and the per-instance loops without the HTTP API.
Requires MONGO_URI: the API process and every scheduler process must share
the same store. Wake requests from the API arrive through the asynq
scheduler queue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Mongo.URI == "" {
			return errors.New("scheduler needs MONGO_URI to share jobs with the API")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		s, err := newServices(ctx, cfg, nil)
		if err != nil {
			return err
		}
		defer s.Close(context.Background())

		srv, err := s.startWakeServer()
		if err != nil {
			return err
		}
		defer srv.Shutdown()

		return s.sched.Run(ctx)
	},
}
