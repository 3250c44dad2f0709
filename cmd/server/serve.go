package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"

	"github.com/makeasinger/bulkgen/internal/middleware"
	"github.com/makeasinger/bulkgen/internal/server"
	"github.com/makeasinger/bulkgen/internal/service"
	ws "github.com/makeasinger/bulkgen/internal/websocket"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and, unless disabled, the scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		hub := ws.NewHub()
		go hub.Run()
		defer hub.Stop()

		s, err := newServices(ctx, cfg, hub)
		if err != nil {
			return err
		}
		defer s.Close(context.Background())

		schedDone := make(chan struct{})
		if cfg.Scheduler.Enabled {
			if s.shared {
				srv, err := s.startWakeServer()
				if err != nil {
					return err
				}
				defer srv.Shutdown()
			}
			go func() {
				defer close(schedDone)
				if err := s.sched.Run(ctx); err != nil {
					s.log.WithError(err).Error("Scheduler stopped")
				}
			}()
		} else {
			close(schedDone)
			s.log.Info("Scheduler disabled in this process")
		}

		app := server.New(server.Deps{
			Config:    cfg,
			Bulk:      s.bulkService(),
			Analytics: service.NewAnalyticsService(s.store),
			Instances: s.comfy,
			Verifier:  s.verifier(),
			Limiter:   middleware.NewRateLimiter(s.redis),
			Hub:       hub,
			Health: fiber.Map{
				"mongo":     s.shared,
				"comfy":     s.comfy.IsConfigured(),
				"storage":   cfg.Storage.Driver,
				"scheduler": cfg.Scheduler.Enabled,
			},
		})

		go func() {
			<-ctx.Done()
			s.log.Info("Shutting down server...")
			if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
				s.log.WithError(err).Error("Server shutdown error")
			}
		}()

		addr := ":" + cfg.Server.Port
		s.log.WithField("addr", addr).Info("Server starting")
		if err := app.Listen(addr); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		<-schedDone
		return nil
	},
}
