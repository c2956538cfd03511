package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldline/courier/internal/gateway"
)

func newServeCmd() *cobra.Command {
	var withDaemon bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway (and, by default, the scheduler daemon)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close()

			logger := a.logger.Slog()

			if withDaemon {
				daemon := a.buildDaemon()
				go func() {
					if err := daemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						logger.Error("scheduler daemon exited", "error", err)
					}
				}()
			}

			srv := &http.Server{
				Addr:              a.cfg.Gateway.Addr,
				Handler:           gateway.New(a.loop, a.conversations, a.drafts, a.scheduled, logger).Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("gateway listening", "addr", a.cfg.Gateway.Addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().BoolVar(&withDaemon, "with-daemon", true, "run the scheduler daemon in-process")
	return cmd
}
