package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	ghttp "github.com/fyrsmithlabs/guidesmith/internal/http"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

// serveCmd runs the read-only status API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the status API and Prometheus metrics",
	Long: `Serve a read-only HTTP API over the shared store:

  GET /health
  GET /api/v1/status
  GET /api/v1/status/:provider/:model
  GET /api/v1/history/:provider/:model?limit=N
  GET /metrics

The server never takes a lock and can run next to any number of
orchestrators.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			return serve(cmd.Context(), a)
		})
	},
}

// serve blocks until ctx is cancelled, then shuts the server down within
// server.shutdown_timeout.
func serve(ctx context.Context, a *app) error {
	srv, err := ghttp.NewServer(a.reporter(), a.hist, a.logger, &ghttp.Config{
		Host: a.cfg.Server.Host,
		Port: a.cfg.Server.Port,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if err := <-errCh; err != nil {
		a.logger.Warn(ctx, "server stopped with error", zap.Error(err))
	}
	return nil
}
