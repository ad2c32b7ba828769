package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/zimads/adsentinel/internal/server"
	"github.com/zimads/adsentinel/pkg/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, webhook and background workers",
	Long: `Serve the alert API, the messaging webhook and /metrics, and run the health
monitor, evaluator and report scheduler until interrupted. On shutdown queued
messages are drained before the process exits.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "", "Listen address (overrides server.listen)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer closeApp(a)

	listen := a.cfg.Server.Listen
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		listen = v
	}

	metrics.Register(prometheus.DefaultRegisterer)
	api := server.NewServer(a.pipeline, server.Options{
		VerifyToken: a.cfg.Webhook.VerifyToken,
		AppSecret:   a.cfg.Webhook.AppSecret,
		Gatherer:    prometheus.DefaultGatherer,
	}, a.logger)
	if a.cfg.Webhook.AppSecret == "" {
		a.logger.Warn("webhook signature check disabled: webhook.app_secret is empty")
	}

	srv := &http.Server{
		Addr:         listen,
		Handler:      api.Handler(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	workers, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workersDone := make(chan error, 1)
	go func() {
		workersDone <- a.pipeline.Run(workers)
	}()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("adsentinel started", "listen", listen, "version", Version)
		errCh <- srv.ListenAndServe()
	}()

wait:
	for {
		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			break wait
		case err := <-workersDone:
			if err != nil {
				return fmt.Errorf("workers: %w", err)
			}
			// No scheduled workers configured; keep serving.
			workersDone = nil
		case <-ctx.Done():
			a.logger.Info("shutting down")
			break wait
		}
	}

	stopWorkers()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
