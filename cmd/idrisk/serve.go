package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/idrisk/internal/api"
	"github.com/lvonguyen/idrisk/internal/report"
)

func newServeCmd(a *app) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve stored reports and false-positive marking over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port == 0 {
				port = a.cfg.Server.Port
			}
			return a.serve(cmd.Context(), port)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port (default from config)")
	return cmd
}

func (a *app) serve(parent context.Context, port int) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	client, err := a.redisClient(ctx)
	if err != nil {
		return err
	}
	if client != nil {
		defer func() { _ = client.Close() }()
	}

	reports, err := report.NewStore(a.cfg.Reports.OutputDir, a.logger)
	if err != nil {
		return err
	}
	marks, err := a.markStore(client)
	if err != nil {
		return err
	}

	var limiter *api.RateLimiter
	if a.cfg.Server.RateLimit.Enabled {
		var shared redis.Cmdable
		if client != nil {
			shared = client
		}
		limiter = api.NewRateLimiter(shared, a.cfg.Server.RateLimit, a.logger)
	}

	srv, err := api.NewServer(api.Options{
		Reports:        reports,
		Marks:          marks,
		Telemetry:      a.telemetry,
		Limiter:        limiter,
		Logger:         a.logger,
		Version:        Version,
		RequestTimeout: a.cfg.Server.WriteTimeout,
	})
	if err != nil {
		return err
	}

	a.telemetry.StartSystemMetricsCollector(ctx)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      srv.Router(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		a.logger.Info("Server listening",
			zap.String("addr", server.Addr),
			zap.String("reports", reports.Path()),
			zap.String("marks_backend", a.cfg.Reports.MarksBackend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case sig := <-sigChan:
		a.logger.Info("Received signal, shutting down", zap.Stringer("signal", sig))
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-parent.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Shutdown error", zap.Error(err))
		return err
	}

	a.logger.Info("Server stopped")
	return nil
}
