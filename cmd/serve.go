package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/api"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduler",
		Long: `Starts the JSON API and the tick loop. Sites from the configured manifest
are seeded first. SIGINT or SIGTERM drains in-flight checks and stops.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, e.cfg, e.logger)
	if err != nil {
		return fmt.Errorf("init application: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Server.ShutdownTimeout)
		defer cancel()
		if cerr := a.Close(closeCtx); cerr != nil {
			e.logger.Warn("close application", zap.Error(cerr))
		}
	}()

	if err := a.Seed(ctx); err != nil {
		return err
	}

	sched := a.Scheduler()
	server := api.NewServer(a.Service(), a.Clock(), api.Options{
		Ticker: sched,
		Ready:  a.Ready,
	}, e.logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", e.cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Run(ctx); err != nil {
			e.logger.Error("scheduler stopped with error", zap.Error(err))
			stop()
		}
	}()

	go func() {
		e.logger.Info("http server started", zap.Int("port", e.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	e.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		e.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-schedDone:
	case <-shutdownCtx.Done():
		e.logger.Warn("scheduler did not stop before the shutdown timeout")
	}
	e.logger.Info("shutdown complete")
	return nil
}
