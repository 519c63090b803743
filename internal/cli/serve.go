package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/salonhub/klaviyo-bridge/common/logging"
	"github.com/salonhub/klaviyo-bridge/internal/auth"
	"github.com/salonhub/klaviyo-bridge/internal/handlers"
	"github.com/salonhub/klaviyo-bridge/internal/scheduler"
	"github.com/salonhub/klaviyo-bridge/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook receiver and the daily sync scheduler",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting salonhub bridge",
		"port", cfg.Server.Port,
		"mode", cfg.Klaviyo.Mode,
		"log_level", cfg.Logging.Level,
	)
	if cfg.Klaviyo.APIKey == "" {
		logger.Warn("klaviyo.api_key is empty; every sync will fail with 401")
	}
	if cfg.Webhook.Secret == "" {
		logger.Warn("webhook.secret is empty; webhook signatures are not verified")
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("failed to release resources", logging.Error(err))
		}
	}()

	var tokens handlers.TokenValidator
	if cfg.Admin.JWTSecret != "" {
		tokens = auth.NewTokenIssuer(cfg.Admin.JWTSecret, cfg.Admin.TokenTTL)
	} else {
		logger.Warn("admin.jwt_secret is empty; admin endpoints are unauthenticated")
	}

	router := server.NewRouter(server.Handlers{
		Webhook: handlers.NewWebhookHandler(a.store, a.publisher, cfg.Webhook.Secret, cfg.Webhook.MaxBodyBytes, logger),
		Health:  handlers.NewHealthHandler(a.store, a.klaviyo, a.sync, a.broker, a.dlq, logger),
		Admin:   handlers.NewAdminHandler(a.sync, a.store, logger),
		Tokens:  tokens,
	}, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var daily *scheduler.Daily
	if cfg.Sync.Enabled {
		loc, err := cfg.Sync.Location()
		if err != nil {
			return err
		}
		daily = scheduler.NewDaily(a.sync, scheduler.Config{Hour: cfg.Sync.Hour, Location: loc}, logger)
		if err := daily.Start(ctx); err != nil {
			return err
		}
	} else {
		logger.Warn("daily sync disabled; cycles only run through the admin API or the sync command")
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("bridge listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server error", logging.Error(err))
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", logging.Error(err))
	}

	// waits for a running cycle to wind down
	if daily != nil {
		if err := daily.Stop(); err != nil {
			logger.Warn("failed to stop scheduler", logging.Error(err))
		}
	}

	logger.Info("bridge stopped")
	return nil
}
