package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/payos-hq/payos/internal/api"
	"github.com/payos-hq/payos/internal/config"
	"github.com/payos-hq/payos/internal/engine"
	"github.com/payos-hq/payos/internal/store"
	"github.com/payos-hq/payos/internal/webhook"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration error", "error", err)
		os.Exit(1)
	}

	st, err := store.NewPostgresStore(context.Background(), cfg.DBSource)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	var notifier webhook.Notifier = webhook.Discard{}
	if cfg.WebhookURL != "" {
		d := webhook.NewDispatcher(cfg.WebhookURL, cfg.WebhookWorkers, cfg.WebhookQueueSize, logger)
		defer d.Close()
		notifier = d
	}

	eng := engine.New(st, cfg.FeeModel,
		engine.WithNotifier(notifier),
		engine.WithLogger(logger),
		engine.WithQuoteTTL(cfg.QuoteTTL),
	)

	handler := api.NewHandler(eng, st, logger)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("server stopped")
}
