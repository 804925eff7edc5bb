package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rbio.com/nutribot/internal/api"
	"rbio.com/nutribot/internal/auth"
	"rbio.com/nutribot/internal/config"
	"rbio.com/nutribot/internal/core"
	"rbio.com/nutribot/internal/gateway"
	"rbio.com/nutribot/internal/labresults"
	"rbio.com/nutribot/internal/metrics"
)

const (
	labFetchTimeout = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat bot",
	Long:  `Starts the HTTP API and, when a bot token is configured, the Telegram long-polling loop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		defer logger.Sync()

		if port, _ := cmd.Flags().GetString("port"); port != "" {
			cfg.HTTPPort = port
		}
		if err := cfg.ValidateServe(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("port", "p", "", "Port to listen on, overrides the config")
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(registry)
	if err != nil {
		return err
	}

	searcher, _, err := a.vectorIndex(ctx)
	if err != nil {
		return err
	}
	sessions, locker, err := a.sessionStore(ctx)
	if err != nil {
		return err
	}

	restrictions := core.NewRestrictionService(labresults.NewHTTPSource(labFetchTimeout, logger), a.db, logger)
	feedback := core.NewFeedbackService(a.db, logger)
	machine, err := core.NewMachine(a.db, restrictions, feedback,
		core.WithMealTypes(core.LoadMealTypes(ctx, a.db, logger)),
		core.WithMachineLogger(logger))
	if err != nil {
		return err
	}
	rag := core.NewRAGService(a.llm, searcher, a.db, a.llm, core.RAGOptions{
		TopK:      cfg.Pipeline.TopK,
		Threshold: cfg.Pipeline.Threshold,
	}, m, logger)

	var callback gateway.Sender
	if cfg.Callback.URL != "" {
		callback = gateway.NewCallbackSender(cfg.Callback.URL, cfg.Callback.Timeout, logger)
	}
	router := gateway.NewRouter(callback)

	chat, err := core.NewChatService(core.ChatDeps{
		Sessions:        sessions,
		Locker:          locker,
		Machine:         machine,
		Recommender:     rag,
		Sender:          router,
		PipelineTimeout: cfg.Pipeline.Timeout,
		Metrics:         m,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	issuer, err := auth.NewIssuer(cfg.JWTSecret, 0)
	if err != nil {
		return err
	}
	handle := gateway.MessageHandler(chat.HandleMessage)
	if callback != nil {
		handle = router.Via(callback, handle)
	}
	handler := api.NewAPIHandler(handle, issuer, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: api.NewRouter(handler, registry),
	}

	var tg *gateway.Telegram
	if cfg.Telegram.Token != "" {
		if tg, err = gateway.NewTelegram(cfg.Telegram.Token, logger); err != nil {
			return err
		}
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http server: %w", err)
		}
	}()

	if tg != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tg.Run(runCtx, router.Via(tg, chat.HandleMessage)); err != nil && !errors.Is(err, context.Canceled) {
				errs <- fmt.Errorf("telegram: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errs:
		logger.Error("component failed, shutting down", zap.Error(runErr))
	}
	cancelRun()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown did not complete", zap.Duration("timeout", shutdownTimeout), zap.Error(err))
		_ = srv.Close()
	}
	// handlers still draining can start pipelines, so wait for them first
	wg.Wait()
	if err := chat.Wait(shutdownCtx); err != nil {
		logger.Warn("recommendation runs still in flight at shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
	return runErr
}
