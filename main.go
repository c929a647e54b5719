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

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"whatsapp-gateway/api"
	"whatsapp-gateway/backend"
	"whatsapp-gateway/cache"
	"whatsapp-gateway/config"
	"whatsapp-gateway/media"
	"whatsapp-gateway/outbound"
	"whatsapp-gateway/queue"
	"whatsapp-gateway/session"
	"whatsapp-gateway/whatsapp"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "whatsapp-gateway: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.DateTime}).
		With().Timestamp().Logger()
}

func run() error {
	flags := config.NewFlagSet(os.Args[0])
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Log)
	logger.Info().Int("port", cfg.Server.Port).Str("db", cfg.Database.Path).Msg("Starting WhatsApp gateway")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := whatsapp.OpenStore(ctx, cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close credential store")
		}
	}()
	if paired, err := store.Accounts(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to list paired accounts")
	} else {
		logger.Info().Int("paired", len(paired)).Msg("Credential store ready")
	}

	waCfg := whatsapp.Config{
		DeviceName: cfg.WhatsApp.DeviceName,
		LogLevel:   cfg.Log.WhatsAppLevel,
	}
	if cfg.WhatsApp.PrintQR {
		waCfg.QRWriter = os.Stdout
	}
	connector := whatsapp.NewConnector(waCfg, logger)

	backendClient, err := backend.NewClient(backend.Config{
		URL:                cfg.Backend.URL,
		Timeout:            cfg.Backend.Timeout,
		InsecureSkipVerify: cfg.Backend.InsecureSkipVerify,
	}, logger)
	if err != nil {
		return fmt.Errorf("backend client: %w", err)
	}
	notifier := backend.NewNotifier(backendClient, backend.NotifierConfig{
		Mode:       cfg.Webhook.Mode,
		QueueSize:  cfg.Webhook.QueueSize,
		Workers:    cfg.Webhook.Workers,
		MaxElapsed: cfg.Webhook.MaxElapsed,
	}, logger)

	registry := session.NewRegistry()
	manager := session.NewManager(session.Options{
		Connector: connector,
		Store:     store,
		Notifier:  notifier,
		Accounts:  backendClient,
		Registry:  registry,
		Policy: session.ReconnectPolicy{
			MaxAttempts:     cfg.Lifecycle.ReconnectMaxAttempts,
			InitialInterval: cfg.Lifecycle.ReconnectInitialInterval,
			MaxInterval:     cfg.Lifecycle.ReconnectMaxInterval,
			Multiplier:      2,
		},
		DownloadMedia: cfg.WhatsApp.MediaDownload,
		OnQR: func(accountID, _ string) {
			logger.Info().Str("conta_id", accountID).Str("path", "/qr/"+accountID).Msg("QR code available")
		},
		Logger: logger,
	})

	transcoder := media.NewTranscoder(media.Config{
		FFmpegPath:  cfg.Transcode.FFmpegPath,
		TempDir:     cfg.Transcode.TempDir,
		Concurrency: cfg.Transcode.Concurrency,
		Bitrate:     cfg.Transcode.Bitrate,
	}, logger)

	recipients := cache.New[string](cfg.Send.RecipientCacheSize, cfg.Send.RecipientCacheTTL)
	recipients.StartCleanup(ctx, time.Minute)
	defer recipients.Stop()

	limiter := outbound.NewRateLimiter(rate.Limit(cfg.Send.Rate), cfg.Send.Burst)
	limiter.StartCleanup(ctx, 5*time.Minute, 30*time.Minute)

	pipeline := outbound.NewPipeline(outbound.Options{
		Sessions:   registry,
		Transcoder: transcoder,
		Limiter:    limiter,
		Recipients: recipients,
		Queue:      queue.NewKeyed("outbound", prometheus.DefaultRegisterer),
		Timeout:    cfg.Send.Timeout,
		Logger:     logger,
	})

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.Deps{
		Sessions:  manager,
		Directory: registry,
		Sender:    pipeline,
		Logger:    logger,
	})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return manager.RunReconciler(gctx, cfg.Lifecycle.ReconcileInterval)
	})
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
		if err := manager.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("sessions: %w", err))
		}
		if err := notifier.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("webhook queue: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("Gateway stopped")
	return nil
}
