package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"titledb/internal/app"
	"titledb/internal/config"
	"titledb/internal/notify"
	"titledb/internal/ratelimit"
	"titledb/internal/server"
	"titledb/internal/util"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	accessTTL, err := config.ParseAccessTTL(cfg.AccessTTL)
	if err != nil {
		log.Fatalf("failed to parse access TTL: %v", err)
	}
	leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse JWT leeway: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	notifier, err := buildNotifier(cfg, logger)
	if err != nil {
		log.Fatalf("failed to init notifier: %v", err)
	}

	appCore, err := app.New(app.Config{
		DatabaseURL: cfg.DatabaseURL,
		JWTSecret:   cfg.JWTSecret,
		AccessTTL:   accessTTL,
		JWTIssuer:   cfg.JWTIssuer,
		JWTAudience: cfg.JWTAudience,
		JWTLeeway:   leeway,
		Notifier:    notifier,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	proxies, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}
	signupLimiter, err := buildLimiter(cfg, "titledb:ratelimit:signup", cfg.SignupRateLimitPerMinute)
	if err != nil {
		log.Fatalf("failed to init signup limiter: %v", err)
	}
	tokenLimiter, err := buildLimiter(cfg, "titledb:ratelimit:token", cfg.TokenRateLimitPerMinute)
	if err != nil {
		log.Fatalf("failed to init token limiter: %v", err)
	}

	httpServer := server.New(server.Config{
		App:           appCore,
		SignupLimiter: signupLimiter,
		TokenLimiter:  tokenLimiter,
		Proxies:       proxies,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("api server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}

func buildNotifier(cfg config.FileConfig, logger *slog.Logger) (notify.Notifier, error) {
	switch cfg.Notifier {
	case "smtp":
		return notify.NewSMTPNotifier(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			UseTLS:   cfg.SMTPUseTLS,
		})
	case "amqp":
		return notify.NewAMQPNotifier(cfg.AMQPURL, cfg.AMQPQueue)
	default:
		return notify.NewLogNotifier(logger), nil
	}
}

func buildLimiter(cfg config.FileConfig, prefix string, perMinute int) (*ratelimit.FixedWindowLimiter, error) {
	if perMinute <= 0 || cfg.RedisAddr == "" {
		return nil, nil
	}
	return ratelimit.NewFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, perMinute, time.Minute)
}
