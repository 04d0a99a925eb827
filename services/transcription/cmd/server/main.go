package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"mozhi/internal/util"
	"mozhi/pkg/domain"
	"mozhi/services/transcription/internal/app"
	"mozhi/services/transcription/internal/config"
	"mozhi/services/transcription/internal/server"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	appCore, err := app.New(app.Config{
		DatabaseURL:       cfg.DatabaseURL,
		SaveDir:           cfg.SaveDir,
		LockDir:           cfg.LockDir,
		BatchSize:         cfg.BatchSize,
		PageSize:          cfg.PageSize,
		StatConcurrency:   cfg.StatConcurrency,
		DefaultSampleRate: domain.SampleRate(cfg.DefaultSampleRate),
		ImportStrict:      cfg.ImportStrict,
		AllowAnonymous:    cfg.AllowAnonymous,
		SuperuserEmail:    cfg.SuperuserEmail,
		SuperuserPassword: cfg.SuperuserPassword,
		JWTSecret:         cfg.JWTSecret,
		SessionTTL:        sessionTTL,
		RedisAddr:         cfg.RedisAddr,
		RedisPassword:     cfg.RedisPassword,
		MinioEndpoint:     cfg.MinioEndpoint,
		MinioAccessKey:    cfg.MinioAccessKey,
		MinioSecretKey:    cfg.MinioSecretKey,
		MinioBucket:       cfg.MinioBucket,
		MinioUseSSL:       cfg.MinioUseSSL,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer appCore.Close()

	httpServer, err := server.New(server.Config{
		App:                     appCore,
		RedisAddr:               cfg.RedisAddr,
		RedisPassword:           cfg.RedisPassword,
		LoginRateLimitPerMinute: cfg.LoginRateLimitPerMinute,
		TrustedProxyCIDRs:       cfg.TrustedProxyCIDRs,
		MaxUploadBytes:          cfg.MaxUploadBytes,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}
	defer httpServer.Close()

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("server listening", "addr", addr, "save_dir", cfg.SaveDir)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
