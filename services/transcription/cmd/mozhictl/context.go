package main

import (
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"mozhi/internal/util"
	"mozhi/pkg/domain"
	"mozhi/services/transcription/internal/app"
	"mozhi/services/transcription/internal/config"
)

type commandContext struct {
	configFlag string
	memory     bool

	appOnce sync.Once
	app     *app.App
	appErr  error
}

// ensureApp loads config and builds the application once per invocation.
// A preset app is used as is.
func (c *commandContext) ensureApp() (*app.App, error) {
	c.appOnce.Do(func() {
		if c.app != nil {
			return
		}
		_ = godotenv.Load()
		path := strings.TrimSpace(c.configFlag)
		if path == "" {
			path = config.ResolvePath()
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.appErr = err
			return
		}
		// stdout carries command output
		util.InitLoggerTo(os.Stderr, cfg.LogLevel)

		appCfg := app.Config{
			DatabaseURL:       cfg.DatabaseURL,
			SaveDir:           cfg.SaveDir,
			LockDir:           cfg.LockDir,
			BatchSize:         cfg.BatchSize,
			PageSize:          cfg.PageSize,
			StatConcurrency:   cfg.StatConcurrency,
			DefaultSampleRate: domain.SampleRate(cfg.DefaultSampleRate),
			ImportStrict:      cfg.ImportStrict,
			SuperuserEmail:    cfg.SuperuserEmail,
			SuperuserPassword: cfg.SuperuserPassword,
			MinioEndpoint:     cfg.MinioEndpoint,
			MinioAccessKey:    cfg.MinioAccessKey,
			MinioSecretKey:    cfg.MinioSecretKey,
			MinioBucket:       cfg.MinioBucket,
			MinioUseSSL:       cfg.MinioUseSSL,
		}
		if c.memory {
			appCfg.DatabaseURL = ""
		}
		c.app, c.appErr = app.New(appCfg)
	})
	return c.app, c.appErr
}

func (c *commandContext) close() {
	if c.app != nil {
		_ = c.app.Close()
	}
}
