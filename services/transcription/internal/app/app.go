package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"mozhi/internal/projectlock"
	"mozhi/pkg/auth"
	"mozhi/pkg/domain"
	"mozhi/pkg/storage"
	"mozhi/pkg/store"
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL string
	Store       store.Store
	Sessions    store.SessionStore
	Objects     storage.ObjectStore

	SaveDir           string
	LockDir           string
	BatchSize         int
	PageSize          int
	StatConcurrency   int
	DefaultSampleRate domain.SampleRate
	ImportStrict      bool
	AllowAnonymous    bool

	SuperuserEmail    string
	SuperuserPassword string

	JWTSecret     string
	SessionTTL    time.Duration
	RedisAddr     string
	RedisPassword string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
}

// App is the core application service wiring together storage and the
// project pipelines.
type App struct {
	store    store.Store
	sessions store.SessionStore
	objects  storage.ObjectStore
	locks    *projectlock.Locker
	closers  []io.Closer

	saveDir           string
	batchSize         int
	pageSize          int
	statConcurrency   int
	defaultSampleRate domain.SampleRate
	importStrict      bool
	allowAnonymous    bool

	now func() time.Time
}

// New constructs the application. Without a database URL or injected store
// the records live in memory.
func New(cfg Config) (*App, error) {
	if strings.TrimSpace(cfg.SaveDir) == "" {
		return nil, errors.New("save dir required")
	}
	a := &App{
		saveDir:           cfg.SaveDir,
		batchSize:         positiveOr(cfg.BatchSize, 100),
		pageSize:          positiveOr(cfg.PageSize, 10),
		statConcurrency:   positiveOr(cfg.StatConcurrency, 8),
		defaultSampleRate: cfg.DefaultSampleRate,
		importStrict:      cfg.ImportStrict,
		allowAnonymous:    cfg.AllowAnonymous,
		objects:           cfg.Objects,
		now:               func() time.Time { return time.Now().UTC() },
	}
	if !a.defaultSampleRate.Valid() {
		a.defaultSampleRate = domain.DefaultSampleRate
	}

	locks, err := projectlock.New(cfg.LockDir)
	if err != nil {
		return nil, err
	}
	a.locks = locks

	a.store = cfg.Store
	if a.store == nil {
		if cfg.DatabaseURL == "" {
			slog.Warn("no databaseURL configured, records are kept in memory")
			a.store = store.NewMemoryStore()
		} else {
			a.store, err = store.NewGormStore(cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("init postgres store: %w", err)
			}
		}
	}

	a.sessions = cfg.Sessions
	if a.sessions == nil {
		a.sessions, err = a.buildSessions(cfg)
		if err != nil {
			return nil, err
		}
	}

	if a.objects == nil && cfg.MinioEndpoint != "" {
		objStore, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, err
		}
		a.objects = objStore
	}

	if cfg.SuperuserEmail != "" {
		if err := a.ensureSuperuser(context.Background(), cfg.SuperuserEmail, cfg.SuperuserPassword); err != nil {
			return nil, fmt.Errorf("ensure superuser: %w", err)
		}
	}
	return a, nil
}

func (a *App) buildSessions(cfg Config) (store.SessionStore, error) {
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if cfg.JWTSecret != "" {
		var revoker store.TokenRevoker = store.NewMemoryTokenRevoker()
		if cfg.RedisAddr != "" {
			redisRevoker := store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword)
			a.closers = append(a.closers, redisRevoker)
			revoker = redisRevoker
		}
		return store.NewJWTSessionStore(cfg.JWTSecret, ttl, revoker, store.JWTOptions{})
	}
	if cfg.RedisAddr != "" {
		sessions := store.NewRedisSessionStore(cfg.RedisAddr, cfg.RedisPassword, ttl)
		a.closers = append(a.closers, sessions)
		return sessions, nil
	}
	slog.Warn("no jwtSecret or redisAddr configured, sessions are kept in memory")
	return store.NewMemorySessionStore(ttl), nil
}

// Close releases external connections.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PageSize is the number of rows per list page.
func (a *App) PageSize() int {
	return a.pageSize
}

// DefaultSampleRate is used when a request omits the rate.
func (a *App) DefaultSampleRate() domain.SampleRate {
	return a.defaultSampleRate
}

// Times are kept at microsecond precision so Postgres round trips compare equal.
func (a *App) timestamp() time.Time {
	return a.now().UTC().Truncate(time.Microsecond)
}

func (a *App) resolveSampleRate(rate domain.SampleRate) (domain.SampleRate, error) {
	if rate == 0 {
		return a.defaultSampleRate, nil
	}
	if !rate.Valid() {
		return 0, fmt.Errorf("%w: unsupported sample rate %d", ErrValidation, rate)
	}
	return rate, nil
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func hashPassword(password string) (string, error) {
	if err := auth.ValidatePassword(password); err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return auth.HashPassword(password)
}
