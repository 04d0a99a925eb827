package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"mozhi/pkg/domain"
)

// ConfigPath is the default config file location. MOZHI_CONFIG overrides it.
var ConfigPath = "config.yaml"

const (
	DefaultBatchSize       = 100
	DefaultPageSize        = 10
	DefaultStatConcurrency = 8
	DefaultMaxUploadBytes  = 50 << 20
	DefaultSessionTTL      = 24 * time.Hour
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                    string   `yaml:"port"`
	LogLevel                string   `yaml:"logLevel"`
	DatabaseURL             string   `yaml:"databaseURL"`
	SaveDir                 string   `yaml:"saveDir"`
	LockDir                 string   `yaml:"lockDir"`
	BatchSize               int      `yaml:"batchSize"`
	PageSize                int      `yaml:"pageSize"`
	StatConcurrency         int      `yaml:"statConcurrency"`
	DefaultSampleRate       int      `yaml:"defaultSampleRate"`
	ImportStrict            bool     `yaml:"importStrict"`
	MaxUploadBytes          int64    `yaml:"maxUploadBytes"`
	AllowAnonymous          bool     `yaml:"allowAnonymous"`
	SuperuserEmail          string   `yaml:"superuserEmail"`
	SuperuserPassword       string   `yaml:"superuserPassword"`
	JWTSecret               string   `yaml:"jwtSecret"`
	SessionTTL              string   `yaml:"sessionTTL"`
	RedisAddr               string   `yaml:"redisAddr"`
	RedisPassword           string   `yaml:"redisPassword"`
	LoginRateLimitPerMinute int      `yaml:"loginRateLimitPerMinute"`
	TrustedProxyCIDRs       []string `yaml:"trustedProxyCidrs"`
	MinioEndpoint           string   `yaml:"minioEndpoint"`
	MinioAccessKey          string   `yaml:"minioAccessKey"`
	MinioSecretKey          string   `yaml:"minioSecretKey"`
	MinioBucket             string   `yaml:"minioBucket"`
	MinioUseSSL             bool     `yaml:"minioUseSSL"`
}

// ResolvePath returns MOZHI_CONFIG when set, else ConfigPath.
func ResolvePath() string {
	if v := strings.TrimSpace(os.Getenv("MOZHI_CONFIG")); v != "" {
		return v
	}
	return ConfigPath
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("MOZHI_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("MOZHI_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("MOZHI_SAVE_DIR"); v != "" {
		cfg.SaveDir = v
	}
	if v := os.Getenv("MOZHI_LOCK_DIR"); v != "" {
		cfg.LockDir = v
	}
	if v := os.Getenv("MOZHI_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.BatchSize = n
		}
	}
	if v := os.Getenv("MOZHI_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.PageSize = n
		}
	}
	if v := os.Getenv("MOZHI_STAT_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.StatConcurrency = n
		}
	}
	if v := os.Getenv("MOZHI_IMPORT_STRICT"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.ImportStrict = b
		}
	}
	if v := os.Getenv("MOZHI_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("MOZHI_ALLOW_ANONYMOUS"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.AllowAnonymous = b
		}
	}
	if v := os.Getenv("MOZHI_SUPERUSER_EMAIL"); v != "" {
		cfg.SuperuserEmail = strings.TrimSpace(v)
	}
	if v := os.Getenv("MOZHI_SUPERUSER_PASSWORD"); v != "" {
		cfg.SuperuserPassword = v
	}
	if v := os.Getenv("MOZHI_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("MOZHI_SESSION_TTL"); v != "" {
		cfg.SessionTTL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("MOZHI_LOGIN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.LoginRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("MOZHI_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.StatConcurrency == 0 {
		cfg.StatConcurrency = DefaultStatConcurrency
	}
	if cfg.DefaultSampleRate == 0 {
		cfg.DefaultSampleRate = int(domain.DefaultSampleRate)
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.SaveDir) == "" {
		return errors.New("config: saveDir is required (set in config.yaml or MOZHI_SAVE_DIR)")
	}
	if cfg.BatchSize < 1 {
		return errors.New("config: batchSize must be >= 1")
	}
	if cfg.PageSize < 1 {
		return errors.New("config: pageSize must be >= 1")
	}
	if cfg.StatConcurrency < 1 {
		return errors.New("config: statConcurrency must be >= 1")
	}
	if !domain.SampleRate(cfg.DefaultSampleRate).Valid() {
		return fmt.Errorf("config: defaultSampleRate %d is not supported", cfg.DefaultSampleRate)
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must be >= 0")
	}
	if cfg.LoginRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if (cfg.SuperuserEmail == "") != (cfg.SuperuserPassword == "") {
		return errors.New("config: superuserEmail and superuserPassword must be set together")
	}
	if _, err := ParseSessionTTL(cfg.SessionTTL); err != nil {
		return err
	}
	minio := []string{cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket}
	set := 0
	for _, v := range minio {
		if strings.TrimSpace(v) != "" {
			set++
		}
	}
	if set != 0 && set != len(minio) {
		return errors.New("config: minioEndpoint, minioAccessKey, minioSecretKey and minioBucket must be set together")
	}
	return nil
}

// ParseSessionTTL parses the optional session lifetime, defaulting to 24h.
func ParseSessionTTL(ttl string) (time.Duration, error) {
	if strings.TrimSpace(ttl) == "" {
		return DefaultSessionTTL, nil
	}
	dur, err := time.ParseDuration(strings.TrimSpace(ttl))
	if err != nil {
		return 0, fmt.Errorf("invalid sessionTTL duration: %w", err)
	}
	if dur <= 0 {
		return 0, errors.New("config: sessionTTL must be positive")
	}
	return dur, nil
}

// MinioEnabled reports whether manifest mirroring is configured.
func (c FileConfig) MinioEnabled() bool {
	return strings.TrimSpace(c.MinioEndpoint) != ""
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
