package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
port: "8080"
saveDir: "/srv/mozhi"
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BatchSize != DefaultBatchSize {
		t.Fatalf("batchSize = %d, want %d", cfg.BatchSize, DefaultBatchSize)
	}
	if cfg.PageSize != DefaultPageSize {
		t.Fatalf("pageSize = %d, want %d", cfg.PageSize, DefaultPageSize)
	}
	if cfg.StatConcurrency != DefaultStatConcurrency {
		t.Fatalf("statConcurrency = %d, want %d", cfg.StatConcurrency, DefaultStatConcurrency)
	}
	if cfg.DefaultSampleRate != 44100 {
		t.Fatalf("defaultSampleRate = %d, want 44100", cfg.DefaultSampleRate)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("logLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.MinioEnabled() {
		t.Fatalf("minio should be disabled by default")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MOZHI_BATCH_SIZE", "2")
	t.Setenv("MOZHI_IMPORT_STRICT", "true")
	t.Setenv("MOZHI_SAVE_DIR", "/data/override")
	t.Setenv("DATABASE_URL", "postgres://env")
	t.Setenv("MOZHI_TRUSTED_PROXY_CIDRS", "10.0.0.0/8, 127.0.0.1")
	t.Setenv("MOZHI_SESSION_TTL", "90m")

	cfg, err := Load(writeConfig(t, `
port: "8080"
saveDir: "/srv/mozhi"
batchSize: 50
databaseURL: "postgres://file"
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BatchSize != 2 {
		t.Fatalf("batchSize = %d, want 2", cfg.BatchSize)
	}
	if !cfg.ImportStrict {
		t.Fatalf("importStrict = false, want true")
	}
	if cfg.SaveDir != "/data/override" {
		t.Fatalf("saveDir = %q", cfg.SaveDir)
	}
	if cfg.DatabaseURL != "postgres://env" {
		t.Fatalf("databaseURL = %q", cfg.DatabaseURL)
	}
	if len(cfg.TrustedProxyCIDRs) != 2 || cfg.TrustedProxyCIDRs[1] != "127.0.0.1" {
		t.Fatalf("trustedProxyCidrs = %v", cfg.TrustedProxyCIDRs)
	}
	ttl, err := ParseSessionTTL(cfg.SessionTTL)
	if err != nil || ttl != 90*time.Minute {
		t.Fatalf("sessionTTL = %v err=%v", ttl, err)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"port":        "saveDir: /x\n",
		"saveDir":     "port: \"1\"\n",
		"batchSize":   "port: \"1\"\nsaveDir: /x\nbatchSize: -1\n",
		"sample rate": "port: \"1\"\nsaveDir: /x\ndefaultSampleRate: 12345\n",
		"superuser":   "port: \"1\"\nsaveDir: /x\nsuperuserEmail: a@b\n",
		"sessionTTL":  "port: \"1\"\nsaveDir: /x\nsessionTTL: soon\n",
		"minio":       "port: \"1\"\nsaveDir: /x\nminioEndpoint: localhost:9000\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Fatalf("expected %s to be rejected", name)
			}
		})
	}
}

func TestResolvePathPrefersEnv(t *testing.T) {
	t.Setenv("MOZHI_CONFIG", "/etc/mozhi.yaml")
	if got := ResolvePath(); got != "/etc/mozhi.yaml" {
		t.Fatalf("ResolvePath = %q", got)
	}
	t.Setenv("MOZHI_CONFIG", "")
	if got := ResolvePath(); got != ConfigPath {
		t.Fatalf("ResolvePath = %q, want %q", got, ConfigPath)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("expected read error, got %v", err)
	}
}
