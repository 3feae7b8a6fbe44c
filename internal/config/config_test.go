package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	t.Setenv("DAILYSYNC_TEST_API_KEY", "secret-key")

	yamlContent := `
database:
  path: "test.db"
remote:
  base_url: "https://example.supabase.co"
  api_key: "${DAILYSYNC_TEST_API_KEY}"
sync:
  interval: 45s
  retry_ceiling: 5
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Remote.APIKey != "secret-key" {
		t.Errorf("expected env-expanded api key, got %q", cfg.Remote.APIKey)
	}
	if cfg.Sync.Interval != 45*time.Second {
		t.Errorf("expected sync interval 45s, got %s", cfg.Sync.Interval)
	}
	if cfg.Sync.RetryCeiling != 5 {
		t.Errorf("expected retry ceiling 5, got %d", cfg.Sync.RetryCeiling)
	}
	if cfg.Connectivity.ProbeURL != "https://example.supabase.co/rest/v1/" {
		t.Errorf("unexpected probe url %q", cfg.Connectivity.ProbeURL)
	}
	if cfg.Sync.DeadLetter != DeadLetterSQLite {
		t.Errorf("expected sqlite dead letters by default, got %q", cfg.Sync.DeadLetter)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestValidateConfig(t *testing.T) {
	valid := func() Config {
		cfg := Config{
			Database: DatabaseConfig{Path: "local.db"},
			Remote:   RemoteConfig{BaseURL: "http://remote"},
		}
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "sqlite without path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: true},
		{name: "redis without address", mutate: func(c *Config) { c.Storage.Driver = StorageRedis; c.Sync.DeadLetter = DeadLetterNone }, wantErr: true},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Driver = "etcd" }, wantErr: true},
		{name: "http without base url", mutate: func(c *Config) { c.Remote.BaseURL = "" }, wantErr: true},
		{name: "memory remote", mutate: func(c *Config) { c.Remote.Mode = RemoteMemory; c.Remote.BaseURL = "" }},
		{name: "unknown dead letter", mutate: func(c *Config) { c.Sync.DeadLetter = "kafka" }, wantErr: true},
		{name: "zero ceiling", mutate: func(c *Config) { c.Sync.RetryCeiling = -1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	if cfg.Storage.Driver != StorageSQLite {
		t.Errorf("expected default storage sqlite, got %s", cfg.Storage.Driver)
	}
	if cfg.Connectivity.ProbeTimeout != 3*time.Second {
		t.Errorf("expected default probe timeout 3s, got %s", cfg.Connectivity.ProbeTimeout)
	}
	if cfg.Sync.RetryCeiling != 3 {
		t.Errorf("expected default retry ceiling 3, got %d", cfg.Sync.RetryCeiling)
	}
	if cfg.Sync.MaxConcurrent != 1 {
		t.Errorf("expected default max concurrent 1, got %d", cfg.Sync.MaxConcurrent)
	}
	if cfg.API.GRPC.Port != 8081 {
		t.Errorf("expected default gRPC port 8081, got %d", cfg.API.GRPC.Port)
	}

	memory := &Config{Storage: StorageConfig{Driver: "Memory"}}
	memory.applyDefaults()
	if memory.Sync.DeadLetter != DeadLetterNone {
		t.Errorf("expected no dead letters for memory storage, got %s", memory.Sync.DeadLetter)
	}
}
