package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "")
	cfg, err := load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerAddr != ":8080" || cfg.MessageStore != StorePostgres || cfg.FanoutBackend != FanoutLocal {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Auth.UnlockTTL != 24*time.Hour || cfg.Auth.CredentialTTL != 7*24*time.Hour || cfg.Auth.MaxUnlockAttempts != 3 {
		t.Fatalf("auth defaults: %+v", cfg.Auth)
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api.yaml")
	yml := "server_addr: \":9000\"\nmessage_store: memory\nauth:\n  unlock_ttl: 2h\nscylla:\n  hosts: [a, b]\n"
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SERVER_ADDR", ":9100")
	t.Setenv("CREDENTIAL_TTL", "3600")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerAddr != ":9100" {
		t.Fatalf("env should win over yaml: %q", cfg.ServerAddr)
	}
	if cfg.MessageStore != StoreMemory || cfg.Auth.UnlockTTL != 2*time.Hour {
		t.Fatalf("yaml not applied: %+v", cfg)
	}
	if cfg.Auth.CredentialTTL != time.Hour {
		t.Fatalf("seconds not parsed: %s", cfg.Auth.CredentialTTL)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("brokers = %v", cfg.Kafka.Brokers)
	}
	if len(cfg.Scylla.Hosts) != 2 {
		t.Fatalf("hosts = %v", cfg.Scylla.Hosts)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		ok   bool
	}{
		{"unknown store", map[string]string{"MESSAGE_STORE": "mongo"}, false},
		{"redis fanout without url", map[string]string{"FANOUT_BACKEND": "redis"}, false},
		{"redis fanout", map[string]string{"FANOUT_BACKEND": "redis", "REDIS_URL": "redis://localhost:6379"}, true},
		{"node id range", map[string]string{"NODE_ID": "2048"}, false},
		{"production default secret", map[string]string{"APP_ENV": "production"}, false},
		{"production configured", map[string]string{
			"APP_ENV":              "production",
			"JWT_SECRET":           "0123456789abcdef0123456789abcdef",
			"UNLOCK_PASSCODE_HASH": "$2a$10$abcdefghijklmnopqrstuv",
			"DATABASE_URL":         "postgres://app:pw@db:5432/blinders",
			"CORS_ALLOWED_ORIGINS": "https://chat.example.com",
		}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := load("")
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
