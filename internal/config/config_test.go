package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Nemo.ServerURL != "http://localhost:8989" {
		t.Fatalf("expected default nemo server url, got %q", cfg.Nemo.ServerURL)
	}
	if cfg.STT.Mode != "nemo" {
		t.Fatalf("expected default stt mode nemo, got %q", cfg.STT.Mode)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PARAKEET_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("PARAKEET_BUS_USERNAME", "alice")
	t.Setenv("PARAKEET_BUS_PASSWORD", "secret")
	t.Setenv("PARAKEET_NEMO_SERVER_URL", "https://asr.example.com:8989")
	t.Setenv("PARAKEET_NEMO_MODEL", "parakeet")
	t.Setenv("PARAKEET_NEMO_REQUEST_TIMEOUT_MS", "2500")
	t.Setenv("PARAKEET_STT_PARTIAL_EVERY_MS", "400")
	t.Setenv("PARAKEET_HISTORY_RETENTION_MODE", "persistent")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Nemo.ServerURL != "https://asr.example.com:8989" {
		t.Fatalf("expected nemo server url override, got %q", cfg.Nemo.ServerURL)
	}
	if cfg.Nemo.Model != "parakeet" {
		t.Fatalf("expected nemo model override, got %q", cfg.Nemo.Model)
	}
	if cfg.Nemo.RequestTimeoutMS != 2500 {
		t.Fatalf("expected request timeout 2500, got %d", cfg.Nemo.RequestTimeoutMS)
	}
	if cfg.STT.PartialEveryMS != 400 {
		t.Fatalf("expected partial interval override, got %d", cfg.STT.PartialEveryMS)
	}
	if cfg.History.RetentionMode != "persistent" {
		t.Fatalf("expected history retention mode override")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	body := []byte("nemo:\n  server_url: http://10.0.0.5:8989\n  model: parakeet\nstt:\n  mode: nemo\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Nemo.ServerURL != "http://10.0.0.5:8989" {
		t.Fatalf("expected file server url, got %q", cfg.Nemo.ServerURL)
	}
}

func TestValidateServerURL(t *testing.T) {
	cases := []struct {
		name string
		url  string
		ok   bool
	}{
		{"valid http", "http://localhost:8989", true},
		{"valid https", "https://asr.example.com", true},
		{"empty", "", false},
		{"whitespace", "   ", false},
		{"no scheme", "localhost:8989", false},
		{"bad scheme", "ftp://host", false},
		{"no host", "http://", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Nemo.ServerURL = tc.url
			_, err := loadWith(cfg)
			if tc.ok && err != nil {
				t.Fatalf("expected %q to validate, got %v", tc.url, err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected %q to be rejected", tc.url)
			}
		})
	}
}

func loadWith(cfg Config) (Config, error) {
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
