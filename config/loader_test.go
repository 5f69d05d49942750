package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	ncerr "gorelay/internal/errors"
)

func TestLoadFromEnv_Relay(t *testing.T) {
	t.Setenv("GORELAY_LISTEN", "0.0.0.0:7000")
	t.Setenv("GORELAY_TARGET", "db.internal:5432")
	t.Setenv("GORELAY_RETRIES", "4")

	cfg := Defaults()
	if err := LoadFromEnv(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddress != "0.0.0.0:7000" {
		t.Errorf("ListenAddress = %q", cfg.ListenAddress)
	}
	if cfg.TargetHost != "db.internal" || cfg.TargetPort != 5432 {
		t.Errorf("target = %s:%d", cfg.TargetHost, cfg.TargetPort)
	}
	if cfg.Retries != 4 {
		t.Errorf("Retries = %d", cfg.Retries)
	}
}

func TestLoadFromEnv_BadTarget(t *testing.T) {
	t.Setenv("GORELAY_TARGET", "no-port")

	err := LoadFromEnv(Defaults())
	var ce *ncerr.ConfigError
	if !errors.As(err, &ce) || ce.Field != "target" {
		t.Fatalf("err = %v, want ConfigError for target", err)
	}
}

func TestLoadFromEnv_Durations(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"10", 10 * time.Second},
		{"1500ms", 1500 * time.Millisecond},
		{"2m", 2 * time.Minute},
		{"0", DefaultConnTimeout},
		{"-3s", DefaultConnTimeout},
		{"soon", DefaultConnTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("GORELAY_TIMEOUT", tt.value)
			cfg := Defaults()
			if err := LoadFromEnv(cfg); err != nil {
				t.Fatal(err)
			}
			if cfg.Timeout != tt.want {
				t.Errorf("Timeout = %v, want %v", cfg.Timeout, tt.want)
			}
		})
	}
}

func TestLoadFromEnv_Booleans(t *testing.T) {
	tests := []struct {
		key    string
		values []string
		get    func(*Config) bool
	}{
		{"GORELAY_NO_DNS", []string{"1", "true", "yes", "TRUE", "Yes"}, func(c *Config) bool { return c.NoDNS }},
		{"GORELAY_SSH_PASSWORD", []string{"1", "true"}, func(c *Config) bool { return c.SSHPassword }},
		{"GORELAY_SSH_AGENT", []string{"true"}, func(c *Config) bool { return c.UseSSHAgent }},
		{"GORELAY_STRICT_HOSTKEY", []string{"yes"}, func(c *Config) bool { return c.StrictHostKey }},
		{"GORELAY_REMOTE_BIND", []string{"1"}, func(c *Config) bool { return c.RemoteBind }},
	}

	for _, tt := range tests {
		for _, v := range tt.values {
			t.Run(tt.key+"="+v, func(t *testing.T) {
				t.Setenv(tt.key, v)
				cfg := &Config{}
				if err := LoadFromEnv(cfg); err != nil {
					t.Fatal(err)
				}
				if !tt.get(cfg) {
					t.Errorf("%s=%s did not set the field", tt.key, v)
				}
			})
		}
	}
}

func TestLoadFromEnv_SSHFields(t *testing.T) {
	t.Setenv("GORELAY_TUNNEL", "admin@bastion:2222")
	t.Setenv("GORELAY_SSH_KEY", "/home/user/.ssh/id_ed25519")
	t.Setenv("GORELAY_KNOWN_HOSTS", "/etc/ssh/known_hosts")
	t.Setenv("GORELAY_KEEP_ALIVE", "15")

	cfg := &Config{}
	if err := LoadFromEnv(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.TunnelSpec != "admin@bastion:2222" {
		t.Errorf("TunnelSpec = %q", cfg.TunnelSpec)
	}
	if cfg.SSHKeyPath != "/home/user/.ssh/id_ed25519" {
		t.Errorf("SSHKeyPath = %q", cfg.SSHKeyPath)
	}
	if cfg.KnownHostsPath != "/etc/ssh/known_hosts" {
		t.Errorf("KnownHostsPath = %q", cfg.KnownHostsPath)
	}
	if cfg.KeepAlive != 15*time.Second {
		t.Errorf("KeepAlive = %v", cfg.KeepAlive)
	}
}

func TestLoadFromEnv_EmptyDoesNotOverride(t *testing.T) {
	t.Setenv("GORELAY_LISTEN", "")
	t.Setenv("GORELAY_RETRIES", "lots")

	cfg := Defaults()
	if err := LoadFromEnv(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddress != Defaults().ListenAddress {
		t.Errorf("ListenAddress = %q", cfg.ListenAddress)
	}
	if cfg.Retries != DefaultRetries {
		t.Errorf("Retries = %d, want default", cfg.Retries)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "GORELAY_TARGET=cache.internal:6379\nGORELAY_METRICS_ADDR=127.0.0.1:9100\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	// Already-set variables win over the file.
	t.Setenv("GORELAY_METRICS_ADDR", "127.0.0.1:9200")
	// Registers cleanup so the value loaded from the file is unset again.
	t.Setenv("GORELAY_TARGET", "")
	os.Unsetenv("GORELAY_TARGET")

	if err := LoadEnvFile(path, true); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}

	cfg := Defaults()
	if err := LoadFromEnv(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Target() != "cache.internal:6379" {
		t.Errorf("target = %q", cfg.Target())
	}
	if cfg.MetricsAddr != "127.0.0.1:9200" {
		t.Errorf("MetricsAddr = %q, environment should win", cfg.MetricsAddr)
	}
}

func TestLoadEnvFile_Missing(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.env")

	if err := LoadEnvFile(missing, false); err != nil {
		t.Errorf("optional missing file: %v", err)
	}
	if err := LoadEnvFile(missing, true); err == nil {
		t.Error("required missing file should fail")
	}
	if err := LoadEnvFile("", true); err != nil {
		t.Errorf("empty path: %v", err)
	}
}
