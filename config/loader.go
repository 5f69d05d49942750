package config

// loader.go - configuration loading from the environment and .env files.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. .env file  (this file, never overrides the environment)
//   4. Defaults   (defaults.go)

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	ncerr "gorelay/internal/errors"
)

// EnvPrefix starts every supported environment variable.
const EnvPrefix = "GORELAY_"

// LoadEnvFile reads KEY=VALUE pairs from path into the process
// environment.  Variables that are already set keep their value.  A
// missing file is ignored unless required is true.
func LoadEnvFile(path string, required bool) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Boolean values accept "1", "true", "yes" (case-insensitive).
// Durations accept Go syntax ("1500ms") or plain seconds ("10").

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) error {
	if v := env("LISTEN"); v != "" {
		cfg.ListenAddress = v
	}
	if v := env("TARGET"); v != "" {
		host, port, err := ParseTarget(v)
		if err != nil {
			return &ncerr.ConfigError{Field: "target", Value: v, Message: err.Error(), Hint: "set " + EnvPrefix + "TARGET=host:port"}
		}
		cfg.TargetHost, cfg.TargetPort = host, port
	}
	if d, ok := envDuration("TIMEOUT"); ok {
		cfg.Timeout = d
	}
	if v, ok := envInt("RETRIES"); ok {
		cfg.Retries = v
	}
	if envBool("NO_DNS") {
		cfg.NoDNS = true
	}

	// Circuit breaker
	if v, ok := envInt("BREAKER_FAILURES"); ok {
		cfg.BreakerFailures = v
	}
	if d, ok := envDuration("BREAKER_RESET"); ok {
		cfg.BreakerReset = d
	}

	// SSH tunnel
	if v := env("TUNNEL"); v != "" {
		cfg.TunnelSpec = v
	}
	if v := env("SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("SSH_PASSWORD") {
		cfg.SSHPassword = true
	}
	if envBool("SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := env("KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}
	if d, ok := envDuration("KEEP_ALIVE"); ok {
		cfg.KeepAlive = d
	}
	if envBool("REMOTE_BIND") {
		cfg.RemoteBind = true
	}

	// Output
	if v := env("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v, ok := envInt("VERBOSE"); ok && v > 0 {
		cfg.Verbose = v
	}
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────

func env(key string) string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + key))
}

func envInt(key string) (int, bool) {
	v := env(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) bool {
	v := strings.ToLower(env(key))
	return v == "1" || v == "true" || v == "yes"
}

func envDuration(key string) (time.Duration, bool) {
	v := env(key)
	if v == "" {
		return 0, false
	}
	if sec, err := strconv.Atoi(v); err == nil {
		if sec <= 0 {
			return 0, false
		}
		return time.Duration(sec) * time.Second, true
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
