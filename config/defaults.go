package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, .env files, and environment variable loading.

const (
	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultLocalAddress is the address the proxy binds when only a
	// port is given.
	DefaultLocalAddress = "127.0.0.1"

	// DefaultListenPort is used when no listen address is configured.
	DefaultListenPort = 9000

	// DefaultConnTimeout bounds each outbound connect attempt.
	DefaultConnTimeout = 5 * time.Second

	// DefaultRetries is the number of extra connect attempts made for
	// retryable failures.
	DefaultRetries = 2

	// DefaultBreakerFailures is how many consecutive failed connects to
	// one target open its circuit.
	DefaultBreakerFailures = 5

	// DefaultBreakerReset is how long an open circuit rejects connects
	// before letting a trial dial through.
	DefaultBreakerReset = 30 * time.Second

	// DefaultKeepAliveInterval is how often the SSH tunnel is probed.
	DefaultKeepAliveInterval = 30 * time.Second

	// DefaultEnvFile is read when present; a missing default file is
	// not an error.
	DefaultEnvFile = ".env"

	// DefaultMetricsNamespace prefixes every exported Prometheus metric.
	DefaultMetricsNamespace = "gorelay"

	// DefaultGracePeriod is how long the metrics server gets to drain.
	DefaultGracePeriod = 5 * time.Second
)
