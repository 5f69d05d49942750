// Package config defines the runtime configuration for gorelay and
// provides helpers for parsing relay targets and tunnel specifications.
package config

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	ncerr "gorelay/internal/errors"
	"gorelay/util"
)

// Config holds every tuneable for a single gorelay run.
type Config struct {
	// ── Relay ────────────────────────────────────────────────────────
	ListenAddress string // -l: local address the proxy binds
	TargetHost    string // every inbound connection is linked here
	TargetPort    int
	Timeout       time.Duration // outbound connect timeout
	Retries       int           // extra connect attempts for retryable failures
	NoDNS         bool

	// ── Circuit breaker ──────────────────────────────────────────────
	BreakerFailures int // 0 disables the breaker
	BreakerReset    time.Duration

	// ── SSH tunnel ───────────────────────────────────────────────────
	TunnelSpec     string // raw user@host[:port] from -T
	TunnelEnabled  bool
	TunnelUser     string
	TunnelHost     string
	TunnelPort     int
	SSHKeyPath     string
	SSHPassword    bool // true → prompt interactively
	UseSSHAgent    bool
	StrictHostKey  bool
	KnownHostsPath string
	KeepAlive      time.Duration
	RemoteBind     bool // listen on the SSH gateway instead of locally

	// ── Observability ────────────────────────────────────────────────
	MetricsAddr string

	// ── Run control ──────────────────────────────────────────────────
	EnvFile string
	DryRun  bool
	Verbose int
}

// Defaults returns a Config populated from defaults.go.
func Defaults() *Config {
	return &Config{
		ListenAddress:   util.FormatAddr(DefaultLocalAddress, DefaultListenPort),
		Timeout:         DefaultConnTimeout,
		Retries:         DefaultRetries,
		BreakerFailures: DefaultBreakerFailures,
		BreakerReset:    DefaultBreakerReset,
		KeepAlive:       DefaultKeepAliveInterval,
		EnvFile:         DefaultEnvFile,
	}
}

// Target returns the relay target as host:port.
func (c *Config) Target() string {
	return util.FormatAddr(c.TargetHost, c.TargetPort)
}

// ── Address parsing ──────────────────────────────────────────────────

// ParseTarget splits "host:port" into its parts.  The port must be in
// 1-65535.
func ParseTarget(s string) (host string, port int, err error) {
	host, port, err = util.SplitAddr(s)
	if err != nil {
		return "", 0, err
	}
	if host == "" {
		return "", 0, fmt.Errorf("target %q: host is required", s)
	}
	if port == 0 {
		return "", 0, fmt.Errorf("target %q: port must be 1-65535", s)
	}
	return host, port, nil
}

// ParsePort accepts a decimal port in 1-65535.
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range 1-65535", port)
	}
	return port, nil
}

// NormalizeListen turns "9000", ":9000" or "host:9000" into host:port,
// filling in DefaultLocalAddress when the host is omitted.  Port 0 asks
// for an ephemeral port.
func NormalizeListen(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("listen address is empty")
	}
	if !strings.Contains(s, ":") {
		s = ":" + s
	}
	host, port, err := util.SplitAddr(s)
	if err != nil {
		return "", err
	}
	if host == "" {
		host = DefaultLocalAddress
	}
	return util.FormatAddr(host, port), nil
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:@]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	return user, host, port, nil
}

// ApplyTunnelSpec parses TunnelSpec, when set, into the Tunnel* fields.
func (c *Config) ApplyTunnelSpec() error {
	if c.TunnelSpec == "" {
		return nil
	}
	user, host, port, err := ParseTunnelSpec(c.TunnelSpec)
	if err != nil {
		return &ncerr.ConfigError{
			Field:   "tunnel",
			Value:   c.TunnelSpec,
			Message: err.Error(),
			Hint:    "use -T user@bastion.example.com:22",
		}
	}
	c.TunnelEnabled = true
	c.TunnelUser = user
	c.TunnelHost = host
	c.TunnelPort = port
	return nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
// Failures are returned as *ncerr.ConfigError.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return &ncerr.ConfigError{
			Field:   "listen",
			Message: "a listen address is required",
			Hint:    "use -l 127.0.0.1:9000",
		}
	}
	if _, _, err := util.SplitAddr(c.ListenAddress); err != nil {
		return &ncerr.ConfigError{Field: "listen", Value: c.ListenAddress, Message: err.Error()}
	}

	if c.TargetHost == "" {
		return &ncerr.ConfigError{
			Field:   "target",
			Message: "a target host and port are required",
			Hint:    "gorelay -l :9000 example.com 80",
		}
	}
	if c.TargetPort < 1 || c.TargetPort > 65535 {
		return &ncerr.ConfigError{Field: "target", Value: c.TargetPort, Message: "port must be 1-65535"}
	}
	if c.NoDNS && net.ParseIP(c.TargetHost) == nil {
		return &ncerr.ConfigError{
			Field:   "no-dns",
			Value:   c.TargetHost,
			Message: "target is not an IP address and DNS is disabled",
		}
	}

	if c.Timeout <= 0 {
		return &ncerr.ConfigError{Field: "timeout", Value: c.Timeout, Message: "must be positive"}
	}
	if c.Retries < 0 {
		return &ncerr.ConfigError{Field: "retries", Value: c.Retries, Message: "must not be negative"}
	}
	if c.BreakerFailures < 0 {
		return &ncerr.ConfigError{
			Field:   "breaker-failures",
			Value:   c.BreakerFailures,
			Message: "must not be negative",
			Hint:    "0 disables the circuit breaker",
		}
	}
	if c.BreakerFailures > 0 && c.BreakerReset <= 0 {
		return &ncerr.ConfigError{Field: "breaker-reset", Value: c.BreakerReset, Message: "must be positive"}
	}

	if c.TunnelEnabled && c.TunnelHost == "" {
		return &ncerr.ConfigError{Field: "tunnel", Message: "tunnel host is required"}
	}
	if c.RemoteBind && !c.TunnelEnabled {
		return &ncerr.ConfigError{
			Field:   "remote-bind",
			Message: "binding on the gateway needs an SSH tunnel",
			Hint:    "add -T user@gateway",
		}
	}
	if !c.TunnelEnabled && (c.SSHKeyPath != "" || c.SSHPassword || c.UseSSHAgent) {
		return &ncerr.ConfigError{
			Field:   "tunnel",
			Message: "SSH authentication options given without a tunnel",
			Hint:    "add -T user@gateway or drop the --ssh-* flags",
		}
	}

	if c.MetricsAddr != "" {
		if _, _, err := util.SplitAddr(c.MetricsAddr); err != nil {
			return &ncerr.ConfigError{Field: "metrics-addr", Value: c.MetricsAddr, Message: err.Error()}
		}
	}
	return nil
}
