// Package cmd wires up the CLI flags and dispatches to the relay core.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"gorelay/config"
	"gorelay/internal/core"
	ncerr "gorelay/internal/errors"
	"gorelay/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X gorelay/cmd.version=1.1.0"
var version = "1.0.0" //nolint:gochecknoglobals

// stdout receives --version and --dry-run output.
var stdout io.Writer = os.Stdout //nolint:gochecknoglobals

// Execute parses args and runs the relay until ctx is cancelled.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage(newFlagSet(config.Defaults(), new(int), new(bool), new(bool)))
		return nil
	}

	// ── environment ──────────────────────────────────────────────
	envFile, explicit := envFileFrom(args)
	if err := config.LoadEnvFile(envFile, explicit); err != nil {
		return err
	}
	cfg := config.Defaults()
	cfg.EnvFile = envFile
	if err := config.LoadFromEnv(cfg); err != nil {
		return err
	}
	envVerbose := cfg.Verbose

	// ── flags ────────────────────────────────────────────────────
	timeoutSec := int(cfg.Timeout / time.Second)
	var showVersion, showHelp bool
	fs := newFlagSet(cfg, &timeoutSec, &showVersion, &showHelp)

	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "gorelay %s\n", version)
		return nil
	}

	if fs.Changed("timeout") {
		cfg.Timeout = time.Duration(timeoutSec) * time.Second
	}
	if !fs.Changed("verbose") {
		cfg.Verbose = envVerbose
	}

	// ── positional arguments ─────────────────────────────────────
	if err := parsePositional(cfg, fs.Args()); err != nil {
		return err
	}

	listen, err := config.NormalizeListen(cfg.ListenAddress)
	if err != nil {
		return &ncerr.ConfigError{Field: "listen", Value: cfg.ListenAddress, Message: err.Error()}
	}
	cfg.ListenAddress = listen

	if err := cfg.ApplyTunnelSpec(); err != nil {
		return err
	}

	// ── build ────────────────────────────────────────────────────
	logger := util.NewLogger(cfg.Verbose)
	mode, err := core.Build(cfg, logger)
	if err != nil {
		return err
	}

	if cfg.DryRun {
		fmt.Fprintln(stdout, mode.String())
		return nil
	}
	return mode.Run(ctx)
}

// ── helpers ──────────────────────────────────────────────────────────

func newFlagSet(cfg *config.Config, timeoutSec *int, showVersion, showHelp *bool) *flag.FlagSet {
	fs := flag.NewFlagSet("gorelay", flag.ContinueOnError)

	// ── relay ────────────────────────────────────────────────────
	fs.StringVarP(&cfg.ListenAddress, "listen", "l", cfg.ListenAddress, "Local address to accept on ([host:]port)")
	fs.IntVarP(timeoutSec, "timeout", "w", *timeoutSec, "Outbound connect timeout in seconds")
	fs.IntVar(&cfg.Retries, "retries", cfg.Retries, "Extra connect attempts for retryable failures")
	fs.BoolVarP(&cfg.NoDNS, "no-dns", "n", cfg.NoDNS, "Numeric-only target, no DNS resolution")
	fs.IntVar(&cfg.BreakerFailures, "breaker-failures", cfg.BreakerFailures, "Failed connects before a target's circuit opens (0 disables)")
	fs.DurationVar(&cfg.BreakerReset, "breaker-reset", cfg.BreakerReset, "How long an open circuit rejects connects")

	// ── SSH tunnel ───────────────────────────────────────────────
	fs.StringVarP(&cfg.TunnelSpec, "tunnel", "T", cfg.TunnelSpec, "Dial through SSH gateway [user@]host[:port]")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")
	fs.DurationVar(&cfg.KeepAlive, "keep-alive", cfg.KeepAlive, "SSH tunnel health probe interval")
	fs.BoolVar(&cfg.RemoteBind, "remote-bind", cfg.RemoteBind, "Listen on the SSH gateway instead of locally")

	// ── output ───────────────────────────────────────────────────
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve Prometheus metrics on host:port")
	fs.StringVar(&cfg.EnvFile, "env-file", cfg.EnvFile, "Read GORELAY_* settings from this file")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Validate and print the plan, then exit")
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")

	fs.BoolVar(showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }
	return fs
}

// envFileFrom picks --env-file out of args before the real parse, so
// the file can feed defaults that the remaining flags then override.
func envFileFrom(args []string) (path string, explicit bool) {
	fs := flag.NewFlagSet("gorelay-env", flag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}
	fs.StringVar(&path, "env-file", config.DefaultEnvFile, "")
	fs.Parse(args) //nolint:errcheck // the real parse reports errors
	return path, fs.Changed("env-file")
}

func parsePositional(cfg *config.Config, remaining []string) error {
	switch len(remaining) {
	case 0: // target from the environment
		return nil
	case 1:
		host, port, err := config.ParseTarget(remaining[0])
		if err != nil {
			return &ncerr.ConfigError{Field: "target", Value: remaining[0], Message: err.Error(), Hint: "pass HOST PORT or HOST:PORT"}
		}
		cfg.TargetHost, cfg.TargetPort = host, port
	case 2:
		port, err := config.ParsePort(remaining[1])
		if err != nil {
			return &ncerr.ConfigError{Field: "target", Value: remaining[1], Message: err.Error()}
		}
		cfg.TargetHost, cfg.TargetPort = remaining[0], port
	default:
		return fmt.Errorf("too many arguments: expected HOST PORT")
	}
	return nil
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `gorelay – TCP relay proxy v%s

Accepts connections locally and relays each one to a target, optionally
through an SSH gateway.

Usage:
  gorelay [options] <host> <port>
  gorelay [options] <host:port>

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Environment:
  Every option can be set as GORELAY_<NAME> (GORELAY_LISTEN,
  GORELAY_TARGET=host:port, GORELAY_TUNNEL, ...), directly or in .env.

Examples:
  gorelay -l 9000 example.com 80                      Relay :9000 to example.com
  gorelay -l 0.0.0.0:5432 -T ops@bastion db 5432      Reach db through a bastion
  gorelay -T ops@gw --remote-bind -l 8080 localhost 80  Expose a local service on gw
  gorelay --metrics-addr :9100 -vv cache:6379         Relay with Prometheus metrics
`)
}
