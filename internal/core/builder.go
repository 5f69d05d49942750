package core

import (
	"io"

	"gorelay/config"
	"gorelay/internal/metrics"
	"gorelay/internal/retry"
	"gorelay/internal/transport"
	"gorelay/relay"
	"gorelay/tunnel"
	"gorelay/util"
)

// Build constructs the relay mode described by cfg.  Nothing touches
// the network until Run.
func Build(cfg *config.Config, logger *util.Logger) (Mode, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = util.Discard()
	}

	m := metrics.New()
	dialer, binder, closers := buildTransport(cfg, m, logger)

	proxy := relay.New(relay.Config{
		Dialer:         dialer,
		Binder:         binder,
		ConnectTimeout: cfg.Timeout,
		Metrics:        m,
		Logger:         logger,
	})

	return &RelayMode{
		Proxy:       proxy,
		Listen:      cfg.ListenAddress,
		TargetHost:  cfg.TargetHost,
		TargetPort:  cfg.TargetPort,
		Options:     relay.Options{Timeout: cfg.Timeout, Retries: cfg.Retries},
		MetricsAddr: cfg.MetricsAddr,
		Metrics:     m,
		Dialer:      dialer,
		Binder:      binder,
		Closers:     closers,
		Via:         via(cfg),
		Logger:      logger,
	}, nil
}

// ── transport selection ──────────────────────────────────────────────

// buildTransport picks the dialer and binder for cfg.  Outbound dials
// go through the SSH gateway when a tunnel is configured; the listener
// moves there too with --remote-bind.  A circuit breaker wraps the
// dialer unless disabled.
func buildTransport(cfg *config.Config, m *metrics.Collector, logger *util.Logger) (transport.Dialer, transport.Binder, []io.Closer) {
	var (
		dialer  transport.Dialer = &transport.TCPDialer{Timeout: cfg.Timeout}
		binder  transport.Binder = &transport.TCPBinder{}
		closers []io.Closer
	)

	if cfg.TunnelEnabled {
		mgr := tunnel.NewManager(sshConfig(cfg), retry.DefaultBackoff(), m, logger.Named("tunnel"))
		ssh := transport.NewSSH(mgr, logger.Named("ssh"))
		dialer = ssh
		if cfg.RemoteBind {
			binder = ssh
		}
		closers = append(closers, ssh)
	}

	if cfg.BreakerFailures > 0 {
		dialer = transport.NewBreakerDialer(dialer, &retry.CircuitBreakerConfig{
			MaxFailures:  cfg.BreakerFailures,
			ResetTimeout: cfg.BreakerReset,
		}, logger.Named("breaker"))
	}
	return dialer, binder, closers
}

func sshConfig(cfg *config.Config) *tunnel.SSHConfig {
	return &tunnel.SSHConfig{
		User:              cfg.TunnelUser,
		Host:              cfg.TunnelHost,
		Port:              cfg.TunnelPort,
		KeyPath:           cfg.SSHKeyPath,
		PromptPass:        cfg.SSHPassword,
		UseAgent:          cfg.UseSSHAgent,
		StrictHostKey:     cfg.StrictHostKey,
		KnownHosts:        cfg.KnownHostsPath,
		ConnTimeout:       cfg.Timeout,
		KeepAliveInterval: cfg.KeepAlive,
	}
}

func via(cfg *config.Config) string {
	if !cfg.TunnelEnabled {
		return ""
	}
	gw := util.FormatAddr(cfg.TunnelHost, cfg.TunnelPort)
	if cfg.TunnelUser != "" {
		gw = cfg.TunnelUser + "@" + gw
	}
	return gw
}
