package tunnel

import (
	"context"
	"net"
	"sync"
	"time"

	ncerr "gorelay/internal/errors"
	"gorelay/internal/metrics"
	"gorelay/internal/retry"
	"gorelay/util"
)

// DefaultHealthInterval is how often the manager probes the gateway
// when the config does not say otherwise.
const DefaultHealthInterval = 10 * time.Second

// keepAliver is implemented by tunnels that can actively probe the
// remote end instead of only reporting local state.
type keepAliver interface {
	SendKeepAlive() error
}

// Manager owns a tunnel, checks it periodically and replaces it with a
// fresh connection when it dies.  It satisfies [Tunnel] itself, so
// dialers built on it keep working across reconnects.
type Manager struct {
	cfg      *SSHConfig
	logger   *util.Logger
	metrics  *metrics.Collector
	backoff  *retry.Backoff
	interval time.Duration

	// newTunnel builds an unconnected tunnel; replaced in tests.
	newTunnel func() Tunnel

	mu      sync.RWMutex
	current Tunnel
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewManager returns a Manager for the gateway described by cfg.
// Reconnection attempts follow b (nil uses [retry.DefaultBackoff]).
func NewManager(cfg *SSHConfig, b *retry.Backoff, m *metrics.Collector, logger *util.Logger) *Manager {
	if logger == nil {
		logger = util.Discard()
	}
	if b == nil {
		b = retry.DefaultBackoff()
	}
	interval := cfg.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	mgr := &Manager{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		backoff:  b,
		interval: interval,
	}
	mgr.newTunnel = func() Tunnel { return NewSSHTunnel(cfg, logger) }
	return mgr
}

// Connect is an alias for [Manager.Start] so the manager satisfies
// [Tunnel].
func (m *Manager) Connect(ctx context.Context) error { return m.Start(ctx) }

// Start connects the tunnel once and begins background health checks.
// The first connection is not retried; a bad gateway should fail fast.
func (m *Manager) Start(ctx context.Context) error {
	t := m.newTunnel()
	if err := t.Connect(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		cancel()
		t.Close()
		return ncerr.ErrTunnelClosed
	}
	m.current = t
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.logger.Info("tunnel to %s established", m.cfg.Addr())
	go m.healthLoop(loopCtx)
	return nil
}

// Dial forwards through whichever tunnel is current.
func (m *Manager) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	t, err := m.tunnel()
	if err != nil {
		return nil, err
	}
	return t.Dial(ctx, network, address)
}

// Listen binds on the gateway through the current tunnel.  The
// listener does not survive a reconnect.
func (m *Manager) Listen(network, address string) (net.Listener, error) {
	t, err := m.tunnel()
	if err != nil {
		return nil, err
	}
	return t.Listen(network, address)
}

// IsAlive reports whether the current tunnel is up.
func (m *Manager) IsAlive() bool {
	t, err := m.tunnel()
	return err == nil && t.IsAlive()
}

// Close stops health checks and shuts the tunnel down.
func (m *Manager) Close() error { return m.Stop() }

// Stop gracefully shuts down the tunnel.  Safe to call more than once.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	cancel, done, t := m.cancel, m.done, m.current
	m.current = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if t != nil {
		return t.Close()
	}
	return nil
}

func (m *Manager) tunnel() (Tunnel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopped || m.current == nil {
		return nil, ncerr.ErrTunnelClosed
	}
	return m.current, nil
}

func (m *Manager) healthLoop(ctx context.Context) {
	defer close(m.done)

	tick := time.NewTicker(m.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		t, err := m.tunnel()
		if err != nil {
			return
		}
		if m.healthy(t) {
			m.metrics.RecordHealthCheck()
			continue
		}

		m.logger.Warn("tunnel to %s lost, reconnecting", m.cfg.Addr())
		m.metrics.RecordError("tunnel lost")
		t.Close()
		if err := m.reconnect(ctx); err != nil {
			if ctx.Err() == nil {
				m.logger.Error("tunnel to %s: giving up: %v", m.cfg.Addr(), err)
			}
			return
		}
	}
}

func (m *Manager) healthy(t Tunnel) bool {
	if !t.IsAlive() {
		return false
	}
	if ka, ok := t.(keepAliver); ok {
		if err := ka.SendKeepAlive(); err != nil {
			m.logger.Debug("keepalive to %s failed: %v", m.cfg.Addr(), err)
			return false
		}
	}
	return true
}

func (m *Manager) reconnect(ctx context.Context) error {
	b := *m.backoff
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		m.logger.Verbose("reconnect attempt %d to %s failed: %v (next in %v)",
			attempt, m.cfg.Addr(), err, wait)
	}

	return b.Do(ctx, func(int) error {
		t := m.newTunnel()
		if err := t.Connect(ctx); err != nil {
			return err
		}

		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			t.Close()
			return retry.Permanent(ncerr.ErrTunnelClosed)
		}
		m.current = t
		m.mu.Unlock()

		m.metrics.TunnelReconnect()
		m.logger.Info("tunnel to %s re-established", m.cfg.Addr())
		return nil
	})
}
