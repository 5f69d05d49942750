package transport

import (
	"context"
	"net"

	"gorelay/internal/retry"
	"gorelay/util"
)

// BreakerDialer guards another Dialer with one circuit breaker per
// target address.  Once a target fails often enough, dials to it are
// rejected with ErrCircuitOpen until the reset timeout passes.
type BreakerDialer struct {
	next     Dialer
	breakers *retry.Breakers
	logger   *util.Logger
}

// NewBreakerDialer wraps next.  A nil cfg uses the retry package
// defaults.  Without an OnStateChange hook, transitions are logged.
func NewBreakerDialer(next Dialer, cfg *retry.CircuitBreakerConfig, logger *util.Logger) *BreakerDialer {
	if logger == nil {
		logger = util.Discard()
	}
	if cfg == nil {
		cfg = retry.DefaultCircuitBreakerConfig()
	}
	c := *cfg
	if c.OnStateChange == nil {
		c.OnStateChange = func(target string, from, to retry.State) {
			logger.Info("circuit for %s %s -> %s", target, from, to)
		}
	}
	return &BreakerDialer{next: next, breakers: retry.NewBreakers(&c), logger: logger}
}

// Dial forwards to the wrapped dialer unless address's circuit is open.
// Cancellation by the caller is not counted against the target.
func (d *BreakerDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	b := d.breakers.For(address)
	if err := b.Allow(); err != nil {
		d.logger.Verbose("dial %s rejected: %v", address, err)
		return nil, err
	}
	conn, err := d.next.Dial(ctx, network, address)
	b.Record(err)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// State reports the breaker state for address.
func (d *BreakerDialer) State(address string) retry.State {
	return d.breakers.For(address).State()
}

// Open lists the targets whose circuit is open.
func (d *BreakerDialer) Open() []string { return d.breakers.Open() }

// Close closes the wrapped dialer.
func (d *BreakerDialer) Close() error { return d.next.Close() }
