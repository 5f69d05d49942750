package transport

import (
	"context"
	"net"
	"time"

	ncerr "gorelay/internal/errors"
)

// DefaultKeepAlive is the TCP keepalive period applied to both dialed
// and accepted connections when none is configured.
const DefaultKeepAlive = 30 * time.Second

// TCPDialer establishes plain TCP connections.
type TCPDialer struct {
	// Timeout bounds the dial on top of any context deadline (0 = none).
	Timeout   time.Duration
	KeepAlive time.Duration
}

// Dial connects to address over TCP.
func (d *TCPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout, KeepAlive: keepAlive(d.KeepAlive)}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, ncerr.Wrap("dial", address, err)
	}
	return conn, nil
}

// Close is a no-op for stateless TCP dialers.
func (d *TCPDialer) Close() error { return nil }

// TCPBinder listens on a local TCP address.
type TCPBinder struct {
	KeepAlive time.Duration
}

// Bind starts a TCP listener on address.
func (b *TCPBinder) Bind(ctx context.Context, network, address string) (net.Listener, error) {
	lc := net.ListenConfig{KeepAlive: keepAlive(b.KeepAlive)}
	ln, err := lc.Listen(ctx, network, address)
	if err != nil {
		return nil, ncerr.Wrap("listen", address, err)
	}
	return ln, nil
}

// Close is a no-op; each listener is closed by its owner.
func (b *TCPBinder) Close() error { return nil }

func keepAlive(d time.Duration) time.Duration {
	if d == 0 {
		return DefaultKeepAlive
	}
	return d
}
