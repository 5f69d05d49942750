package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"gorelay/tunnel"
	"gorelay/util"
)

// SSH routes connections through an SSH gateway.  It is both a
// [Dialer] (outbound targets are reached from the gateway) and a
// [Binder] (the listening port lives on the gateway, like ssh -R).
// The tunnel is connected lazily on first use and torn down on Close.
type SSH struct {
	tunnel    tunnel.Tunnel
	logger    *util.Logger
	mu        sync.Mutex
	connected bool
}

// NewSSH wraps t, typically a [tunnel.Manager] so that the dialer
// survives gateway reconnects.
func NewSSH(t tunnel.Tunnel, logger *util.Logger) *SSH {
	if logger == nil {
		logger = util.Discard()
	}
	return &SSH{tunnel: t, logger: logger}
}

// connect establishes the SSH tunnel if not already connected.
func (s *SSH) connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}
	s.logger.Verbose("establishing SSH tunnel")
	if err := s.tunnel.Connect(ctx); err != nil {
		return fmt.Errorf("tunnel: %w", err)
	}
	s.connected = true
	return nil
}

// Dial connects to address through the SSH tunnel.
func (s *SSH) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s.tunnel.Dial(ctx, network, address)
}

// Bind asks the gateway to listen on address and forward accepted
// connections back through the tunnel.
func (s *SSH) Bind(ctx context.Context, network, address string) (net.Listener, error) {
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s.tunnel.Listen(network, address)
}

// Close tears down the underlying SSH tunnel.
func (s *SSH) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		s.connected = false
		return s.tunnel.Close()
	}
	return nil
}
