// Package transport provides abstractions for network connection
// establishment.  The relay never touches sockets directly: outbound
// connections come from a [Dialer] and the listening socket from a
// [Binder], so the same proxy runs over plain TCP or through an SSH
// gateway.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound network connections.  Implementations include
// a plain TCP dialer, an SSH-tunnelled dialer that routes traffic
// through an encrypted gateway, and a circuit-breaking wrapper.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer
	// (e.g. an SSH session).  Stateless dialers return nil.
	Close() error
}

// Binder opens the listening socket that accepts inbound connections.
type Binder interface {
	// Bind starts listening on address.  Port 0 asks for an ephemeral
	// port; the actual one is available from the listener's Addr.
	Bind(ctx context.Context, network, address string) (net.Listener, error)

	// Close releases resources shared by the listeners it created.
	Close() error
}
