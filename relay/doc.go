// Package relay is a bidirectional TCP relay engine.
//
// A [Proxy] owns a listening socket and two registries of
// [Connection] values, one for accepted (inbound) sockets and one for
// sockets it opened itself (outbound).  Linking an inbound connection
// to an outbound one installs a pairing; from then on every chunk read
// on either side is written to the other until one of them closes, at
// which point the other is closed too.
//
// The package never touches sockets directly.  Outbound connections
// come from a [transport.Dialer] and the listening socket from a
// [transport.Binder], so the same proxy runs over plain TCP or through
// an SSH gateway.
//
// Basic use:
//
//	p := relay.New(relay.Config{Logger: logger})
//	bind, err := p.Start(ctx, "127.0.0.1:9000")
//	...
//	p.Subscribe(myObserver)        // e.g. link on OnInboundConnect
//	info, err := p.Link(ctx, inboundID, "10.0.0.7", 80, relay.Options{})
//	...
//	p.Close()
package relay
