package relay

import "github.com/google/uuid"

// ConnObserver receives the events of a single [Connection].  Methods
// are called from the connection's own goroutines and must not block
// for long: OnData runs on the read loop, so a slow OnData stalls that
// connection's reads.
type ConnObserver interface {
	// OnOpen fires once the connection is open, before the open
	// signal resolves.
	OnOpen(c *Connection, info OpenInfo)
	// OnData fires for every non-empty chunk, in arrival order.  The
	// slice is owned by the callee.
	OnData(c *Connection, chunk []byte)
	// OnClose fires exactly once, after the closed signal settles.
	OnClose(c *Connection)
	// OnError reports a failed connect or a failed close.
	OnError(c *Connection, err error)
}

// NopConnObserver ignores every event.  Embed it to implement only
// some of the methods.
type NopConnObserver struct{}

func (NopConnObserver) OnOpen(*Connection, OpenInfo) {}
func (NopConnObserver) OnData(*Connection, []byte)   {}
func (NopConnObserver) OnClose(*Connection)          {}
func (NopConnObserver) OnError(*Connection, error)   {}

// BindInfo is the address a proxy actually listens on.
type BindInfo struct {
	Address string
	Port    int
}

// LinkInfo describes an established pairing.
type LinkInfo struct {
	InboundID  ConnID
	OutboundID ConnID
	// Session tags the pairing in logs.
	Session uuid.UUID
	// Target is the outbound side's host:port.
	Target string
}

// Observer receives proxy-wide events.  Callbacks run on the proxy's
// goroutines, never while the proxy holds its lock, so they may call
// back into the proxy.
//
// OnInboundConnect runs on a goroutine dedicated to the new connection
// before its read loop starts, so an observer can link it without
// losing the first bytes the client sends.
type Observer interface {
	OnServerStart(info BindInfo)
	OnInboundConnect(id ConnID, info OpenInfo)
	OnOutboundConnect(id ConnID, info OpenInfo)
	OnInboundData(id ConnID, chunk []byte)
	OnOutboundData(id ConnID, chunk []byte)
	OnInboundClose(id ConnID)
	OnOutboundClose(id ConnID)
	OnLink(info LinkInfo)
	// OnError reports failures attributed to a connection, or to the
	// listening socket when dir is Server (id is then 0).
	OnError(dir Direction, id ConnID, err error)
	OnClose()
}

// BaseObserver implements Observer with no-ops.
type BaseObserver struct{}

func (BaseObserver) OnServerStart(BindInfo)              {}
func (BaseObserver) OnInboundConnect(ConnID, OpenInfo)   {}
func (BaseObserver) OnOutboundConnect(ConnID, OpenInfo)  {}
func (BaseObserver) OnInboundData(ConnID, []byte)        {}
func (BaseObserver) OnOutboundData(ConnID, []byte)       {}
func (BaseObserver) OnInboundClose(ConnID)               {}
func (BaseObserver) OnOutboundClose(ConnID)              {}
func (BaseObserver) OnLink(LinkInfo)                     {}
func (BaseObserver) OnError(Direction, ConnID, error)    {}
func (BaseObserver) OnClose()                            {}

// tracked binds a registered connection's events to the proxy's
// forwarding and close-cascade handlers.
type tracked struct {
	p   *Proxy
	dir Direction
	id  ConnID
}

func (t *tracked) OnOpen(*Connection, OpenInfo) {}

func (t *tracked) OnData(_ *Connection, chunk []byte) {
	t.p.forward(t.dir, t.id, chunk)
}

func (t *tracked) OnClose(c *Connection) {
	t.p.handleClose(t.dir, t.id, c)
}

func (t *tracked) OnError(_ *Connection, err error) {
	t.p.reportError(t.dir, t.id, err)
}
