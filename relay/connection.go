package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	ncerr "gorelay/internal/errors"
	"gorelay/internal/lifecycle"
	"gorelay/internal/transport"
	"gorelay/util"
)

// DefaultConnectTimeout bounds an outbound connect when no timeout is
// given.
const DefaultConnectTimeout = 5 * time.Second

// State is a connection's position in its one-way lifecycle.
type State int32

const (
	StateUnopened State = iota
	StateOpening
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Options configures one connection.
type Options struct {
	// Network passed to the dialer (default "tcp").
	Network string
	// Timeout bounds Connect (default DefaultConnectTimeout).
	Timeout time.Duration
	// Retries is how many extra dial attempts the proxy makes for
	// retryable failures.  A bare Connection never retries.
	Retries int
	// Logger receives lifecycle messages at debug level.
	Logger *util.Logger
}

func (o Options) withDefaults() Options {
	if o.Network == "" {
		o.Network = "tcp"
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultConnectTimeout
	}
	if o.Logger == nil {
		o.Logger = util.Discard()
	}
	return o
}

// OpenInfo describes an open connection's endpoints.
type OpenInfo struct {
	RemoteAddress string
	RemotePort    int
	LocalAddress  string
	LocalPort     int
}

func openInfo(c net.Conn) OpenInfo {
	var info OpenInfo
	info.RemoteAddress, info.RemotePort = util.AddrParts(c.RemoteAddr())
	info.LocalAddress, info.LocalPort = util.AddrParts(c.LocalAddr())
	return info
}

// Connection wraps one socket with open and closed lifecycle signals,
// a read loop that reports every chunk to its observer, and serialized
// writes.
//
// The open and closed transitions each happen at most once and can be
// awaited by any number of goroutines, including after the fact.
type Connection struct {
	host   string
	port   int
	opts   Options
	dialer transport.Dialer
	obs    ConnObserver
	logger *util.Logger

	state  atomic.Int32
	opened *lifecycle.Signal[OpenInfo]
	closed *lifecycle.Signal[struct{}]

	mu      sync.Mutex // guards conn, closing, reading
	conn    net.Conn
	closing bool
	reading bool

	readMu  sync.Mutex // held by the read loop only while inside Read
	writeMu sync.Mutex // held by Send while inside Write

	// holdReads leaves StartReading to the owner after Connect.
	holdReads bool
}

// NewConnection creates an unopened outbound connection to host:port.
// Nothing happens on the network until [Connection.Connect].
func NewConnection(host string, port int, opts Options, d transport.Dialer, obs ConnObserver) *Connection {
	if obs == nil {
		obs = NopConnObserver{}
	}
	opts = opts.withDefaults()
	return &Connection{
		host:   host,
		port:   port,
		opts:   opts,
		dialer: d,
		obs:    obs,
		logger: opts.Logger,
		opened: lifecycle.NewSignal[OpenInfo](),
		closed: lifecycle.NewSignal[struct{}](),
	}
}

// Accept wraps an already accepted socket.  The connection starts in
// [StateOpen] with its open signal resolved; reading begins once
// [Connection.StartReading] is called.
func Accept(conn net.Conn, opts Options, obs ConnObserver) *Connection {
	info := openInfo(conn)
	c := NewConnection(info.RemoteAddress, info.RemotePort, opts, nil, obs)
	c.conn = conn
	c.state.Store(int32(StateOpen))
	c.opened.Resolve(info)
	return c
}

// RemoteAddress returns the host this connection points at.
func (c *Connection) RemoteAddress() string { return c.host }

// RemotePort returns the port this connection points at.
func (c *Connection) RemotePort() int { return c.port }

// Options returns the effective options.
func (c *Connection) Options() Options { return c.opts }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Opened settles when the connection opens or fails to.
func (c *Connection) Opened() *lifecycle.Signal[OpenInfo] { return c.opened }

// Closed settles when the connection has closed.  It is rejected when
// connecting failed or the underlying close reported an error.
func (c *Connection) Closed() *lifecycle.Signal[struct{}] { return c.closed }

func (c *Connection) String() string {
	return util.FormatAddr(c.host, c.port)
}

// Connect dials the remote endpoint, racing the dial against timeout
// (DefaultConnectTimeout when <= 0) and ctx.  On success the read loop
// starts (unless the owning proxy holds it back), OnOpen fires and the
// open signal resolves.  On failure both
// lifecycle signals are rejected with the returned error and OnError
// fires.  Connect may be called once per Connection.
func (c *Connection) Connect(ctx context.Context, timeout time.Duration) error {
	if !c.state.CompareAndSwap(int32(StateUnopened), int32(StateOpening)) {
		return fmt.Errorf("connect %s: connection is %s", c, c.State())
	}
	if c.dialer == nil {
		return c.failConnect(fmt.Errorf("connect %s: no dialer", c))
	}
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}

	addr := c.String()
	c.logger.Debug("connecting to %s (timeout %v)", addr, timeout)

	conn, err := c.dial(ctx, addr, timeout)
	if err != nil {
		return c.failConnect(err)
	}

	c.mu.Lock()
	if c.closing {
		// Close won the race while we were dialing.
		c.mu.Unlock()
		conn.Close()
		return ncerr.WrapConn(Outbound.String(), 0, "connect", ncerr.ErrClosed)
	}
	c.conn = conn
	c.state.Store(int32(StateOpen))
	c.mu.Unlock()

	info := openInfo(conn)
	if !c.holdReads {
		c.StartReading()
	}
	c.obs.OnOpen(c, info)
	c.opened.Resolve(info)
	c.logger.Debug("connected to %s from %s", addr, util.FormatAddr(info.LocalAddress, info.LocalPort))
	return nil
}

func (c *Connection) dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := c.dialer.Dial(dctx, c.opts.Network, addr)
		ch <- result{conn, err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-dctx.Done():
		// The dialer ignored the deadline; discard whatever it
		// eventually returns.
		go func() {
			if late := <-ch; late.conn != nil {
				late.conn.Close()
			}
		}()
		r.err = dctx.Err()
	}

	if r.err == nil {
		return r.conn, nil
	}
	if ctx.Err() == nil && errors.Is(dctx.Err(), context.DeadlineExceeded) {
		return nil, ncerr.Wrap("dial", addr, fmt.Errorf("%w after %v", ncerr.ErrTimeout, timeout))
	}
	return nil, r.err
}

func (c *Connection) failConnect(err error) error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	c.state.Store(int32(StateClosed))
	c.opened.Reject(err)
	c.closed.Reject(err)
	c.obs.OnError(c, err)
	c.logger.Debug("connect to %s failed: %v", c, err)
	return err
}

// StartReading launches the read loop.  It is a no-op when the loop is
// already running or the connection is not open.
func (c *Connection) StartReading() {
	c.mu.Lock()
	if c.reading || c.closing || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.reading = true
	conn := c.conn
	c.mu.Unlock()

	go c.readLoop(conn)
}

func (c *Connection) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *Connection) readLoop(conn net.Conn) {
	bufp := util.GetBuf()
	defer util.PutBuf(bufp)
	buf := *bufp

	for {
		c.readMu.Lock()
		if c.isClosing() {
			c.readMu.Unlock()
			return
		}
		n, err := conn.Read(buf)
		c.readMu.Unlock()

		if n > 0 {
			c.obs.OnData(c, util.CloneChunk(buf[:n]))
		}
		if err != nil {
			if c.isClosing() {
				return
			}
			if !util.IsHarmless(err) {
				c.logger.Debug("read from %s: %v", c, err)
			}
			c.shutdown(true) //nolint:errcheck // the peer ended the stream
			return
		}
	}
}

// Send writes p to the connection.  Concurrent calls are serialized.
// It fails with [ncerr.ErrNotConnected] before the connection opens and
// [ncerr.ErrClosed] once it starts closing.
func (c *Connection) Send(p []byte) error {
	if err := c.writable(); err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.writable(); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	if _, err := conn.Write(p); err != nil {
		return ncerr.Wrap("write", c.String(), err)
	}
	return nil
}

// SendString encodes s as bytes and sends it.
func (c *Connection) SendString(s string) error {
	return c.Send([]byte(s))
}

func (c *Connection) writable() error {
	switch c.State() {
	case StateOpen:
		return nil
	case StateUnopened, StateOpening:
		return ncerr.ErrNotConnected
	default:
		return ncerr.ErrClosed
	}
}

// Close shuts the connection down.  It is idempotent: once the closed
// signal has settled every call returns that same result.  Closing a
// connection that never opened settles it with [ncerr.ErrNotConnected].
func (c *Connection) Close() error {
	return c.shutdown(false)
}

func (c *Connection) shutdown(fromReader bool) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		if fromReader {
			return nil
		}
		_, err := c.closed.Wait(context.Background())
		return err
	}
	c.closing = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.state.Store(int32(StateClosed))
		c.opened.Reject(ncerr.ErrNotConnected)
		c.closed.Reject(ncerr.ErrNotConnected)
		return ncerr.ErrNotConnected
	}

	c.state.Store(int32(StateClosing))

	// Kick a blocked Read or Write out before taking the locks.  Conns
	// without deadline support (SSH channels) are closed first instead.
	now := time.Now()
	rdErr := conn.SetReadDeadline(now)
	wrErr := conn.SetWriteDeadline(now)
	early := rdErr != nil || wrErr != nil

	var closeErr error
	if early {
		closeErr = conn.Close()
	}
	c.readMu.Lock()
	c.writeMu.Lock()
	if !early {
		closeErr = conn.Close()
	}
	c.writeMu.Unlock()
	c.readMu.Unlock()

	c.state.Store(int32(StateClosed))

	if closeErr != nil && !util.IsHarmless(closeErr) {
		closeErr = ncerr.Wrap("close", c.String(), closeErr)
		c.closed.Reject(closeErr)
		c.obs.OnError(c, closeErr)
	} else {
		closeErr = nil
		c.closed.Resolve(struct{}{})
	}

	// The signal settles before OnClose runs so a handler that closes
	// this connection's peer, which in turn closes this one, returns
	// instead of waiting on itself.
	c.obs.OnClose(c)
	c.logger.Debug("closed %s", c)
	return closeErr
}
