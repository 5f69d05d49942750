package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	ncerr "gorelay/internal/errors"
	"gorelay/internal/metrics"
	"gorelay/internal/retry"
	"gorelay/internal/transport"
	"gorelay/util"
)

// Config wires a Proxy to its collaborators.  Every field is optional.
type Config struct {
	// Dialer opens outbound connections (default plain TCP).
	Dialer transport.Dialer
	// Binder opens the listening socket (default plain TCP).
	Binder transport.Binder
	// Network for the listening socket (default "tcp").
	Network string
	// ConnectTimeout applies when Options.Timeout is zero.
	ConnectTimeout time.Duration
	// Backoff is the template for outbound retries; MaxAttempts is
	// taken from Options.Retries.
	Backoff *retry.Backoff
	Metrics *metrics.Collector
	Logger  *util.Logger
}

// Stats is a point-in-time view of the proxy tables.
type Stats struct {
	Inbound   int
	Outbound  int
	Pairs     int
	Listening bool
	Bind      BindInfo
}

type subscription struct {
	obs Observer
}

// Proxy accepts inbound connections, opens outbound ones and relays
// bytes between linked pairs.  All methods are safe for concurrent use.
type Proxy struct {
	cfg     Config
	logger  *util.Logger
	metrics *metrics.Collector

	ids      IDAllocator
	inbound  *Registry
	outbound *Registry
	pairs    *Pairs

	obsMu     sync.RWMutex
	observers []*subscription

	// mu makes multi-step table changes atomic and guards the
	// listener fields.  No Connection method is called while it is held.
	mu         sync.Mutex
	ln         net.Listener
	bind       BindInfo
	binding    bool
	stopping   bool
	closes     uint64 // bumped by every Close; a bind that spans one is discarded
	acceptDone chan struct{}
}

// New creates a proxy.  Nothing listens until [Proxy.Start].
func New(cfg Config) *Proxy {
	if cfg.Dialer == nil {
		cfg.Dialer = &transport.TCPDialer{}
	}
	if cfg.Binder == nil {
		cfg.Binder = &transport.TCPBinder{}
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Backoff == nil {
		cfg.Backoff = &retry.Backoff{
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
			Jitter:       true,
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = util.Discard()
	}
	return &Proxy{
		cfg:      cfg,
		logger:   cfg.Logger.Named("relay"),
		metrics:  cfg.Metrics,
		inbound:  NewRegistry(Inbound),
		outbound: NewRegistry(Outbound),
		pairs:    NewPairs(),
	}
}

// ── Observers ────────────────────────────────────────────────────────

// Subscribe registers o for proxy events and returns a function that
// removes it again.
func (p *Proxy) Subscribe(o Observer) (unsubscribe func()) {
	sub := &subscription{obs: o}
	p.obsMu.Lock()
	p.observers = append(p.observers, sub)
	p.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.obsMu.Lock()
			defer p.obsMu.Unlock()
			for i, s := range p.observers {
				if s == sub {
					p.observers = append(p.observers[:i:i], p.observers[i+1:]...)
					return
				}
			}
		})
	}
}

func (p *Proxy) emit(fn func(Observer)) {
	p.obsMu.RLock()
	subs := make([]*subscription, len(p.observers))
	copy(subs, p.observers)
	p.obsMu.RUnlock()

	for _, s := range subs {
		fn(s.obs)
	}
}

func (p *Proxy) reportError(dir Direction, id ConnID, err error) {
	p.metrics.RecordError(err.Error())
	if dir == Server {
		p.logger.Error("%v", err)
	} else {
		p.logger.Verbose("%s #%d: %v", dir, id, err)
	}
	p.emit(func(o Observer) { o.OnError(dir, id, err) })
}

func (p *Proxy) registry(dir Direction) *Registry {
	if dir == Outbound {
		return p.outbound
	}
	return p.inbound
}

// ── Lifecycle ────────────────────────────────────────────────────────

// Start binds localAddress and launches the accept loop.  It fails with
// [ncerr.ErrAlreadyStarted] while a listener is held; call
// [Proxy.Close] before starting again.
func (p *Proxy) Start(ctx context.Context, localAddress string) (BindInfo, error) {
	p.mu.Lock()
	if p.ln != nil || p.binding {
		p.mu.Unlock()
		return BindInfo{}, ncerr.ErrAlreadyStarted
	}
	p.binding = true
	gen := p.closes
	p.mu.Unlock()

	ln, err := p.cfg.Binder.Bind(ctx, p.cfg.Network, localAddress)
	if err != nil {
		p.mu.Lock()
		p.binding = false
		p.mu.Unlock()
		p.reportError(Server, 0, err)
		return BindInfo{}, err
	}

	var info BindInfo
	info.Address, info.Port = util.AddrParts(ln.Addr())
	done := make(chan struct{})

	p.mu.Lock()
	p.binding = false
	if p.closes != gen {
		// Close ran while we were binding.
		p.mu.Unlock()
		p.closeListener(ln)
		return BindInfo{}, ncerr.Wrap("listen", localAddress, ncerr.ErrClosed)
	}
	p.stopping = false
	p.ln = ln
	p.bind = info
	p.acceptDone = done
	p.mu.Unlock()

	go p.acceptLoop(ln, done)

	p.logger.Info("listening on %s", util.FormatAddr(info.Address, info.Port))
	p.emit(func(o Observer) { o.OnServerStart(info) })
	return info, nil
}

// Close releases everything the proxy holds: it stops the accept loop,
// closes every registered connection, clears both registries and the
// pair table, then closes the listening socket.  Individual failures
// are reported through OnError and never stop the sequence.  Close is
// safe to call at any time, including before Start.
func (p *Proxy) Close() error {
	p.mu.Lock()
	ln, done := p.ln, p.acceptDone
	p.stopping = true
	p.closes++
	p.mu.Unlock()

	// Unblock the pending Accept before the listener goes away.
	closedEarly := false
	if ln != nil {
		if d, ok := ln.(interface{ SetDeadline(time.Time) error }); !ok || d.SetDeadline(time.Now()) != nil {
			p.closeListener(ln)
			closedEarly = true
		}
		<-done
	}

	// Close concurrently: a read loop blocked forwarding into a peer
	// is released by that peer's close.
	var g errgroup.Group
	for _, dir := range []Direction{Inbound, Outbound} {
		for _, e := range p.registry(dir).Entries() {
			dir, e := dir, e
			g.Go(func() error {
				if err := e.Conn.Close(); err != nil && !errors.Is(err, ncerr.ErrNotConnected) {
					// Also reported by the connection itself; this
					// attributes it to the shutdown.
					p.logger.Debug("closing %s #%d: %v", dir, e.ID, err)
				}
				return nil
			})
		}
	}
	g.Wait() //nolint:errcheck // closers never fail the group

	p.mu.Lock()
	leftIn := p.inbound.Drain()
	leftOut := p.outbound.Drain()
	leftPairs := p.pairs.Clear()
	p.ln = nil
	p.bind = BindInfo{}
	p.acceptDone = nil
	p.mu.Unlock()

	// Anything still registered arrived after the snapshot above, e.g.
	// an outbound Connect that finished mid-Close.
	closeAll(leftIn)
	closeAll(leftOut)
	for range leftIn {
		p.metrics.ConnectionClosed(metrics.Inbound)
	}
	for range leftOut {
		p.metrics.ConnectionClosed(metrics.Outbound)
	}
	for i := 0; i < leftPairs; i++ {
		p.metrics.LinkRemoved()
	}

	if ln != nil && !closedEarly {
		p.closeListener(ln)
	}

	p.logger.Verbose("closed")
	p.emit(func(o Observer) { o.OnClose() })
	return nil
}

func closeAll(entries []Entry) {
	var g errgroup.Group
	for _, e := range entries {
		e := e
		g.Go(func() error {
			e.Conn.Close() //nolint:errcheck // reported through OnError
			return nil
		})
	}
	g.Wait() //nolint:errcheck
}

func (p *Proxy) closeListener(ln net.Listener) {
	if err := ln.Close(); err != nil && !util.IsHarmless(err) {
		p.reportError(Server, 0, ncerr.Wrap("close", ln.Addr().String(), err))
	}
}

// Stats returns the current table sizes.
func (p *Proxy) Stats() Stats {
	p.mu.Lock()
	listening, bind := p.ln != nil, p.bind
	p.mu.Unlock()
	return Stats{
		Inbound:   p.inbound.Len(),
		Outbound:  p.outbound.Len(),
		Pairs:     p.pairs.Len(),
		Listening: listening,
		Bind:      bind,
	}
}

// Inbound returns the inbound connection registered under id.
func (p *Proxy) Inbound(id ConnID) (*Connection, bool) { return p.inbound.Lookup(id) }

// Outbound returns the outbound connection registered under id.
func (p *Proxy) Outbound(id ConnID) (*Connection, bool) { return p.outbound.Lookup(id) }

// ── Outbound connections ─────────────────────────────────────────────

// Connect opens an outbound connection to host:port and registers it.
// Forwarding is wired before the dial, so nothing read after the
// connection opens is missed.  A failed connect is never registered.
func (p *Proxy) Connect(ctx context.Context, host string, port int, opts Options) (ConnID, error) {
	id, _, err := p.connect(ctx, host, port, opts, false)
	return id, err
}

// connect registers a new outbound connection.  With holdReads the read
// loop is left for the caller to start, so nothing the remote sends
// first can be read before the caller has paired it.
func (p *Proxy) connect(ctx context.Context, host string, port int, opts Options, holdReads bool) (ConnID, *Connection, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = p.cfg.ConnectTimeout
	}
	if opts.Logger == nil {
		opts.Logger = p.logger.Named("conn")
	}

	id := p.ids.Next()
	c, err := p.dial(ctx, id, host, port, opts, holdReads)
	if err != nil {
		p.metrics.ConnectFailed()
		return 0, nil, ncerr.WrapConn(Outbound.String(), 0, "connect", err)
	}

	p.mu.Lock()
	if c.State() == StateClosed {
		// Closed between opening and registration.
		p.mu.Unlock()
		return 0, nil, ncerr.WrapConn(Outbound.String(), uint64(id), "connect", ncerr.ErrClosed)
	}
	p.outbound.Insert(id, c)
	p.mu.Unlock()

	p.metrics.ConnectionOpened(metrics.Outbound)
	info, _, _ := c.Opened().Result()
	p.logger.Verbose("outbound #%d connected to %s", id, c)
	p.emit(func(o Observer) { o.OnOutboundConnect(id, info) })
	return id, c, nil
}

// dial connects a fresh Connection per attempt, retrying retryable
// failures when opts.Retries > 0.  Every attempt reuses id.
func (p *Proxy) dial(ctx context.Context, id ConnID, host string, port int, opts Options, holdReads bool) (*Connection, error) {
	var c *Connection
	attempt := func(int) error {
		c = NewConnection(host, port, opts, p.cfg.Dialer, &tracked{p: p, dir: Outbound, id: id})
		c.holdReads = holdReads
		return c.Connect(ctx, opts.Timeout)
	}

	if opts.Retries <= 0 {
		err := attempt(1)
		return c, err
	}

	b := *p.cfg.Backoff
	b.MaxAttempts = opts.Retries + 1
	b.Retryable = ncerr.IsRetryable
	b.OnRetry = func(n int, err error, wait time.Duration) {
		p.logger.Verbose("connect %s attempt %d failed: %v (retry in %v)",
			util.FormatAddr(host, port), n, err, wait.Truncate(time.Millisecond))
	}
	err := b.Do(ctx, attempt)
	return c, err
}

// Link connects to host:port and pairs the result with inboundID.  If
// any step fails no pairing is left behind and the new outbound
// connection, if any, is closed.
func (p *Proxy) Link(ctx context.Context, inboundID ConnID, host string, port int, opts Options) (LinkInfo, error) {
	if _, ok := p.inbound.Lookup(inboundID); !ok {
		return LinkInfo{}, ncerr.WrapConn(Inbound.String(), uint64(inboundID), "link", ncerr.ErrUnknownConnection)
	}
	if peer, ok := p.pairs.PeerOf(inboundID, Inbound); ok {
		return LinkInfo{}, ncerr.WrapConn(Inbound.String(), uint64(inboundID), "link",
			fmt.Errorf("%w to #%d", ncerr.ErrAlreadyLinked, peer))
	}

	outID, out, err := p.connect(ctx, host, port, opts, true)
	if err != nil {
		return LinkInfo{}, err
	}

	info, err := p.Pair(inboundID, outID)
	if err != nil {
		out.Close() //nolint:errcheck // already failing
		return LinkInfo{}, err
	}
	// Paired before the first read, so a server that speaks first
	// (SSH banner, SMTP greeting) reaches the inbound side.
	out.StartReading()
	return info, nil
}

// Pair links two existing connections.  It fails if either is not
// registered or already paired.
func (p *Proxy) Pair(inboundID, outboundID ConnID) (LinkInfo, error) {
	p.mu.Lock()
	if _, ok := p.inbound.Lookup(inboundID); !ok {
		p.mu.Unlock()
		return LinkInfo{}, ncerr.WrapConn(Inbound.String(), uint64(inboundID), "link", ncerr.ErrUnknownConnection)
	}
	out, ok := p.outbound.Lookup(outboundID)
	if !ok {
		p.mu.Unlock()
		return LinkInfo{}, ncerr.WrapConn(Outbound.String(), uint64(outboundID), "link", ncerr.ErrUnknownConnection)
	}
	if err := p.pairs.Link(inboundID, outboundID); err != nil {
		p.mu.Unlock()
		return LinkInfo{}, err
	}
	p.mu.Unlock()

	p.metrics.LinkCreated()
	info := LinkInfo{
		InboundID:  inboundID,
		OutboundID: outboundID,
		Session:    uuid.New(),
		Target:     out.String(),
	}
	p.logger.Verbose("link %s: inbound #%d <-> outbound #%d (%s)",
		info.Session, inboundID, outboundID, info.Target)
	p.emit(func(o Observer) { o.OnLink(info) })
	return info, nil
}

// Unpair removes the pairing containing id, if any.  Neither side is
// closed.
func (p *Proxy) Unpair(id ConnID) bool {
	p.mu.Lock()
	_, _, ok := p.pairs.Unlink(id)
	p.mu.Unlock()
	if ok {
		p.metrics.LinkRemoved()
	}
	return ok
}

// PeerOf returns the connection paired with id, where dir is id's own
// direction.
func (p *Proxy) PeerOf(id ConnID, dir Direction) (ConnID, bool) {
	return p.pairs.PeerOf(id, dir)
}

// Send writes data to a registered connection.
func (p *Proxy) Send(dir Direction, id ConnID, data []byte) error {
	c, ok := p.registry(dir).Lookup(id)
	if !ok {
		return ncerr.WrapConn(dir.String(), uint64(id), "send", ncerr.ErrUnknownConnection)
	}
	if err := c.Send(data); err != nil {
		return ncerr.WrapConn(dir.String(), uint64(id), "send", err)
	}
	p.metrics.BytesSent(int64(len(data)))
	return nil
}

// CloseInbound closes one inbound connection.  Unknown IDs are treated
// as already closed.
func (p *Proxy) CloseInbound(id ConnID) error { return p.closeOne(Inbound, id) }

// CloseOutbound closes one outbound connection.  Unknown IDs are
// treated as already closed.
func (p *Proxy) CloseOutbound(id ConnID) error { return p.closeOne(Outbound, id) }

func (p *Proxy) closeOne(dir Direction, id ConnID) error {
	c, ok := p.registry(dir).Lookup(id)
	if !ok {
		return nil
	}
	return c.Close()
}

// ── Forwarding and close cascade ─────────────────────────────────────

// forward runs on the source connection's read loop, so chunks from
// one source reach the peer in order.
func (p *Proxy) forward(dir Direction, id ConnID, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	p.metrics.BytesReceived(int64(len(chunk)))
	if dir == Inbound {
		p.emit(func(o Observer) { o.OnInboundData(id, chunk) })
	} else {
		p.emit(func(o Observer) { o.OnOutboundData(id, chunk) })
	}

	peerDir := dir.Opposite()
	peerID, ok := p.pairs.PeerOf(id, dir)
	if !ok {
		return
	}
	peer, ok := p.registry(peerDir).Lookup(peerID)
	if !ok {
		return
	}
	if err := peer.Send(chunk); err != nil {
		p.metrics.ForwardFailed()
		p.reportError(dir, id, ncerr.WrapConn(dir.String(), uint64(id), "forward",
			fmt.Errorf("to %s #%d: %w", peerDir, peerID, err)))
		return
	}
	p.metrics.BytesSent(int64(len(chunk)))
}

// handleClose removes a closed connection and its pairing, then closes
// the peer.
func (p *Proxy) handleClose(dir Direction, id ConnID, c *Connection) {
	p.mu.Lock()
	registered := false
	if cur, ok := p.registry(dir).Lookup(id); ok && cur == c {
		p.registry(dir).Remove(id)
		registered = true
	}
	var peer *Connection
	var peerID ConnID
	in, out, paired := p.pairs.Unlink(id)
	if paired {
		peerID = out
		if dir == Outbound {
			peerID = in
		}
		peer, _ = p.registry(dir.Opposite()).Lookup(peerID)
	}
	p.mu.Unlock()

	if registered {
		p.metrics.ConnectionClosed(dir.metric())
		p.logger.Verbose("%s #%d closed", dir, id)
		if dir == Inbound {
			p.emit(func(o Observer) { o.OnInboundClose(id) })
		} else {
			p.emit(func(o Observer) { o.OnOutboundClose(id) })
		}
	}
	if !paired {
		return
	}
	p.metrics.LinkRemoved()
	if peer == nil {
		return
	}
	if err := peer.Close(); err != nil && !errors.Is(err, ncerr.ErrNotConnected) {
		peerDir := dir.Opposite()
		p.reportError(peerDir, peerID, ncerr.WrapConn(peerDir.String(), uint64(peerID), "close", err))
	}
}
