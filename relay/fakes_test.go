package relay

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ── Transport fakes ──────────────────────────────────────────────────

// pipeListener is an in-memory net.Listener.  Tests push the server
// end of a net.Pipe into it with connect.
type pipeListener struct {
	addr      net.Addr
	conns     chan net.Conn
	acceptErr chan error

	closeCh   chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32

	deadline     chan struct{}
	deadlineOnce sync.Once
}

func newPipeListener(addr net.Addr) *pipeListener {
	return &pipeListener{
		addr:      addr,
		conns:     make(chan net.Conn, 16),
		acceptErr: make(chan error, 1),
		closeCh:   make(chan struct{}),
		deadline:  make(chan struct{}),
	}
}

func (l *pipeListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case err := <-l.acceptErr:
		return nil, err
	case <-l.closeCh:
		return nil, net.ErrClosed
	case <-l.deadline:
		return nil, os.ErrDeadlineExceeded
	}
}

func (l *pipeListener) SetDeadline(t time.Time) error {
	if !t.IsZero() && !t.After(time.Now()) {
		l.deadlineOnce.Do(func() { close(l.deadline) })
	}
	return nil
}

func (l *pipeListener) Close() error {
	l.closes.Add(1)
	l.closeOnce.Do(func() { close(l.closeCh) })
	return nil
}

func (l *pipeListener) Addr() net.Addr { return l.addr }

func (l *pipeListener) deadlineSet() bool {
	select {
	case <-l.deadline:
		return true
	default:
		return false
	}
}

// connect simulates a client connecting and returns the client end.
func (l *pipeListener) connect() net.Conn {
	client, server := net.Pipe()
	l.conns <- server
	return client
}

// pipeBinder hands out a fresh pipeListener per Bind.
type pipeBinder struct {
	addr *net.TCPAddr
	err  error

	mu  sync.Mutex
	lns []*pipeListener
}

func (b *pipeBinder) Bind(context.Context, string, string) (net.Listener, error) {
	if b.err != nil {
		return nil, b.err
	}
	ln := newPipeListener(b.addr)
	b.mu.Lock()
	b.lns = append(b.lns, ln)
	b.mu.Unlock()
	return ln, nil
}

func (b *pipeBinder) Close() error { return nil }

func (b *pipeBinder) last() *pipeListener {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lns[len(b.lns)-1]
}

// pipeDialer returns the client end of a net.Pipe and queues the
// server end on remotes, standing in for the remote endpoint.
type pipeDialer struct {
	// failures makes the first n dials fail with err.
	failures atomic.Int32
	err      error
	// wrap, when set, decorates each dialed conn.
	wrap func(net.Conn) net.Conn
	// greeting, when set, is written by the remote end as soon as the
	// dial completes, the way an SMTP or SSH server speaks first.
	greeting string

	mu      sync.Mutex
	addrs   []string
	remotes chan net.Conn
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{remotes: make(chan net.Conn, 16)}
}

func (d *pipeDialer) Dial(_ context.Context, _ string, address string) (net.Conn, error) {
	d.mu.Lock()
	d.addrs = append(d.addrs, address)
	d.mu.Unlock()

	if d.err != nil && d.failures.Add(-1) >= 0 {
		return nil, d.err
	}
	client, server := net.Pipe()
	if d.greeting != "" {
		writeAsync(server, d.greeting)
	}
	d.remotes <- server
	if d.wrap != nil {
		return d.wrap(client), nil
	}
	return client, nil
}

func (d *pipeDialer) Close() error { return nil }

func (d *pipeDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.addrs...)
}

func (d *pipeDialer) remote(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-d.remotes:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound connection was dialed")
		return nil
	}
}

// hangingDialer ignores its context and blocks until release is closed.
type hangingDialer struct {
	release chan struct{}
	late    chan net.Conn
}

func (d *hangingDialer) Dial(context.Context, string, string) (net.Conn, error) {
	<-d.release
	client, server := net.Pipe()
	d.late <- server
	return client, nil
}

func (d *hangingDialer) Close() error { return nil }

// failingWriteConn rejects every write.
type failingWriteConn struct {
	net.Conn
}

func (c failingWriteConn) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

var errCloseFailed = errors.New("close failed")

// failingCloseConn releases the pipe but reports a close failure.
type failingCloseConn struct {
	net.Conn
}

func (c failingCloseConn) Close() error {
	c.Conn.Close() //nolint:errcheck
	return errCloseFailed
}

// stallingCloseConn holds Close until release is closed.
type stallingCloseConn struct {
	net.Conn
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStallingCloseConn(c net.Conn) *stallingCloseConn {
	return &stallingCloseConn{
		Conn:    c,
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (c *stallingCloseConn) Close() error {
	c.once.Do(func() { close(c.started) })
	<-c.release
	return c.Conn.Close()
}

// gatedBinder holds Bind between entered and release.
type gatedBinder struct {
	pipeBinder
	entered chan struct{}
	release chan struct{}
}

func (b *gatedBinder) Bind(ctx context.Context, network, address string) (net.Listener, error) {
	close(b.entered)
	<-b.release
	return b.pipeBinder.Bind(ctx, network, address)
}

// ── Observers ────────────────────────────────────────────────────────

type connRecorder struct {
	NopConnObserver
	data      chan []byte
	errs      chan error
	opens     atomic.Int32
	closes    atomic.Int32
	closed    chan struct{}
	closeOnce sync.Once
}

func newConnRecorder() *connRecorder {
	return &connRecorder{
		data:   make(chan []byte, 64),
		errs:   make(chan error, 8),
		closed: make(chan struct{}),
	}
}

func (r *connRecorder) OnOpen(*Connection, OpenInfo) { r.opens.Add(1) }

func (r *connRecorder) OnData(_ *Connection, chunk []byte) { r.data <- chunk }

func (r *connRecorder) OnClose(*Connection) {
	r.closes.Add(1)
	r.closeOnce.Do(func() { close(r.closed) })
}

func (r *connRecorder) OnError(_ *Connection, err error) {
	select {
	case r.errs <- err:
	default:
	}
}

type dirErr struct {
	dir Direction
	id  ConnID
	err error
}

type recorder struct {
	BaseObserver
	starts   chan BindInfo
	inConns  chan ConnID
	outConns chan ConnID
	inClose  chan ConnID
	outClose chan ConnID
	links    chan LinkInfo
	errs     chan dirErr
	closes   atomic.Int32

	mu      sync.Mutex
	inData  [][]byte
	outData [][]byte
}

func newRecorder() *recorder {
	return &recorder{
		starts:   make(chan BindInfo, 8),
		inConns:  make(chan ConnID, 64),
		outConns: make(chan ConnID, 64),
		inClose:  make(chan ConnID, 64),
		outClose: make(chan ConnID, 64),
		links:    make(chan LinkInfo, 64),
		errs:     make(chan dirErr, 64),
	}
}

func push[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

func (r *recorder) OnServerStart(info BindInfo) { push(r.starts, info) }
func (r *recorder) OnInboundConnect(id ConnID, _ OpenInfo) { push(r.inConns, id) }
func (r *recorder) OnOutboundConnect(id ConnID, _ OpenInfo) { push(r.outConns, id) }
func (r *recorder) OnInboundClose(id ConnID) { push(r.inClose, id) }
func (r *recorder) OnOutboundClose(id ConnID) { push(r.outClose, id) }
func (r *recorder) OnLink(info LinkInfo) { push(r.links, info) }
func (r *recorder) OnClose() { r.closes.Add(1) }

func (r *recorder) OnError(dir Direction, id ConnID, err error) {
	push(r.errs, dirErr{dir, id, err})
}

func (r *recorder) OnInboundData(_ ConnID, chunk []byte) {
	r.mu.Lock()
	r.inData = append(r.inData, chunk)
	r.mu.Unlock()
}

func (r *recorder) OnOutboundData(_ ConnID, chunk []byte) {
	r.mu.Lock()
	r.outData = append(r.outData, chunk)
	r.mu.Unlock()
}

func (r *recorder) inboundChunks() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.inData...)
}

// ── Helpers ──────────────────────────────────────────────────────────

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func readN(t *testing.T, c net.Conn, n int) string {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	buf := make([]byte, n)
	got := 0
	for got < n {
		m, err := c.Read(buf[got:])
		got += m
		if err != nil {
			t.Fatalf("read after %d/%d bytes: %v", got, n, err)
		}
	}
	return string(buf)
}

func writeAsync(c net.Conn, s string) <-chan error {
	errc := make(chan error, 1)
	go func() {
		_, err := c.Write([]byte(s))
		errc <- err
	}()
	return errc
}
