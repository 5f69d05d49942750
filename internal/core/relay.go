package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	"gorelay/config"
	"gorelay/internal/metrics"
	"gorelay/internal/transport"
	"gorelay/relay"
	"gorelay/util"
)

// Endpoints reports where a running RelayMode can be reached.
type Endpoints struct {
	Relay   relay.BindInfo
	Metrics string // empty when the metrics endpoint is off
}

// RelayMode accepts inbound connections and links each one to a fixed
// target, optionally serving Prometheus metrics alongside.
type RelayMode struct {
	Proxy      *relay.Proxy
	Listen     string
	TargetHost string
	TargetPort int
	Options    relay.Options

	MetricsAddr string
	Metrics     *metrics.Collector

	Dialer  transport.Dialer
	Binder  transport.Binder
	Closers []io.Closer
	Via     string // SSH gateway, for display

	Logger *util.Logger

	// OnReady, when set, is called once everything is listening.
	OnReady func(Endpoints)
}

func (m *RelayMode) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "relay %s -> %s", m.Listen, util.FormatAddr(m.TargetHost, m.TargetPort))
	if m.Via != "" {
		fmt.Fprintf(&b, " via ssh %s", m.Via)
		if isSSH(m.Binder) {
			b.WriteString(" (listening on the gateway)")
		}
	}
	if m.MetricsAddr != "" {
		fmt.Fprintf(&b, ", metrics on %s", m.MetricsAddr)
	}
	return b.String()
}

func isSSH(b transport.Binder) bool {
	_, ok := b.(*transport.SSH)
	return ok
}

// Run starts the proxy and blocks until ctx is cancelled or the metrics
// server fails.  The proxy is always closed before Run returns.
func (m *RelayMode) Run(ctx context.Context) error {
	if m.Logger == nil {
		m.Logger = util.Discard()
	}
	defer m.closeTransports()

	linker := &autoLink{
		ctx:    ctx,
		proxy:  m.Proxy,
		host:   m.TargetHost,
		port:   m.TargetPort,
		opts:   m.Options,
		logger: m.Logger,
	}
	unsubscribe := m.Proxy.Subscribe(linker)
	defer unsubscribe()

	bind, err := m.Proxy.Start(ctx, m.Listen)
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	m.Logger.Info("relaying %s -> %s",
		util.FormatAddr(bind.Address, bind.Port), util.FormatAddr(m.TargetHost, m.TargetPort))

	g, gctx := errgroup.WithContext(ctx)

	endpoints := Endpoints{Relay: bind}
	if m.MetricsAddr != "" {
		ln, err := net.Listen("tcp", m.MetricsAddr)
		if err != nil {
			m.Proxy.Close() //nolint:errcheck // reports through observers
			return fmt.Errorf("metrics: %w", err)
		}
		endpoints.Metrics = ln.Addr().String()
		srv := &http.Server{Handler: m.metricsMux()}

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), config.DefaultGracePeriod)
			defer cancel()
			return srv.Shutdown(sctx)
		})
		m.Logger.Verbose("metrics on http://%s/metrics", endpoints.Metrics)
	}

	g.Go(func() error {
		<-gctx.Done()
		return m.Proxy.Close()
	})

	if m.OnReady != nil {
		m.OnReady(endpoints)
	}

	err = g.Wait()
	m.Logger.Verbose("final metrics:\n%s", m.Metrics.JSON())
	return err
}

func (m *RelayMode) metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(m.Metrics, config.DefaultMetricsNamespace))
	mux.HandleFunc("/snapshot", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, m.Metrics.JSON()) //nolint:errcheck
	})
	return mux
}

func (m *RelayMode) closeTransports() {
	for _, c := range m.Closers {
		if err := c.Close(); err != nil && !util.IsHarmless(err) {
			m.Logger.Warn("closing transport: %v", err)
		}
	}
}

// ── auto-link policy ─────────────────────────────────────────────────

// autoLink pairs every new inbound connection with a fresh connection
// to the target.  Inbound connections that cannot be linked are closed.
type autoLink struct {
	relay.BaseObserver
	ctx    context.Context
	proxy  *relay.Proxy
	host   string
	port   int
	opts   relay.Options
	logger *util.Logger
}

func (a *autoLink) OnInboundConnect(id relay.ConnID, info relay.OpenInfo) {
	from := util.FormatAddr(info.RemoteAddress, info.RemotePort)
	link, err := a.proxy.Link(a.ctx, id, a.host, a.port, a.opts)
	if err != nil {
		a.logger.Warn("inbound #%d from %s: %v", id, from, err)
		a.proxy.CloseInbound(id) //nolint:errcheck // the link error is the one worth reporting
		return
	}
	a.logger.Info("%s -> %s [#%d/#%d %s]", from, link.Target, link.InboundID, link.OutboundID, link.Session)
}

func (a *autoLink) OnInboundClose(id relay.ConnID) {
	a.logger.Verbose("inbound #%d finished", id)
}
