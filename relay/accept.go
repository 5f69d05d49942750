package relay

import (
	"errors"
	"net"

	ncerr "gorelay/internal/errors"
	"gorelay/internal/metrics"
)

// acceptLoop turns every accepted socket into a registered inbound
// connection.  It ends when the listener is closed or the proxy stops
// it; any other Accept error is reported and also ends it.  Accepting
// again requires Close and a fresh Start.
func (p *Proxy) acceptLoop(ln net.Listener, done chan<- struct{}) {
	defer close(done)

	for {
		raw, err := ln.Accept()
		if err != nil {
			if p.isStopping() || errors.Is(err, net.ErrClosed) {
				p.logger.Debug("accept loop on %s finished", ln.Addr())
				return
			}
			p.reportError(Server, 0, ncerr.Wrap("accept", ln.Addr().String(), err))
			return
		}
		p.admit(raw)
	}
}

func (p *Proxy) isStopping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

// admit registers raw before anything can be read from it, then hands
// it to a goroutine that notifies observers and starts the read loop.
func (p *Proxy) admit(raw net.Conn) {
	id := p.ids.Next()
	c := Accept(raw, Options{Logger: p.logger.Named("conn")}, &tracked{p: p, dir: Inbound, id: id})

	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		raw.Close()
		return
	}
	p.inbound.Insert(id, c)
	p.mu.Unlock()

	p.metrics.ConnectionOpened(metrics.Inbound)
	go p.serveInbound(id, c)
}

func (p *Proxy) serveInbound(id ConnID, c *Connection) {
	info, _, _ := c.Opened().Result()
	p.logger.Verbose("inbound #%d from %s", id, c)
	p.emit(func(o Observer) { o.OnInboundConnect(id, info) })
	c.StartReading()
}
