// Package metrics provides lightweight, lock-free counters and gauges
// for tracking runtime statistics of a relay proxy.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Direction labels which side of the relay a connection belongs to.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// gauge pairs a live count with a lifetime total.
type gauge struct {
	active atomic.Int64
	total  atomic.Int64
}

func (g *gauge) open() {
	g.active.Add(1)
	g.total.Add(1)
}

func (g *gauge) close() { g.active.Add(-1) }

// Collector tracks runtime metrics for a relay proxy.
// A nil Collector is safe to use — all methods become no-ops.
type Collector struct {
	inbound  gauge
	outbound gauge
	links    gauge

	bytesIn          atomic.Int64
	bytesOut         atomic.Int64
	forwardErrors    atomic.Int64
	connectFailures  atomic.Int64
	tunnelReconnects atomic.Int64
	errorsTotal      atomic.Int64

	mu              sync.RWMutex
	startTime       time.Time
	lastHealthCheck time.Time
	lastError       time.Time
	lastErrorMsg    string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

func (c *Collector) side(d Direction) *gauge {
	if d == Inbound {
		return &c.inbound
	}
	return &c.outbound
}

// ── Connection metrics ───────────────────────────────────────────────

// ConnectionOpened increments both the active and total counters for
// the given direction.
func (c *Collector) ConnectionOpened(d Direction) {
	if c == nil {
		return
	}
	c.side(d).open()
}

// ConnectionClosed decrements the active counter for the direction.
func (c *Collector) ConnectionClosed(d Direction) {
	if c == nil {
		return
	}
	c.side(d).close()
}

// ActiveConnections returns the number of open connections in d.
func (c *Collector) ActiveConnections(d Direction) int64 {
	if c == nil {
		return 0
	}
	return c.side(d).active.Load()
}

// TotalConnections returns the lifetime connection count in d.
func (c *Collector) TotalConnections(d Direction) int64 {
	if c == nil {
		return 0
	}
	return c.side(d).total.Load()
}

// ConnectFailed records an outbound connect that never opened.
func (c *Collector) ConnectFailed() {
	if c == nil {
		return
	}
	c.connectFailures.Add(1)
}

// ConnectFailures returns the number of failed outbound connects.
func (c *Collector) ConnectFailures() int64 {
	if c == nil {
		return 0
	}
	return c.connectFailures.Load()
}

// ── Link metrics ─────────────────────────────────────────────────────

// LinkCreated records a new inbound↔outbound pairing.
func (c *Collector) LinkCreated() {
	if c == nil {
		return
	}
	c.links.open()
}

// LinkRemoved records the removal of a pairing.
func (c *Collector) LinkRemoved() {
	if c == nil {
		return
	}
	c.links.close()
}

// ActiveLinks returns the number of live pairings.
func (c *Collector) ActiveLinks() int64 {
	if c == nil {
		return 0
	}
	return c.links.active.Load()
}

// TotalLinks returns the lifetime number of pairings.
func (c *Collector) TotalLinks() int64 {
	if c == nil {
		return 0
	}
	return c.links.total.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n bytes read from any relay connection.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n bytes written to any relay connection.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ForwardFailed records a chunk that could not be delivered to the
// paired connection.
func (c *Collector) ForwardFailed() {
	if c == nil {
		return
	}
	c.forwardErrors.Add(1)
}

// ForwardErrors returns the number of failed forwards.
func (c *Collector) ForwardErrors() int64 {
	if c == nil {
		return 0
	}
	return c.forwardErrors.Load()
}

// ── Tunnel metrics ───────────────────────────────────────────────────

// TunnelReconnect records an SSH tunnel reconnection event.
func (c *Collector) TunnelReconnect() {
	if c == nil {
		return
	}
	c.tunnelReconnects.Add(1)
}

// TunnelReconnects returns the total tunnel reconnection count.
func (c *Collector) TunnelReconnects() int64 {
	if c == nil {
		return 0
	}
	return c.tunnelReconnects.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Health ───────────────────────────────────────────────────────────

// RecordHealthCheck updates the last health check timestamp.
func (c *Collector) RecordHealthCheck() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.lastHealthCheck = time.Now()
	c.mu.Unlock()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	InboundActive    int64  `json:"inbound_active"`
	InboundTotal     int64  `json:"inbound_total"`
	OutboundActive   int64  `json:"outbound_active"`
	OutboundTotal    int64  `json:"outbound_total"`
	ConnectFailures  int64  `json:"connect_failures"`
	LinksActive      int64  `json:"links_active"`
	LinksTotal       int64  `json:"links_total"`
	BytesIn          int64  `json:"bytes_in"`
	BytesOut         int64  `json:"bytes_out"`
	ForwardErrors    int64  `json:"forward_errors"`
	TunnelReconnects int64  `json:"tunnel_reconnects"`
	ErrorsTotal      int64  `json:"errors_total"`
	LastHealthCheck  string `json:"last_health_check,omitempty"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:           time.Since(c.startTime).Truncate(time.Second).String(),
		InboundActive:    c.inbound.active.Load(),
		InboundTotal:     c.inbound.total.Load(),
		OutboundActive:   c.outbound.active.Load(),
		OutboundTotal:    c.outbound.total.Load(),
		ConnectFailures:  c.connectFailures.Load(),
		LinksActive:      c.links.active.Load(),
		LinksTotal:       c.links.total.Load(),
		BytesIn:          c.bytesIn.Load(),
		BytesOut:         c.bytesOut.Load(),
		ForwardErrors:    c.forwardErrors.Load(),
		TunnelReconnects: c.tunnelReconnects.Load(),
		ErrorsTotal:      c.errorsTotal.Load(),
	}
	if !c.lastHealthCheck.IsZero() {
		s.LastHealthCheck = c.lastHealthCheck.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
