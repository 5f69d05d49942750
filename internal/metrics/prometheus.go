package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter adapts a Collector to the prometheus.Collector interface.
// Values are read from the atomic counters at scrape time, so the hot
// path never touches Prometheus types.
type Exporter struct {
	c *Collector

	connsActive     *prometheus.Desc
	connsTotal      *prometheus.Desc
	connectFailures *prometheus.Desc
	linksActive     *prometheus.Desc
	linksTotal      *prometheus.Desc
	bytes           *prometheus.Desc
	forwardErrors   *prometheus.Desc
	reconnects      *prometheus.Desc
	errors          *prometheus.Desc
}

// NewExporter describes c's counters under the given namespace
// ("gorelay" when empty).
func NewExporter(c *Collector, namespace string) *Exporter {
	if namespace == "" {
		namespace = "gorelay"
	}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Exporter{
		c:               c,
		connsActive:     desc("active_connections", "Number of currently open relay connections", "direction"),
		connsTotal:      desc("connections_total", "Connections opened since start", "direction"),
		connectFailures: desc("connect_failures_total", "Outbound connects that never opened"),
		linksActive:     desc("active_links", "Number of live inbound/outbound pairings"),
		linksTotal:      desc("links_total", "Pairings created since start"),
		bytes:           desc("bytes_total", "Bytes moved through relay connections", "dir"),
		forwardErrors:   desc("forward_errors_total", "Chunks that could not be delivered to the paired connection"),
		reconnects:      desc("tunnel_reconnects_total", "SSH tunnel reconnections"),
		errors:          desc("errors_total", "Errors reported by the relay"),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		e.connsActive, e.connsTotal, e.connectFailures, e.linksActive,
		e.linksTotal, e.bytes, e.forwardErrors, e.reconnects, e.errors,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.c.Snapshot()
	gauge := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(e.connsActive, s.InboundActive, string(Inbound))
	gauge(e.connsActive, s.OutboundActive, string(Outbound))
	counter(e.connsTotal, s.InboundTotal, string(Inbound))
	counter(e.connsTotal, s.OutboundTotal, string(Outbound))
	counter(e.connectFailures, s.ConnectFailures)
	gauge(e.linksActive, s.LinksActive)
	counter(e.linksTotal, s.LinksTotal)
	counter(e.bytes, s.BytesIn, "in")
	counter(e.bytes, s.BytesOut, "out")
	counter(e.forwardErrors, s.ForwardErrors)
	counter(e.reconnects, s.TunnelReconnects)
	counter(e.errors, s.ErrorsTotal)
}

// Handler returns an HTTP handler serving c on a private registry, so
// several proxies in one process (or test) never collide on the global
// default registry.
func Handler(c *Collector, namespace string) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewExporter(c, namespace))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
