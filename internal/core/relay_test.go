package core

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"gorelay/config"
	"gorelay/util"
)

func startEcho(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c) //nolint:errcheck
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

// runMode starts m and returns its endpoints plus a stop function that
// cancels it and waits for Run to return.
func runMode(t *testing.T, m *RelayMode) (Endpoints, func() error) {
	t.Helper()
	ready := make(chan Endpoints, 1)
	m.OnReady = func(e Endpoints) { ready <- e }

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()

	var ep Endpoints
	select {
	case ep = <-ready:
	case err := <-errc:
		cancel()
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(3 * time.Second):
		cancel()
		t.Fatal("mode never became ready")
	}

	stopped := false
	var runErr error
	stop := func() error {
		if stopped {
			return runErr
		}
		stopped = true
		cancel()
		select {
		case runErr = <-errc:
		case <-time.After(3 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
		return runErr
	}
	t.Cleanup(func() { stop() }) //nolint:errcheck
	return ep, stop
}

func buildRelay(t *testing.T, mutate func(*config.Config)) *RelayMode {
	t.Helper()
	cfg := config.Defaults()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.TargetHost = "127.0.0.1"
	cfg.TargetPort = 1
	cfg.Timeout = 2 * time.Second
	if mutate != nil {
		mutate(cfg)
	}
	mode, err := Build(cfg, util.NewLogger(0))
	if err != nil {
		t.Fatal(err)
	}
	return mode.(*RelayMode)
}

func TestRelayMode_LinksInboundToTarget(t *testing.T) {
	echo := startEcho(t)
	m := buildRelay(t, func(c *config.Config) {
		c.TargetPort = echo.Port
		c.MetricsAddr = "127.0.0.1:0"
	})
	ep, stop := runMode(t, m)

	conn, err := net.DialTimeout("tcp", util.FormatAddr(ep.Relay.Address, ep.Relay.Port), 2*time.Second)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck
	if _, err := conn.Write([]byte("hello relay")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len("hello relay"))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "hello relay" {
		t.Errorf("echo = %q", buf)
	}

	body := httpGet(t, fmt.Sprintf("http://%s/metrics", ep.Metrics))
	for _, want := range []string{
		"gorelay_links_total 1",
		`gorelay_connections_total{direction="inbound"} 1`,
		`gorelay_connections_total{direction="outbound"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
	if snap := httpGet(t, fmt.Sprintf("http://%s/snapshot", ep.Metrics)); !strings.Contains(snap, `"links_total": 1`) {
		t.Errorf("snapshot = %s", snap)
	}

	if err := stop(); err != nil {
		t.Errorf("Run: %v", err)
	}
	if st := m.Proxy.Stats(); st.Listening || st.Inbound != 0 || st.Outbound != 0 {
		t.Errorf("proxy still holds resources: %+v", st)
	}
}

func TestRelayMode_UnreachableTargetClosesInbound(t *testing.T) {
	closed, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := closed.Addr().(*net.TCPAddr).Port
	closed.Close()

	m := buildRelay(t, func(c *config.Config) {
		c.TargetPort = port
		c.Retries = 0
	})
	ep, _ := runMode(t, m)

	conn, err := net.DialTimeout("tcp", util.FormatAddr(ep.Relay.Address, ep.Relay.Port), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("read err = %v, want EOF once the link fails", err)
	}
	if m.Metrics.ConnectFailures() != 1 {
		t.Errorf("ConnectFailures = %d", m.Metrics.ConnectFailures())
	}
}

func TestRelayMode_BindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	m := buildRelay(t, func(c *config.Config) { c.ListenAddress = busy.Addr().String() })
	err = m.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "relay") {
		t.Errorf("Run err = %v, want a relay bind error", err)
	}
}

func TestRelayMode_MetricsBindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	m := buildRelay(t, func(c *config.Config) { c.MetricsAddr = busy.Addr().String() })
	err = m.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "metrics") {
		t.Fatalf("Run err = %v, want a metrics bind error", err)
	}
	if m.Proxy.Stats().Listening {
		t.Error("proxy should be closed when the metrics endpoint fails")
	}
}

func httpGet(t *testing.T, url string) string {
	t.Helper()
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}
