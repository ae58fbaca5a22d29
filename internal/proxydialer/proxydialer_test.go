package proxydialer

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/haldane/torrentd/internal/config"
)

// serveOneHTTPConnect accepts a single connection on ln, reads the CONNECT
// request line, and replies 200, then echoes anything it's sent after that
// (standing in for peer-wire bytes relayed through the proxy).
func serveOneHTTPConnect(t *testing.T, ln net.Listener) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		if strings.TrimSpace(line) == "" {
			break
		}
	}
	conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\nHELLO"))
}

func TestDialerEstablishesHTTPConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go serveOneHTTPConnect(t, ln)

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	cfg := &config.Config{
		ProxyKind: "http",
		ProxyHost: host,
	}
	var port int
	_, err = net.ResolveTCPAddr("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if n, err := net.LookupPort("tcp", portStr); err == nil {
		port = n
	}
	cfg.ProxyPort = port

	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d == nil {
		t.Fatal("New returned nil dialer for a configured proxy")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx, "203.0.113.5:6881")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read leftover bytes: %v", err)
	}
	if string(buf) != "HELLO" {
		t.Errorf("leftover bytes = %q, want HELLO", buf)
	}
}

func TestNewDisabledWithoutProxyKind(t *testing.T) {
	d, err := New(&config.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d != nil {
		t.Error("New should return a nil Dialer when ProxyKind is empty")
	}
}

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New(&config.Config{ProxyKind: "bogus", ProxyHost: "proxy", ProxyPort: 1080})
	if err == nil {
		t.Error("New should reject an unknown proxy_kind")
	}
}
