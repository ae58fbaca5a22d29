// Package proxydialer drives one outbound peer connection through a
// configured HTTP CONNECT, SOCKS4, or SOCKS5 proxy, then hands the raw
// connection off for the BitTorrent peer-wire handshake. The negotiation
// itself lives in internal/proxyhandshake; this package owns the TCP
// dial, retries, deadlines, and buffered-leftover handling around it.
package proxydialer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/haldane/torrentd/internal/config"
	"github.com/haldane/torrentd/internal/proxyhandshake"
)

// ConnectTimeout bounds both the TCP dial to the proxy and the handshake
// exchange.
const ConnectTimeout = 15 * time.Second

// Dialer tunnels every Dial through a single configured proxy. New returns
// a nil Dialer when the Config leaves proxying disabled.
type Dialer struct {
	kind      proxyhandshake.Kind
	proxyAddr string
	proxyHost string
	proxyPort uint16
	username  string
	password  string
}

// New builds a Dialer from cfg's Proxy* fields, or returns (nil, nil) if
// ProxyKind is empty (proxying disabled).
func New(cfg *config.Config) (*Dialer, error) {
	if cfg.ProxyKind == "" {
		return nil, nil
	}
	kind, err := kindFromString(cfg.ProxyKind)
	if err != nil {
		return nil, err
	}
	if cfg.ProxyHost == "" || cfg.ProxyPort == 0 {
		return nil, fmt.Errorf("proxydialer: proxy_kind=%s requires proxy_host and proxy_port", cfg.ProxyKind)
	}
	username := cfg.ProxyUsername
	if kind == proxyhandshake.KindSOCKS5 && !cfg.ProxyAuth {
		username = "" // SOCKS5 only offers auth when explicitly enabled
	}
	return &Dialer{
		kind:      kind,
		proxyAddr: net.JoinHostPort(cfg.ProxyHost, strconv.Itoa(cfg.ProxyPort)),
		proxyHost: cfg.ProxyHost,
		proxyPort: uint16(cfg.ProxyPort),
		username:  username,
		password:  cfg.ProxyPassword,
	}, nil
}

func kindFromString(s string) (proxyhandshake.Kind, error) {
	switch strings.ToLower(s) {
	case "http":
		return proxyhandshake.KindHTTP, nil
	case "socks4":
		return proxyhandshake.KindSOCKS4, nil
	case "socks5":
		return proxyhandshake.KindSOCKS5, nil
	default:
		return 0, fmt.Errorf("proxydialer: unknown proxy_kind %q (want http, socks4, or socks5)", s)
	}
}

// Dial connects to addr (host:port of a BitTorrent peer) through the
// configured proxy, retrying the proxy TCP connect with exponential
// backoff, then driving proxyhandshake.Handshake to establishment.
func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	targetIP, targetPort, err := resolveTarget(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("proxydialer: resolve %s: %w", addr, err)
	}

	var conn net.Conn
	dial := func() error {
		c, dialErr := (&net.Dialer{Timeout: ConnectTimeout}).DialContext(ctx, "tcp", d.proxyAddr)
		if dialErr != nil {
			return dialErr
		}
		conn = c
		return nil
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(dial, backoff.WithContext(policy, ctx)); err != nil {
		return nil, fmt.Errorf("proxydialer: connect to proxy %s: %w", d.proxyAddr, err)
	}
	optimizeTCPConn(conn)

	hs := proxyhandshake.New(proxyhandshake.Config{
		Kind:       d.kind,
		ProxyHost:  d.proxyHost,
		ProxyPort:  d.proxyPort,
		TargetIP:   targetIP,
		TargetPort: targetPort,
		Username:   d.username,
		Password:   d.password,
	})

	send, err := hs.Begin()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxydialer: begin handshake: %w", err)
	}

	conn.SetDeadline(time.Now().Add(ConnectTimeout))
	reader := bufio.NewReaderSize(conn, 4096)
	for {
		if len(send) > 0 {
			if _, err := conn.Write(send); err != nil {
				conn.Close()
				return nil, fmt.Errorf("proxydialer: write to proxy: %w", err)
			}
		}
		if hs.Established() {
			break
		}
		buf := make([]byte, 4096)
		n, err := reader.Read(buf)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("proxydialer: read from proxy: %w", err)
		}
		result, next, err := hs.Feed(buf[:n])
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("proxydialer: handshake with %s: %w", d.proxyAddr, err)
		}
		send = next
		if result == proxyhandshake.Error {
			conn.Close()
			return nil, fmt.Errorf("proxydialer: handshake with %s failed", d.proxyAddr)
		}
	}
	conn.SetDeadline(time.Time{})

	// Bytes read past the handshake boundary sit in the handshake's buffer;
	// serve them ahead of anything still buffered or on the wire.
	if left := hs.Leftover(); len(left) > 0 {
		pending := append([]byte(nil), left...)
		reader = bufio.NewReader(io.MultiReader(bytes.NewReader(pending), reader))
	}

	return &leftoverConn{Conn: conn, reader: reader}, nil
}

// LocalAddr exists for parity with anacrolix/torrent's Dialer interface.
func (d *Dialer) LocalAddr() net.Addr {
	return proxyDialerAddr{d.proxyAddr}
}

type proxyDialerAddr struct{ addr string }

func (a proxyDialerAddr) Network() string { return "tcp" }
func (a proxyDialerAddr) String() string  { return "proxy-dialer:" + a.addr }

func resolveTarget(ctx context.Context, addr string) (net.IP, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip, uint16(port), nil
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, 0, err
	}
	return ips[0], uint16(port), nil
}

// leftoverConn wraps a net.Conn with the bufio.Reader used during the
// handshake, so any peer-wire bytes already buffered past the handshake
// boundary are not lost.
type leftoverConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *leftoverConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}

func optimizeTCPConn(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(30 * time.Second)
	}
}
