// Package proxyhandshake implements the peer-proxy handshake state
// machine used when outbound peer connections are tunneled through HTTP
// CONNECT, SOCKS4, or SOCKS5. Modeled on libtransmission's
// tr_peer_socket proxy state table, expressed here as an explicit
// transition table over a sum type.
package proxyhandshake

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
)

// Kind selects which proxy protocol variant drives the handshake.
type Kind int

const (
	KindHTTP Kind = iota
	KindSOCKS4
	KindSOCKS5
)

// Result is returned by every Read handler.
type Result int

const (
	ReadyNow Result = iota
	Later
	Error
)

func (r Result) String() string {
	switch r {
	case ReadyNow:
		return "ready_now"
	case Later:
		return "later"
	default:
		return "error"
	}
}

// state is the internal sum type over handshake phases.
type state int

const (
	stateBegin state = iota
	stateConnect
	stateInit // SOCKS5 only
	stateAuth // SOCKS5 only
	stateEstablished
	stateError
)

// Config describes the proxy and target the handshake connects through.
type Config struct {
	Kind Kind

	// ProxyHost/ProxyPort are used only to build the HTTP CONNECT Host header.
	ProxyHost string
	ProxyPort uint16

	TargetIP   net.IP
	TargetPort uint16

	// Username/Password, when non-empty, are offered as SOCKS4 ident or
	// SOCKS5 RFC-1929 auth, or as HTTP Basic Proxy-Authorization.
	Username string
	Password string
}

// Handshake drives one connection's proxy negotiation.
type Handshake struct {
	cfg   Config
	state state
	buf   bytes.Buffer // accumulates unconsumed read bytes across Later results
}

// New creates a Handshake for the given config. Call Begin to get the bytes
// to send, then feed every read into Feed until it returns something other
// than Later.
func New(cfg Config) *Handshake {
	return &Handshake{cfg: cfg, state: stateBegin}
}

// Begin returns the bytes to send to enter the handshake, and advances the
// state machine past the begin phase.
func (h *Handshake) Begin() ([]byte, error) {
	if h.state != stateBegin {
		return nil, fmt.Errorf("proxyhandshake: Begin called out of order (state=%d)", h.state)
	}
	switch h.cfg.Kind {
	case KindHTTP:
		h.state = stateConnect
		return h.buildHTTPConnect(), nil
	case KindSOCKS4:
		h.state = stateConnect
		return h.buildSOCKS4Connect(), nil
	case KindSOCKS5:
		h.state = stateInit
		return h.buildSOCKS5Greeting(), nil
	default:
		h.state = stateError
		return nil, fmt.Errorf("proxyhandshake: unknown kind %d", h.cfg.Kind)
	}
}

func (h *Handshake) buildHTTPConnect() []byte {
	var b bytes.Buffer
	host := net.JoinHostPort(h.cfg.TargetIP.String(), strconv.Itoa(int(h.cfg.TargetPort)))
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\n", host)
	fmt.Fprintf(&b, "Host: %s\r\n", net.JoinHostPort(h.cfg.ProxyHost, strconv.Itoa(int(h.cfg.ProxyPort))))
	if h.cfg.Username != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(h.cfg.Username + ":" + h.cfg.Password))
		fmt.Fprintf(&b, "Proxy-Authorization: Basic %s\r\n", cred)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

func (h *Handshake) buildSOCKS4Connect() []byte {
	var b bytes.Buffer
	b.WriteByte(0x04)
	b.WriteByte(0x01)
	b.WriteByte(byte(h.cfg.TargetPort >> 8))
	b.WriteByte(byte(h.cfg.TargetPort))
	ip4 := h.cfg.TargetIP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	b.Write(ip4)
	if h.cfg.Username != "" {
		b.WriteString(h.cfg.Username)
	}
	b.WriteByte(0x00)
	return b.Bytes()
}

func (h *Handshake) buildSOCKS5Greeting() []byte {
	if h.cfg.Username != "" {
		return []byte{0x05, 0x02, 0x00, 0x02}
	}
	return []byte{0x05, 0x01, 0x00}
}

func (h *Handshake) buildSOCKS5AuthPacket() []byte {
	var b bytes.Buffer
	b.WriteByte(0x01) // RFC 1929 version
	b.WriteByte(byte(len(h.cfg.Username)))
	b.WriteString(h.cfg.Username)
	b.WriteByte(byte(len(h.cfg.Password)))
	b.WriteString(h.cfg.Password)
	return b.Bytes()
}

func (h *Handshake) buildSOCKS5ConnectCommand() []byte {
	var b bytes.Buffer
	b.Write([]byte{0x05, 0x01, 0x00})
	if ip4 := h.cfg.TargetIP.To4(); ip4 != nil {
		b.WriteByte(0x01)
		b.Write(ip4)
	} else {
		b.WriteByte(0x04)
		b.Write(h.cfg.TargetIP.To16())
	}
	b.WriteByte(byte(h.cfg.TargetPort >> 8))
	b.WriteByte(byte(h.cfg.TargetPort))
	return b.Bytes()
}

// Feed processes newly-read bytes. It returns the Result, and — when the
// state transitions and another send is required (SOCKS5's init/auth
// phases) — the bytes to send next.
func (h *Handshake) Feed(data []byte) (Result, []byte, error) {
	h.buf.Write(data)

	switch h.state {
	case stateConnect:
		switch h.cfg.Kind {
		case KindHTTP:
			return h.feedHTTPConnect()
		case KindSOCKS4:
			return h.feedSOCKS4Connect()
		case KindSOCKS5:
			return h.feedSOCKS5Connect()
		}
	case stateInit:
		return h.feedSOCKS5Init()
	case stateAuth:
		return h.feedSOCKS5Auth()
	}
	h.state = stateError
	return Error, nil, fmt.Errorf("proxyhandshake: Feed called in terminal state %d", h.state)
}

func (h *Handshake) feedHTTPConnect() (Result, []byte, error) {
	b := h.buf.Bytes()
	idx := bytes.Index(b, []byte("\r\n\r\n"))
	if idx < 0 {
		return Later, nil, nil
	}
	header := append([]byte(nil), b[:idx]...)
	h.drain(idx + 4)

	firstLine, _, _ := bytes.Cut(header, []byte("\r\n"))
	if !bytes.Contains(firstLine, []byte(" 200 ")) {
		h.state = stateError
		return Error, nil, fmt.Errorf("proxyhandshake: HTTP CONNECT failed: %q", firstLine)
	}
	h.state = stateEstablished
	return ReadyNow, nil, nil
}

func (h *Handshake) feedSOCKS4Connect() (Result, []byte, error) {
	if h.buf.Len() < 8 {
		return Later, nil, nil
	}
	b := h.buf.Bytes()
	status := b[1]
	h.drain(8)
	if status != 0x5A {
		h.state = stateError
		return Error, nil, fmt.Errorf("proxyhandshake: SOCKS4 connect refused, status=0x%02x", status)
	}
	h.state = stateEstablished
	return ReadyNow, nil, nil
}

func (h *Handshake) feedSOCKS5Init() (Result, []byte, error) {
	if h.buf.Len() < 2 {
		return Later, nil, nil
	}
	b := h.buf.Bytes()
	method := b[1]
	h.drain(2)

	switch method {
	case 0x00:
		h.state = stateConnect
		return ReadyNow, h.buildSOCKS5ConnectCommand(), nil
	case 0x02:
		if h.cfg.Username == "" {
			h.state = stateError
			return Error, nil, fmt.Errorf("proxyhandshake: server requires auth but none configured")
		}
		h.state = stateAuth
		return ReadyNow, h.buildSOCKS5AuthPacket(), nil
	default:
		h.state = stateError
		return Error, nil, fmt.Errorf("proxyhandshake: SOCKS5 server offered unsupported method 0x%02x", method)
	}
}

func (h *Handshake) feedSOCKS5Auth() (Result, []byte, error) {
	if h.buf.Len() < 2 {
		return Later, nil, nil
	}
	b := h.buf.Bytes()
	status := b[1]
	h.drain(2)
	if status != 0x00 {
		h.state = stateError
		return Error, nil, fmt.Errorf("proxyhandshake: SOCKS5 auth failed, status=0x%02x", status)
	}
	h.state = stateConnect
	return ReadyNow, h.buildSOCKS5ConnectCommand(), nil
}

func (h *Handshake) feedSOCKS5Connect() (Result, []byte, error) {
	if h.buf.Len() < 4 {
		return Later, nil, nil
	}
	b := h.buf.Bytes()
	status := b[1]
	atyp := b[3]

	// A refusal is reported as such even when the reply carries an ATYP
	// this code doesn't speak; only a known-good status gets that far.
	if status != 0x00 {
		h.drain(4)
		h.state = stateError
		return Error, nil, fmt.Errorf("proxyhandshake: SOCKS5 connect refused, status=0x%02x", status)
	}

	var addrLen int
	switch atyp {
	case 0x01:
		addrLen = 4
	case 0x04:
		addrLen = 16
	default:
		h.drain(4)
		h.state = stateError
		return Error, nil, fmt.Errorf("proxyhandshake: SOCKS5 connect reply has unsupported ATYP 0x%02x", atyp)
	}

	total := 4 + addrLen + 2
	if h.buf.Len() < total {
		return Later, nil, nil
	}
	h.drain(total)
	h.state = stateEstablished
	return ReadyNow, nil, nil
}

// drain removes n bytes from the front of the accumulation buffer, keeping
// anything read past the message boundary (e.g. pipelined peer-wire bytes
// immediately following the handshake).
func (h *Handshake) drain(n int) {
	remaining := h.buf.Bytes()[n:]
	rest := make([]byte, len(remaining))
	copy(rest, remaining)
	h.buf.Reset()
	h.buf.Write(rest)
}

// Established reports whether the handshake has completed successfully.
func (h *Handshake) Established() bool {
	return h.state == stateEstablished
}

// Leftover returns any bytes read past the handshake boundary: drain keeps
// whatever followed the final proxy reply in the same read, such as
// pipelined peer-wire bytes.
func (h *Handshake) Leftover() []byte {
	return h.buf.Bytes()
}
