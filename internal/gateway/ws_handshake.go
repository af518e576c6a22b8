package gateway

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RFC 6455 section 1.3.
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// HandshakeError reports a refused upgrade.
type HandshakeError struct {
	Status int
	Body   string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed: %d %s", e.Status, e.Body)
}

// Accept upgrades the HTTP request to a WebSocket connection.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	if !hasToken(r.Header, "Connection", "upgrade") || !hasToken(r.Header, "Upgrade", "websocket") {
		return nil, errors.New("websocket upgrade required")
	}
	if v := r.Header.Get("Sec-WebSocket-Version"); v != "13" {
		return nil, fmt.Errorf("unsupported websocket version %q", v)
	}
	challenge := strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key"))
	if challenge == "" {
		return nil, errors.New("missing websocket key")
	}
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return nil, errors.New("response writer cannot be hijacked")
	}
	netConn, rw, err := hijacker.Hijack()
	if err != nil {
		return nil, err
	}

	reply := http.Header{}
	reply.Set("Upgrade", "websocket")
	reply.Set("Connection", "Upgrade")
	reply.Set("Sec-WebSocket-Accept", acceptKey(challenge))
	_, _ = rw.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	_ = reply.Write(rw)
	_, _ = rw.WriteString("\r\n")
	if err := rw.Flush(); err != nil {
		netConn.Close()
		return nil, err
	}
	_ = netConn.SetDeadline(time.Time{})
	return newConn(netConn, rw.Reader, rw.Writer, false), nil
}

// Dial opens a client connection to a ws:// or wss:// URL. A ctx deadline
// bounds the handshake only.
func Dial(ctx context.Context, rawURL string, header http.Header, tlsConfig *tls.Config) (*Conn, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	secure := target.Scheme == "wss"
	if !secure && target.Scheme != "ws" {
		return nil, fmt.Errorf("unsupported scheme %q", target.Scheme)
	}
	addr := target.Host
	if target.Port() == "" {
		port := "80"
		if secure {
			port = "443"
		}
		addr = net.JoinHostPort(target.Hostname(), port)
	}

	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := clientHandshake(ctx, netConn, target, header, tlsConfig)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	return conn, nil
}

func clientHandshake(ctx context.Context, netConn net.Conn, target *url.URL, header http.Header, tlsConfig *tls.Config) (*Conn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}
	if target.Scheme == "wss" {
		cfg := &tls.Config{}
		if tlsConfig != nil {
			cfg = tlsConfig.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = target.Hostname()
		}
		tlsConn := tls.Client(netConn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, err
		}
		netConn = tlsConn
	}

	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	challenge := base64.StdEncoding.EncodeToString(nonce[:])

	req := &http.Request{
		Method:     http.MethodGet,
		URL:        &url.URL{Path: target.Path, RawPath: target.RawPath, RawQuery: target.RawQuery},
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header.Clone(),
		Host:       target.Host,
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", challenge)
	if err := req.Write(netConn); err != nil {
		return nil, err
	}

	reader := bufio.NewReader(netConn)
	resp, err := http.ReadResponse(reader, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &HandshakeError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if resp.Header.Get("Sec-WebSocket-Accept") != acceptKey(challenge) {
		return nil, errors.New("handshake failed: bad accept key")
	}
	_ = netConn.SetDeadline(time.Time{})
	return newConn(netConn, reader, bufio.NewWriter(netConn), true), nil
}

func hasToken(header http.Header, name, token string) bool {
	for _, value := range header.Values(name) {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

func acceptKey(challenge string) string {
	sum := sha1.Sum([]byte(challenge + acceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}
