package engineproxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"syscall"

	"encore.dev/rlog"

	"github.com/flowgate/flowgate/internal/flowgatecore"
)

// IsWebSocketUpgrade reports whether r asks to switch to the WebSocket protocol.
func IsWebSocketUpgrade(r *http.Request) bool {
	return connectionListed(r.Header)["upgrade"] && strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

// Headers never copied into the tunnelled upgrade request; Host, Cookie and
// Origin are re-derived for the engine.
var upgradeDropped = map[string]bool{
	"host":                true,
	"cookie":              true,
	"authorization":       true,
	"origin":              true,
	"content-length":      true,
	"x-n8n-api-key":       true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"keep-alive":          true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
}

// UpgradeRequest renders the HTTP/1.1 upgrade request sent to the engine. The
// client's cookies are dropped and only the engine auth headers are carried;
// Host and Origin point at the engine.
func UpgradeRequest(r *http.Request, target *url.URL, path, rawQuery string, auth http.Header) []byte {
	requestURI := singleJoiningSlash(target.Path, path)
	if rawQuery != "" {
		requestURI += "?" + rawQuery
	}

	h := http.Header{}
	for key, values := range r.Header {
		if upgradeDropped[strings.ToLower(key)] {
			continue
		}
		for _, v := range values {
			h.Add(key, v)
		}
	}
	if r.Header.Get("Origin") != "" {
		h.Set("Origin", target.Scheme+"://"+target.Host)
	}
	for key, values := range auth {
		for _, v := range values {
			h.Add(key, v)
		}
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", http.MethodGet, requestURI)
	fmt.Fprintf(&buf, "Host: %s\r\n", target.Host)
	keys := make([]string, 0, len(h))
	for key := range h {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		for _, v := range h[key] {
			fmt.Fprintf(&buf, "%s: %s\r\n", key, sanitizeHeaderValue(v))
		}
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func sanitizeHeaderValue(v string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(v)
}

func (f *Forwarder) dialEngine(ctx context.Context, target *url.URL) (net.Conn, error) {
	host := target.Host
	if target.Port() == "" {
		port := "80"
		if target.Scheme == "https" || target.Scheme == "wss" {
			port = "443"
		}
		host = net.JoinHostPort(target.Hostname(), port)
	}
	if target.Scheme == "https" || target.Scheme == "wss" {
		d := &tls.Dialer{NetDialer: f.dialer, Config: &tls.Config{ServerName: target.Hostname(), MinVersion: tls.VersionTLS12}}
		return d.DialContext(ctx, "tcp", host)
	}
	return f.dialer.DialContext(ctx, "tcp", host)
}

// Tunnel relays a WebSocket upgrade to the engine and then pipes bytes in
// both directions until either side closes. The engine's handshake response
// travels back through the pipe untouched.
func (f *Forwarder) Tunnel(w http.ResponseWriter, r *http.Request, target *url.URL, path, rawQuery string, auth http.Header) error {
	hj, ok := w.(http.Hijacker)
	if !ok {
		WriteError(w, http.StatusInternalServerError, flowgatecore.CodeBadRequest, "websocket upgrade not supported")
		return errors.New("response writer does not support hijacking")
	}

	dialCtx, cancel := context.WithTimeout(r.Context(), f.opts.Timeout)
	upstream, err := f.dialEngine(dialCtx, target)
	cancel()
	if err != nil {
		rlog.Warn("engine websocket dial failed", "path", path, "err", err)
		WriteError(w, http.StatusBadGateway, flowgatecore.CodeUpstreamUnreachable, "engine unreachable")
		return fmt.Errorf("%w: dial: %v", ErrUpstream, err)
	}
	if _, err := upstream.Write(UpgradeRequest(r, target, path, rawQuery, auth)); err != nil {
		upstream.Close()
		WriteError(w, http.StatusBadGateway, flowgatecore.CodeUpstreamUnreachable, "engine unreachable")
		return fmt.Errorf("%w: write upgrade: %v", ErrUpstream, err)
	}

	client, rw, err := hj.Hijack()
	if err != nil {
		upstream.Close()
		return fmt.Errorf("hijack: %w", err)
	}
	var clientReader io.Reader = client
	if rw != nil && rw.Reader.Buffered() > 0 {
		clientReader = rw.Reader
	}
	return bridge(client, clientReader, upstream, bufio.NewReader(upstream))
}

type bridgeResult struct {
	n   int64
	err error
}

// bridge copies a→b and b→a. When either direction finishes both connections
// are closed so the other copy unblocks.
func bridge(a net.Conn, readerA io.Reader, b net.Conn, readerB io.Reader) error {
	done := make(chan bridgeResult, 2)
	go func() {
		n, err := io.Copy(b, readerA)
		done <- bridgeResult{n, err}
	}()
	go func() {
		n, err := io.Copy(a, readerB)
		done <- bridgeResult{n, err}
	}()
	first := <-done
	a.Close()
	b.Close()
	<-done
	if first.err != nil && !isExpectedClose(first.err) {
		return first.err
	}
	return nil
}

func isExpectedClose(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
