// Package engineproxy forwards HTTP and WebSocket traffic to the engine with
// platform credentials removed and engine credentials substituted.
package engineproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"encore.dev/rlog"

	"github.com/flowgate/flowgate/internal/flowgatecore"
)

var (
	ErrBodyTooLarge = errors.New("request body too large")
	// ErrUpstream wraps failures reaching the engine; the error response has
	// already been written when it is returned.
	ErrUpstream = errors.New("engine request failed")
)

const (
	defaultMaxBody       = 16 << 20
	maxRewriteBody       = 32 << 20
	defaultHeaderTimeout = 15 * time.Second
	streamChunk          = 32 << 10
)

type Options struct {
	// Timeout bounds the wait for the engine's response headers. Bodies
	// stream for as long as the client stays connected.
	Timeout        time.Duration
	MaxBodyBytes   int64
	PlatformCookie string
	Transport      *http.Transport
}

type Forwarder struct {
	opts   Options
	client *http.Client
	dialer *net.Dialer
}

func NewForwarder(opts Options) *Forwarder {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultHeaderTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBody
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	transport.ResponseHeaderTimeout = opts.Timeout
	return &Forwarder{
		opts:   opts,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		dialer: &net.Dialer{Timeout: opts.Timeout, KeepAlive: 30 * time.Second},
	}
}

// ReadBody reads the whole inbound body, bounded by MaxBodyBytes.
func (f *Forwarder) ReadBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	if r.ContentLength > f.opts.MaxBodyBytes {
		return nil, ErrBodyTooLarge
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, f.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > f.opts.MaxBodyBytes {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

// ResponseRewriter transforms a successful JSON response body.
type ResponseRewriter func(body []byte) ([]byte, error)

type Request struct {
	// Target is the engine base URL.
	Target   *url.URL
	Path     string
	RawQuery string
	Auth     http.Header
	Body     []byte
	Embed    bool
	Rewrite  ResponseRewriter
}

// ErrorBody is the JSON shape of proxy-generated errors.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func WriteError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: msg, Code: code})
}

func targetURL(target *url.URL, path, rawQuery string) string {
	u := *target
	u.Path = singleJoiningSlash(target.Path, path)
	u.RawPath = ""
	u.RawQuery = rawQuery
	return u.String()
}

func singleJoiningSlash(a, b string) string {
	aSlash := strings.HasSuffix(a, "/")
	bSlash := strings.HasPrefix(b, "/")
	switch {
	case aSlash && bSlash:
		return a + b[1:]
	case !aSlash && !bSlash:
		return a + "/" + b
	}
	return a + b
}

// Forward sends one request to the engine and relays the response. It
// returns the status written to the client. Engine failures produce a JSON
// 502 (504 on timeout) and an error wrapping ErrUpstream.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, req Request) (int, error) {
	ctx := r.Context()
	outReq, err := http.NewRequestWithContext(ctx, r.Method, targetURL(req.Target, req.Path, req.RawQuery), bytes.NewReader(req.Body))
	if err != nil {
		WriteError(w, http.StatusBadRequest, flowgatecore.CodeBadRequest, "invalid engine request")
		return http.StatusBadRequest, err
	}
	outReq.Header = OutboundHeaders(r.Header, f.opts.PlatformCookie, req.Auth)
	outReq.ContentLength = int64(len(req.Body))
	if len(req.Body) == 0 {
		outReq.Body = http.NoBody
	}
	outReq.Host = req.Target.Host

	resp, err := f.client.Do(outReq)
	if err != nil {
		return f.upstreamFailure(ctx, w, r, err)
	}
	defer resp.Body.Close()

	// A rewrite is mandatory whatever the declared content type; relayRewritten
	// fails closed when the body cannot be rewritten.
	if req.Rewrite != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return f.relayRewritten(w, resp, req)
	}

	copyResponseHeaders(w.Header(), resp.Header, req.Embed)
	w.WriteHeader(resp.StatusCode)
	stream(w, resp.Body)
	return resp.StatusCode, nil
}

func (f *Forwarder) relayRewritten(w http.ResponseWriter, resp *http.Response, req Request) (int, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRewriteBody))
	if err != nil {
		WriteError(w, http.StatusBadGateway, flowgatecore.CodeUpstreamUnreachable, "engine response interrupted")
		return http.StatusBadGateway, fmt.Errorf("%w: read response: %v", ErrUpstream, err)
	}
	rewritten, err := req.Rewrite(body)
	if err != nil {
		// Never leak an unfiltered body when rewriting was required.
		WriteError(w, http.StatusBadGateway, flowgatecore.CodeUpstreamRejected, "engine response could not be processed")
		return http.StatusBadGateway, fmt.Errorf("rewrite engine response: %w", err)
	}
	copyResponseHeaders(w.Header(), resp.Header, req.Embed)
	w.Header().Set("Content-Length", fmt.Sprint(len(rewritten)))
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(rewritten)
	return resp.StatusCode, nil
}

func (f *Forwarder) upstreamFailure(ctx context.Context, w http.ResponseWriter, r *http.Request, err error) (int, error) {
	if ctx.Err() == context.Canceled {
		// Client went away; nothing to answer.
		return 0, fmt.Errorf("%w: client canceled: %v", ErrUpstream, err)
	}
	status, code, msg := http.StatusBadGateway, flowgatecore.CodeUpstreamUnreachable, "engine unreachable"
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		status, code, msg = http.StatusGatewayTimeout, flowgatecore.CodeUpstreamTimeout, "engine timed out"
	}
	rlog.Warn("engine request failed", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	WriteError(w, status, code, msg)
	return status, fmt.Errorf("%w: %v", ErrUpstream, err)
}

// stream copies body to w, flushing after every chunk so server-sent events
// and long polls reach the client promptly.
func stream(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamChunk)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				rlog.Debug("engine response stream ended early", "err", err)
			}
			return
		}
	}
}
