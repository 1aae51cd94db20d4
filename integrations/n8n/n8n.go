package n8n

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// AuthCookieName is the session cookie the engine issues on login and
	// invitation acceptance.
	AuthCookieName = "n8n-auth"
	// APIKeyHeader carries a public-API key.
	APIKeyHeader = "X-N8N-API-KEY"

	maxResponseBytes = 32 << 20
)

var (
	// ErrUnreachable wraps transport failures: dial errors, resets, timeouts.
	// Anything else means the engine produced an HTTP response.
	ErrUnreachable = errors.New("n8n unreachable")
	// ErrInvalidCredentials is returned when the engine definitively rejects
	// an email/password pair.
	ErrInvalidCredentials = errors.New("n8n rejected credentials")
	// ErrInviteRejected is returned when the engine accepted the invitation
	// call but refused the candidate email (usually a collision).
	ErrInviteRejected = errors.New("n8n rejected invitation")
)

// StatusError is an unexpected HTTP status from the engine.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("n8n %s failed (%d): %s", e.Op, e.Status, body)
}

// IsUnreachable reports whether err came from the transport rather than from
// an engine response.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}

// StatusCode returns the engine status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	// Transport overrides the default HTTP transport (tests, custom TLS).
	Transport http.RoundTripper
}

type Client struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
	}
}

func (c *Client) BaseURL() string {
	return c.cfg.BaseURL
}

// Do issues one JSON request. cookie, when set, is sent verbatim as the
// Cookie header. Transport errors are wrapped with ErrUnreachable.
func (c *Client) Do(ctx context.Context, method, path string, payload any, cookie string) (*http.Response, []byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, err
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie = strings.TrimSpace(cookie); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s %s: %v", ErrUnreachable, method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp, nil, fmt.Errorf("%w: read %s %s: %v", ErrUnreachable, method, path, err)
	}
	return resp, data, nil
}

// CookieFromResponse returns "n8n-auth=<value>" from a Set-Cookie header, or "".
func CookieFromResponse(resp *http.Response) string {
	if resp == nil {
		return ""
	}
	for _, c := range resp.Cookies() {
		if c == nil || c.Name != AuthCookieName {
			continue
		}
		if strings.TrimSpace(c.Value) == "" || c.MaxAge < 0 {
			continue
		}
		return c.Name + "=" + c.Value
	}
	return ""
}

// unwrapData strips the engine's {"data": ...} envelope when present.
func unwrapData(body []byte) json.RawMessage {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err == nil && len(env.Data) > 0 {
		return env.Data
	}
	return body
}

func decodeData(body []byte, out any) error {
	return json.Unmarshal(unwrapData(body), out)
}

func isOK(status int) bool {
	return status >= 200 && status < 300
}

// Healthz calls the engine's unauthenticated liveness endpoint.
func (c *Client) Healthz(ctx context.Context) error {
	resp, body, err := c.Do(ctx, http.MethodGet, "/healthz", nil, "")
	if err != nil {
		return err
	}
	if !isOK(resp.StatusCode) {
		return &StatusError{Op: "healthz", Status: resp.StatusCode, Body: string(body)}
	}
	return nil
}
