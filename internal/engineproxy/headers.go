package engineproxy

import (
	"net/http"
	"sort"
	"strings"

	"github.com/flowgate/flowgate/integrations/n8n"
)

var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// Inbound headers the engine must never see from the client.
var strippedRequestHeaders = map[string]bool{
	"host":            true,
	"authorization":   true,
	"accept-encoding": true,
	"content-length":  true,
	"cookie":          true,
	"x-n8n-api-key":   true,
}

func isHopByHopHeader(name string) bool {
	return hopByHopHeaders[strings.ToLower(name)]
}

// connectionListed returns the extra hop-by-hop names announced in Connection.
func connectionListed(h http.Header) map[string]bool {
	out := map[string]bool{}
	for _, v := range h.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if token = strings.ToLower(strings.TrimSpace(token)); token != "" {
				out[token] = true
			}
		}
	}
	return out
}

// OutboundHeaders builds the engine request headers: client headers minus
// hop-by-hop and platform credentials, client cookies minus the platform
// session and any engine session, then the auth headers.
func OutboundHeaders(in http.Header, platformCookie string, auth http.Header) http.Header {
	out := http.Header{}
	listed := connectionListed(in)
	for key, values := range in {
		lower := strings.ToLower(key)
		if isHopByHopHeader(key) || listed[lower] || strippedRequestHeaders[lower] {
			continue
		}
		for _, v := range values {
			out.Add(key, v)
		}
	}
	cookies := clientCookies(in, platformCookie)
	for key, values := range auth {
		if strings.EqualFold(key, "Cookie") {
			cookies = append(cookies, values...)
			continue
		}
		for _, v := range values {
			out.Add(key, v)
		}
	}
	if len(cookies) > 0 {
		out.Set("Cookie", strings.Join(cookies, "; "))
	}
	return out
}

// clientCookies returns "name=value" pairs from in, excluding the platform
// session and the engine's own session cookie.
func clientCookies(in http.Header, platformCookie string) []string {
	raw := in.Values("Cookie")
	if len(raw) == 0 {
		return nil
	}
	req := &http.Request{Header: http.Header{"Cookie": raw}}
	var out []string
	for _, c := range req.Cookies() {
		if c.Name == platformCookie || c.Name == n8n.AuthCookieName {
			continue
		}
		out = append(out, c.Name+"="+c.Value)
	}
	return out
}

// CookieNames lists cookie names only, for logging.
func CookieNames(h http.Header) []string {
	req := &http.Request{Header: http.Header{"Cookie": h.Values("Cookie")}}
	names := make([]string, 0)
	for _, c := range req.Cookies() {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

// copyResponseHeaders copies engine response headers to dst. Encoding and
// length are dropped because the body reaching the client is decoded and
// possibly rewritten. Engine session cookies stay server-side.
func copyResponseHeaders(dst, src http.Header, embed bool) {
	listed := connectionListed(src)
	for key, values := range src {
		lower := strings.ToLower(key)
		if isHopByHopHeader(key) || listed[lower] || lower == "content-encoding" || lower == "content-length" {
			continue
		}
		if lower == "set-cookie" {
			for _, v := range values {
				if !strings.HasPrefix(strings.TrimSpace(v), n8n.AuthCookieName+"=") {
					dst.Add(key, v)
				}
			}
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
	if embed {
		stripFrameHeaders(dst)
	}
}

func stripFrameHeaders(h http.Header) {
	h.Del("X-Frame-Options")
	h.Del("Content-Security-Policy")
}

// IsEmbedded reports whether the engine UI is being framed by the platform.
func IsEmbedded(r *http.Request) bool {
	embed := strings.TrimSpace(r.URL.Query().Get("embed"))
	if embed == "1" || strings.EqualFold(embed, "true") {
		return true
	}
	return strings.EqualFold(r.Header.Get("Sec-Fetch-Dest"), "iframe")
}
