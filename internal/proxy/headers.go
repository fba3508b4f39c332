package proxy

import (
	"net/http"
	"strings"

	"github.com/valyala/fasthttp"
)

// hopByHopHeaders are stripped from the inbound request before it is copied
// into the routing slip and rewritten for an upstream attempt; fasthttp and
// net/http manage these themselves.
var hopByHopHeaders = map[string]bool{
	"host":              true,
	"content-length":    true,
	"connection":        true,
	"transfer-encoding": true,
}

// collectHeaders copies the inbound fasthttp request headers into a
// map[string][]string, dropping hop-by-hop headers fasthttp/net/http manage
// on their own.
func collectHeaders(ctx *fasthttp.RequestCtx) map[string][]string {
	headers := make(map[string][]string)
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		key := string(k)
		if hopByHopHeaders[strings.ToLower(key)] {
			return
		}
		headers[key] = append(headers[key], string(v))
	})
	return headers
}

// collectQuery copies the inbound fasthttp query string into a
// map[string][]string.
func collectQuery(ctx *fasthttp.RequestCtx) map[string][]string {
	query := make(map[string][]string)
	ctx.QueryArgs().VisitAll(func(k, v []byte) {
		key := string(k)
		query[key] = append(query[key], string(v))
	})
	return query
}

// headerValue looks up a header case-insensitively and reports whether it
// was present with a non-empty first value.
func headerValue(headers map[string][]string, name string) (string, bool) {
	lower := strings.ToLower(name)
	for k, vs := range headers {
		if strings.ToLower(k) == lower && len(vs) > 0 {
			return vs[0], true
		}
	}
	return "", false
}

// cloneHeaders makes a shallow copy of a header map so callers may mutate it
// without affecting the routing slip's original.
func cloneHeaders(orig map[string][]string) map[string][]string {
	out := make(map[string][]string, len(orig))
	for k, vs := range orig {
		cp := make([]string, len(vs))
		copy(cp, vs)
		out[k] = cp
	}
	return out
}

// setHeader replaces all values of name (matched case-insensitively) with a
// single value, preserving the original casing of an existing key or adding
// name verbatim if absent.
func setHeader(headers map[string][]string, name, value string) {
	lower := strings.ToLower(name)
	for k := range headers {
		if strings.ToLower(k) == lower {
			headers[k] = []string{value}
			return
		}
	}
	headers[name] = []string{value}
}

// deleteHeader removes all values of name, matched case-insensitively.
func deleteHeader(headers map[string][]string, name string) {
	lower := strings.ToLower(name)
	for k := range headers {
		if strings.ToLower(k) == lower {
			delete(headers, k)
		}
	}
}

// headerMapFromHTTP converts a net/http.Header into the plain
// map[string][]string the routing slip carries.
func headerMapFromHTTP(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, vs := range h {
		cp := make([]string, len(vs))
		copy(cp, vs)
		out[k] = cp
	}
	return out
}

// buildResponseHeaders copies the upstream response headers that are safe to
// relay downstream, dropping Content-Length when a Transfer-Encoding header
// is present (fasthttp computes its own framing).
func buildResponseHeaders(h http.Header) map[string][]string {
	out := headerMapFromHTTP(h)
	if _, ok := out["Transfer-Encoding"]; ok {
		delete(out, "Content-Length")
	}
	return out
}

// applyResponseHeaders writes a response header map onto the outbound
// fasthttp response, skipping headers fasthttp manages itself.
func applyResponseHeaders(ctx *fasthttp.RequestCtx, headers map[string][]string) {
	for k, vs := range headers {
		lower := strings.ToLower(k)
		if lower == "content-length" || lower == "transfer-encoding" || lower == "connection" {
			continue
		}
		for i, v := range vs {
			if i == 0 {
				ctx.Response.Header.Set(k, v)
			} else {
				ctx.Response.Header.Add(k, v)
			}
		}
	}
}

// toHTTPHeader converts a plain map[string][]string into a net/http.Header,
// used by the mock target to produce an upstream.Response shape.
func toHTTPHeader(headers map[string][]string) http.Header {
	h := make(http.Header, len(headers))
	for k, vs := range headers {
		h[k] = append([]string(nil), vs...)
	}
	return h
}
