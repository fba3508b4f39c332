// Package upstream owns the one pooled HTTP client per configured endpoint,
// not per target, generalized from typed JSON request/response bodies to
// raw-byte passthrough since this proxy never modifies request or response
// bodies.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nulpointcorp/powerproxy/internal/config"
)

// Endpoint wraps one configured upstream Azure-OpenAI-compatible API with
// its own connection pool and timeouts.
type Endpoint struct {
	Name   string
	URL    string // no trailing slash
	APIKey string // endpoint_key; empty if this endpoint uses caller-supplied auth

	client *http.Client
}

// New builds an Endpoint's pooled client from its configuration. Connection
// limits/timeouts default through config.applyConnectionDefaults before this
// is called.
func New(cfg config.EndpointConfig) *Endpoint {
	limits := cfg.Connections.Limits
	timeouts := cfg.Connections.Timeouts

	dialer := &net.Dialer{Timeout: seconds(timeouts.ConnectS)}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxConnsPerHost:     limits.MaxConns,
		MaxIdleConnsPerHost: limits.MaxKeepalive,
		IdleConnTimeout:     seconds(limits.KeepaliveExpiryS),
	}

	return &Endpoint{
		Name:   cfg.Name,
		URL:    strings.TrimRight(cfg.URL, "/"),
		APIKey: cfg.Key,
		client: &http.Client{
			Transport: transport,
			// net/http has no separate read/write/pool phases the way httpx
			// does; the overall request deadline is the conservative sum, so
			// a slow connect never silently eats into read/write budget.
			Timeout: seconds(timeouts.ConnectS + timeouts.ReadS + timeouts.WriteS + timeouts.PoolS),
		},
	}
}

func seconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

// Request is a fully rewritten outbound request: path/headers already
// reflect the dispatch engine's rewriting rules.
type Request struct {
	Method      string
	PathAndQuery string // e.g. "/openai/deployments/gpt-4o/chat/completions?api-version=..."
	Headers     map[string][]string
	Body        []byte
}

// Response is the raw upstream response. Body is left open for the caller to
// stream or read-and-close.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       io.ReadCloser
}

// Send performs the rewritten request against this endpoint's pooled client.
// The caller is responsible for closing Response.Body.
func (e *Endpoint) Send(ctx context.Context, req Request) (*Response, error) {
	url := e.URL + req.PathAndQuery
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, newBodyReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("upstream: building request to %s: %w", e.Name, err)
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: sending request to %s: %w", e.Name, err)
	}

	return &Response{StatusCode: resp.StatusCode, Headers: resp.Header, Body: resp.Body}, nil
}

// Ping performs a lightweight reachability check against the endpoint: any
// response, regardless of status code, counts as reachable; only a
// transport-level failure (DNS, connect, TLS) counts as unreachable.
func (e *Endpoint) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, e.URL, nil)
	if err != nil {
		return fmt.Errorf("upstream: building ping request to %s: %w", e.Name, err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("upstream: pinging %s: %w", e.Name, err)
	}
	resp.Body.Close()
	return nil
}

func newBodyReader(body []byte) io.Reader {
	if len(body) == 0 {
		return nil
	}
	return bytes.NewReader(body)
}
