package proxy

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/powerproxy/internal/clock"
	"github.com/nulpointcorp/powerproxy/internal/config"
	"github.com/nulpointcorp/powerproxy/internal/plugin"
	"github.com/nulpointcorp/powerproxy/internal/plugins/allowdeployments"
	"github.com/nulpointcorp/powerproxy/internal/targets"
	"github.com/nulpointcorp/powerproxy/internal/tokensource"
	"github.com/nulpointcorp/powerproxy/internal/upstream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newRequestCtx(method, uri string, headers map[string]string, body []byte) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	for k, v := range headers {
		ctx.Request.Header.Set(k, v)
	}
	ctx.Request.SetBody(body)
	return ctx
}

func buildGateway(t *testing.T, cfg *config.Config, endpointServers map[string]*httptest.Server, host *plugin.Host, clk clock.Source) *Gateway {
	t.Helper()

	reg := targets.Build(cfg)
	endpoints := make(map[string]*upstream.Endpoint)
	for _, ep := range cfg.AOAI.Endpoints {
		epCfg := ep
		if srv, ok := endpointServers[ep.Name]; ok {
			epCfg.URL = srv.URL
		}
		endpoints[ep.Name] = upstream.New(epCfg)
	}
	if host == nil {
		host = plugin.NewHost(nil)
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return New(cfg, reg, endpoints, host, clk, tokensource.Static(""), nil, discardLogger())
}

func TestHandleAllowListDenies401(t *testing.T) {
	cfg := &config.Config{
		AOAI: config.AOAIConfig{Endpoints: []config.EndpointConfig{
			{Name: "e1", VirtualDeployments: []config.VirtualDeploymentConfig{
				{Name: "gpt-4o", Standins: []config.StandinConfig{{Name: "gpt-4o-east"}}},
			}},
		}},
		Clients: []config.ClientConfig{
			{Name: "acme", APIKeys: []string{"key-1"}, Settings: map[string]any{"deployments_allowed": []any{"gpt-35"}}},
		},
	}
	host := plugin.NewHost([]plugin.Plugin{allowdeployments.New(cfg)})
	gw := buildGateway(t, cfg, nil, host, nil)

	ctx := newRequestCtx("POST", "/openai/deployments/gpt-4o/chat/completions?api-version=2024-02-01",
		map[string]string{"api-key": "key-1"}, []byte(`{}`))

	gw.Handle(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", ctx.Response.StatusCode())
	}
}

func TestHandleUnknownDeploymentReturns400(t *testing.T) {
	cfg := &config.Config{
		AOAI: config.AOAIConfig{Endpoints: []config.EndpointConfig{
			{Name: "e1", VirtualDeployments: []config.VirtualDeploymentConfig{
				{Name: "gpt-4o", Standins: []config.StandinConfig{{Name: "gpt-4o-east"}}},
			}},
		}},
	}
	gw := buildGateway(t, cfg, nil, nil, nil)

	ctx := newRequestCtx("POST", "/openai/deployments/unknown-deployment/chat/completions?api-version=2024-02-01",
		nil, []byte(`{}`))

	gw.Handle(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("status = %d, want 400", ctx.Response.StatusCode())
	}
}

func TestHandleForwardsToHealthyStandin(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		w.Write([]byte(`{"id":"resp-1","usage":{"prompt_tokens":3,"completion_tokens":7,"total_tokens":10}}`))
	}))
	defer srv.Close()

	cfg := &config.Config{
		AOAI: config.AOAIConfig{Endpoints: []config.EndpointConfig{
			{Name: "e1", VirtualDeployments: []config.VirtualDeploymentConfig{
				{Name: "gpt-4o", Standins: []config.StandinConfig{{Name: "gpt-4o-east"}}},
			}},
		}},
	}
	gw := buildGateway(t, cfg, map[string]*httptest.Server{"e1": srv}, nil, nil)

	ctx := newRequestCtx("POST", "/openai/deployments/gpt-4o/chat/completions?api-version=2024-02-01",
		nil, []byte(`{"messages":[]}`))

	gw.Handle(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	if gotPath != "/openai/deployments/gpt-4o-east/chat/completions" {
		t.Fatalf("upstream path = %q, want rewritten to the standin name", gotPath)
	}

	var body map[string]any
	if err := json.Unmarshal(ctx.Response.Body(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body["id"] != "resp-1" {
		t.Fatalf("body = %v, want id=resp-1", body)
	}
}

func TestHandleFailoverAcrossEndpointsOnRateLimit(t *testing.T) {
	var hitFirst, hitSecond bool
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitFirst = true
		w.Header().Set("retry-after-ms", "5000")
		w.WriteHeader(429)
	}))
	defer first.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitSecond = true
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer second.Close()

	cfg := &config.Config{
		AOAI: config.AOAIConfig{Endpoints: []config.EndpointConfig{
			{Name: "e1"},
			{Name: "e2"},
		}},
	}
	gw := buildGateway(t, cfg, map[string]*httptest.Server{"e1": first, "e2": second}, nil, &clock.Fake{Ms: 0})

	ctx := newRequestCtx("POST", "/openai/deployments/gpt-4o/chat/completions?api-version=2024-02-01",
		nil, []byte(`{}`))
	gw.Handle(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	if !hitFirst {
		t.Fatalf("first endpoint was never attempted")
	}
	if !hitSecond {
		t.Fatalf("second endpoint was never attempted after the first returned 429")
	}
}

func TestHandleAllTargetsCoolingDownReturns429WithRetryAfter(t *testing.T) {
	cfg := &config.Config{
		AOAI: config.AOAIConfig{Endpoints: []config.EndpointConfig{
			{Name: "e1", VirtualDeployments: []config.VirtualDeploymentConfig{
				{Name: "gpt-4o", Standins: []config.StandinConfig{{Name: "gpt-4o-east"}}},
			}},
		}},
	}
	reg := targets.Build(cfg)
	for _, t2 := range reg.All() {
		t2.SetCooldownUntilMs(1_000_000)
	}
	endpoints := map[string]*upstream.Endpoint{"e1": upstream.New(cfg.AOAI.Endpoints[0])}
	gw := New(cfg, reg, endpoints, plugin.NewHost(nil), &clock.Fake{Ms: 0}, tokensource.Static(""), nil, discardLogger())

	ctx := newRequestCtx("POST", "/openai/deployments/gpt-4o/chat/completions?api-version=2024-02-01",
		nil, []byte(`{}`))
	gw.Handle(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Header.Peek("retry-after-ms")); got != "10000" {
		t.Fatalf("retry-after-ms = %q, want 10000 default", got)
	}
}

func TestHandleMockTargetShortCircuitsUpstream(t *testing.T) {
	cfg := &config.Config{
		AOAI: config.AOAIConfig{MockResponse: &config.MockResponseConfig{Body: map[string]any{"mocked": true}}},
	}
	gw := buildGateway(t, cfg, nil, nil, nil)

	ctx := newRequestCtx("POST", "/openai/deployments/whatever/chat/completions?api-version=2024-02-01",
		nil, []byte(`{}`))
	gw.Handle(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200", ctx.Response.StatusCode())
	}
	var body map[string]any
	if err := json.Unmarshal(ctx.Response.Body(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["mocked"] != true {
		t.Fatalf("body = %v, want mocked=true", body)
	}
}

func TestHandleEntraOnlyRequestForwardedUnchanged(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	cfg := &config.Config{
		AOAI: config.AOAIConfig{Endpoints: []config.EndpointConfig{{Name: "e1"}}},
		Clients: []config.ClientConfig{
			{Name: "svc", UsesEntraIDAuth: true},
		},
	}
	gw := buildGateway(t, cfg, map[string]*httptest.Server{"e1": srv}, nil, nil)

	ctx := newRequestCtx("POST", "/openai/deployments/gpt-4o/chat/completions?api-version=2024-02-01",
		map[string]string{"Authorization": "Bearer caller-token"}, []byte(`{}`))
	gw.Handle(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	// No api-key header was present on the inbound request, so rewriteHeaders
	// leaves Authorization untouched.
	if gotAuth != "Bearer caller-token" {
		t.Fatalf("Authorization forwarded = %q, want unchanged caller token", gotAuth)
	}
}

func TestHandleStreamingPassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(200)
		flusher := w.(http.Flusher)
		lines := []string{
			"data: {\"delta\":\"Hel\"}\n",
			"data: {\"delta\":\"lo\"}\n",
			"data: [DONE]\n",
		}
		for _, l := range lines {
			w.Write([]byte(l))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	cfg := &config.Config{
		AOAI: config.AOAIConfig{Endpoints: []config.EndpointConfig{{Name: "e1"}}},
	}
	gw := buildGateway(t, cfg, map[string]*httptest.Server{"e1": srv}, nil, nil)

	ctx := newRequestCtx("POST", "/openai/deployments/gpt-4o/chat/completions?api-version=2024-02-01",
		nil, []byte(`{}`))
	gw.Handle(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200", ctx.Response.StatusCode())
	}

	buf, err := io.ReadAll(ctx.Response.BodyStream())
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	body := string(buf)
	for _, want := range []string{"Hel", "lo", "[DONE]"} {
		if !strings.Contains(body, want) {
			t.Fatalf("streamed body = %q, missing %q", body, want)
		}
	}
}
