package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nulpointcorp/powerproxy/internal/config"
	"github.com/nulpointcorp/powerproxy/internal/metrics"
	"github.com/nulpointcorp/powerproxy/internal/upstream"
)

func TestProbeAllSetsReachableForLiveEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer srv.Close()

	m := metrics.New()
	ep := upstream.New(config.EndpointConfig{Name: "e1", URL: srv.URL})
	p := newEndpointProber(map[string]*upstream.Endpoint{"e1": ep}, m)

	p.probeAll(context.Background())

	if got := endpointReachableGauge(m, "e1"); got != 1 {
		t.Fatalf("endpoint_reachable = %v, want 1", got)
	}
}

func TestProbeAllSetsUnreachableForDeadEndpoint(t *testing.T) {
	m := metrics.New()
	ep := upstream.New(config.EndpointConfig{Name: "e1", URL: "http://127.0.0.1:1"})
	p := newEndpointProber(map[string]*upstream.Endpoint{"e1": ep}, m)

	p.probeAll(context.Background())

	if got := endpointReachableGauge(m, "e1"); got != 0 {
		t.Fatalf("endpoint_reachable = %v, want 0", got)
	}
}

func TestRunReturnsWhenContextCancelledWithNoEndpoints(t *testing.T) {
	p := newEndpointProber(nil, metrics.New())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := p.run(ctx); err != nil {
		t.Fatalf("run() error = %v, want nil", err)
	}
}

// endpointReachableGauge reads back the gauge through the public Prometheus
// registry since powerproxy_endpoint_reachable has no package-level getter.
func endpointReachableGauge(m *metrics.Registry, endpoint string) float64 {
	families, err := m.PromRegistry().Gather()
	if err != nil {
		return -1
	}
	for _, f := range families {
		if f.GetName() != "powerproxy_endpoint_reachable" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "endpoint" && l.GetValue() == endpoint {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	return -1
}
