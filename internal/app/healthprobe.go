package app

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/powerproxy/internal/metrics"
	"github.com/nulpointcorp/powerproxy/internal/upstream"
)

const (
	probeInterval = 30 * time.Second
	probeTimeout  = 5 * time.Second
)

// endpointProber runs background liveness probes against every configured
// endpoint purely to drive a Prometheus gauge; it never influences target
// selection.
type endpointProber struct {
	endpoints map[string]*upstream.Endpoint
	metrics   *metrics.Registry
}

func newEndpointProber(endpoints map[string]*upstream.Endpoint, m *metrics.Registry) *endpointProber {
	return &endpointProber{endpoints: endpoints, metrics: m}
}

// run probes all endpoints once immediately, then on every tick, until ctx
// is cancelled. Safe to call with zero endpoints (mock-mode configs).
func (p *endpointProber) run(ctx context.Context) error {
	if len(p.endpoints) == 0 || p.metrics == nil {
		<-ctx.Done()
		return nil
	}

	p.probeAll(ctx)

	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.probeAll(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *endpointProber) probeAll(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for name, ep := range p.endpoints {
		wg.Add(1)
		go func(name string, ep *upstream.Endpoint) {
			defer wg.Done()
			p.metrics.SetEndpointReachable(name, ep.Ping(probeCtx) == nil)
		}(name, ep)
	}
	wg.Wait()
}
