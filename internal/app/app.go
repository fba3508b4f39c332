// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis, only when a LimitUsage
//     plugin entry names the redis backend)
//  2. initPlugins  — instantiate the configured plugin chain
//  3. initServices — metrics registry, target registry, upstream endpoint
//     clients, token source
//  4. initGateway  — dispatch engine + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/powerproxy/internal/clock"
	"github.com/nulpointcorp/powerproxy/internal/config"
	"github.com/nulpointcorp/powerproxy/internal/metrics"
	"github.com/nulpointcorp/powerproxy/internal/plugin"
	"github.com/nulpointcorp/powerproxy/internal/plugins/logusage"
	"github.com/nulpointcorp/powerproxy/internal/proxy"
	"github.com/nulpointcorp/powerproxy/internal/targets"
	"github.com/nulpointcorp/powerproxy/internal/tokensource"
	"github.com/nulpointcorp/powerproxy/internal/upstream"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	sinks []logusage.Sink
	prom  *metrics.Registry

	registry  *targets.Registry
	endpoints map[string]*upstream.Endpoint
	host      *plugin.Host
	tokens    tokensource.Source
	clk       clock.Source

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway

	closeMu sync.Mutex
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log, clk: clock.Real{}}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"plugins", a.initPlugins},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and the background endpoint-liveness prober,
// and blocks until ctx is cancelled or an error occurs. It closes the app
// gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting powerproxy",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("targets", len(a.registry.All())),
		slog.Int("plugins", len(a.host.Plugins())),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		return newEndpointProber(a.endpoints, a.prom).run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()

	for _, s := range a.sinks {
		if err := s.Close(); err != nil {
			a.log.Error("usage sink close error", slog.String("error", err.Error()))
		}
	}
	a.sinks = nil

	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}
