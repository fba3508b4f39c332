package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/powerproxy/internal/config"
	"github.com/nulpointcorp/powerproxy/internal/metrics"
	"github.com/nulpointcorp/powerproxy/internal/plugin"
	"github.com/nulpointcorp/powerproxy/internal/plugins/limitusage"
	"github.com/nulpointcorp/powerproxy/internal/plugins/logusage"
	"github.com/nulpointcorp/powerproxy/internal/proxy"
	"github.com/nulpointcorp/powerproxy/internal/targets"
	"github.com/nulpointcorp/powerproxy/internal/upstream"
)

// initInfra establishes optional external connections. Redis is only
// required when a LimitUsage plugin entry names the redis backend.
func (a *App) initInfra(ctx context.Context) error {
	if !usesRedisBackend(a.cfg) {
		return nil
	}

	if a.cfg.Redis.URL == "" {
		return fmt.Errorf("a LimitUsage plugin entry names the redis backend but redis.url is not configured")
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))
	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	return nil
}

// usesRedisBackend reports whether any configured LimitUsage plugin entry
// names the redis backend.
func usesRedisBackend(cfg *config.Config) bool {
	for _, pc := range cfg.Plugins {
		if pc.Name != "LimitUsage" {
			continue
		}
		if backend, _ := pc.Config["backend"].(string); backend == "redis" {
			return true
		}
	}
	return false
}

// initPlugins instantiates the configured plugin chain in declaration order.
func (a *App) initPlugins(_ context.Context) error {
	plugins, sinks, err := buildPlugins(a.cfg, a.rdb, a.clk, a.log)
	if err != nil {
		return err
	}
	a.host = plugin.NewHost(plugins)
	a.sinks = sinks

	if err := a.host.Instantiate(a.baseCtx); err != nil {
		return fmt.Errorf("instantiating plugins: %w", err)
	}

	names := make([]string, 0, len(plugins))
	for _, p := range plugins {
		names = append(names, p.Name())
	}
	a.log.Info("plugins loaded", slog.Any("plugins", names))

	for _, line := range a.host.PrintConfiguration() {
		a.log.Info("plugin configuration", slog.String("plugin", line))
	}

	return nil
}

// initServices builds the target registry, per-endpoint upstream clients,
// the token source, and the Prometheus metrics registry.
func (a *App) initServices(_ context.Context) error {
	a.registry = targets.Build(a.cfg)

	a.endpoints = make(map[string]*upstream.Endpoint, len(a.cfg.AOAI.Endpoints))
	for _, ep := range a.cfg.AOAI.Endpoints {
		a.endpoints[ep.Name] = upstream.New(ep)
	}

	a.tokens = buildTokenSource(a.cfg.Entra)

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires the dispatch engine over all previously built
// subsystems.
func (a *App) initGateway(_ context.Context) error {
	a.host.SetMetrics(a.prom)
	for _, p := range a.host.Plugins() {
		switch pl := p.(type) {
		case *limitusage.Plugin:
			pl.SetMetrics(a.prom)
		case *logusage.Plugin:
			pl.SetMetrics(a.prom)
		}
	}

	a.gw = proxy.New(a.cfg, a.registry, a.endpoints, a.host, a.clk, a.tokens, a.prom, a.log)

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe
// logging, e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379".
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
