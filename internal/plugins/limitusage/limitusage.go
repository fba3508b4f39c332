// Package limitusage implements the LimitUsage built-in plugin: a
// token-bucket-style per-(client,virtual_deployment) rate limiter with a
// per-minute fixed-window reset, backed by either a process-local map or
// Redis.
package limitusage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nulpointcorp/powerproxy/internal/clock"
	"github.com/nulpointcorp/powerproxy/internal/config"
	"github.com/nulpointcorp/powerproxy/internal/metrics"
	"github.com/nulpointcorp/powerproxy/internal/plugin"
	"github.com/nulpointcorp/powerproxy/internal/routingslip"
)

// Plugin enforces a per-minute token budget per (client, virtual deployment)
// pair.
type Plugin struct {
	plugin.Base
	plugin.TokenCounting

	cfg     *config.Config
	backend Backend
	clock   clock.Source
	metrics *metrics.Registry
}

// New constructs the plugin. backend is typically a *LocalBackend or a
// *RedisBackend, selected by the caller based on whether the plugin's own
// config names a remote store.
func New(cfg *config.Config, backend Backend, clk clock.Source) *Plugin {
	return &Plugin{cfg: cfg, backend: backend, clock: clk}
}

// SetMetrics attaches a metrics registry recording allow/block decisions. m
// may be nil to disable.
func (p *Plugin) SetMetrics(m *metrics.Registry) { p.metrics = m }

// Name implements plugin.Plugin.
func (*Plugin) Name() string { return "LimitUsage" }

// OnPrintConfiguration implements plugin.Plugin.
func (p *Plugin) OnPrintConfiguration() string {
	return fmt.Sprintf("backend=%T", p.backend)
}

// OnClientIdentified enforces the per-minute budget gate.
func (p *Plugin) OnClientIdentified(ctx context.Context, slip *routingslip.Slip) (*plugin.ImmediateResponse, error) {
	client, ok := p.cfg.ClientByName(slip.Client)
	if !ok {
		return nil, nil
	}

	fullBudget, err := budgetForDeployment(client.Settings, slip.VirtualDeployment, slip.Client)
	if err != nil {
		return errorResponse(500, err.Error()), nil
	}

	key := fmt.Sprintf("%s-%s", slip.Client, slip.VirtualDeployment)
	currentMinute := p.clock.NowMs() / 1000 / 60

	budget, err := p.backend.CheckAndInit(ctx, key, currentMinute, fullBudget)
	if err != nil {
		return errorResponse(500, fmt.Sprintf("LimitUsage: %s", err)), nil
	}

	if budget <= 0 {
		p.recordDecision(slip.Client, "block")
		msg := fmt.Sprintf(
			"Too many requests for client '%s' / virtual deployment '%s'. Try again later.",
			slip.Client, slip.VirtualDeployment,
		)
		body, _ := json.Marshal(map[string]string{"message": msg})
		return &plugin.ImmediateResponse{
			StatusCode: 429,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       body,
		}, nil
	}

	p.recordDecision(slip.Client, "allow")
	return nil, nil
}

func (p *Plugin) recordDecision(client, result string) {
	if p.metrics != nil {
		p.metrics.RecordRateLimitDecision(client, result)
	}
}

// OnBodyDictFromTargetAvailable counts tokens for the non-streaming path.
// The plugin counts its own tokens rather than relying on another plugin
// (e.g. LogUsage) to have populated the routing slip first, since operators
// may enable LimitUsage without LogUsage.
func (p *Plugin) OnBodyDictFromTargetAvailable(_ context.Context, slip *routingslip.Slip) (*plugin.ImmediateResponse, error) {
	p.TokenCounting.CountFromBody(slip)
	return nil, nil
}

// OnDataEventFromTargetReceived accumulates an approximate completion-token
// count for the streaming path.
func (p *Plugin) OnDataEventFromTargetReceived(_ context.Context, slip *routingslip.Slip) (*plugin.ImmediateResponse, error) {
	p.TokenCounting.CountChunk(slip, slip.DataFromTarget)
	return nil, nil
}

// OnTokenCountsForRequestAvailable decrements the stored budget once token
// counts are known.
func (p *Plugin) OnTokenCountsForRequestAvailable(ctx context.Context, slip *routingslip.Slip) (*plugin.ImmediateResponse, error) {
	if !slip.HasClient() || slip.VirtualDeployment == "" {
		return nil, nil
	}
	key := fmt.Sprintf("%s-%s", slip.Client, slip.VirtualDeployment)
	if err := p.backend.Decrement(ctx, key, int64(slip.TotalTokens)); err != nil {
		return nil, fmt.Errorf("decrement budget: %w", err)
	}
	return nil, nil
}

// budgetForDeployment resolves max_tokens_per_minute_in_k (scalar or
// deployment-keyed mapping) into a token budget. The setting is required for
// any client while LimitUsage is enabled; its absence, like a missing
// per-deployment entry in the mapping form, is a configuration error.
func budgetForDeployment(settings map[string]any, deployment, client string) (int64, error) {
	raw, ok := settings["max_tokens_per_minute_in_k"]
	if !ok {
		return 0, fmt.Errorf(
			"Configuration for client '%s' misses a 'max_tokens_per_minute_in_k' setting. This needs to be "+
				"set when the LimitUsage plugin is enabled.", client,
		)
	}

	switch t := raw.(type) {
	case float64:
		return int64(t * 1000), nil
	case int:
		return int64(t) * 1000, nil
	case map[string]any:
		v, ok := t[deployment]
		if !ok {
			return 0, fmt.Errorf(
				"Configuration for client '%s' misses a 'max_tokens_per_minute_in_k' entry for "+
					"virtual deployment '%s'. This needs to be set when the LimitUsage plugin is enabled.",
				client, deployment,
			)
		}
		f, ok := v.(float64)
		if !ok {
			return 0, fmt.Errorf("Configuration for client '%s' has a non-numeric max_tokens_per_minute_in_k entry for '%s'", client, deployment)
		}
		return int64(f * 1000), nil
	default:
		return 0, fmt.Errorf(
			"Configuration for client '%s' misses a 'max_tokens_per_minute_in_k' setting. This needs to be "+
				"set when the LimitUsage plugin is enabled.", client,
		)
	}
}

func errorResponse(status int, msg string) *plugin.ImmediateResponse {
	body, _ := json.Marshal(map[string]string{"error": msg})
	return &plugin.ImmediateResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}
