package plugin

import (
	"context"
	"fmt"

	"github.com/nulpointcorp/powerproxy/internal/metrics"
	"github.com/nulpointcorp/powerproxy/internal/routingslip"
)

// Host holds the ordered collection of plugin instances and fans hooks out
// across them, stopping at the first ImmediateResponse or error. Ordering is
// configuration-declaration order, fixed at construction.
type Host struct {
	plugins []Plugin
	metrics *metrics.Registry
}

// NewHost builds a Host over plugins in the given (declaration) order.
func NewHost(plugins []Plugin) *Host { return &Host{plugins: plugins} }

// SetMetrics attaches a metrics registry. Every hook fired afterward records
// its outcome (ok, immediate, error) against it. m may be nil to disable.
func (h *Host) SetMetrics(m *metrics.Registry) { h.metrics = m }

// Plugins returns the ordered plugin list, for diagnostic enumeration.
func (h *Host) Plugins() []Plugin { return h.plugins }

// PrintConfiguration returns one diagnostic line per plugin, in declaration
// order, calling each plugin's own OnPrintConfiguration.
func (h *Host) PrintConfiguration() []string {
	lines := make([]string, 0, len(h.plugins))
	for _, p := range h.plugins {
		lines = append(lines, fmt.Sprintf("%s: %s", p.Name(), p.OnPrintConfiguration()))
	}
	return lines
}

// Instantiate fires OnPluginInstantiated on every plugin, in order.
func (h *Host) Instantiate(ctx context.Context) error {
	for _, p := range h.plugins {
		if err := p.OnPluginInstantiated(ctx); err != nil {
			return fmt.Errorf("plugin %s: on_plugin_instantiated: %w", p.Name(), err)
		}
	}
	return nil
}

type hookFunc func(Plugin, context.Context, *routingslip.Slip) (*ImmediateResponse, error)

func (h *Host) fire(name string, ctx context.Context, slip *routingslip.Slip, fn hookFunc) (*ImmediateResponse, error) {
	for _, p := range h.plugins {
		resp, err := fn(p, ctx, slip)
		if err != nil {
			h.observe(name, p.Name(), "error")
			return nil, fmt.Errorf("plugin %s: %s: %w", p.Name(), name, err)
		}
		if resp != nil {
			h.observe(name, p.Name(), "immediate")
			return resp, nil
		}
		h.observe(name, p.Name(), "ok")
	}
	return nil, nil
}

func (h *Host) observe(hook, plugin, outcome string) {
	if h.metrics != nil {
		h.metrics.ObservePluginHook(hook, plugin, outcome)
	}
}

// FireNewRequestReceived fires on_new_request_received across all plugins.
func (h *Host) FireNewRequestReceived(ctx context.Context, slip *routingslip.Slip) (*ImmediateResponse, error) {
	return h.fire("on_new_request_received", ctx, slip, Plugin.OnNewRequestReceived)
}

// FireClientIdentified fires on_client_identified. Callers must only invoke
// this when slip.HasClient() is true.
func (h *Host) FireClientIdentified(ctx context.Context, slip *routingslip.Slip) (*ImmediateResponse, error) {
	return h.fire("on_client_identified", ctx, slip, Plugin.OnClientIdentified)
}

// FireHeadersFromTargetReceived fires on_headers_from_target_received.
func (h *Host) FireHeadersFromTargetReceived(ctx context.Context, slip *routingslip.Slip) (*ImmediateResponse, error) {
	return h.fire("on_headers_from_target_received", ctx, slip, Plugin.OnHeadersFromTargetReceived)
}

// FireBodyDictFromTargetAvailable fires on_body_dict_from_target_available.
func (h *Host) FireBodyDictFromTargetAvailable(ctx context.Context, slip *routingslip.Slip) (*ImmediateResponse, error) {
	return h.fire("on_body_dict_from_target_available", ctx, slip, Plugin.OnBodyDictFromTargetAvailable)
}

// FireDataEventFromTargetReceived fires on_data_event_from_target_received.
func (h *Host) FireDataEventFromTargetReceived(ctx context.Context, slip *routingslip.Slip) (*ImmediateResponse, error) {
	return h.fire("on_data_event_from_target_received", ctx, slip, Plugin.OnDataEventFromTargetReceived)
}

// FireEndOfTargetResponseStreamReached fires on_end_of_target_response_stream_reached.
func (h *Host) FireEndOfTargetResponseStreamReached(ctx context.Context, slip *routingslip.Slip) (*ImmediateResponse, error) {
	return h.fire("on_end_of_target_response_stream_reached", ctx, slip, Plugin.OnEndOfTargetResponseStreamReached)
}

// FireTokenCountsForRequestAvailable fires on_token_counts_for_request_available.
func (h *Host) FireTokenCountsForRequestAvailable(ctx context.Context, slip *routingslip.Slip) (*ImmediateResponse, error) {
	return h.fire("on_token_counts_for_request_available", ctx, slip, Plugin.OnTokenCountsForRequestAvailable)
}
