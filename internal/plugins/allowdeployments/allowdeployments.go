// Package allowdeployments implements the AllowDeployments built-in plugin:
// an allow-list enforcer keyed on the client's deployments_allowed setting.
package allowdeployments

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nulpointcorp/powerproxy/internal/config"
	"github.com/nulpointcorp/powerproxy/internal/plugin"
	"github.com/nulpointcorp/powerproxy/internal/routingslip"
)

// Plugin denies access to virtual deployments not named in the identified
// client's "deployments_allowed" setting.
type Plugin struct {
	plugin.Base
	cfg *config.Config
}

// New constructs the plugin against the loaded configuration.
func New(cfg *config.Config) *Plugin { return &Plugin{cfg: cfg} }

// Name implements plugin.Plugin.
func (*Plugin) Name() string { return "AllowDeployments" }

// OnClientIdentified implements the allow-list check.
func (p *Plugin) OnClientIdentified(_ context.Context, slip *routingslip.Slip) (*plugin.ImmediateResponse, error) {
	client, ok := p.cfg.ClientByName(slip.Client)
	if !ok {
		return nil, nil
	}

	allowed, hasSetting := deploymentsAllowed(client.Settings)
	if hasSetting {
		for _, d := range allowed {
			if d == slip.VirtualDeployment {
				return nil, nil
			}
		}
	}

	msg := fmt.Sprintf(
		"Access to requested deployment '%s' is denied. The PowerProxy configuration for client '%s' "+
			"misses a 'deployments_allowed' setting which includes that deployment. This needs to be set "+
			"when the AllowDeployments plugin is enabled.",
		slip.VirtualDeployment, slip.Client,
	)
	body, _ := json.Marshal(map[string]string{"error": msg})
	return &plugin.ImmediateResponse{
		StatusCode: 401,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}, nil
}

// deploymentsAllowed reads the client's deployments_allowed setting, which
// is accepted as either a comma-separated string or a list of strings.
func deploymentsAllowed(settings map[string]any) ([]string, bool) {
	raw, ok := settings["deployments_allowed"]
	if !ok {
		return nil, false
	}
	switch t := raw.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	case string:
		return splitCSV(t), true
	default:
		return nil, false
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
