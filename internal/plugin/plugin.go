// Package plugin defines the hook protocol plugins implement and the
// ordered-dispatch Host that fires hooks across them.
//
// ImmediateResponse is a tagged return value, not a panic/exception: a
// plugin short-circuits the pipeline by returning one rather than by
// raising.
package plugin

import (
	"context"

	"github.com/nulpointcorp/powerproxy/internal/routingslip"
)

// ImmediateResponse is a fully-formed HTTP response a plugin may return from
// any hook to short-circuit the remaining hooks and the dispatch engine.
type ImmediateResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Plugin is the full hook capability set. Plugins embed Base and override
// only the hooks they need.
type Plugin interface {
	Name() string

	OnPluginInstantiated(ctx context.Context) error
	OnPrintConfiguration() string

	OnNewRequestReceived(ctx context.Context, slip *routingslip.Slip) (*ImmediateResponse, error)
	OnClientIdentified(ctx context.Context, slip *routingslip.Slip) (*ImmediateResponse, error)
	OnHeadersFromTargetReceived(ctx context.Context, slip *routingslip.Slip) (*ImmediateResponse, error)
	OnBodyDictFromTargetAvailable(ctx context.Context, slip *routingslip.Slip) (*ImmediateResponse, error)
	OnDataEventFromTargetReceived(ctx context.Context, slip *routingslip.Slip) (*ImmediateResponse, error)
	OnEndOfTargetResponseStreamReached(ctx context.Context, slip *routingslip.Slip) (*ImmediateResponse, error)
	OnTokenCountsForRequestAvailable(ctx context.Context, slip *routingslip.Slip) (*ImmediateResponse, error)
}
