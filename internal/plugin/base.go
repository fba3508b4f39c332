package plugin

import (
	"context"

	"github.com/nulpointcorp/powerproxy/internal/routingslip"
)

// Base implements every hook as a no-op. Concrete plugins embed Base and
// override only the hooks relevant to them.
type Base struct{}

func (Base) OnPluginInstantiated(context.Context) error { return nil }
func (Base) OnPrintConfiguration() string               { return "" }

func (Base) OnNewRequestReceived(context.Context, *routingslip.Slip) (*ImmediateResponse, error) {
	return nil, nil
}

func (Base) OnClientIdentified(context.Context, *routingslip.Slip) (*ImmediateResponse, error) {
	return nil, nil
}

func (Base) OnHeadersFromTargetReceived(context.Context, *routingslip.Slip) (*ImmediateResponse, error) {
	return nil, nil
}

func (Base) OnBodyDictFromTargetAvailable(context.Context, *routingslip.Slip) (*ImmediateResponse, error) {
	return nil, nil
}

func (Base) OnDataEventFromTargetReceived(context.Context, *routingslip.Slip) (*ImmediateResponse, error) {
	return nil, nil
}

func (Base) OnEndOfTargetResponseStreamReached(context.Context, *routingslip.Slip) (*ImmediateResponse, error) {
	return nil, nil
}

func (Base) OnTokenCountsForRequestAvailable(context.Context, *routingslip.Slip) (*ImmediateResponse, error) {
	return nil, nil
}
