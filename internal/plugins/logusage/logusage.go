package logusage

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/nulpointcorp/powerproxy/internal/metrics"
	"github.com/nulpointcorp/powerproxy/internal/plugin"
	"github.com/nulpointcorp/powerproxy/internal/routingslip"
)

var deploymentIDPattern = regexp.MustCompile(`.*/deployments/([a-zA-Z0-9_-]+)/.*`)

// Plugin appends one usage record per completed request to every configured
// sink.
type Plugin struct {
	plugin.Base
	plugin.TokenCounting

	sinks   []Sink
	metrics *metrics.Registry
}

// New constructs the plugin over one or more sinks, run in declaration
// order. Configuring several LogUsage plugin entries side by side, each
// with its own sink, is supported by the host's ordinary plugin ordering.
func New(sinks ...Sink) *Plugin { return &Plugin{sinks: sinks} }

// SetMetrics attaches a metrics registry recording sink write outcomes. m
// may be nil to disable.
func (p *Plugin) SetMetrics(m *metrics.Registry) { p.metrics = m }

// Name implements plugin.Plugin.
func (*Plugin) Name() string { return "LogUsage" }

// OnPrintConfiguration implements plugin.Plugin.
func (p *Plugin) OnPrintConfiguration() string {
	kinds := make([]string, len(p.sinks))
	for i, s := range p.sinks {
		kinds[i] = fmt.Sprintf("%T", s)
	}
	return fmt.Sprintf("sinks=%v", kinds)
}

// OnHeadersFromTargetReceived captures the upstream region header.
func (p *Plugin) OnHeadersFromTargetReceived(_ context.Context, slip *routingslip.Slip) (*plugin.ImmediateResponse, error) {
	slip.AOAIRegion = firstHeader(slip.HeadersFromTarget, "x-ms-region")
	return nil, nil
}

// OnBodyDictFromTargetAvailable handles the non-streaming path: extract
// token counts, then append the record.
func (p *Plugin) OnBodyDictFromTargetAvailable(_ context.Context, slip *routingslip.Slip) (*plugin.ImmediateResponse, error) {
	p.TokenCounting.CountFromBody(slip)
	p.appendRecord(slip, false)
	return nil, nil
}

// OnDataEventFromTargetReceived accumulates an approximate completion-token
// count for the streaming path.
func (p *Plugin) OnDataEventFromTargetReceived(_ context.Context, slip *routingslip.Slip) (*plugin.ImmediateResponse, error) {
	p.TokenCounting.CountChunk(slip, slip.DataFromTarget)
	return nil, nil
}

// OnEndOfTargetResponseStreamReached appends the record for the streaming
// path once the stream completes.
func (p *Plugin) OnEndOfTargetResponseStreamReached(_ context.Context, slip *routingslip.Slip) (*plugin.ImmediateResponse, error) {
	p.appendRecord(slip, true)
	return nil, nil
}

func (p *Plugin) appendRecord(slip *routingslip.Slip, streaming bool) {
	r := Record{
		RequestReceivedUTC: slip.RequestReceivedUTC,
		Client:             slip.Client,
		IsStreaming:        streaming,
		PromptTokens:       slip.PromptTokens,
		CompletionTokens:   slip.CompletionTokens,
		TotalTokens:        slip.TotalTokens,
		RoundtripMs:        slip.RoundtripMs,
		Region:             slip.AOAIRegion,
		Endpoint:           slip.AOAIEndpoint,
		DeploymentID:       deploymentID(slip.Path),
		TimeToResponseMs:   slip.TimeToResponseMs,
	}
	for _, s := range p.sinks {
		result := "ok"
		if err := s.Append(r); err != nil {
			result = "error"
		}
		if p.metrics != nil {
			p.metrics.RecordUsageRecord(fmt.Sprintf("%T", s), result)
		}
	}
}

func deploymentID(path string) string {
	m := deploymentIDPattern.FindStringSubmatch(path)
	if len(m) != 2 {
		return ""
	}
	return m[1]
}

func firstHeader(headers map[string][]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}
