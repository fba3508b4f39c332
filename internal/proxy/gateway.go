// Package proxy implements the request-dispatch engine: the per-request
// pipeline that identifies the caller, resolves the requested virtual
// deployment to a concrete upstream target via a health-aware multi-attempt
// selection loop, rewrites auth headers and path, forwards the request as a
// buffered response or a streamed event channel, and fires the plugin
// lifecycle hooks around it.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/powerproxy/internal/clock"
	"github.com/nulpointcorp/powerproxy/internal/config"
	"github.com/nulpointcorp/powerproxy/internal/metrics"
	"github.com/nulpointcorp/powerproxy/internal/plugin"
	"github.com/nulpointcorp/powerproxy/internal/routingslip"
	"github.com/nulpointcorp/powerproxy/internal/targets"
	"github.com/nulpointcorp/powerproxy/internal/tokensource"
	"github.com/nulpointcorp/powerproxy/internal/upstream"
	"github.com/nulpointcorp/powerproxy/pkg/apierr"
)

const deploymentsSegment = "deployments/"

// defaultCooldownMs is the cooldown applied to a target when the upstream
// response carries no "retry-after-ms" header.
const defaultCooldownMs = 10_000

// Gateway is the dispatch engine. One instance is built at startup and
// serves every request concurrently; all of its fields are read-only after
// construction except through the sub-objects' own synchronization
// (targets.Target's cooldown deadline, the plugin backends).
type Gateway struct {
	cfg       *config.Config
	registry  *targets.Registry
	endpoints map[string]*upstream.Endpoint
	host      *plugin.Host
	clock     clock.Source
	tokens    tokensource.Source
	metrics   *metrics.Registry
	log       *slog.Logger
}

// New builds a Gateway over its fully-wired dependencies. m may be nil
// (metrics become no-ops).
func New(
	cfg *config.Config,
	registry *targets.Registry,
	endpoints map[string]*upstream.Endpoint,
	host *plugin.Host,
	clk clock.Source,
	tokens tokensource.Source,
	m *metrics.Registry,
	log *slog.Logger,
) *Gateway {
	return &Gateway{
		cfg: cfg, registry: registry, endpoints: endpoints, host: host,
		clock: clk, tokens: tokens, metrics: m, log: log,
	}
}

// Handle is the fasthttp entry point for every GET/POST the router does not
// reserve for liveness/metrics.
func (g *Gateway) Handle(ctx *fasthttp.RequestCtx) {
	if g.metrics != nil {
		g.metrics.IncInFlight()
		defer g.metrics.DecInFlight()
	}

	slip := g.newSlip(ctx)
	g.resolveDeployment(slip)

	if g.metrics != nil {
		start := time.Now()
		route := slip.VirtualDeployment
		if route == "" {
			route = "unknown"
		}
		defer func() {
			g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
		}()
	}

	if resp, err := g.host.FireNewRequestReceived(ctx, slip); err != nil {
		g.internalError(ctx, "on_new_request_received", err)
		return
	} else if resp != nil {
		writeImmediate(ctx, resp)
		return
	}

	if immediate := g.identifyClient(slip); immediate != nil {
		writeImmediate(ctx, immediate)
		return
	}
	if slip.HasClient() {
		if resp, err := g.host.FireClientIdentified(ctx, slip); err != nil {
			g.internalError(ctx, "on_client_identified", err)
			return
		} else if resp != nil {
			writeImmediate(ctx, resp)
			return
		}
	}

	if names := g.registry.VirtualDeploymentNames(); len(names) > 0 && !names[slip.VirtualDeployment] {
		apierr.WriteError(ctx, fasthttp.StatusBadRequest, fmt.Sprintf(
			"The specified deployment '%s' is not available. Ensure that you send the request to an "+
				"existing virtual deployment configured in PowerProxy.", slip.VirtualDeployment))
		return
	}

	g.dispatch(ctx, slip)
}

// newSlip builds the per-request RoutingSlip from the raw fasthttp request.
func (g *Gateway) newSlip(ctx *fasthttp.RequestCtx) *routingslip.Slip {
	method := string(ctx.Method())
	path := string(ctx.Path())
	body := append([]byte(nil), ctx.PostBody()...)

	slip := routingslip.New(method, collectHeaders(ctx), collectQuery(ctx), body, path)
	slip.APIVersion = string(ctx.QueryArgs().Peek("api-version"))
	return slip
}

// resolveDeployment extracts the target virtual deployment from the path's
// "deployments/{name}" segment, falling back to the request body's "model"
// field against the configured open-source deployment names.
func (g *Gateway) resolveDeployment(slip *routingslip.Slip) {
	if seg, ok := deploymentSegment(slip.Path); ok {
		slip.VirtualDeployment = seg
		return
	}

	var body map[string]any
	if json.Unmarshal(slip.Incoming.Body, &body) == nil {
		if model, ok := body["model"].(string); ok {
			for _, d := range g.cfg.OpensourceDeployments {
				if d == model {
					slip.VirtualDeployment = model
					return
				}
			}
		}
	}
}

// identifyClient maps the inbound api-key or Authorization header to a
// configured client name. Returns a non-nil ImmediateResponse on
// authentication failure.
func (g *Gateway) identifyClient(slip *routingslip.Slip) *plugin.ImmediateResponse {
	if apiKey, ok := headerValue(slip.Incoming.Headers, "api-key"); ok {
		name, found := g.cfg.APIKeyToClient()[apiKey]
		if !found {
			return errorResponse(fasthttp.StatusUnauthorized,
				"The provided API key is not a valid PowerProxy key. Ensure that the 'api-key' header "+
					"contains a valid API key from the PowerProxy's configuration.")
		}
		slip.Client = name
		return nil
	}

	if _, ok := headerValue(slip.Incoming.Headers, "authorization"); ok {
		name, found := g.cfg.EntraClient()
		if !found {
			return errorResponse(fasthttp.StatusBadRequest,
				"When Entra ID/Azure AD is used to authenticate, PowerProxy needs a client in its "+
					"configuration configured with 'uses_entra_id_auth: true', so PowerProxy can map the "+
					"request to a client.")
		}
		slip.Client = name
		return nil
	}

	return nil
}

// dispatch runs the target-selection loop and forwards the request to the
// first target that yields an acceptable response.
func (g *Gateway) dispatch(ctx *fasthttp.RequestCtx, slip *routingslip.Slip) {
	originalPath := slip.Path

	for _, t := range g.registry.All() {
		nowMs := g.clock.NowMs()

		if t.IsCoolingDown(nowMs) {
			if g.metrics != nil {
				g.metrics.SetCoolingDown(targetLabel(t), true)
			}
			continue
		}
		if g.metrics != nil {
			g.metrics.SetCoolingDown(targetLabel(t), false)
		}
		if t.Kind == targets.KindStandin && slip.VirtualDeployment != t.VirtualDeployment {
			continue
		}
		if !g.passesStreamingFractionGate(slip, t) {
			continue
		}

		reqPath := rewritePath(originalPath, t)
		pathAndQuery := reqPath
		if q := ctx.URI().QueryString(); len(q) > 0 {
			pathAndQuery += "?" + string(q)
		}
		headers, err := g.rewriteHeaders(ctx, slip.Incoming.Headers, t)
		if err != nil {
			g.log.Error("header rewrite failed", slog.String("target", targetLabel(t)), slog.String("error", err.Error()))
			continue
		}

		slip.AOAIEndpoint = t.EndpointName
		if t.Kind == targets.KindStandin {
			slip.AOAIVirtualDeployment = t.VirtualDeployment
			slip.AOAIStandinDeployment = t.StandinName
		} else {
			slip.AOAIVirtualDeployment = ""
			slip.AOAIStandinDeployment = ""
		}
		slip.RequestStartTime = time.Now()

		resp, err := g.send(ctx, t, string(ctx.Method()), pathAndQuery, headers, slip.Incoming.Body)
		attemptDur := time.Since(slip.RequestStartTime)
		if err != nil {
			// A connect/read/write/pool timeout or transport failure is
			// classified as a 408-equivalent failure for cooldown purposes.
			g.log.Warn("upstream send failed", slog.String("target", targetLabel(t)), slog.String("error", err.Error()))
			t.SetCooldownUntilMs(nowMs + defaultCooldownMs)
			if g.metrics != nil {
				g.metrics.IncCooldown(targetLabel(t))
				g.metrics.ObserveTargetAttempt(targetLabel(t), "error", attemptDur)
			}
			continue
		}

		switch {
		case resp.StatusCode == fasthttp.StatusOK || resp.StatusCode == fasthttp.StatusUnauthorized:
			if g.metrics != nil {
				g.metrics.ObserveTargetAttempt(targetLabel(t), "success", attemptDur)
			}
			slip.Path = reqPath
			g.forward(ctx, slip, resp)
			return

		case resp.StatusCode == fasthttp.StatusRequestTimeout ||
			resp.StatusCode == fasthttp.StatusTooManyRequests ||
			resp.StatusCode == fasthttp.StatusInternalServerError:
			retryMs := retryAfterMsOrDefault(resp.Headers.Get("retry-after-ms"))
			drain(resp)
			t.SetCooldownUntilMs(nowMs + retryMs)
			if g.metrics != nil {
				g.metrics.IncCooldown(targetLabel(t))
				g.metrics.ObserveTargetAttempt(targetLabel(t), "cooldown", attemptDur)
			}
			continue

		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			drain(resp)
			g.log.Warn("unexpected upstream status",
				slog.String("target", targetLabel(t)),
				slog.Int("status", resp.StatusCode),
				slog.String("path", reqPath),
				slog.String("body", string(body)),
			)
			if g.metrics != nil {
				g.metrics.ObserveTargetAttempt(targetLabel(t), "rejected", attemptDur)
			}
			continue
		}
	}

	apierr.WriteRetryableMessage(ctx, fasthttp.StatusTooManyRequests,
		"Could not find any endpoint or deployment with remaining capacity. Try again later.", defaultCooldownMs)
}

// passesStreamingFractionGate decides whether this target accepts a
// non-streaming request given its configured NonStreamingFraction.
func (g *Gateway) passesStreamingFractionGate(slip *routingslip.Slip, t *targets.Target) bool {
	if !slip.IsNonStreamingResponseRequested {
		return true
	}
	if t.NonStreamingFraction == 1 {
		return true
	}
	if t.NonStreamingFraction == 0 {
		return false
	}
	return g.clock.Float64() <= t.NonStreamingFraction
}

// send performs the upstream request for one target attempt, dispatching to
// the mock handler or the target's pooled endpoint client.
func (g *Gateway) send(ctx context.Context, t *targets.Target, method, path string, headers map[string][]string, body []byte) (*upstream.Response, error) {
	if t.Kind == targets.KindMock {
		return sendMock(ctx, t)
	}

	ep, ok := g.endpoints[t.EndpointName]
	if !ok {
		return nil, fmt.Errorf("gateway: no endpoint client configured for %q", t.EndpointName)
	}

	return ep.Send(ctx, upstream.Request{
		Method:       method,
		PathAndQuery: path,
		Headers:      headers,
		Body:         body,
	})
}

// rewriteHeaders substitutes the caller's api-key with the selected
// endpoint's own key, or strips it and attaches a bearer token from the
// configured TokenSource when the endpoint carries no key of its own.
func (g *Gateway) rewriteHeaders(ctx context.Context, orig map[string][]string, t *targets.Target) (map[string][]string, error) {
	headers := cloneHeaders(orig)

	_, hadAPIKey := headerValue(orig, "api-key")
	if !hadAPIKey {
		return headers, nil
	}

	if t.Kind != targets.KindMock {
		if ep, ok := g.endpoints[t.EndpointName]; ok && ep.APIKey != "" {
			setHeader(headers, "api-key", ep.APIKey)
			return headers, nil
		}
	}

	deleteHeader(headers, "api-key")
	deleteHeader(headers, "authorization")
	token, err := g.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring upstream token: %w", err)
	}
	setHeader(headers, "Authorization", "Bearer "+token)
	return headers, nil
}

// forward classifies the upstream response, copies its headers, then either
// buffers or streams the body downstream.
func (g *Gateway) forward(ctx *fasthttp.RequestCtx, slip *routingslip.Slip, resp *upstream.Response) {
	// The stream writer runs after forward returns and closes the body itself.
	streaming := false
	defer func() {
		if !streaming {
			resp.Body.Close()
		}
	}()

	slip.HeadersFromTarget = headerMapFromHTTP(resp.Headers)
	if r, err := g.host.FireHeadersFromTargetReceived(ctx, slip); err != nil {
		g.internalError(ctx, "on_headers_from_target_received", err)
		return
	} else if r != nil {
		writeImmediate(ctx, r)
		return
	}

	contentType := resp.Headers.Get("Content-Type")
	slip.IsEventStream = strings.Contains(contentType, "text/event-stream")
	slip.ResponseHeaders = buildResponseHeaders(resp.Headers)
	slip.ResponseStatusCode = resp.StatusCode

	if !slip.IsEventStream {
		g.forwardBuffered(ctx, slip, resp)
		return
	}
	streaming = true
	g.forwardStream(ctx, slip, resp)
}

// forwardBuffered handles the non-streaming branch of response forwarding.
func (g *Gateway) forwardBuffered(ctx *fasthttp.RequestCtx, slip *routingslip.Slip, resp *upstream.Response) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		g.internalError(ctx, "reading upstream body", err)
		return
	}

	slip.RequestEndTime = time.Now()
	slip.RoundtripMs = elapsedMs(slip.RequestStartTime, slip.RequestEndTime)
	slip.TimeToResponseMs = slip.RoundtripMs

	var bodyDict map[string]any
	if json.Unmarshal(body, &bodyDict) == nil {
		slip.BodyDictFromTarget = bodyDict
		if r, err := g.host.FireBodyDictFromTargetAvailable(ctx, slip); err != nil {
			g.internalError(ctx, "on_body_dict_from_target_available", err)
			return
		} else if r != nil {
			writeImmediate(ctx, r)
			return
		}
		if r, err := g.host.FireTokenCountsForRequestAvailable(ctx, slip); err != nil {
			g.internalError(ctx, "on_token_counts_for_request_available", err)
			return
		} else if r != nil {
			writeImmediate(ctx, r)
			return
		}
		if g.metrics != nil {
			g.metrics.AddTokens(slip.Client, slip.PromptTokens, slip.CompletionTokens)
		}
	}

	ctx.SetStatusCode(resp.StatusCode)
	applyResponseHeaders(ctx, slip.ResponseHeaders)
	ctx.SetBody(body)
}

// forwardStream reads upstream bytes as newline-delimited SSE lines and
// relays them downstream one line at a time.
func (g *Gateway) forwardStream(ctx *fasthttp.RequestCtx, slip *routingslip.Slip, resp *upstream.Response) {
	ctx.SetStatusCode(resp.StatusCode)
	applyResponseHeaders(ctx, slip.ResponseHeaders)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer resp.Body.Close()
		defer func() {
			if r := recover(); r != nil {
				g.log.Error("panic in stream writer", slog.Any("panic", r))
			}
		}()

		reader := bufio.NewReader(resp.Body)
		sawFirstData := false

		for {
			line, readErr := readLine(reader)
			if line == "" && readErr != nil {
				break
			}

			if _, writeErr := fmt.Fprintf(w, "%s\r\n", line); writeErr != nil {
				// Downstream client disconnected; abort upstream read.
				break
			}
			if flushErr := w.Flush(); flushErr != nil {
				break
			}

			if strings.HasPrefix(line, "data: ") {
				if !sawFirstData {
					sawFirstData = true
					slip.TimeToResponseMs = elapsedMs(slip.RequestStartTime, time.Now())
				}
				payload := line[len("data: "):]
				if payload != "[DONE]" {
					slip.DataFromTarget = payload
					if r, hookErr := g.host.FireDataEventFromTargetReceived(ctx, slip); hookErr != nil {
						g.log.Error("on_data_event_from_target_received", slog.String("error", hookErr.Error()))
					} else if r != nil {
						// Headers are already on the wire; a plugin signaling
						// ImmediateResponse mid-stream cannot change a
						// response that already started. Logged only.
						g.log.Warn("plugin raised ImmediateResponse after streaming started; ignored")
					}
				}
			}

			if readErr != nil {
				break
			}
		}

		slip.RequestEndTime = time.Now()
		slip.RoundtripMs = elapsedMs(slip.RequestStartTime, slip.RequestEndTime)

		if _, err := g.host.FireTokenCountsForRequestAvailable(ctx, slip); err != nil {
			g.log.Error("on_token_counts_for_request_available", slog.String("error", err.Error()))
		} else if g.metrics != nil {
			g.metrics.AddTokens(slip.Client, slip.PromptTokens, slip.CompletionTokens)
		}
		if _, err := g.host.FireEndOfTargetResponseStreamReached(ctx, slip); err != nil {
			g.log.Error("on_end_of_target_response_stream_reached", slog.String("error", err.Error()))
		}
	})
}

func (g *Gateway) internalError(ctx *fasthttp.RequestCtx, where string, err error) {
	g.log.Error("dispatch engine error", slog.String("where", where), slog.String("error", err.Error()))
	apierr.WriteError(ctx, fasthttp.StatusInternalServerError, "internal error processing request")
}

// readLine reads one newline-delimited line (SSE framing) without its
// trailing terminator, preserving blank lines between SSE events.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	return line, err
}

func elapsedMs(start, end time.Time) int64 {
	return end.Sub(start).Milliseconds()
}

func drain(resp *upstream.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func retryAfterMsOrDefault(v string) int64 {
	if v == "" {
		return defaultCooldownMs
	}
	var ms int64
	if _, err := fmt.Sscanf(v, "%d", &ms); err != nil {
		return defaultCooldownMs
	}
	return ms
}

func targetLabel(t *targets.Target) string {
	switch t.Kind {
	case targets.KindStandin:
		return fmt.Sprintf("%s@%s@%s", t.StandinName, t.VirtualDeployment, t.EndpointName)
	case targets.KindMock:
		return "mock"
	default:
		return t.EndpointName
	}
}

func deploymentSegment(path string) (string, bool) {
	idx := strings.Index(path, deploymentsSegment)
	if idx < 0 {
		return "", false
	}
	rest := path[idx+len(deploymentsSegment):]
	if rest == "" {
		return "", false
	}
	if end := strings.IndexByte(rest, '/'); end >= 0 {
		if end == 0 {
			return "", false
		}
		return rest[:end], true
	}
	return rest, true
}

func rewritePath(path string, t *targets.Target) string {
	if t.Kind != targets.KindStandin {
		return path
	}
	idx := strings.Index(path, deploymentsSegment)
	if idx < 0 {
		return path
	}
	start := idx + len(deploymentsSegment)
	rest := path[start:]
	end := strings.IndexByte(rest, '/')
	if end < 0 {
		return path[:start] + t.StandinName
	}
	return path[:start] + t.StandinName + rest[end:]
}

func sendMock(ctx context.Context, t *targets.Target) (*upstream.Response, error) {
	if t.MockDelayMs > 0 {
		select {
		case <-time.After(time.Duration(t.MockDelayMs) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	body, err := json.Marshal(t.MockBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling mock response body: %w", err)
	}
	return &upstream.Response{
		StatusCode: fasthttp.StatusOK,
		Headers:    toHTTPHeader(map[string][]string{"Content-Type": {"application/json"}}),
		Body:       io.NopCloser(bytes.NewReader(body)),
	}, nil
}

func errorResponse(status int, msg string) *plugin.ImmediateResponse {
	body, _ := json.Marshal(map[string]string{"error": msg})
	return &plugin.ImmediateResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func writeImmediate(ctx *fasthttp.RequestCtx, r *plugin.ImmediateResponse) {
	ctx.SetStatusCode(r.StatusCode)
	for k, v := range r.Headers {
		ctx.Response.Header.Set(k, v)
	}
	if len(ctx.Response.Header.ContentType()) == 0 {
		ctx.SetContentType("application/json")
	}
	ctx.SetBody(r.Body)
}
