// Package routingslip defines the per-request context record shared across
// the dispatch engine and plugin hooks: an explicit record with named
// fields, accessed by plugins through narrow accessors rather than
// arbitrary key reads into an open map.
package routingslip

import (
	"time"

	"github.com/google/uuid"
)

// IncomingRequest captures the inbound request as received, before any
// rewriting.
type IncomingRequest struct {
	Method  string
	Headers map[string][]string
	Query   map[string][]string
	Body    []byte
}

// Slip is the single-writer (dispatch engine), multi-reader (plugins)
// per-request context. Fields are named, not an open map.
type Slip struct {
	RequestID         uuid.UUID
	RequestReceivedUTC time.Time

	Incoming IncomingRequest
	Path     string

	VirtualDeployment string // "" if unset
	Client            string // "" if unidentified
	APIVersion        string

	// IsNonStreamingResponseRequested defaults to true regardless of the
	// caller's stream flag; only a target's NonStreamingFraction can turn
	// the streaming-fraction gate against a request.
	IsNonStreamingResponseRequested bool

	AOAIEndpoint           string
	AOAIVirtualDeployment  string
	AOAIStandinDeployment  string
	AOAIRegion             string

	RequestStartTime time.Time
	RequestEndTime   time.Time
	RoundtripMs      int64
	TimeToResponseMs int64

	HeadersFromTarget     map[string][]string
	ResponseHeaders       map[string][]string
	ResponseStatusCode    int
	IsEventStream         bool
	BodyDictFromTarget    map[string]any
	DataFromTarget        string // current chunk payload, valid only during on_data_event_from_target_received

	// Usage counters accumulated by plugins embedding plugin.TokenCounting.
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// New creates a Slip for an incoming request, stamping the request id and
// received timestamp. IsNonStreamingResponseRequested defaults to true.
func New(method string, headers map[string][]string, query map[string][]string, body []byte, path string) *Slip {
	return &Slip{
		RequestID:          uuid.New(),
		RequestReceivedUTC: time.Now().UTC(),
		Incoming: IncomingRequest{
			Method:  method,
			Headers: headers,
			Query:   query,
			Body:    body,
		},
		Path:                            path,
		IsNonStreamingResponseRequested: true,
	}
}

// HasClient reports whether client identification succeeded.
func (s *Slip) HasClient() bool { return s.Client != "" }
