// Package targets implements the Target Registry: the set of upstream
// targets derived from config, each carrying a cooldown deadline mutated at
// runtime.
package targets

import "sync/atomic"

// Kind distinguishes the target variants the dispatch engine selects among.
type Kind int

const (
	// KindEndpoint is a target that forwards directly to an endpoint without
	// deployment-path rewriting.
	KindEndpoint Kind = iota
	// KindStandin is a target that forwards to a concrete standin deployment
	// serving a named virtual deployment, rewriting the path accordingly.
	KindStandin
	// KindMock never performs network I/O; it returns a fixed body after an
	// optional delay.
	KindMock
)

// Target is the dispatch engine's unit of selection. The registry's slice of
// Targets is built once at startup and never resized; only CooldownUntilMs
// mutates at runtime (via atomic.Int64).
type Target struct {
	Kind Kind

	// EndpointName identifies which pooled upstream client to use. Empty for
	// KindMock.
	EndpointName string

	// VirtualDeployment and StandinName are set only for KindStandin.
	VirtualDeployment string
	StandinName       string

	// NonStreamingFraction gates non-streaming traffic: the fraction of
	// non-streaming requests this target accepts before deferring to the
	// next candidate in the selection loop.
	NonStreamingFraction float64

	// MockBody and MockDelayMs are set only for KindMock.
	MockBody    map[string]any
	MockDelayMs int

	cooldownUntilMs atomic.Int64
}

// CooldownUntilMs returns the wall-clock deadline (Unix ms) before which this
// target must not be retried. Zero means "never cooled down".
func (t *Target) CooldownUntilMs() int64 { return t.cooldownUntilMs.Load() }

// SetCooldownUntilMs records a new cooldown deadline. Concurrent writers may
// race; a stale read only causes a brief over- or under-skip and is
// self-correcting.
func (t *Target) SetCooldownUntilMs(ms int64) { t.cooldownUntilMs.Store(ms) }

// IsCoolingDown reports whether nowMs is still before the cooldown deadline.
func (t *Target) IsCoolingDown(nowMs int64) bool { return nowMs < t.cooldownUntilMs.Load() }
