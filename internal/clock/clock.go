// Package clock abstracts monotonic time and uniform random sampling so the
// dispatch engine's target-selection gates are deterministic under test.
package clock

import (
	"math/rand/v2"
	"time"
)

// Source yields the current time in milliseconds and uniform [0,1) samples.
// The real implementation wraps time.Now and math/rand/v2; tests inject a
// fake with a controllable clock and a seeded or scripted sampler.
type Source interface {
	NowMs() int64
	Float64() float64
}

// Real is the production Source backed by the system clock and a
// process-global random generator.
type Real struct{}

// NowMs returns the current wall-clock time in Unix milliseconds.
func (Real) NowMs() int64 { return time.Now().UnixMilli() }

// Float64 returns a uniform sample in [0,1).
func (Real) Float64() float64 { return rand.Float64() }

// Fake is a deterministic Source for tests: NowMs returns a settable value
// and Float64 draws from a scripted sequence, repeating the last value once
// exhausted.
type Fake struct {
	Ms      int64
	Samples []float64
	next    int
}

// NowMs returns the fake's current time.
func (f *Fake) NowMs() int64 { return f.Ms }

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) { f.Ms += d.Milliseconds() }

// Float64 returns the next scripted sample.
func (f *Fake) Float64() float64 {
	if len(f.Samples) == 0 {
		return 0
	}
	if f.next >= len(f.Samples) {
		return f.Samples[len(f.Samples)-1]
	}
	v := f.Samples[f.next]
	f.next++
	return v
}
