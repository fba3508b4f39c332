package limitusage

import "context"

// Backend owns the read-modify-write of per-(client,deployment) budget
// state. The local backend is approximate under concurrency, the remote
// backend delegates correctness to Redis's single-key semantics.
type Backend interface {
	// CheckAndInit ensures the stored window for key matches currentMinute,
	// resetting to fullBudget if it does not (or if absent), then returns the
	// budget currently stored for that minute.
	CheckAndInit(ctx context.Context, key string, currentMinute int64, fullBudget int64) (int64, error)

	// Decrement subtracts delta from the stored budget for key's current
	// window. Budget may go negative.
	Decrement(ctx context.Context, key string, delta int64) error
}
