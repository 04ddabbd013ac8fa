package filters

import (
	"github.com/nbd-wtf/go-nostr"
)

// DefaultMaxLimit is the per-filter result cap applied when none is configured.
const DefaultMaxLimit = 100

// Optimizer clamps query filters before dispatch to the transport layer.
// Relays are free to ignore oversized limits, but capping them client-side
// keeps cold subscriptions from flooding the delivery pipeline.
type Optimizer struct {
	maxLimit int
}

// NewOptimizer creates a filter optimizer with the given result cap.
// A non-positive cap falls back to DefaultMaxLimit.
func NewOptimizer(maxLimit int) *Optimizer {
	if maxLimit <= 0 {
		maxLimit = DefaultMaxLimit
	}
	return &Optimizer{maxLimit: maxLimit}
}

// MaxLimit returns the configured per-filter result cap
func (o *Optimizer) MaxLimit() int {
	return o.maxLimit
}

// Optimize returns an equivalent filter list with every limit clamped to the
// configured maximum. All other fields pass through unchanged. Clamping is
// total: it never errors and never drops a filter.
func (o *Optimizer) Optimize(fs []nostr.Filter) []nostr.Filter {
	out := make([]nostr.Filter, 0, len(fs))
	for _, f := range fs {
		if f.Limit > o.maxLimit {
			f.Limit = o.maxLimit
		}
		out = append(out, f)
	}
	return out
}
