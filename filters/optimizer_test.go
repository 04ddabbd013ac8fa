package filters

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func TestOptimizeClampsLimit(t *testing.T) {
	o := NewOptimizer(100)

	tests := []struct {
		name     string
		limit    int
		expected int
	}{
		{"above cap", 500, 100},
		{"at cap", 100, 100},
		{"below cap", 50, 50},
		{"zero left alone", 0, 0},
		{"negative left alone", -1, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := []nostr.Filter{{Kinds: []int{1}, Limit: tt.limit}}
			out := o.Optimize(in)
			if len(out) != 1 {
				t.Fatalf("Expected 1 filter, got %d", len(out))
			}
			if out[0].Limit != tt.expected {
				t.Errorf("Optimize() limit = %d, expected %d", out[0].Limit, tt.expected)
			}
		})
	}
}

func TestOptimizePassesFieldsThrough(t *testing.T) {
	o := NewOptimizer(100)

	since := nostr.Timestamp(1000)
	in := []nostr.Filter{{
		IDs:     []string{"abc"},
		Authors: []string{"pubkey1", "pubkey2"},
		Kinds:   []int{3, 7},
		Tags:    nostr.TagMap{"e": []string{"target"}},
		Since:   &since,
		Limit:   9999,
	}}

	out := o.Optimize(in)

	if len(out[0].Authors) != 2 {
		t.Errorf("Expected authors preserved, got %v", out[0].Authors)
	}
	if len(out[0].Kinds) != 2 {
		t.Errorf("Expected kinds preserved, got %v", out[0].Kinds)
	}
	if out[0].Since == nil || *out[0].Since != since {
		t.Errorf("Expected since preserved, got %v", out[0].Since)
	}
	if out[0].Limit != 100 {
		t.Errorf("Expected limit clamped to 100, got %d", out[0].Limit)
	}

	// The input slice must not be mutated
	if in[0].Limit != 9999 {
		t.Errorf("Optimize() mutated input filter, limit = %d", in[0].Limit)
	}
}

func TestOptimizeNilInput(t *testing.T) {
	o := NewOptimizer(0)

	if o.MaxLimit() != DefaultMaxLimit {
		t.Errorf("Expected default cap %d, got %d", DefaultMaxLimit, o.MaxLimit())
	}

	out := o.Optimize(nil)
	if out == nil || len(out) != 0 {
		t.Errorf("Expected empty slice for nil input, got %v", out)
	}
}
