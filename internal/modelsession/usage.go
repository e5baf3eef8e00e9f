package modelsession

import (
	"sync"
)

// Usage is one turn's token consumption.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// UsageTotals accumulates an agent's cumulative tokens and cost. It is
// the only place token/cost arithmetic happens; callers never
// hand-compute. Cost is held in microdollars to keep arithmetic
// integral.
type UsageTotals struct {
	mu               sync.Mutex
	inputTokens      int64
	outputTokens     int64
	costMicrodollars int64
	turns            int64
}

// price is per-million-token cost in microdollars.
type price struct {
	inputPerM  int64
	outputPerM int64
}

// prices maps model prefixes to their per-million-token rates. Unknown
// models fall back to the sonnet rate.
var prices = map[string]price{
	"claude-opus":   {inputPerM: 15_000_000, outputPerM: 75_000_000},
	"claude-sonnet": {inputPerM: 3_000_000, outputPerM: 15_000_000},
	"claude-haiku":  {inputPerM: 800_000, outputPerM: 4_000_000},
}

func priceFor(model string) price {
	for prefix, p := range prices {
		if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
			return p
		}
	}
	return prices["claude-sonnet"]
}

// Add folds one turn's usage into the totals and returns the turn's
// cost in microdollars.
func (t *UsageTotals) Add(model string, u Usage) int64 {
	p := priceFor(model)
	cost := u.InputTokens*p.inputPerM/1_000_000 + u.OutputTokens*p.outputPerM/1_000_000

	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTokens += u.InputTokens
	t.outputTokens += u.OutputTokens
	t.costMicrodollars += cost
	t.turns++
	return cost
}

// Snapshot returns the current totals.
func (t *UsageTotals) Snapshot() (inputTokens, outputTokens, costMicrodollars, turns int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputTokens, t.outputTokens, t.costMicrodollars, t.turns
}
