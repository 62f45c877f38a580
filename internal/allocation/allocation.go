// Package allocation splits investor-level amounts into per-tier deltas.
// All functions are pure and safe for concurrent use.
package allocation

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/axisrow/alpaca-bot/internal/domain"
)

// Split divides amount across tiers proportionally to the given weights
// using the largest-remainder method: each raw share is truncated to the
// cent and the residual goes to the tier with the largest fractional
// remainder (ties broken by tier name). The returned deltas always sum to
// exactly amount.
func Split(amount decimal.Decimal, weights map[string]decimal.Decimal) (map[string]decimal.Decimal, error) {
	if !amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}
	if len(weights) == 0 {
		return nil, domain.ErrUnknownTier
	}

	names := sortedKeys(weights)
	shares := make(map[string]decimal.Decimal, len(names))
	remainders := make(map[string]decimal.Decimal, len(names))
	allocated := decimal.Zero

	for _, name := range names {
		raw := amount.Mul(weights[name])
		truncated := raw.Truncate(2)
		shares[name] = truncated
		remainders[name] = raw.Sub(truncated)
		allocated = allocated.Add(truncated)
	}

	residual := amount.Sub(allocated)
	if residual.IsPositive() {
		target := pickLargestRemainder(names, remainders)
		shares[target] = shares[target].Add(residual)
	}

	return shares, nil
}

// WithdrawalSplit divides a withdrawal across tiers proportionally to their
// current balances rather than target weights, so a tier that drifted heavy
// gives up more. When tierHint names a tier whose balance alone covers the
// amount, the whole amount is routed there. Returns positive per-tier
// amounts to remove.
func WithdrawalSplit(amount decimal.Decimal, balances map[string]decimal.Decimal, tierHint string) (map[string]decimal.Decimal, error) {
	if !amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}
	if len(balances) == 0 {
		return nil, domain.ErrInsufficientFunds
	}

	total := decimal.Zero
	for _, b := range balances {
		total = total.Add(b)
	}
	if amount.GreaterThan(total) {
		return nil, domain.ErrInsufficientFunds
	}

	if tierHint != "" {
		hintBalance, ok := balances[tierHint]
		if !ok {
			return nil, domain.ErrUnknownTier
		}
		if hintBalance.GreaterThanOrEqual(amount) {
			return map[string]decimal.Decimal{tierHint: amount}, nil
		}
		// Hinted tier cannot cover the amount alone; fall through to the
		// proportional path.
	}

	names := sortedKeys(balances)
	shares := make(map[string]decimal.Decimal, len(names))
	remainders := make(map[string]decimal.Decimal, len(names))
	allocated := decimal.Zero

	for _, name := range names {
		raw := amount.Mul(balances[name]).Div(total)
		truncated := raw.Truncate(2)
		shares[name] = truncated
		remainders[name] = raw.Sub(truncated)
		allocated = allocated.Add(truncated)
	}

	// Spread the truncation residual across tiers in descending remainder
	// order, capping each tier at its balance. amount <= total guarantees
	// the combined headroom covers the residual, so this always drains it.
	residual := amount.Sub(allocated)
	if residual.IsPositive() {
		order := make([]string, len(names))
		copy(order, names)
		sort.SliceStable(order, func(i, j int) bool {
			return remainders[order[i]].GreaterThan(remainders[order[j]])
		})
		for _, name := range order {
			if !residual.IsPositive() {
				break
			}
			headroom := balances[name].Sub(shares[name])
			if !headroom.IsPositive() {
				continue
			}
			give := decimal.Min(residual, headroom)
			shares[name] = shares[name].Add(give)
			residual = residual.Sub(give)
		}
	}

	return shares, nil
}

func sortedKeys(m map[string]decimal.Decimal) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// pickLargestRemainder returns the name with the largest fractional
// remainder; names is sorted, so ties resolve to the lexicographically
// smallest tier deterministically.
func pickLargestRemainder(names []string, remainders map[string]decimal.Decimal) string {
	best := names[0]
	for _, name := range names[1:] {
		if remainders[name].GreaterThan(remainders[best]) {
			best = name
		}
	}
	return best
}
