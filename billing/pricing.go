package billing

import "github.com/shopspring/decimal"

// =============================================================================
// TIER RATES - Per-class price by package tier
// =============================================================================

// TierRates maps a package tier (1-5 weekly days) to its per-class rate.
// A member's explicit RateOverride always wins over the tier rate.
type TierRates map[int]decimal.Decimal

// For returns the rate for a tier.
func (r TierRates) For(tier int) (decimal.Decimal, bool) {
	rate, ok := r[tier]
	return rate, ok
}

// DefaultTierRates is the standing price list: larger packages buy the
// class hour cheaper.
func DefaultTierRates() TierRates {
	return TierRates{
		1: decimal.NewFromInt(12000),
		2: decimal.NewFromInt(11000),
		3: decimal.NewFromInt(10000),
		4: decimal.NewFromInt(9500),
		5: decimal.NewFromInt(9000),
	}
}

// ParseTierRates builds TierRates from tier -> rate strings, as read from
// configuration. Unparseable entries are skipped.
func ParseTierRates(raw map[int]string) TierRates {
	rates := make(TierRates, len(raw))
	for tier, s := range raw {
		d, err := decimal.NewFromString(s)
		if err != nil {
			continue
		}
		rates[tier] = d
	}
	return rates
}
