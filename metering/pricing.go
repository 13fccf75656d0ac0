/*
pricing.go - Usage to credit conversion

PURPOSE:
  Quote maps an amount of usage to a credit cost. It is a pure function of
  the pricing table: no store access, no side effects, same input → same output.

ROUNDING:
  Rates are decimals (e.g. 0.5 credits per voice second). The cost is always
  rounded UP to a whole credit so fractional usage is never free.

EXAMPLE:
  table := metering.DefaultPricing()
  cost, _ := table.Quote(metering.UsageVoice, 95) // 95 credits
*/
package metering

import (
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/shopspring/decimal"
)

// PricingTable maps usage kinds to credits per unit.
type PricingTable map[UsageKind]decimal.Decimal

// DefaultPricing returns the built-in rates: 1 credit per voice second and
// 60 credits per chat conversation.
func DefaultPricing() PricingTable {
	return PricingTable{
		UsageVoice: decimal.NewFromInt(1),
		UsageChat:  decimal.NewFromInt(60),
	}
}

// Quote returns the credit cost of amount units of kind.
func (p PricingTable) Quote(kind UsageKind, amount int64) (int64, error) {
	rate, ok := p[kind]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownUsageKind, kind)
	}
	if amount < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	cost := rate.Mul(decimal.NewFromInt(amount)).Ceil()
	if cost.GreaterThan(maxCredits) {
		return 0, fmt.Errorf("%w: %d %s costs more than %d credits", ErrInvalidAmount, amount, kind, int64(math.MaxInt64))
	}
	return cost.IntPart(), nil
}

var maxCredits = decimal.NewFromInt(math.MaxInt64)

// Kinds returns the usage kinds with a configured rate.
func (p PricingTable) Kinds() []UsageKind {
	kinds := make([]UsageKind, 0, len(p))
	for k := range p {
		kinds = append(kinds, k)
	}
	return kinds
}

// LoadPricing reads a JSON object of {"kind": "rate"} pairs and overlays it on
// the default table. Rates may be JSON strings or numbers.
func LoadPricing(r io.Reader) (PricingTable, error) {
	var raw map[string]decimal.Decimal
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode pricing: %w", err)
	}
	table := DefaultPricing()
	for kind, rate := range raw {
		if rate.IsNegative() {
			return nil, fmt.Errorf("pricing for %q: %w", kind, ErrInvalidAmount)
		}
		table[UsageKind(kind)] = rate
	}
	return table, nil
}
