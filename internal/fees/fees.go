// Package fees computes the platform fee split for a settled amount. The
// calculator is fee-model-agnostic and shared unchanged by every protocol
// adapter; volume discounts are applied by the adapter before the gross
// amount reaches it.
package fees

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Places is the fractional precision every monetary result is rounded to,
// half away from zero. Eight places keeps sub-cent micro-payments exact.
const Places = 8

// ModelType selects how the fee is derived from the gross amount.
type ModelType string

const (
	Percentage ModelType = "percentage"
	Fixed      ModelType = "fixed"
	Hybrid     ModelType = "hybrid"
)

// Model is a platform fee configuration.
type Model struct {
	Type    ModelType       `json:"type"`
	Percent decimal.Decimal `json:"percent"` // 2.9 means 2.9%
	Fixed   decimal.Decimal `json:"fixed"`
}

// Free is the zero-fee model.
var Free = Model{Type: Fixed, Fixed: decimal.Zero}

// Validate rejects models that could not keep 0 <= fee <= gross.
func (m Model) Validate() error {
	switch m.Type {
	case Percentage, Fixed, Hybrid:
	default:
		return fmt.Errorf("unknown fee model type %q", m.Type)
	}
	if m.Percent.IsNegative() || m.Fixed.IsNegative() {
		return fmt.Errorf("fee model components must be non-negative")
	}
	return nil
}

// Apply splits gross into fee and net = gross - fee. For every gross >= 0,
// including zero and sub-cent amounts, 0 <= fee <= gross and net >= 0: the
// fee is clamped to the gross, so a fixed fee larger than a micro-payment
// consumes the payment rather than driving net negative.
func (m Model) Apply(gross decimal.Decimal) (fee, net decimal.Decimal) {
	if gross.Sign() <= 0 {
		return decimal.Zero, gross
	}

	switch m.Type {
	case Percentage:
		fee = gross.Mul(m.Percent).Div(decimal.NewFromInt(100))
	case Fixed:
		fee = m.Fixed
	case Hybrid:
		fee = gross.Mul(m.Percent).Div(decimal.NewFromInt(100)).Add(m.Fixed)
	default:
		fee = decimal.Zero
	}

	fee = Round(fee)
	if fee.IsNegative() {
		fee = decimal.Zero
	}
	if fee.GreaterThan(gross) {
		fee = gross
	}
	return fee, gross.Sub(fee)
}

// Round normalizes an amount to the platform precision, half away from zero.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}
