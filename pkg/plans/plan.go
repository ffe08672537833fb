package plans

import (
	"fmt"
	"strings"
)

// Plan is a named billing tier. Amounts are kept in minor currency units
// (cents for USD, yen for JPY) so comparisons and sums stay exact.
type Plan struct {
	Key        string `json:"key" yaml:"key"`
	Name       string `json:"name" yaml:"name"`
	Tier       int    `json:"tier" yaml:"tier"`
	PriceCents int64  `json:"price_cents" yaml:"price_cents"`
	TaxCents   int64  `json:"tax_cents" yaml:"tax_cents"`
	Currency   string `json:"currency" yaml:"currency"`
	Free       bool   `json:"free" yaml:"free"`
}

// IsFree reports whether the plan is free of charge. A plan is free when
// explicitly flagged or when its price is zero.
func (p Plan) IsFree() bool {
	return p.Free || p.PriceCents == 0
}

// Price returns the net price in minor units
func (p Plan) Price() int64 {
	return p.PriceCents
}

// PriceTax returns the tax amount in minor units
func (p Plan) PriceTax() int64 {
	return p.TaxCents
}

// PriceWithTax returns the gross price in minor units
func (p Plan) PriceWithTax() int64 {
	return p.PriceCents + p.TaxCents
}

// Compare ranks plans by tier, then by price. Plans with the same tier and
// price rank equal whatever their keys, so moving between them is lateral.
// It returns -1, 0 or +1.
func (p Plan) Compare(other Plan) int {
	switch {
	case p.Tier < other.Tier:
		return -1
	case p.Tier > other.Tier:
		return 1
	case p.PriceCents < other.PriceCents:
		return -1
	case p.PriceCents > other.PriceCents:
		return 1
	}
	return 0
}

// GreaterThan reports whether p ranks strictly above other
func (p Plan) GreaterThan(other Plan) bool {
	return p.Compare(other) > 0
}

// HumanName returns the display name, falling back to the key
func (p Plan) HumanName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Key
}

// HumanPrice formats the gross price with its currency
func (p Plan) HumanPrice() string {
	return FormatAmount(p.PriceWithTax(), p.Currency)
}

// Validate checks that the plan definition is usable
func (p Plan) Validate() error {
	if p.Key == "" {
		return fmt.Errorf("plan key is required")
	}
	if p.PriceCents < 0 || p.TaxCents < 0 {
		return fmt.Errorf("plan %s: amounts must not be negative", p.Key)
	}
	if !p.IsFree() && p.Currency == "" {
		return fmt.Errorf("plan %s: currency is required for paid plans", p.Key)
	}
	return nil
}

// zeroDecimalCurrencies have no minor unit
var zeroDecimalCurrencies = map[string]bool{
	"JPY": true,
	"KRW": true,
	"HUF": true,
	"TWD": true,
	"VND": true,
}

// IsZeroDecimal reports whether the currency has no minor unit
func IsZeroDecimal(currency string) bool {
	return zeroDecimalCurrencies[strings.ToUpper(currency)]
}

// FormatAmount renders a minor-unit amount as a decimal string with the
// ISO currency code, e.g. "19.99 USD" or "980 JPY".
func FormatAmount(amount int64, currency string) string {
	code := strings.ToUpper(currency)
	if IsZeroDecimal(code) {
		return strings.TrimSpace(fmt.Sprintf("%d %s", amount, code))
	}
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return strings.TrimSpace(fmt.Sprintf("%s%d.%02d %s", sign, amount/100, amount%100, code))
}

// DecimalAmount renders a minor-unit amount without the currency code, as
// payment gateways expect it ("19.99", "980").
func DecimalAmount(amount int64, currency string) string {
	if IsZeroDecimal(currency) {
		return fmt.Sprintf("%d", amount)
	}
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}
