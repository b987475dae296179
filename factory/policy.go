package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PolicyJSON is the JSON representation of the commercial terms.
//
//	{"tax_rate": "0.20", "payment_term_days": 30, "currency": "GBP"}
//
// tax_rate is a string so that it round-trips exactly.
type PolicyJSON struct {
	TaxRate         string `json:"tax_rate,omitempty"`
	PaymentTermDays int    `json:"payment_term_days,omitempty"`
	Currency        string `json:"currency,omitempty"`
}

// ParsePolicy parses a JSON document into a Policy. Omitted fields take
// billing.DefaultPolicy values.
func ParsePolicy(jsonStr string) (billing.Policy, error) {
	var pj PolicyJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return billing.Policy{}, fmt.Errorf("failed to parse policy JSON: %w", err)
	}
	return FromJSON(pj)
}

// FromJSON converts PolicyJSON to billing.Policy.
func FromJSON(pj PolicyJSON) (billing.Policy, error) {
	policy := billing.DefaultPolicy()

	if pj.TaxRate != "" {
		rate, err := decimal.NewFromString(pj.TaxRate)
		if err != nil {
			return billing.Policy{}, fmt.Errorf("tax_rate %q: %w", pj.TaxRate, err)
		}
		if rate.IsNegative() {
			return billing.Policy{}, fmt.Errorf("tax_rate %s must not be negative", rate)
		}
		policy.TaxRate = rate
	}
	if pj.PaymentTermDays < 0 {
		return billing.Policy{}, fmt.Errorf("payment_term_days %d must be positive", pj.PaymentTermDays)
	}
	if pj.PaymentTermDays > 0 {
		policy.PaymentTermDays = pj.PaymentTermDays
	}
	if pj.Currency != "" {
		policy.Currency = pj.Currency
	}
	return policy, nil
}

// ToJSON converts a Policy back to its JSON form.
func ToJSON(policy billing.Policy) PolicyJSON {
	return PolicyJSON{
		TaxRate:         policy.TaxRate.String(),
		PaymentTermDays: policy.PaymentTermDays,
		Currency:        policy.Currency,
	}
}
