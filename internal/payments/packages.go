package payments

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MinutePackages maps Stripe price IDs to the minutes each purchase grants.
type MinutePackages map[string]int

// ParseMinutePackages builds the price-to-minutes map. The JSON form
// (`{"price_abc":500,"price_def":1200}`) wins when present; otherwise a
// single default price and per-unit minute count is used.
func ParseMinutePackages(rawJSON, defaultPriceID string, minutesPerUnit int) (MinutePackages, error) {
	raw := strings.TrimSpace(rawJSON)
	if raw != "" {
		var pkgs MinutePackages
		if err := json.Unmarshal([]byte(raw), &pkgs); err != nil {
			return nil, fmt.Errorf("payments: parse minute packages: %w", err)
		}
		for price, minutes := range pkgs {
			if minutes <= 0 {
				return nil, fmt.Errorf("payments: package %s has non-positive minutes %d", price, minutes)
			}
		}
		return pkgs, nil
	}
	if defaultPriceID == "" || minutesPerUnit <= 0 {
		return MinutePackages{}, nil
	}
	return MinutePackages{defaultPriceID: minutesPerUnit}, nil
}

// MinutesFor returns the minute grant for a purchased line item. Unknown
// prices grant nothing; the caller decides whether to log them.
func (p MinutePackages) MinutesFor(priceID string, quantity int) (int, bool) {
	perUnit, ok := p[priceID]
	if !ok {
		return 0, false
	}
	if quantity <= 0 {
		quantity = 1
	}
	return perUnit * quantity, true
}
