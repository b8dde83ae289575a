package validate

import (
	"context"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// currencyRe matches currency symbols, codes and words, plus unit suffixes
// such as "per session".
var currencyRe = regexp.MustCompile(`(?i)(rupees?|dollars?|euros?|pounds?|per\s+[a-z]+|/\s*[a-z]+\b|rs\.?|inr|usd|eur|gbp|₹|\$|€|£|/-)`)

var amountRe = regexp.MustCompile(`^\d+(\.\d+)?$`)

// ParsePrice strips currency decoration from raw and returns the amount
// rounded to two decimals.
func ParsePrice(raw string) (decimal.Decimal, bool) {
	s := currencyRe.ReplaceAllString(raw, "")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.Join(strings.Fields(s), "")
	s = strings.TrimSuffix(s, ".")
	if !amountRe.MatchString(s) {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d.Round(2), true
}

// Price accepts an amount in [min, max] and returns it with two decimals.
func Price(min, max float64) Validator {
	lo, hi := decimal.NewFromFloat(min), decimal.NewFromFloat(max)
	return func(_ context.Context, raw, _ string) (string, error) {
		d, ok := ParsePrice(raw)
		if !ok {
			return "", Reject("Please send the price as a number, for example 500.")
		}
		if d.LessThan(lo) || d.GreaterThan(hi) {
			return "", Reject("Please enter a price between %s and %s.", lo.String(), hi.String())
		}
		return d.StringFixed(2), nil
	}
}
