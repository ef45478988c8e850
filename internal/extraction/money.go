package extraction

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var reMoneyParts = regexp.MustCompile(`([$£€])?\s*((?:\d{1,3}(?:,\d{3})+|\d+)(?:\.\d+)?|\.\d+)`)

// ParseAmount reads the numeric value of a monetary string like "$1,234.5" or "1234.56 USD".
// Signs are dropped; every amount on a bill is a magnitude.
func ParseAmount(s string) (decimal.Decimal, bool) {
	if IsSentinel(s) {
		return decimal.Zero, false
	}
	m := reMoneyParts.FindStringSubmatch(s)
	if m == nil {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(m[2], ",", ""))
	if err != nil {
		return decimal.Zero, false
	}
	return d.Abs(), true
}

// FormatCurrency renders a value as "$" + 2 decimals without grouping
func FormatCurrency(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}

// NormalizeCurrency reformats s to "$" + 2 decimals. ok is false when s holds no amount.
func NormalizeCurrency(s string) (string, bool) {
	d, ok := ParseAmount(s)
	if !ok {
		return s, false
	}
	return FormatCurrency(d), true
}

// MaxAmount returns the largest parseable amount
func MaxAmount(amounts []string) (decimal.Decimal, bool) {
	var (
		best  decimal.Decimal
		found bool
	)
	for _, a := range amounts {
		d, ok := ParseAmount(a)
		if !ok {
			continue
		}
		if !found || d.GreaterThan(best) {
			best = d
			found = true
		}
	}
	return best, found
}
