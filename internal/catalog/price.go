package catalog

import (
	"fmt"
	"strconv"
	"strings"
)

// The remote catalog renders prices as currency-formatted strings
// ("150.00 NGN"), while local products store minor units (kobo). These
// helpers convert between the two representations so comparisons happen on
// normalized values rather than formatting.

// FormatPrice renders minor units as the remote price string.
func FormatPrice(minorUnits int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", minorUnits/100, minorUnits%100, currency)
}

// ParsePrice converts a remote price string back to minor units and a
// currency code. Accepts "150.00 NGN", "NGN 150.00" and thousands
// separators in the amount.
func ParsePrice(s string) (int64, string, error) {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) == 0 || len(fields) > 2 {
		return 0, "", fmt.Errorf("unparseable price %q", s)
	}

	amountText := fields[0]
	currency := ""
	if len(fields) == 2 {
		if _, err := strconv.ParseFloat(strings.ReplaceAll(fields[0], ",", ""), 64); err != nil {
			// Currency-first form.
			currency = fields[0]
			amountText = fields[1]
		} else {
			currency = fields[1]
		}
	}
	amountText = strings.ReplaceAll(amountText, ",", "")

	whole, frac := amountText, "0"
	if i := strings.IndexByte(amountText, '.'); i >= 0 {
		whole, frac = amountText[:i], amountText[i+1:]
	}
	if len(frac) > 2 {
		frac = frac[:2]
	}
	for len(frac) < 2 {
		frac += "0"
	}

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("unparseable price %q: %w", s, err)
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("unparseable price %q: %w", s, err)
	}
	return units*100 + cents, strings.ToUpper(currency), nil
}
