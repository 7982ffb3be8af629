package notify

import (
	"fmt"
	"strings"

	"github.com/kozaktomas/child-finder/internal/database"
)

// DefaultCountryCode is prepended to local numbers.
const DefaultCountryCode = "+91"

// NormalizePhone strips formatting from raw and returns an international number.
// Numbers with a trunk prefix 0 or exactly ten digits are treated as local and
// get countryCode; a leading + keeps the number as given.
func NormalizePhone(raw, countryCode string) (string, error) {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	if !strings.HasPrefix(countryCode, "+") {
		countryCode = "+" + countryCode
	}

	raw = strings.TrimSpace(raw)
	international := strings.HasPrefix(raw, "+") || strings.HasPrefix(raw, "00")

	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if len(d) < 6 {
		return "", &database.ValidationError{Field: "phone", Reason: fmt.Sprintf("too few digits in %q", raw)}
	}

	switch {
	case strings.HasPrefix(raw, "+"):
		return "+" + d, nil
	case international:
		return "+" + strings.TrimPrefix(d, "00"), nil
	case strings.HasPrefix(d, "0"):
		return countryCode + d[1:], nil
	case len(d) == 10:
		return countryCode + d, nil
	default:
		return "+" + d, nil
	}
}
