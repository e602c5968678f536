package util

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var occPattern = regexp.MustCompile(`^[A-Z]{1,6}\d{6}[CP]\d{8}$`)

// OCCSymbol encodes an option contract in OCC/OSI form:
// underlying + YYMMDD + C/P + strike in thousandths padded to 8 digits.
func OCCSymbol(underlying, right, expiration string, strike decimal.Decimal) (string, error) {
	exp, err := time.Parse("2006-01-02", expiration)
	if err != nil {
		return "", fmt.Errorf("parsing option expiration %q: %w", expiration, err)
	}
	var cp string
	switch strings.ToLower(right) {
	case "call", "c":
		cp = "C"
	case "put", "p":
		cp = "P"
	default:
		return "", fmt.Errorf("invalid option right %q", right)
	}
	milli := strike.Mul(decimal.NewFromInt(1000)).Round(0).IntPart()
	if milli <= 0 {
		return "", fmt.Errorf("invalid option strike %s", strike)
	}
	return fmt.Sprintf("%s%s%s%08d", strings.ToUpper(underlying), exp.Format("060102"), cp, milli), nil
}

// IsOCCSymbol reports whether s looks like an OCC-encoded option symbol.
func IsOCCSymbol(s string) bool {
	return occPattern.MatchString(s)
}

// OCCUnderlying extracts the underlying ticker from an OCC symbol.
func OCCUnderlying(s string) string {
	for i, r := range s {
		if r >= '0' && r <= '9' {
			return s[:i]
		}
	}
	return s
}
