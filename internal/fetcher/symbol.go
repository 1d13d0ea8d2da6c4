package fetcher

import (
	"fmt"
	"regexp"
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,20}(USDT|USDC|BUSD|USD)$`)

// ValidateSymbol checks an exchange market code against the strict
// alphanumeric-plus-quote-asset pattern.
func ValidateSymbol(code string) error {
	if !symbolPattern.MatchString(code) {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, code)
	}
	return nil
}
