// Package symbol handles synthetic asset ticker parsing and validation.
// The category segment groups assets whose exposures are correlated.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
)

// tickerRegex matches: SYN-{CATEGORY}-{NAME}
// Example: SYN-INDEX-SPX500
var tickerRegex = regexp.MustCompile(`^SYN-([A-Z][A-Z0-9]{1,15})-([A-Z0-9][A-Z0-9_]{0,31})$`)

var ErrInvalidTicker = errors.New("symbol: invalid ticker format")

// Symbol is a parsed asset ticker.
type Symbol struct {
	Ticker   string `json:"ticker"`
	Category string `json:"category"`
	Name     string `json:"name"`
}

// Parse parses and validates an asset ticker.
// Format: SYN-{CATEGORY}-{NAME}
func Parse(ticker string) (*Symbol, error) {
	matches := tickerRegex.FindStringSubmatch(ticker)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected SYN-{CATEGORY}-{NAME})", ErrInvalidTicker, ticker)
	}
	return &Symbol{
		Ticker:   ticker,
		Category: matches[1],
		Name:     matches[2],
	}, nil
}

// Format builds a ticker from its parts. The result is not validated.
func Format(category, name string) string {
	return fmt.Sprintf("SYN-%s-%s", category, name)
}
