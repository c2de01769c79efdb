package symbol

import (
	"errors"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	tests := []struct {
		ticker   string
		category string
		name     string
	}{
		{"SYN-INDEX-SPX500", "INDEX", "SPX500"},
		{"SYN-CPI-US_CORE", "CPI", "US_CORE"},
		{"SYN-FX-EURUSD", "FX", "EURUSD"},
	}

	for _, tt := range tests {
		t.Run(tt.ticker, func(t *testing.T) {
			s, err := Parse(tt.ticker)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if s.Category != tt.category {
				t.Errorf("Category = %q, want %q", s.Category, tt.category)
			}
			if s.Name != tt.name {
				t.Errorf("Name = %q, want %q", s.Name, tt.name)
			}
			if s.Ticker != tt.ticker {
				t.Errorf("Ticker = %q, want %q", s.Ticker, tt.ticker)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []string{
		"",
		"SPX500",
		"SYN-INDEX",
		"SYN-index-SPX500",
		"ATMX-INDEX-SPX500",
		"SYN-INDEX-SPX-500",
		"SYN-I-SPX500",
	}

	for _, ticker := range tests {
		t.Run(ticker, func(t *testing.T) {
			_, err := Parse(ticker)
			if !errors.Is(err, ErrInvalidTicker) {
				t.Errorf("Parse(%q) error = %v, want ErrInvalidTicker", ticker, err)
			}
		})
	}
}

func TestFormatRoundTrip(t *testing.T) {
	s, err := Parse(Format("RATES", "US10Y"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Category != "RATES" || s.Name != "US10Y" {
		t.Errorf("got %+v", s)
	}
}
