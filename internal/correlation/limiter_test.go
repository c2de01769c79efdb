package correlation

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	err := limiter.CheckLimit(Exposure{AssetID: "spx", Category: "INDEX", Shares: d(100)}, d(0), nil)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerAssetExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	// Existing position of 950 + new 100 = 1050 > 1000.
	err := limiter.CheckLimit(Exposure{AssetID: "spx", Category: "INDEX", Shares: d(1050)}, d(950), nil)
	if err != ErrPerAssetLimitExceeded {
		t.Errorf("expected ErrPerAssetLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_ShortsCountByMagnitude(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	err := limiter.CheckLimit(Exposure{AssetID: "spx", Category: "INDEX", Shares: d(-1001)}, d(-900), nil)
	if err != ErrPerAssetLimitExceeded {
		t.Errorf("expected ErrPerAssetLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_ReducingAlwaysAllowed(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(2000))

	// Already over the limit (e.g. limits were lowered); selling down passes.
	err := limiter.CheckLimit(Exposure{AssetID: "spx", Category: "INDEX", Shares: d(1200)}, d(1500), nil)
	if err != nil {
		t.Errorf("expected reduction to pass, got %v", err)
	}
}

func TestCheckLimit_CorrelatedExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(2000))

	existing := []Exposure{
		{AssetID: "spx", Category: "INDEX", Shares: d(800)},
		{AssetID: "ndx", Category: "INDEX", Shares: d(-800)},
		{AssetID: "dji", Category: "INDEX", Shares: d(300)},
	}

	// total = 200 + 800 + 800 + 300 = 2100 > 2000
	err := limiter.CheckLimit(Exposure{AssetID: "rut", Category: "INDEX", Shares: d(200)}, d(0), existing)
	if err != ErrCorrelatedLimitExceeded {
		t.Errorf("expected ErrCorrelatedLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_OtherCategoriesIgnored(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(2000))

	existing := []Exposure{
		{AssetID: "spx", Category: "INDEX", Shares: d(800)},
		{AssetID: "cpi", Category: "CPI", Shares: d(900)},
	}

	// Correlated total = 500 + 800 = 1300 < 2000 (CPI excluded).
	err := limiter.CheckLimit(Exposure{AssetID: "ndx", Category: "INDEX", Shares: d(500)}, d(0), existing)
	if err != nil {
		t.Errorf("other categories should be ignored, got %v", err)
	}
}

func TestCheckLimit_TargetEntryNotDoubleCounted(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(1000))

	existing := []Exposure{
		{AssetID: "spx", Category: "INDEX", Shares: d(600)},
	}

	err := limiter.CheckLimit(Exposure{AssetID: "spx", Category: "INDEX", Shares: d(900)}, d(600), existing)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_ZeroLimitsDisabled(t *testing.T) {
	limiter := NewPositionLimiter(decimal.Zero, decimal.Zero)

	err := limiter.CheckLimit(Exposure{AssetID: "spx", Category: "INDEX", Shares: d(1e9)}, d(0), nil)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}
