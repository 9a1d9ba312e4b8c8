package currency

import (
	"math"
	"testing"
)

func TestConvertSnapsToCashGranule(t *testing.T) {
	// 10 GBP at 1.1847 is 11.847 EUR; euro cash rounds to 5 cents.
	result := Convert(10, 1.1847, ModeNearest, "EUR")
	if result.Actual != 11.847 {
		t.Fatalf("expected actual 11.847, got %v", result.Actual)
	}
	if result.Rounded != 11.85 {
		t.Fatalf("expected rounded 11.85, got %v", result.Rounded)
	}
	if result.RoundedDown != 11.80 {
		t.Fatalf("expected rounded down 11.80, got %v", result.RoundedDown)
	}
	if math.Abs(result.Savings-0.05) > 1e-9 {
		t.Fatalf("expected savings 0.05, got %v", result.Savings)
	}
	if result.Currency != "EUR" || result.Rate != 1.1847 {
		t.Fatalf("unexpected result metadata: %+v", result)
	}
}

func TestConvertModeDownChargesFloor(t *testing.T) {
	result := Convert(10, 1.1847, ModeDown, "EUR")
	if result.Rounded != 11.80 {
		t.Fatalf("expected floor charge 11.80, got %v", result.Rounded)
	}
	if result.Savings != 0 {
		t.Fatalf("expected no savings when charging the floor, got %v", result.Savings)
	}
}

func TestConvertDefaultGranuleIsHundredths(t *testing.T) {
	result := Convert(10, 1.2711, ModeNearest, "USD")
	if result.Rounded != 12.72 {
		t.Fatalf("expected 12.72 at cent granule, got %v", result.Rounded)
	}
	if result.RoundedDown != 12.71 {
		t.Fatalf("expected 12.71 floor, got %v", result.RoundedDown)
	}
}

func TestConvertLargeGranule(t *testing.T) {
	result := Convert(10, 462.3, ModeNearest, "HUF")
	if result.Rounded != 4625 {
		t.Fatalf("expected 4625 at 5 HUF granule, got %v", result.Rounded)
	}
	if result.RoundedDown != 4620 {
		t.Fatalf("expected 4620 floor, got %v", result.RoundedDown)
	}
}

func TestConvertBracketsActual(t *testing.T) {
	for _, mode := range []string{ModeNearest, ModeUp, ModeDown} {
		for _, amount := range []float64{0, 0.01, 1, 9.99, 123.45, 10000} {
			result := Convert(amount, 1.1847, mode, "EUR")
			if result.RoundedDown > result.Actual+1e-9 {
				t.Fatalf("mode %s amount %v: floor %v above actual %v", mode, amount, result.RoundedDown, result.Actual)
			}
			if mode != ModeDown && result.Rounded+1e-9 < result.Actual {
				t.Fatalf("mode %s amount %v: charge %v undercuts actual %v", mode, amount, result.Rounded, result.Actual)
			}
			if result.Savings < 0 {
				t.Fatalf("mode %s amount %v: negative savings %v", mode, amount, result.Savings)
			}
		}
	}
}

func TestEffectiveRate(t *testing.T) {
	if got := EffectiveRate(11.85, 10); math.Abs(got-1.185) > 1e-9 {
		t.Fatalf("expected 1.185, got %v", got)
	}
	if got := EffectiveRate(5, 0); got != 0 {
		t.Fatalf("expected 0 for zero base total, got %v", got)
	}
}
