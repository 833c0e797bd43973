package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestExponent(t *testing.T) {
	cases := map[string]int32{
		"USD":  2,
		"eur":  2,
		"JPY":  0,
		" krw": 0,
		"CLP":  0,
		"KWD":  3,
		"bhd":  3,
		"???":  2,
	}
	for code, want := range cases {
		if got := Exponent(code); got != want {
			t.Fatalf("Exponent(%q) = %d, want %d", code, got, want)
		}
	}
}

func TestFromMinorAndBack(t *testing.T) {
	cases := []struct {
		code   string
		minor  int64
		amount string
	}{
		{code: "USD", minor: 1999, amount: "19.99"},
		{code: "JPY", minor: 1000, amount: "1000"},
		{code: "KWD", minor: 12345, amount: "12.345"},
	}
	for _, tc := range cases {
		got := FromMinor(tc.minor, tc.code)
		if !got.Equal(decimal.RequireFromString(tc.amount)) {
			t.Fatalf("FromMinor(%d, %s) = %s, want %s", tc.minor, tc.code, got, tc.amount)
		}
		if back := ToMinor(got, tc.code); back != tc.minor {
			t.Fatalf("ToMinor(%s, %s) = %d, want %d", got, tc.code, back, tc.minor)
		}
	}
}

func TestRound(t *testing.T) {
	if got := Round(decimal.RequireFromString("1000.40"), "JPY"); !got.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected 1000, got %s", got)
	}
	if got := Round(decimal.RequireFromString("19.999"), "USD"); !got.Equal(decimal.RequireFromString("20.00")) {
		t.Fatalf("expected 20.00, got %s", got)
	}
}
