package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"one", "1.00", "1"},
		{"fifty cents", "0.50", "0.5"},
		{"hundred", "100", "100"},
		{"smallest unit", "0.000001", "0.000001"},
		{"six decimals", "1.123456", "1.123456"},
		{"trailing zeros past six", "1.1234560", "1.123456"},
		{"empty", "", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if !got.Equal(decimal.RequireFromString(tt.expected)) {
				t.Errorf("Parse(%q) = %s, want %s", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, input := range []string{"-1", "abc", "1.2.3", "0.0000001"} {
		if _, ok := Parse(input); ok {
			t.Errorf("Parse(%q) should fail", input)
		}
	}
}

func TestPercent(t *testing.T) {
	tests := []struct {
		amount, percent, want string
	}{
		{"10", "1", "0.1"},
		{"0.000001", "1", "0"},
		{"0.00005", "1", "0.000001"},
		{"123.456789", "2.5", "3.08642"},
	}
	for _, tt := range tests {
		got := Percent(decimal.RequireFromString(tt.amount), decimal.RequireFromString(tt.percent))
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("Percent(%s, %s) = %s, want %s", tt.amount, tt.percent, got, tt.want)
		}
	}
}

func TestFormat(t *testing.T) {
	if got := Format(decimal.RequireFromString("1.5")); got != "1.500000" {
		t.Errorf("Format(1.5) = %s", got)
	}
	if got := Format(decimal.Zero); got != "0.000000" {
		t.Errorf("Format(0) = %s", got)
	}
}
