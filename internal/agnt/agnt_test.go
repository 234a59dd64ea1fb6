package agnt

import (
	"math/big"
	"testing"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"one token", "1.00", 100_000_000},
		{"half token", "0.50", 50_000_000},
		{"hundred", "100", 10_000_000_000},
		{"smallest unit", "0.00000001", 1},
		{"whole and frac", "1.50000000", 150_000_000},
		{"no frac", "1", 100_000_000},
		{"short frac", "1.5", 150_000_000},
		{"three decimals", "1.123", 112_300_000},
		{"eight decimals", "1.12345678", 112_345_678},
		{"large amount", "999999.99999999", 99_999_999_999_999},
		{"leading zeros in whole", "007.50", 750_000_000},
		{"bare fraction", ".25", 25_000_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if got.Int64() != tt.expected {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got.Int64(), tt.expected)
			}
		})
	}
}

func TestParse_InvalidAmounts(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"negative", "-1.00"},
		{"two dots", "1.2.3"},
		{"letters", "abc"},
		{"hex digits", "0x10"},
		{"trailing junk", "1.5x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := Parse(tt.input); ok {
				t.Errorf("Parse(%q) returned ok=true, want false", tt.input)
			}
		})
	}
}

func TestParse_EmptyString(t *testing.T) {
	got, ok := Parse("")
	if !ok {
		t.Fatal("Parse(\"\") returned ok=false")
	}
	if got.Sign() != 0 {
		t.Errorf("Parse(\"\") = %s, want 0", got.String())
	}
}

func TestParse_TruncationBeyondEightDecimals(t *testing.T) {
	got, ok := Parse("1.123456789012")
	if !ok {
		t.Fatal("Parse returned ok=false")
	}
	if got.Int64() != 112_345_678 {
		t.Errorf("Parse truncation = %d, want 112345678", got.Int64())
	}
}

func TestParsePositive(t *testing.T) {
	if _, ok := ParsePositive("0"); ok {
		t.Error("ParsePositive(\"0\") returned ok=true, want false")
	}
	if _, ok := ParsePositive(""); ok {
		t.Error("ParsePositive(\"\") returned ok=true, want false")
	}
	v, ok := ParsePositive("0.00000001")
	if !ok || v.Int64() != 1 {
		t.Errorf("ParsePositive(\"0.00000001\") = %v, %v", v, ok)
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		input    int64
		expected string
	}{
		{"zero", 0, "0.00000000"},
		{"one unit", 1, "0.00000001"},
		{"one token", 100_000_000, "1.00000000"},
		{"fraction", 150_000_000, "1.50000000"},
		{"large", 99_999_999_999_999, "999999.99999999"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(big.NewInt(tt.input)); got != tt.expected {
				t.Errorf("Format(%d) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFormat_Nil(t *testing.T) {
	if got := Format(nil); got != "0.00000000" {
		t.Errorf("Format(nil) = %q", got)
	}
}

func TestFormat_Negative(t *testing.T) {
	if got := Format(big.NewInt(-150_000_000)); got != "-1.50000000" {
		t.Errorf("Format(-150000000) = %q", got)
	}
}

func TestRoundTrip(t *testing.T) {
	inputs := []string{"0.00000000", "1.00000000", "123.45678900", "0.00000001"}
	for _, in := range inputs {
		v, ok := Parse(in)
		if !ok {
			t.Fatalf("Parse(%q) failed", in)
		}
		if out := Format(v); out != in {
			t.Errorf("round trip %q -> %q", in, out)
		}
	}
}

func TestMidpoint(t *testing.T) {
	tests := []struct {
		a, b, want string
	}{
		{"1000", "5000", "3000.00000000"},
		{"1", "2", "1.50000000"},
		{"0.00000001", "0.00000002", "0.00000001"}, // truncates toward zero
		{"10", "10", "10.00000000"},
	}
	for _, tt := range tests {
		got, ok := Midpoint(tt.a, tt.b)
		if !ok {
			t.Fatalf("Midpoint(%q, %q) failed", tt.a, tt.b)
		}
		if got != tt.want {
			t.Errorf("Midpoint(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
	if _, ok := Midpoint("x", "1"); ok {
		t.Error("Midpoint with invalid input returned ok=true")
	}
}

func TestCmp(t *testing.T) {
	if c, ok := Cmp("1.5", "1.50000000"); !ok || c != 0 {
		t.Errorf("Cmp equal = %d, %v", c, ok)
	}
	if c, ok := Cmp("2", "1"); !ok || c != 1 {
		t.Errorf("Cmp greater = %d, %v", c, ok)
	}
	if c, ok := Cmp("1", "2"); !ok || c != -1 {
		t.Errorf("Cmp less = %d, %v", c, ok)
	}
	if _, ok := Cmp("bad", "1"); ok {
		t.Error("Cmp with invalid input returned ok=true")
	}
}

func TestTokenUnitConversion(t *testing.T) {
	// 1.5 AGNT against an 18-decimal token.
	amount, _ := Parse("1.5")
	onChain := ToTokenUnits(amount, 18)
	want, _ := new(big.Int).SetString("1500000000000000000", 10)
	if onChain.Cmp(want) != 0 {
		t.Fatalf("ToTokenUnits = %s, want %s", onChain, want)
	}

	back, ok := FromTokenUnits(onChain, 18)
	if !ok || back.Cmp(amount) != 0 {
		t.Fatalf("FromTokenUnits = %s, %v, want %s", back, ok, amount)
	}

	// 6-decimal token: AGNT has more precision than the chain.
	sixDec := ToTokenUnits(amount, 6)
	if sixDec.Int64() != 1_500_000 {
		t.Fatalf("ToTokenUnits(6) = %d", sixDec.Int64())
	}
	back6, ok := FromTokenUnits(sixDec, 6)
	if !ok || back6.Cmp(amount) != 0 {
		t.Fatalf("FromTokenUnits(6) = %s, %v", back6, ok)
	}
}

func TestFromTokenUnits_PrecisionLoss(t *testing.T) {
	// 18-decimal value with dust below the 8th AGNT decimal.
	dusty, _ := new(big.Int).SetString("1500000000000000001", 10)
	if _, ok := FromTokenUnits(dusty, 18); ok {
		t.Error("FromTokenUnits accepted a value that loses precision")
	}
}
