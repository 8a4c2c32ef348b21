package money

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{"1", 100, false},
		{"1500", 150000, false},
		{"1500.5", 150050, false},
		{"1500.50", 150050, false},
		{"0.01", 1, false},
		{" 25.00 ", 2500, false},
		{"-1", 0, true},
		{"1.2.3", 0, true},
		{"1.505", 0, true}, // sub-cent precision rejected
		{"abc", 0, true},
		{"12a", 0, true},
	}

	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): expected error, got %d", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParse_Overflow(t *testing.T) {
	if _, err := Parse("99999999999999999999"); err == nil {
		t.Error("expected overflow to be rejected")
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0.00"},
		{1, "0.01"},
		{100, "1.00"},
		{150050, "1500.50"},
		{-2500, "-25.00"},
	}

	for _, tt := range tests {
		if got := Format(tt.in); got != tt.want {
			t.Errorf("Format(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatWithCurrency(t *testing.T) {
	if got := FormatWithCurrency(150000, "KES"); got != "KES 1500.00" {
		t.Errorf("unexpected format: %q", got)
	}
	if got := FormatWithCurrency(100, ""); got != "KES 1.00" {
		t.Errorf("expected default currency, got %q", got)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, amount := range []int64{0, 1, 99, 100, 101, 123456789} {
		parsed, err := Parse(Format(amount))
		if err != nil {
			t.Fatalf("round trip of %d failed: %v", amount, err)
		}
		if parsed != amount {
			t.Errorf("round trip of %d produced %d", amount, parsed)
		}
	}
}
