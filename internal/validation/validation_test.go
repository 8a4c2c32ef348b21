package validation

import (
	"testing"
)

func TestIsValidPhone(t *testing.T) {
	tests := []struct {
		phone string
		valid bool
	}{
		{"+254712345678", true},
		{"+254110123456", true},
		{"+254734567890", true},

		// Invalid cases
		{"254712345678", false},   // No +
		{"+25471234567", false},   // Too short
		{"+2547123456789", false}, // Too long
		{"+254912345678", false},  // Bad prefix digit
		{"+14155550100", false},   // Wrong country
		{"", false},
		{"+254", false},
	}

	for _, tc := range tests {
		result := IsValidPhone(tc.phone)
		if result != tc.valid {
			t.Errorf("IsValidPhone(%q) = %v, want %v", tc.phone, result, tc.valid)
		}
	}
}

func TestSanitizePhone(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"+254712345678", "+254712345678"},
		{"254712345678", "+254712345678"},
		{"0712345678", "+254712345678"},
		{"0110123456", "+254110123456"},
		{"  0712 345 678  ", "+254712345678"},
		{"07-1234-5678", "+254712345678"},
	}

	for _, tc := range tests {
		result := SanitizePhone(tc.input)
		if result != tc.expected {
			t.Errorf("SanitizePhone(%q) = %q, want %q", tc.input, result, tc.expected)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"he\x00llo", 10, "hello"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("sellerId", ""),
		Required("title", "Ankara dress"),
		ValidPhone("phone", "+254712345678"),
	)
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1", len(errs))
	}
	if errs[0].Field != "sellerId" {
		t.Errorf("field = %q, want sellerId", errs[0].Field)
	}

	if errs := Validate(Required("title", "x")); len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
}

func TestValidPhoneField(t *testing.T) {
	if err := ValidPhone("phone", "0712345678")(); err != nil {
		t.Errorf("local form should normalize and pass, got %v", err)
	}
	if err := ValidPhone("phone", "not-a-phone")(); err == nil {
		t.Error("expected error for malformed phone")
	}
	if err := ValidPhone("phone", "")(); err != nil {
		t.Error("empty value should pass (use Required)")
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		ok    bool
	}{
		{"1500.00", true},
		{"1", true},
		{"0.50", true},
		{"", true}, // use Required for required fields
		{"0", false},
		{"0.00", false},
		{"1.2.3", false},
		{".5", false},
		{"5.", false},
		{"-5", false},
		{"abc", false},
	}

	for _, tc := range tests {
		err := ValidAmount("amount", tc.value)()
		if (err == nil) != tc.ok {
			t.Errorf("ValidAmount(%q) error = %v, want ok=%v", tc.value, err, tc.ok)
		}
	}
}

func TestMaxLength(t *testing.T) {
	if err := MaxLength("title", "short", 10)(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := MaxLength("title", "this is far too long", 5)(); err == nil {
		t.Error("expected error for over-long value")
	}
}
