package numbers

import (
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		country string
		want    string
		wantErr error
	}{
		{name: "us national", raw: "6502530000", country: "US", want: "+16502530000"},
		{name: "us with trunk prefix", raw: "1 (650) 253-0000", country: "US", want: "+16502530000"},
		{name: "lowercase region", raw: "650-253-0000", country: "us", want: "+16502530000"},
		{name: "gb national", raw: "020 7031 3000", country: "GB", want: "+442070313000"},
		{name: "already international", raw: "+442070313000", country: "US", want: "+442070313000"},
		{name: "letters", raw: "not a number", country: "US", wantErr: ErrInvalidNumber},
		{name: "too short", raw: "123", country: "US", wantErr: ErrInvalidNumber},
		{name: "unknown region", raw: "6502530000", country: "ZZ", wantErr: ErrUnknownCountry},
		{name: "empty region", raw: "6502530000", country: "", wantErr: ErrUnknownCountry},
	}

	var n Normalizer
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := n.Normalize(tt.raw, tt.country)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Normalize(%q, %q) error = %v, want %v", tt.raw, tt.country, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize(%q, %q): %v", tt.raw, tt.country, err)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q, %q) = %q, want %q", tt.raw, tt.country, got, tt.want)
			}
		})
	}
}

func TestIsE164(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"+16502530000", true},
		{"+442070313000", true},
		{"16502530000", false},
		{"+06502530000", false},
		{"+1", false},
		{"+1234567890123456", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsE164(tt.in); got != tt.want {
			t.Errorf("IsE164(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestValidateCountry(t *testing.T) {
	for _, c := range []string{"US", "gb", "DE", " au "} {
		if err := ValidateCountry(c); err != nil {
			t.Errorf("ValidateCountry(%q): %v", c, err)
		}
	}
	if err := ValidateCountry("XX"); !errors.Is(err, ErrUnknownCountry) {
		t.Errorf("ValidateCountry(XX) = %v, want ErrUnknownCountry", err)
	}
}
