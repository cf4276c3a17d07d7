// Package numbers normalizes telephone numbers to E.164.
package numbers

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

var (
	ErrInvalidNumber  = errors.New("invalid phone number")
	ErrUnknownCountry = errors.New("unknown country code")
)

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// IsE164 reports whether s is already a canonical E.164 number.
func IsE164(s string) bool {
	return e164Pattern.MatchString(s)
}

// ValidateCountry checks that country is an ISO 3166-1 alpha-2 region the
// numbering metadata knows about.
func ValidateCountry(country string) error {
	region := strings.ToUpper(strings.TrimSpace(country))
	if phonenumbers.GetCountryCodeForRegion(region) == 0 {
		return fmt.Errorf("%w: %q", ErrUnknownCountry, country)
	}
	return nil
}

// Normalizer formats numbers as E.164 using a default region for numbers
// dialed without a country code.
type Normalizer struct{}

// Normalize parses raw in the context of country and returns it in E.164.
func (Normalizer) Normalize(raw, country string) (string, error) {
	if err := ValidateCountry(country); err != nil {
		return "", err
	}
	num, err := phonenumbers.Parse(raw, strings.ToUpper(strings.TrimSpace(country)))
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidNumber, raw, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, raw)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
