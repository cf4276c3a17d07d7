package api

import (
	"regexp"
	"unicode/utf8"
)

// maxNumberLen bounds dialled numbers and SIP user parts.
const maxNumberLen = 64

// maxNameLen is the maximum length for trunk names.
const maxNameLen = 200

// maxHeaders caps how many headers an originate request may forward.
const maxHeaders = 32

// maxHeaderValueLen is the maximum length of a forwarded header value.
const maxHeaderValueLen = 1024

// numberRe accepts E.164 numbers, national digit strings and SIP user parts.
var numberRe = regexp.MustCompile(`^\+?[0-9A-Za-z*#._\-]{1,64}$`)

// headerNameRe matches an RFC 3261 header field name token.
var headerNameRe = regexp.MustCompile("^[A-Za-z0-9!%'*+\\-.^_`|~]+$")

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateNumber checks a dialled number or SIP user part.
func validateNumber(field, value string, required bool) string {
	if value == "" {
		if required {
			return field + " is required"
		}
		return ""
	}
	if len(value) > maxNumberLen {
		return field + " exceeds maximum length"
	}
	if !numberRe.MatchString(value) {
		return field + " is not a valid number"
	}
	return ""
}

// validateHeaders checks forwarded header names and values.
func validateHeaders(field string, headers map[string]string) string {
	if len(headers) > maxHeaders {
		return field + " has too many entries"
	}
	for name, value := range headers {
		if !headerNameRe.MatchString(name) {
			return field + " has an invalid header name"
		}
		if msg := validateStringLen(field, value, maxHeaderValueLen); msg != "" {
			return msg
		}
		if containsControlChars(value) {
			return field + " contains invalid characters"
		}
	}
	return ""
}

// containsControlChars reports whether s has control characters. SIP header
// values cannot carry line breaks, so unlike free text none are allowed.
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 || r == 127 {
			return true
		}
	}
	return false
}
