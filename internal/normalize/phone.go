package normalize

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// Phone converts a raw phone number to E.164 using defaultRegion when the
// number carries no country code. Malformed numbers (too short,
// non-numeric after stripping formatting) return "".
func Phone(raw, defaultRegion string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if defaultRegion == "" {
		defaultRegion = "US"
	}

	num, err := phonenumbers.Parse(s, strings.ToUpper(defaultRegion))
	if err != nil {
		return ""
	}
	if !phonenumbers.IsValidNumber(num) {
		return ""
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}

// Digits strips everything but ASCII digits.
func Digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// PhoneVariants returns the digit-only spellings an E.164 number may
// have in the CRM mirror: the full digits including the country code,
// and the national significant number. Both are equal when the number
// does not parse.
func PhoneVariants(e164 string) (full, national string) {
	full = Digits(e164)
	national = full
	if num, err := phonenumbers.Parse(e164, ""); err == nil {
		if n := phonenumbers.GetNationalSignificantNumber(num); n != "" {
			national = n
		}
	}
	return full, national
}
