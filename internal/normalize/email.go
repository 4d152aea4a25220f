// Package normalize canonicalizes raw identifiers (email addresses,
// phone numbers) into comparable keys. All functions are pure; invalid
// input yields the empty string, which callers treat as "no identifier
// available", never as an error.
package normalize

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Email canonicalizes a raw email address: NFKC unicode normalization,
// whitespace stripped, lowercased. Deliverability is not validated.
// Returns "" for anything without a plausible local@domain shape.
func Email(raw string) string {
	s := norm.NFKC.String(strings.TrimSpace(raw))
	s = strings.ToLower(s)

	// Strip a display-name wrapper like "Jane Doe <jane@example.com>".
	if i := strings.LastIndex(s, "<"); i >= 0 {
		if j := strings.Index(s[i:], ">"); j > 0 {
			s = s[i+1 : i+j]
		}
	}
	s = strings.TrimSpace(s)

	at := strings.Index(s, "@")
	if at <= 0 || at == len(s)-1 {
		return ""
	}
	// Exactly one @, and a dotted domain.
	if strings.Count(s, "@") != 1 || strings.ContainsAny(s, " \t\n") {
		return ""
	}
	domain := s[at+1:]
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return ""
	}
	return s
}

// EmailDomain returns the domain part of a normalized email, or "".
func EmailDomain(email string) string {
	at := strings.Index(email, "@")
	if at < 0 {
		return ""
	}
	return email[at+1:]
}

// EmailLocalPart returns the local part of a normalized email, or "".
func EmailLocalPart(email string) string {
	at := strings.Index(email, "@")
	if at < 0 {
		return ""
	}
	return email[:at]
}
