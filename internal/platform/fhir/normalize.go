package fhir

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeString folds a human-entered value for string-shape matching:
// lowercase, accents stripped, punctuation collapsed to single spaces.
// "Müller-Lüdenscheidt" and "muller ludenscheidt" normalize the same way.
func NormalizeString(s string) string {
	decomposed := norm.NFD.String(s)

	var b strings.Builder
	b.Grow(len(decomposed))
	lastSpace := true
	for _, r := range decomposed {
		switch {
		case unicode.Is(unicode.Mn, r):
			// combining mark from decomposition
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// NormalizeURI canonicalizes a URI value for exact and hierarchy matching:
// trimmed, trailing slash dropped. Case is preserved; URIs are case sensitive
// past the scheme.
func NormalizeURI(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "/")
	return s
}

// NormalizeToken splits a token value into (system, code). A bare code has an
// empty system; "|code" pins the empty system explicitly; "system|" matches
// any code within the system.
func NormalizeToken(value string) (system, code string, hasSystem bool) {
	idx := strings.Index(value, "|")
	if idx < 0 {
		return "", value, false
	}
	return value[:idx], value[idx+1:], true
}
