package fhir

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// EntryHasher fingerprints one extracted index entry. The hash is part of the
// index row's primary key, making repeated extraction of the same value a
// no-op insert.
type EntryHasher interface {
	EntryHash(parameterName string, parts ...string) string
}

// XXEntryHasher hashes with xxhash64 over the parameter name and the
// normalized value parts, NUL-separated.
type XXEntryHasher struct{}

func (XXEntryHasher) EntryHash(parameterName string, parts ...string) string {
	h := xxhash.New()
	_, _ = h.WriteString(parameterName)
	for _, p := range parts {
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(p)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
