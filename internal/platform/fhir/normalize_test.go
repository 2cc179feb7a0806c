package fhir

import (
	"testing"
)

func TestNormalizeString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Smith", "smith"},
		{"  John   SMITH ", "john smith"},
		{"Müller", "muller"},
		{"Müller-Lüdenscheidt", "muller ludenscheidt"},
		{"O'Brien", "o brien"},
		{"Crème brûlée", "creme brulee"},
		{"", ""},
		{"---", ""},
		{"van der Berg", "van der berg"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NormalizeString(tt.in); got != tt.want {
				t.Errorf("NormalizeString(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeURI(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://example.org/fhir/", "http://example.org/fhir"},
		{"  http://example.org ", "http://example.org"},
		{"urn:oid:1.2.3", "urn:oid:1.2.3"},
		{"http://Example.org/Path", "http://Example.org/Path"},
	}

	for _, tt := range tests {
		if got := NormalizeURI(tt.in); got != tt.want {
			t.Errorf("NormalizeURI(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeToken(t *testing.T) {
	tests := []struct {
		in         string
		wantSystem string
		wantCode   string
		wantHas    bool
	}{
		{"male", "", "male", false},
		{"http://loinc.org|1234-5", "http://loinc.org", "1234-5", true},
		{"|code-only", "", "code-only", true},
		{"http://loinc.org|", "http://loinc.org", "", true},
	}

	for _, tt := range tests {
		sys, code, has := NormalizeToken(tt.in)
		if sys != tt.wantSystem || code != tt.wantCode || has != tt.wantHas {
			t.Errorf("NormalizeToken(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.in, sys, code, has, tt.wantSystem, tt.wantCode, tt.wantHas)
		}
	}
}

func TestEntryHash_Deterministic(t *testing.T) {
	h := XXEntryHasher{}

	a := h.EntryHash("name", "smith", "john")
	b := h.EntryHash("name", "smith", "john")
	if a != b {
		t.Error("same input must hash identically")
	}
	if len(a) != 16 {
		t.Errorf("expected 16 hex chars, got %d: %s", len(a), a)
	}

	// Part boundaries matter: ("ab","c") and ("a","bc") must differ.
	if h.EntryHash("p", "ab", "c") == h.EntryHash("p", "a", "bc") {
		t.Error("part boundaries must be hash significant")
	}
	if h.EntryHash("p1", "v") == h.EntryHash("p2", "v") {
		t.Error("parameter name must be hash significant")
	}
}
