package fhir

import (
	"strings"
	"testing"
	"time"
)

func TestDateRange(t *testing.T) {
	tests := []struct {
		name      string
		in        interface{}
		wantStart string
		wantEnd   string
		ok        bool
	}{
		{
			name:      "year precision spans the year",
			in:        "2023",
			wantStart: "2023-01-01T00:00:00Z",
			wantEnd:   "2023-12-31T23:59:59Z",
			ok:        true,
		},
		{
			name:      "month precision spans the month",
			in:        "2023-05",
			wantStart: "2023-05-01T00:00:00Z",
			wantEnd:   "2023-05-31T23:59:59Z",
			ok:        true,
		},
		{
			name:      "day precision spans the day",
			in:        "2023-05-15",
			wantStart: "2023-05-15T00:00:00Z",
			wantEnd:   "2023-05-15T23:59:59Z",
			ok:        true,
		},
		{
			name:      "instant is a point",
			in:        "2023-05-15T10:30:00Z",
			wantStart: "2023-05-15T10:30:00Z",
			wantEnd:   "2023-05-15T10:30:00Z",
			ok:        true,
		},
		{
			name: "period uses both ends",
			in: map[string]interface{}{
				"start": "2023-01-01", "end": "2023-02-01",
			},
			wantStart: "2023-01-01T00:00:00Z",
			wantEnd:   "2023-02-01T23:59:59Z",
			ok:        true,
		},
		{
			name: "open-ended period widens to extremes",
			in:   map[string]interface{}{"start": "2023-06-01"},
			ok:   true,
		},
		{name: "garbage", in: "not-a-date", ok: false},
		{name: "empty period", in: map[string]interface{}{}, ok: false},
		{name: "number", in: 42.0, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok := dateRange(tt.in)
			if ok != tt.ok {
				t.Fatalf("dateRange(%v) ok = %v, want %v", tt.in, ok, tt.ok)
			}
			if !ok || tt.wantStart == "" {
				return
			}
			start, _ := time.Parse(time.RFC3339, tt.wantStart)
			end, _ := time.Parse(time.RFC3339, tt.wantEnd)
			if !r.start.Equal(start) {
				t.Errorf("start = %v, want %v", r.start, start)
			}
			// End of a partial date lands a nanosecond before the next unit.
			if r.end.Before(end) || r.end.Sub(end) >= time.Second {
				t.Errorf("end = %v, want about %v", r.end, end)
			}
		})
	}
}

func TestDateRange_OpenPeriodExtremes(t *testing.T) {
	r, ok := dateRange(map[string]interface{}{"end": "2023-01-01"})
	if !ok {
		t.Fatal("open-start period must parse")
	}
	if r.start.Year() != 1 {
		t.Errorf("open start should reach the minimum, got %v", r.start)
	}

	r, ok = dateRange(map[string]interface{}{"start": "2023-01-01"})
	if !ok {
		t.Fatal("open-end period must parse")
	}
	if r.end.Year() != 9999 {
		t.Errorf("open end should reach the maximum, got %v", r.end)
	}
}

func TestSplitReference(t *testing.T) {
	tests := []struct {
		in       string
		wantType string
		wantID   string
		wantURL  string
	}{
		{"Patient/p1", "Patient", "p1", ""},
		{"/Patient/p1", "Patient", "p1", ""},
		{"Patient/p1/_history/3", "Patient", "p1", ""},
		{"http://other.example.org/fhir/Patient/p1", "", "", "http://other.example.org/fhir/Patient/p1"},
		{"urn:uuid:0c38c814", "", "", "urn:uuid:0c38c814"},
		{"p1", "", "p1", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			typ, id, url := splitReference(tt.in)
			if typ != tt.wantType || id != tt.wantID || url != tt.wantURL {
				t.Errorf("splitReference(%q) = (%q, %q, %q), want (%q, %q, %q)",
					tt.in, typ, id, url, tt.wantType, tt.wantID, tt.wantURL)
			}
		})
	}
}

func TestTokenParts(t *testing.T) {
	values := []interface{}{
		"male",
		true,
		map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{"system": "http://loinc.org", "code": "1234-5", "display": "Glucose"},
				map[string]interface{}{"system": "http://snomed.info/sct", "code": "999"},
			},
		},
		map[string]interface{}{"system": "http://example.org/mrn", "value": "MRN-1"},
		map[string]interface{}{"system": "phone", "value": "555-1234"},
	}

	got := tokenParts(values)
	if len(got) != 6 {
		t.Fatalf("expected 6 token entries, got %d: %+v", len(got), got)
	}
	if got[0].code != "male" || got[0].system != "" {
		t.Errorf("bare code: %+v", got[0])
	}
	if got[1].code != "true" {
		t.Errorf("boolean token: %+v", got[1])
	}
	if got[2].system != "http://loinc.org" || got[2].code != "1234-5" {
		t.Errorf("coding 1: %+v", got[2])
	}
	if got[4].system != "http://example.org/mrn" || got[4].code != "MRN-1" {
		t.Errorf("identifier: %+v", got[4])
	}
}

func TestTokenParts_ConceptText(t *testing.T) {
	concept := map[string]interface{}{
		"coding": []interface{}{
			map[string]interface{}{"system": "http://loinc.org", "code": "1234-5"},
			map[string]interface{}{"system": "http://snomed.info/sct", "code": "999", "display": "Glucose (SCT)"},
		},
		"text": "Blood glucose",
	}

	got := tokenParts([]interface{}{concept})
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(got), got)
	}
	// The concept text must reach every coding row, not just the last one.
	if got[0].text != "Blood glucose" {
		t.Errorf("first coding lost the concept text: %+v", got[0])
	}
	// A coding display takes precedence over the concept text.
	if got[1].text != "Glucose (SCT)" {
		t.Errorf("display overridden: %+v", got[1])
	}

	// Text without codings still yields a searchable row.
	got = tokenParts([]interface{}{map[string]interface{}{
		"coding": []interface{}{},
		"text":   "free text only",
	}})
	if len(got) != 1 || got[0].text != "free text only" || got[0].code != "" {
		t.Errorf("text-only concept: %+v", got)
	}
}

func TestTokenParts_IdentifierTyping(t *testing.T) {
	values := []interface{}{
		map[string]interface{}{
			"system": "http://hospital.example.org/mrn",
			"value":  "446053",
			"type": map[string]interface{}{
				"coding": []interface{}{
					map[string]interface{}{
						"system": "http://terminology.hl7.org/CodeSystem/v2-0203",
						"code":   "MR",
					},
				},
			},
		},
		map[string]interface{}{"system": "urn:oid:1.2.3", "value": "A-1"},
		map[string]interface{}{"system": "phone", "value": "555-1234"},
	}

	got := tokenParts(values)
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d: %+v", len(got), got)
	}
	if !got[0].identifier || got[0].typeSystem != "http://terminology.hl7.org/CodeSystem/v2-0203" || got[0].typeCode != "MR" {
		t.Errorf("typed identifier: %+v", got[0])
	}
	if !got[1].identifier {
		t.Errorf("URI-system identifier not flagged: %+v", got[1])
	}
	// ContactPoint stays out of the identifier table.
	if got[2].identifier {
		t.Errorf("contact point flagged as identifier: %+v", got[2])
	}
}

func TestStringParts(t *testing.T) {
	values := []interface{}{
		"plain",
		map[string]interface{}{
			"family": "Smith",
			"given":  []interface{}{"John", "Q"},
			"text":   "John Q Smith",
		},
		map[string]interface{}{
			"city": "Springfield",
			"line": []interface{}{"12 Main St"},
		},
	}

	got := stringParts(values)
	want := map[string]bool{
		"plain": true, "Smith": true, "John": true, "Q": true,
		"John Q Smith": true, "Springfield": true, "12 Main St": true,
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d parts, got %d: %v", len(want), len(got), got)
	}
	for _, s := range got {
		if !want[s] {
			t.Errorf("unexpected part %q", s)
		}
	}
}

func TestCollectStrings(t *testing.T) {
	content := map[string]interface{}{
		"resourceType": "Patient",
		"name":         []interface{}{map[string]interface{}{"family": "Smith"}},
		"active":       true,
	}
	got := collectStrings(content)
	for _, want := range []string{"Patient", "Smith"} {
		if !containsWord(got, want) {
			t.Errorf("collectStrings missing %q in %q", want, got)
		}
	}
}

func containsWord(haystack, word string) bool {
	for _, f := range strings.Fields(haystack) {
		if f == word {
			return true
		}
	}
	return false
}

func TestStripTags(t *testing.T) {
	got := stripTags(`<div xmlns="http://www.w3.org/1999/xhtml"><p>Well <b>hydrated</b></p></div>`)
	if !containsWord(NormalizeString(got), "hydrated") {
		t.Errorf("stripTags lost text: %q", got)
	}
	if containsWord(got, "div") {
		t.Errorf("stripTags kept markup: %q", got)
	}
}

func TestCompartmentParams(t *testing.T) {
	params := compartmentParams("Patient", "Observation")
	if len(params) == 0 {
		t.Fatal("Observation must be a Patient compartment member")
	}
	found := false
	for _, p := range params {
		if p == "subject" {
			found = true
		}
	}
	if !found {
		t.Error("subject should route Observation into the Patient compartment")
	}

	if got := compartmentParams("Patient", "SearchParameter"); got != nil {
		t.Errorf("non-member type should yield nil, got %v", got)
	}
	if got := compartmentParams("Unknown", "Observation"); got != nil {
		t.Errorf("unknown compartment should yield nil, got %v", got)
	}
}
