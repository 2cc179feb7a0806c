package fhir

import (
	"strings"
	"testing"
)

func TestValidateIdentity(t *testing.T) {
	tests := []struct {
		name         string
		resourceType string
		id           string
		wantErr      bool
	}{
		{"valid", "Patient", "abc-123", false},
		{"valid with dots", "Observation", "a.b.c", false},
		{"empty type", "", "abc", true},
		{"empty id", "Patient", "", true},
		{"id with slash", "Patient", "a/b", true},
		{"id with space", "Patient", "a b", true},
		{"id too long", "Patient", string(make([]byte, 65)), true},
		{"type with slash", "Pat/ient", "abc", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateIdentity(tt.resourceType, tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateIdentity(%q, %q) error = %v, wantErr %v",
					tt.resourceType, tt.id, err, tt.wantErr)
			}
			if err != nil && !IsValidation(err) {
				t.Errorf("expected ValidationError, got %T", err)
			}
		})
	}
}

func TestStripServerMeta(t *testing.T) {
	in := map[string]interface{}{
		"resourceType": "Patient",
		"id":           "client-chosen",
		"active":       true,
		"meta": map[string]interface{}{
			"versionId":   "9",
			"lastUpdated": "2024-01-01T00:00:00Z",
			"profile":     []interface{}{"http://example.org/p"},
		},
	}

	out := stripServerMeta(in)

	if _, ok := out["id"]; ok {
		t.Error("client id should be stripped")
	}
	if out["active"] != true {
		t.Error("unrelated fields must survive")
	}
	meta, ok := out["meta"].(map[string]interface{})
	if !ok {
		t.Fatal("meta with remaining fields should survive")
	}
	if _, ok := meta["versionId"]; ok {
		t.Error("meta.versionId should be stripped")
	}
	if _, ok := meta["lastUpdated"]; ok {
		t.Error("meta.lastUpdated should be stripped")
	}
	if _, ok := meta["profile"]; !ok {
		t.Error("meta.profile should survive")
	}

	// Input must not be mutated.
	if _, ok := in["id"]; !ok {
		t.Error("input map was mutated")
	}
}

func TestStripServerMeta_EmptyMetaDropped(t *testing.T) {
	out := stripServerMeta(map[string]interface{}{
		"meta": map[string]interface{}{"versionId": "1"},
	})
	if _, ok := out["meta"]; ok {
		t.Error("meta emptied by stripping should be removed entirely")
	}
}

func TestStripServerMeta_Nil(t *testing.T) {
	out := stripServerMeta(nil)
	if out == nil {
		t.Fatal("nil content must become an empty map")
	}
}

func TestResourceMarshal_AppliesServerMeta(t *testing.T) {
	res := &Resource{
		ResourceType: "Patient",
		ID:           "p1",
		VersionID:    3,
		Content:      map[string]interface{}{"active": true},
	}

	raw, err := res.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	s := string(raw)
	for _, want := range []string{`"resourceType":"Patient"`, `"id":"p1"`, `"versionId":"3"`} {
		if !strings.Contains(s, want) {
			t.Errorf("marshaled resource missing %s: %s", want, s)
		}
	}
}
