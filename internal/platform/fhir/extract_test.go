package fhir

import (
	"encoding/json"
	"testing"
)

func decode(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	return m
}

func TestEvaluatePath(t *testing.T) {
	patient := decode(t, `{
		"resourceType": "Patient",
		"id": "p1",
		"birthDate": "1980-05-01",
		"name": [
			{"use": "official", "family": "Smith", "given": ["John", "Q"]},
			{"use": "nickname", "family": "Smitty"}
		],
		"telecom": [
			{"system": "phone", "value": "555-1234"},
			{"system": "email", "value": "j@example.org"}
		],
		"managingOrganization": {"reference": "Organization/o1"}
	}`)

	tests := []struct {
		name string
		expr string
		want []interface{}
	}{
		{"scalar", "Patient.birthDate", []interface{}{"1980-05-01"}},
		{"no type prefix", "birthDate", []interface{}{"1980-05-01"}},
		{"array fan-out", "Patient.name.family", []interface{}{"Smith", "Smitty"}},
		{"nested array", "Patient.name.given", []interface{}{"John", "Q"}},
		{"where filter", "Patient.name.where(use='official').family", []interface{}{"Smith"}},
		{"where no match", "Patient.name.where(use='maiden').family", nil},
		{"union", "Patient.birthDate | Patient.name.family", []interface{}{"1980-05-01", "Smith", "Smitty"}},
		{"missing field", "Patient.deceasedBoolean", nil},
		{"object value", "Patient.managingOrganization.reference", []interface{}{"Organization/o1"}},
		{"telecom where", "Patient.telecom.where(system='email').value", []interface{}{"j@example.org"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvaluatePath(patient, tt.expr)
			if len(got) != len(tt.want) {
				t.Fatalf("EvaluatePath(%q) = %v, want %v", tt.expr, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("value %d: got %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestEvaluatePath_WholeResource(t *testing.T) {
	content := decode(t, `{"resourceType": "Patient", "id": "p1"}`)
	got := EvaluatePath(content, "Resource")
	if len(got) != 1 {
		t.Fatalf("expected the resource itself, got %v", got)
	}
}

func TestEvaluatePath_Nil(t *testing.T) {
	if got := EvaluatePath(nil, "Patient.name"); got != nil {
		t.Errorf("nil content should yield nothing, got %v", got)
	}
	if got := EvaluatePath(map[string]interface{}{"a": 1}, ""); got != nil {
		t.Errorf("empty expression should yield nothing, got %v", got)
	}
}
