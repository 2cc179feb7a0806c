package fhir

import (
	"strings"
	"testing"
)

func TestCompileWhere_Guards(t *testing.T) {
	e := &Executor{}
	q := &Query{ResourceType: "Patient"}

	where, args, err := e.compileWhere(q)
	if err != nil {
		t.Fatalf("compileWhere: %v", err)
	}
	for _, want := range []string{"r.resource_type = $1", "r.is_current = true", "r.deleted = false"} {
		if !strings.Contains(where, want) {
			t.Errorf("predicate missing %q: %s", want, where)
		}
	}
	if len(args) != 1 || args[0] != "Patient" {
		t.Errorf("args = %v", args)
	}
}

func TestCompileWhere_FiltersAnd(t *testing.T) {
	e := &Executor{}
	q := &Query{
		ResourceType: "Patient",
		Filters: []FilterParam{
			{Definition: stringDef("name"), Values: []FilterValue{{Prefix: PrefixEq, Raw: "smith"}}},
			{Definition: &ParameterDefinition{ResourceType: "Patient", Code: "gender", Type: ParamToken},
				Values: []FilterValue{{Prefix: PrefixEq, Raw: "male"}}},
		},
	}

	where, args, err := e.compileWhere(q)
	if err != nil {
		t.Fatalf("compileWhere: %v", err)
	}
	if strings.Count(where, "EXISTS") != 2 {
		t.Errorf("each filter needs its own EXISTS: %s", where)
	}
	if !strings.Contains(where, "search_string") || !strings.Contains(where, "search_token") {
		t.Errorf("shape tables missing: %s", where)
	}
	// 1 type + (value+param)*2
	if len(args) != 5 {
		t.Errorf("args = %v", args)
	}
}

func TestCompileWhere_Compartment(t *testing.T) {
	e := &Executor{}
	q := &Query{ResourceType: "Observation", CompartmentType: "Patient", CompartmentID: "p1"}

	where, args, err := e.compileWhere(q)
	if err != nil {
		t.Fatalf("compileWhere: %v", err)
	}
	if !strings.Contains(where, "compartment_membership") {
		t.Errorf("compartment restriction missing: %s", where)
	}
	if args[1] != "Patient" || args[2] != "p1" {
		t.Errorf("args = %v", args)
	}
}

func TestCompileWhere_ListMembership(t *testing.T) {
	e := &Executor{}
	q := &Query{ResourceType: "Patient", ListID: "l1"}

	where, _, err := e.compileWhere(q)
	if err != nil {
		t.Fatalf("compileWhere: %v", err)
	}
	if !strings.Contains(where, "list_membership") {
		t.Errorf("list restriction missing: %s", where)
	}
}

func TestCompileWhere_ActiveListMembership(t *testing.T) {
	e := &Executor{}

	q := &Query{ResourceType: "Patient", ListID: "l1", ListActive: true}
	where, _, err := e.compileWhere(q)
	if err != nil {
		t.Fatalf("compileWhere: %v", err)
	}
	for _, want := range []string{"lm.period_start IS NULL OR lm.period_start <= now()", "lm.period_end IS NULL OR lm.period_end >= now()"} {
		if !strings.Contains(where, want) {
			t.Errorf("active membership predicate missing %q: %s", want, where)
		}
	}

	// _list takes every membership, expired or not.
	q = &Query{ResourceType: "Patient", ListID: "l1"}
	where, _, err = e.compileWhere(q)
	if err != nil {
		t.Fatalf("compileWhere: %v", err)
	}
	if strings.Contains(where, "period_start") {
		t.Errorf("_list must not filter on the membership period: %s", where)
	}
}

func TestOrderBy(t *testing.T) {
	tests := []struct {
		name  string
		sorts []SortField
		want  string
	}{
		{"default", nil, "r.last_updated DESC, r.id ASC"},
		{"id asc", []SortField{{Field: "_id"}}, "r.id ASC, r.id ASC"},
		{"lastUpdated desc", []SortField{{Field: "_lastUpdated", Descending: true}}, "r.last_updated DESC, r.id ASC"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := orderBy(tt.sorts); got != tt.want {
				t.Errorf("orderBy = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestApplyProjection_Elements(t *testing.T) {
	result := &SearchResult{Resources: []*Resource{{
		ResourceType: "Patient",
		ID:           "p1",
		Content: map[string]interface{}{
			"resourceType": "Patient",
			"name":         []interface{}{"x"},
			"telecom":      []interface{}{"y"},
			"meta":         map[string]interface{}{"profile": []interface{}{}},
		},
	}}}

	applyProjection(result, ControlParams{Elements: []string{"name"}})

	content := result.Resources[0].Content
	if _, ok := content["name"]; !ok {
		t.Error("requested element dropped")
	}
	if _, ok := content["telecom"]; ok {
		t.Error("unrequested element kept")
	}
	for _, mandatory := range []string{"resourceType", "meta"} {
		if _, ok := content[mandatory]; !ok {
			t.Errorf("mandatory element %s dropped", mandatory)
		}
	}
}

func TestApplyProjection_SummaryData(t *testing.T) {
	result := &SearchResult{Resources: []*Resource{{
		Content: map[string]interface{}{
			"resourceType": "Patient",
			"text":         map[string]interface{}{"div": "<div/>"},
			"name":         []interface{}{"x"},
		},
	}}}

	applyProjection(result, ControlParams{Summary: SummaryData})

	content := result.Resources[0].Content
	if _, ok := content["text"]; ok {
		t.Error("_summary=data must drop the narrative")
	}
	if _, ok := content["name"]; !ok {
		t.Error("_summary=data must keep data elements")
	}
}

func TestApplyProjection_SummaryTrue(t *testing.T) {
	result := &SearchResult{Resources: []*Resource{{
		Content: map[string]interface{}{
			"resourceType": "Patient",
			"id":           "p1",
			"meta":         map[string]interface{}{"versionId": "1"},
			"name":         []interface{}{"x"},
			"text":         map[string]interface{}{"div": "<div/>"},
		},
	}}}

	applyProjection(result, ControlParams{Summary: SummaryTrue})

	content := result.Resources[0].Content
	for _, kept := range []string{"resourceType", "id", "meta"} {
		if _, ok := content[kept]; !ok {
			t.Errorf("_summary=true must keep %s", kept)
		}
	}
	if len(content) != 3 {
		t.Errorf("_summary=true must drop everything else: %v", content)
	}
}

func TestApplyProjection_NoopWithoutDirectives(t *testing.T) {
	content := map[string]interface{}{"a": 1, "b": 2}
	result := &SearchResult{Resources: []*Resource{{Content: content}}}
	applyProjection(result, ControlParams{})
	if len(result.Resources[0].Content) != 2 {
		t.Error("projection must be a no-op without _elements or _summary")
	}
}
