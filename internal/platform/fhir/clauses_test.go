package fhir

import (
	"strings"
	"testing"
)

func stringDef(code string) *ParameterDefinition {
	return &ParameterDefinition{ResourceType: "Patient", Code: code, Type: ParamString}
}

func TestBuildClause_String(t *testing.T) {
	f := &FilterParam{
		Definition: stringDef("name"),
		Values:     []FilterValue{{Prefix: PrefixEq, Raw: "Smith"}},
	}

	clause, args, next, err := buildClause(f, nil, 1)
	if err != nil {
		t.Fatalf("buildClause: %v", err)
	}
	if !strings.Contains(clause, "EXISTS (SELECT 1 FROM search_string sp") {
		t.Errorf("expected EXISTS against search_string: %s", clause)
	}
	if !strings.Contains(clause, "sp.parameter_name = $2") {
		t.Errorf("parameter name placeholder missing: %s", clause)
	}
	if strings.Contains(clause, "JOIN") {
		t.Errorf("filters must never join: %s", clause)
	}
	if len(args) != 2 || args[0] != "smith" {
		t.Errorf("args = %v", args)
	}
	if next != 3 {
		t.Errorf("next index = %d", next)
	}
}

func TestBuildClause_TokenShapes(t *testing.T) {
	def := &ParameterDefinition{ResourceType: "Patient", Code: "identifier", Type: ParamToken}

	tests := []struct {
		name     string
		raw      string
		wantFrag string
	}{
		{"bare code", "male", "sp.code = $"},
		{"system and code", "http://loinc.org|1234", "sp.system = $"},
		{"system only", "http://loinc.org|", "sp.system = $"},
		{"pinned empty system", "|1234", "sp.system IS NULL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &FilterParam{Definition: def, Values: []FilterValue{{Prefix: PrefixEq, Raw: tt.raw}}}
			clause, _, _, err := buildClause(f, nil, 1)
			if err != nil {
				t.Fatalf("buildClause: %v", err)
			}
			if !strings.Contains(clause, tt.wantFrag) {
				t.Errorf("clause missing %q: %s", tt.wantFrag, clause)
			}
		})
	}
}

func TestBuildClause_OfType(t *testing.T) {
	f := &FilterParam{
		Definition: &ParameterDefinition{ResourceType: "Patient", Code: "identifier", Type: ParamToken},
		Modifier:   "of-type",
		Values:     []FilterValue{{Prefix: PrefixEq, Raw: "http://terminology.hl7.org/CodeSystem/v2-0203|MR|446053"}},
	}
	clause, args, _, err := buildClause(f, nil, 1)
	if err != nil {
		t.Fatalf("buildClause: %v", err)
	}
	if !strings.Contains(clause, "search_token_identifier") {
		t.Errorf(":of-type must query the typed identifier table: %s", clause)
	}
	for _, frag := range []string{"sp.type_system = $", "sp.type_code = $", "sp.value = $"} {
		if !strings.Contains(clause, frag) {
			t.Errorf("clause missing %q: %s", frag, clause)
		}
	}
	want := []interface{}{"http://terminology.hl7.org/CodeSystem/v2-0203", "MR", "446053"}
	if len(args) != 4 {
		t.Fatalf("args = %v", args)
	}
	for i, w := range want {
		if args[i] != w {
			t.Errorf("args[%d] = %v, want %v", i, args[i], w)
		}
	}

	// A two-part value is a plain token, not a typed identifier.
	f.Values = []FilterValue{{Prefix: PrefixEq, Raw: "http://acme.org|12345"}}
	if _, _, _, err := buildClause(f, nil, 1); err == nil {
		t.Error("of-type without all three parts must be rejected")
	}
}

func TestBuildClause_OrValues(t *testing.T) {
	f := &FilterParam{
		Definition: &ParameterDefinition{ResourceType: "Patient", Code: "gender", Type: ParamToken},
		Values: []FilterValue{
			{Prefix: PrefixEq, Raw: "male"},
			{Prefix: PrefixEq, Raw: "female"},
		},
	}
	clause, args, _, err := buildClause(f, nil, 1)
	if err != nil {
		t.Fatalf("buildClause: %v", err)
	}
	if !strings.Contains(clause, " OR ") {
		t.Errorf("OR alternatives must share one EXISTS: %s", clause)
	}
	if strings.Count(clause, "EXISTS") != 1 {
		t.Errorf("expected a single EXISTS: %s", clause)
	}
	if len(args) != 3 {
		t.Errorf("args = %v", args)
	}
}

func TestBuildClause_DatePrefixes(t *testing.T) {
	def := &ParameterDefinition{ResourceType: "Patient", Code: "birthdate", Type: ParamDate}

	tests := []struct {
		prefix   SearchPrefix
		wantFrag string
	}{
		{PrefixEq, "sp.start_date >= $"},
		{PrefixGt, "sp.end_date > $"},
		{PrefixLt, "sp.start_date < $"},
		{PrefixGe, "sp.end_date >= $"},
		{PrefixLe, "sp.start_date <= $"},
		{PrefixSa, "sp.start_date > $"},
		{PrefixEb, "sp.end_date < $"},
	}

	for _, tt := range tests {
		t.Run(string(tt.prefix), func(t *testing.T) {
			f := &FilterParam{Definition: def, Values: []FilterValue{{Prefix: tt.prefix, Raw: "2023-05-15"}}}
			clause, _, _, err := buildClause(f, nil, 1)
			if err != nil {
				t.Fatalf("buildClause: %v", err)
			}
			if !strings.Contains(clause, tt.wantFrag) {
				t.Errorf("prefix %s: clause missing %q: %s", tt.prefix, tt.wantFrag, clause)
			}
		})
	}
}

func TestBuildClause_Missing(t *testing.T) {
	missing := true
	f := &FilterParam{Definition: stringDef("name"), Missing: &missing}
	clause, _, _, err := buildClause(f, nil, 1)
	if err != nil {
		t.Fatalf("buildClause: %v", err)
	}
	if !strings.HasPrefix(clause, "NOT EXISTS") {
		t.Errorf(":missing=true must negate the EXISTS: %s", clause)
	}

	present := false
	f = &FilterParam{Definition: stringDef("name"), Missing: &present}
	clause, _, _, err = buildClause(f, nil, 1)
	if err != nil {
		t.Fatalf("buildClause: %v", err)
	}
	if strings.HasPrefix(clause, "NOT") {
		t.Errorf(":missing=false must keep the EXISTS positive: %s", clause)
	}
}

func TestBuildClause_NotModifier(t *testing.T) {
	f := &FilterParam{
		Definition: &ParameterDefinition{ResourceType: "Patient", Code: "gender", Type: ParamToken},
		Modifier:   "not",
		Values:     []FilterValue{{Prefix: PrefixEq, Raw: "male"}},
	}
	clause, _, _, err := buildClause(f, nil, 1)
	if err != nil {
		t.Fatalf("buildClause: %v", err)
	}
	if !strings.HasPrefix(clause, "NOT EXISTS") {
		t.Errorf(":not must negate: %s", clause)
	}
}

func TestBuildClause_IDShortCircuit(t *testing.T) {
	f := &FilterParam{
		Definition: &ParameterDefinition{ResourceType: "Resource", Code: "_id", Type: ParamToken},
		Values:     []FilterValue{{Prefix: PrefixEq, Raw: "p1"}, {Prefix: PrefixEq, Raw: "p2"}},
	}
	clause, args, _, err := buildClause(f, nil, 1)
	if err != nil {
		t.Fatalf("buildClause: %v", err)
	}
	if !strings.Contains(clause, "r.id IN ($1, $2)") {
		t.Errorf("_id must filter the resources table directly: %s", clause)
	}
	if len(args) != 2 {
		t.Errorf("args = %v", args)
	}
}

func TestBuildClause_Chain(t *testing.T) {
	f := &FilterParam{
		Definition: &ParameterDefinition{
			ResourceType: "Observation", Code: "subject", Type: ParamReference,
			Targets: []string{"Patient"},
		},
		Chain:     &ChainLink{TargetType: "Patient", Param: "name"},
		ChainType: ParamString,
		Values:    []FilterValue{{Prefix: PrefixEq, Raw: "smith"}},
	}
	clause, args, _, err := buildClause(f, nil, 1)
	if err != nil {
		t.Fatalf("buildClause: %v", err)
	}
	if !strings.Contains(clause, "search_reference") {
		t.Errorf("chain must go through search_reference: %s", clause)
	}
	if !strings.Contains(clause, "t.is_current = true") {
		t.Errorf("chain target must be restricted to current resources: %s", clause)
	}
	if !strings.Contains(clause, "t.resource_type") {
		t.Errorf("inner clause alias not rewritten: %s", clause)
	}
	if len(args) == 0 {
		t.Error("expected bound args")
	}
}

func TestBuildClause_Has(t *testing.T) {
	f := &FilterParam{
		Definition: &ParameterDefinition{ResourceType: "Observation", Code: "code", Type: ParamToken},
		Reverse:    &ReverseChain{SourceType: "Observation", RefParam: "subject", Param: "code"},
		Values:     []FilterValue{{Prefix: PrefixEq, Raw: "1234-5"}},
	}
	clause, args, _, err := buildClause(f, nil, 1)
	if err != nil {
		t.Fatalf("buildClause: %v", err)
	}
	if !strings.Contains(clause, "ref.target_type = r.resource_type") {
		t.Errorf("_has must anchor on the referenced resource: %s", clause)
	}
	if !strings.Contains(clause, "s.is_current = true") {
		t.Errorf("_has source must be current: %s", clause)
	}
	if len(args) < 3 {
		t.Errorf("args = %v", args)
	}
}

func TestRewriteAlias(t *testing.T) {
	in := "sp.resource_type = r.resource_type AND (r.id IN ($1)) AND sp.param = 'r.x'"
	got := rewriteAlias(in, "t")
	if strings.Contains(got, " r.") || strings.Contains(got, "(r.") {
		t.Errorf("outer alias survived rewrite: %s", got)
	}
	if !strings.Contains(got, "t.resource_type") || !strings.Contains(got, "(t.id IN") {
		t.Errorf("rewrite incomplete: %s", got)
	}
}
