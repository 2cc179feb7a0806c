package fhir

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var outerAliasPattern = regexp.MustCompile(`\br\.`)

// rewriteAlias redirects references to the outer resources alias so a clause
// built for r can nest under another alias.
func rewriteAlias(sql, alias string) string {
	return outerAliasPattern.ReplaceAllString(sql, alias+".")
}

// Filter predicates compile to one EXISTS subquery per parameter against the
// shape's index table. EXISTS keeps multi-valued parameters from duplicating
// result rows, which a join would.

// shapeTable maps a parameter type to its index table.
func shapeTable(t SearchParamType) string {
	switch t {
	case ParamString:
		return "search_string"
	case ParamToken:
		return "search_token"
	case ParamDate:
		return "search_date"
	case ParamNumber:
		return "search_number"
	case ParamQuantity:
		return "search_quantity"
	case ParamReference:
		return "search_reference"
	case ParamURI:
		return "search_uri"
	case ParamText:
		return "search_text"
	case ParamContent:
		return "search_content"
	default:
		return ""
	}
}

// buildClause renders one filter as SQL. args grow and nextIdx advances with
// each placeholder; the returned clause references the outer resources table
// as r.
func buildClause(f *FilterParam, args []interface{}, nextIdx int) (string, []interface{}, int, error) {
	if f.Missing != nil {
		return buildMissingClause(f, args, nextIdx)
	}
	if f.Chain != nil {
		return buildChainClause(f, args, nextIdx)
	}
	if f.Reverse != nil {
		return buildHasClause(f, args, nextIdx)
	}

	// _id and _lastUpdated filter the resources table directly.
	switch f.Definition.Code {
	case "_id":
		return buildIDClause(f, args, nextIdx)
	case "_lastUpdated":
		return buildLastUpdatedClause(f, args, nextIdx)
	}

	var inner string
	var err error
	switch f.Definition.Type {
	case ParamString:
		inner, args, nextIdx, err = stringCondition(f, args, nextIdx)
	case ParamToken:
		inner, args, nextIdx, err = tokenCondition(f, args, nextIdx)
	case ParamDate:
		inner, args, nextIdx, err = dateCondition(f, args, nextIdx)
	case ParamNumber:
		inner, args, nextIdx, err = numberCondition(f, args, nextIdx)
	case ParamQuantity:
		inner, args, nextIdx, err = quantityCondition(f, args, nextIdx)
	case ParamReference:
		inner, args, nextIdx, err = referenceCondition(f, args, nextIdx)
	case ParamURI:
		inner, args, nextIdx, err = uriCondition(f, args, nextIdx)
	case ParamText, ParamContent:
		inner, args, nextIdx, err = textCondition(f, args, nextIdx)
	default:
		err = fmt.Errorf("unsupported parameter type %q", f.Definition.Type)
	}
	if err != nil {
		return "", nil, 0, err
	}

	table := shapeTable(f.Definition.Type)
	if f.Definition.Type == ParamToken && f.Modifier == "of-type" {
		table = "search_token_identifier"
	}
	clause := fmt.Sprintf(`EXISTS (SELECT 1 FROM %s sp WHERE sp.resource_type = r.resource_type AND sp.resource_id = r.id AND sp.version_id = r.version_id AND sp.parameter_name = $%d AND (%s))`,
		table, nextIdx, inner)
	args = append(args, f.Definition.Code)
	nextIdx++

	if f.Modifier == "not" {
		clause = "NOT " + clause
	}
	return clause, args, nextIdx, nil
}

func buildMissingClause(f *FilterParam, args []interface{}, nextIdx int) (string, []interface{}, int, error) {
	table := shapeTable(f.Definition.Type)
	if table == "" {
		return "", nil, 0, fmt.Errorf("unsupported parameter type %q", f.Definition.Type)
	}
	clause := fmt.Sprintf(`EXISTS (SELECT 1 FROM %s sp WHERE sp.resource_type = r.resource_type AND sp.resource_id = r.id AND sp.version_id = r.version_id AND sp.parameter_name = $%d)`,
		table, nextIdx)
	args = append(args, f.Definition.Code)
	nextIdx++
	if *f.Missing {
		clause = "NOT " + clause
	}
	return clause, args, nextIdx, nil
}

func buildIDClause(f *FilterParam, args []interface{}, nextIdx int) (string, []interface{}, int, error) {
	var ids []interface{}
	for _, v := range f.Values {
		ids = append(ids, v.Raw)
	}
	placeholders := make([]string, len(ids))
	for i := range ids {
		placeholders[i] = "$" + strconv.Itoa(nextIdx)
		args = append(args, ids[i])
		nextIdx++
	}
	return fmt.Sprintf("r.id IN (%s)", strings.Join(placeholders, ", ")), args, nextIdx, nil
}

func buildLastUpdatedClause(f *FilterParam, args []interface{}, nextIdx int) (string, []interface{}, int, error) {
	var ors []string
	for _, v := range f.Values {
		r, ok := dateRange(v.Raw)
		if !ok {
			return "", nil, 0, Validationf("invalid _lastUpdated value %q", v.Raw)
		}
		var cond string
		switch v.Prefix {
		case PrefixEq:
			cond = fmt.Sprintf("(r.last_updated >= $%d AND r.last_updated <= $%d)", nextIdx, nextIdx+1)
			args = append(args, r.start, r.end)
			nextIdx += 2
		case PrefixNe:
			cond = fmt.Sprintf("(r.last_updated < $%d OR r.last_updated > $%d)", nextIdx, nextIdx+1)
			args = append(args, r.start, r.end)
			nextIdx += 2
		case PrefixGt, PrefixSa:
			cond = fmt.Sprintf("r.last_updated > $%d", nextIdx)
			args = append(args, r.end)
			nextIdx++
		case PrefixGe:
			cond = fmt.Sprintf("r.last_updated >= $%d", nextIdx)
			args = append(args, r.start)
			nextIdx++
		case PrefixLt, PrefixEb:
			cond = fmt.Sprintf("r.last_updated < $%d", nextIdx)
			args = append(args, r.start)
			nextIdx++
		case PrefixLe:
			cond = fmt.Sprintf("r.last_updated <= $%d", nextIdx)
			args = append(args, r.end)
			nextIdx++
		default:
			return "", nil, 0, Validationf("unsupported prefix %q for _lastUpdated", v.Prefix)
		}
		ors = append(ors, cond)
	}
	return "(" + strings.Join(ors, " OR ") + ")", args, nextIdx, nil
}

func stringCondition(f *FilterParam, args []interface{}, nextIdx int) (string, []interface{}, int, error) {
	var ors []string
	for _, v := range f.Values {
		switch f.Modifier {
		case "exact":
			ors = append(ors, fmt.Sprintf("sp.value = $%d", nextIdx))
			args = append(args, v.Raw)
		case "contains":
			ors = append(ors, fmt.Sprintf("sp.value_normalized LIKE '%%' || $%d || '%%'", nextIdx))
			args = append(args, NormalizeString(v.Raw))
		default:
			// Default string match is a normalized prefix match.
			ors = append(ors, fmt.Sprintf("sp.value_normalized LIKE $%d || '%%'", nextIdx))
			args = append(args, NormalizeString(v.Raw))
		}
		nextIdx++
	}
	return strings.Join(ors, " OR "), args, nextIdx, nil
}

func tokenCondition(f *FilterParam, args []interface{}, nextIdx int) (string, []interface{}, int, error) {
	// :of-type matches typed identifier rows on type-system|type-code|value.
	if f.Modifier == "of-type" {
		var ors []string
		for _, v := range f.Values {
			parts := strings.SplitN(v.Raw, "|", 3)
			if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
				return "", nil, 0, Validationf("of-type requires type-system|type-code|value, got %q", v.Raw)
			}
			ors = append(ors, fmt.Sprintf("(sp.type_system = $%d AND sp.type_code = $%d AND sp.value = $%d)",
				nextIdx, nextIdx+1, nextIdx+2))
			args = append(args, parts[0], parts[1], parts[2])
			nextIdx += 3
		}
		return strings.Join(ors, " OR "), args, nextIdx, nil
	}

	if f.Modifier == "text" {
		var ors []string
		for _, v := range f.Values {
			ors = append(ors, fmt.Sprintf("LOWER(COALESCE(sp.display, '')) LIKE '%%' || $%d || '%%'", nextIdx))
			args = append(args, strings.ToLower(v.Raw))
			nextIdx++
		}
		return strings.Join(ors, " OR "), args, nextIdx, nil
	}

	var ors []string
	for _, v := range f.Values {
		system, code, hasSystem := NormalizeToken(v.Raw)
		switch {
		case !hasSystem:
			ors = append(ors, fmt.Sprintf("sp.code = $%d", nextIdx))
			args = append(args, code)
			nextIdx++
		case code == "":
			// "system|" matches any code in the system.
			ors = append(ors, fmt.Sprintf("sp.system = $%d", nextIdx))
			args = append(args, system)
			nextIdx++
		case system == "":
			// "|code" pins the absent system.
			ors = append(ors, fmt.Sprintf("(sp.system IS NULL AND sp.code = $%d)", nextIdx))
			args = append(args, code)
			nextIdx++
		default:
			ors = append(ors, fmt.Sprintf("(sp.system = $%d AND sp.code = $%d)", nextIdx, nextIdx+1))
			args = append(args, system, code)
			nextIdx += 2
		}
	}
	return strings.Join(ors, " OR "), args, nextIdx, nil
}

func dateCondition(f *FilterParam, args []interface{}, nextIdx int) (string, []interface{}, int, error) {
	var ors []string
	for _, v := range f.Values {
		r, ok := dateRange(v.Raw)
		if !ok {
			return "", nil, 0, Validationf("invalid date value %q", v.Raw)
		}
		var cond string
		switch v.Prefix {
		case PrefixEq:
			// Stored interval contained in the query interval.
			cond = fmt.Sprintf("(sp.start_date >= $%d AND sp.end_date <= $%d)", nextIdx, nextIdx+1)
			args = append(args, r.start, r.end)
			nextIdx += 2
		case PrefixNe:
			cond = fmt.Sprintf("(sp.start_date < $%d OR sp.end_date > $%d)", nextIdx, nextIdx+1)
			args = append(args, r.start, r.end)
			nextIdx += 2
		case PrefixGt:
			cond = fmt.Sprintf("sp.end_date > $%d", nextIdx)
			args = append(args, r.end)
			nextIdx++
		case PrefixLt:
			cond = fmt.Sprintf("sp.start_date < $%d", nextIdx)
			args = append(args, r.start)
			nextIdx++
		case PrefixGe:
			cond = fmt.Sprintf("sp.end_date >= $%d", nextIdx)
			args = append(args, r.start)
			nextIdx++
		case PrefixLe:
			cond = fmt.Sprintf("sp.start_date <= $%d", nextIdx)
			args = append(args, r.end)
			nextIdx++
		case PrefixSa:
			cond = fmt.Sprintf("sp.start_date > $%d", nextIdx)
			args = append(args, r.end)
			nextIdx++
		case PrefixEb:
			cond = fmt.Sprintf("sp.end_date < $%d", nextIdx)
			args = append(args, r.start)
			nextIdx++
		case PrefixAp:
			// Overlap against the query interval widened by 10%.
			width := r.end.Sub(r.start) / 10
			cond = fmt.Sprintf("(sp.start_date <= $%d AND sp.end_date >= $%d)", nextIdx, nextIdx+1)
			args = append(args, r.end.Add(width), r.start.Add(-width))
			nextIdx += 2
		default:
			return "", nil, 0, Validationf("unsupported date prefix %q", v.Prefix)
		}
		ors = append(ors, cond)
	}
	return strings.Join(ors, " OR "), args, nextIdx, nil
}

func numberCondition(f *FilterParam, args []interface{}, nextIdx int) (string, []interface{}, int, error) {
	var ors []string
	for _, v := range f.Values {
		n, err := strconv.ParseFloat(v.Raw, 64)
		if err != nil {
			return "", nil, 0, Validationf("invalid number value %q", v.Raw)
		}
		op, ok := numericOp(v.Prefix)
		if !ok {
			return "", nil, 0, Validationf("unsupported number prefix %q", v.Prefix)
		}
		if v.Prefix == PrefixAp {
			margin := n * 0.1
			if margin < 0 {
				margin = -margin
			}
			ors = append(ors, fmt.Sprintf("(sp.value >= $%d AND sp.value <= $%d)", nextIdx, nextIdx+1))
			args = append(args, n-margin, n+margin)
			nextIdx += 2
			continue
		}
		ors = append(ors, fmt.Sprintf("sp.value %s $%d", op, nextIdx))
		args = append(args, n)
		nextIdx++
	}
	return strings.Join(ors, " OR "), args, nextIdx, nil
}

func numericOp(p SearchPrefix) (string, bool) {
	switch p {
	case PrefixEq:
		return "=", true
	case PrefixNe:
		return "<>", true
	case PrefixGt, PrefixSa:
		return ">", true
	case PrefixLt, PrefixEb:
		return "<", true
	case PrefixGe:
		return ">=", true
	case PrefixLe:
		return "<=", true
	case PrefixAp:
		return "", true
	default:
		return "", false
	}
}

// quantityCondition matches "value", "value|system|code", or "value||unit".
func quantityCondition(f *FilterParam, args []interface{}, nextIdx int) (string, []interface{}, int, error) {
	var ors []string
	for _, v := range f.Values {
		parts := strings.SplitN(v.Raw, "|", 3)
		n, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return "", nil, 0, Validationf("invalid quantity value %q", v.Raw)
		}
		op, ok := numericOp(v.Prefix)
		if !ok {
			return "", nil, 0, Validationf("unsupported quantity prefix %q", v.Prefix)
		}

		var cond string
		if v.Prefix == PrefixAp {
			margin := n * 0.1
			if margin < 0 {
				margin = -margin
			}
			cond = fmt.Sprintf("(sp.value >= $%d AND sp.value <= $%d)", nextIdx, nextIdx+1)
			args = append(args, n-margin, n+margin)
			nextIdx += 2
		} else {
			cond = fmt.Sprintf("sp.value %s $%d", op, nextIdx)
			args = append(args, n)
			nextIdx++
		}

		if len(parts) == 3 {
			system, code := parts[1], parts[2]
			if system != "" {
				cond += fmt.Sprintf(" AND sp.system = $%d", nextIdx)
				args = append(args, system)
				nextIdx++
			}
			if code != "" {
				cond += fmt.Sprintf(" AND (sp.code = $%d OR sp.unit = $%d)", nextIdx, nextIdx)
				args = append(args, code)
				nextIdx++
			}
		}
		ors = append(ors, "("+cond+")")
	}
	return strings.Join(ors, " OR "), args, nextIdx, nil
}

func referenceCondition(f *FilterParam, args []interface{}, nextIdx int) (string, []interface{}, int, error) {
	typeRestriction := ""
	if strings.HasPrefix(f.Modifier, "type:") {
		typeRestriction = strings.TrimPrefix(f.Modifier, "type:")
	}

	var ors []string
	for _, v := range f.Values {
		raw := v.Raw
		if f.Modifier == "identifier" {
			system, code, _ := NormalizeToken(raw)
			cond := fmt.Sprintf(`EXISTS (SELECT 1 FROM search_token_identifier ti
				WHERE ti.resource_type = sp.target_type AND ti.resource_id = sp.target_id
				AND ti.system = $%d AND ti.value = $%d)`, nextIdx, nextIdx+1)
			args = append(args, system, code)
			nextIdx += 2
			ors = append(ors, cond)
			continue
		}

		targetType, targetID, url := splitReference(raw)
		if typeRestriction != "" && targetType == "" {
			targetType = typeRestriction
			targetID = raw
		}
		switch {
		case url != "":
			ors = append(ors, fmt.Sprintf("sp.target_url = $%d", nextIdx))
			args = append(args, url)
			nextIdx++
		case targetType != "":
			ors = append(ors, fmt.Sprintf("(sp.target_type = $%d AND sp.target_id = $%d)", nextIdx, nextIdx+1))
			args = append(args, targetType, targetID)
			nextIdx += 2
		default:
			// Bare id matches any target type.
			ors = append(ors, fmt.Sprintf("sp.target_id = $%d", nextIdx))
			args = append(args, targetID)
			nextIdx++
		}
	}
	return strings.Join(ors, " OR "), args, nextIdx, nil
}

func uriCondition(f *FilterParam, args []interface{}, nextIdx int) (string, []interface{}, int, error) {
	var ors []string
	for _, v := range f.Values {
		uri := NormalizeURI(v.Raw)
		switch f.Modifier {
		case "below":
			ors = append(ors, fmt.Sprintf("sp.uri_normalized LIKE $%d || '%%'", nextIdx))
			args = append(args, uri)
		case "above":
			ors = append(ors, fmt.Sprintf("$%d LIKE sp.uri_normalized || '%%'", nextIdx))
			args = append(args, uri)
		default:
			ors = append(ors, fmt.Sprintf("sp.uri_normalized = $%d", nextIdx))
			args = append(args, uri)
		}
		nextIdx++
	}
	return strings.Join(ors, " OR "), args, nextIdx, nil
}

func textCondition(f *FilterParam, args []interface{}, nextIdx int) (string, []interface{}, int, error) {
	var ors []string
	for _, v := range f.Values {
		ors = append(ors, fmt.Sprintf("sp.text_vector @@ plainto_tsquery('simple', $%d)", nextIdx))
		args = append(args, NormalizeString(v.Raw))
		nextIdx++
	}
	return strings.Join(ors, " OR "), args, nextIdx, nil
}

// buildChainClause filters through a reference: the referenced current
// resource must satisfy the chained parameter. One nested EXISTS per
// candidate target type, ORed together.
func buildChainClause(f *FilterParam, args []interface{}, nextIdx int) (string, []interface{}, int, error) {
	targets := f.Definition.Targets
	if f.Chain.TargetType != "" {
		targets = []string{f.Chain.TargetType}
	}
	if len(targets) == 0 {
		return "", nil, 0, Validationf("chained parameter %q has no target types", f.Definition.Code)
	}

	var ors []string
	for _, target := range targets {
		chainFilter := &FilterParam{
			Definition: &ParameterDefinition{
				ResourceType: target,
				Code:         f.Chain.Param,
				Type:         chainValueType(f),
			},
			Values: f.Values,
		}
		sub, newArgs, newIdx, err := buildTargetClause(chainFilter, args, nextIdx)
		if err != nil {
			return "", nil, 0, err
		}
		args, nextIdx = newArgs, newIdx

		clause := fmt.Sprintf(`EXISTS (SELECT 1 FROM search_reference sp
			WHERE sp.resource_type = r.resource_type AND sp.resource_id = r.id AND sp.version_id = r.version_id
			AND sp.parameter_name = $%d AND sp.target_type = $%d
			AND EXISTS (SELECT 1 FROM resources t
				WHERE t.resource_type = sp.target_type AND t.id = sp.target_id
				AND t.is_current = true AND t.deleted = false
				AND %s))`,
			nextIdx, nextIdx+1, rewriteAlias(sub, "t"))
		args = append(args, f.Definition.Code, target)
		nextIdx += 2
		ors = append(ors, clause)
	}
	return "(" + strings.Join(ors, " OR ") + ")", args, nextIdx, nil
}

// chainValueType guesses the chained parameter's shape from its values. The
// resolver verified the parameter exists; string is the safe default.
func chainValueType(f *FilterParam) SearchParamType {
	if f.ChainType != "" {
		return f.ChainType
	}
	return ParamString
}

// buildTargetClause renders a filter for an aliased inner resources table.
// The clause references r; the caller rewrites the alias.
func buildTargetClause(f *FilterParam, args []interface{}, nextIdx int) (string, []interface{}, int, error) {
	return buildClause(f, args, nextIdx)
}

// buildHasClause selects resources referenced by matching source resources:
// _has:Observation:subject:code=x keeps Patients some Observation with that
// code points at.
func buildHasClause(f *FilterParam, args []interface{}, nextIdx int) (string, []interface{}, int, error) {
	sourceFilter := &FilterParam{Definition: f.Definition, Values: f.Values}
	sub, newArgs, newIdx, err := buildClause(sourceFilter, args, nextIdx)
	if err != nil {
		return "", nil, 0, err
	}
	args, nextIdx = newArgs, newIdx
	sub = rewriteAlias(sub, "s")

	clause := fmt.Sprintf(`EXISTS (SELECT 1 FROM search_reference ref
		JOIN resources s ON s.resource_type = ref.resource_type AND s.id = ref.resource_id AND s.version_id = ref.version_id
		WHERE ref.target_type = r.resource_type AND ref.target_id = r.id
		AND ref.resource_type = $%d AND ref.parameter_name = $%d
		AND s.is_current = true AND s.deleted = false
		AND %s)`,
		nextIdx, nextIdx+1, sub)
	args = append(args, f.Reverse.SourceType, f.Reverse.RefParam)
	nextIdx += 2
	return clause, args, nextIdx, nil
}
