package fhir

import (
	"strings"
)

// EvaluatePath walks a dotted expression over decoded resource content and
// returns every value it reaches. Arrays fan out, "|" unions independent
// branches, and a trailing .where(field='value') segment filters objects.
// A leading segment equal to the resource type (or "Resource") is skipped.
func EvaluatePath(content map[string]interface{}, expression string) []interface{} {
	if content == nil || expression == "" {
		return nil
	}

	var results []interface{}
	for _, branch := range strings.Split(expression, "|") {
		branch = strings.TrimSpace(branch)
		if branch == "" {
			continue
		}
		results = append(results, evaluateBranch(content, branch)...)
	}
	return results
}

func evaluateBranch(content map[string]interface{}, branch string) []interface{} {
	segments := splitSegments(branch)
	if len(segments) == 0 {
		return nil
	}

	// Drop the type prefix: "Patient.name" starts at "name".
	if first := segments[0]; first.field == "Resource" ||
		(content["resourceType"] == first.field && first.where == nil) {
		segments = segments[1:]
	}
	if len(segments) == 0 {
		return []interface{}{content}
	}

	current := []interface{}{content}
	for _, seg := range segments {
		var next []interface{}
		for _, v := range current {
			next = append(next, step(v, seg)...)
		}
		if len(next) == 0 {
			return nil
		}
		current = next
	}
	return current
}

type segment struct {
	field string
	where *whereClause
}

type whereClause struct {
	field string
	value string
}

// splitSegments breaks "a.b.where(c='d').e" into segments, keeping where()
// attached to its segment. Dots inside parentheses do not split.
func splitSegments(branch string) []segment {
	var parts []string
	depth := 0
	start := 0
	for i, r := range branch {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case '.':
			if depth == 0 {
				parts = append(parts, branch[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, branch[start:])

	var segs []segment
	for i := 0; i < len(parts); i++ {
		p := strings.TrimSpace(parts[i])
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "where(") && len(segs) > 0 {
			segs[len(segs)-1].where = parseWhere(p)
			continue
		}
		segs = append(segs, segment{field: p})
	}
	return segs
}

func parseWhere(expr string) *whereClause {
	inner := strings.TrimSuffix(strings.TrimPrefix(expr, "where("), ")")
	eq := strings.Index(inner, "=")
	if eq < 0 {
		return nil
	}
	field := strings.TrimSpace(inner[:eq])
	value := strings.TrimSpace(inner[eq+1:])
	value = strings.Trim(value, "'\"")
	return &whereClause{field: field, value: value}
}

func step(v interface{}, seg segment) []interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		child, ok := t[seg.field]
		if !ok {
			return nil
		}
		return applyWhere(flatten(child), seg.where)
	case []interface{}:
		var out []interface{}
		for _, item := range t {
			out = append(out, step(item, seg)...)
		}
		return out
	default:
		return nil
	}
}

func flatten(v interface{}) []interface{} {
	if arr, ok := v.([]interface{}); ok {
		var out []interface{}
		for _, item := range arr {
			out = append(out, flatten(item)...)
		}
		return out
	}
	return []interface{}{v}
}

func applyWhere(values []interface{}, w *whereClause) []interface{} {
	if w == nil {
		return values
	}
	var out []interface{}
	for _, v := range values {
		obj, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		if field, ok := obj[w.field].(string); ok && field == w.value {
			out = append(out, v)
		}
	}
	return out
}
