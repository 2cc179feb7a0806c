package fhir

import (
	"strings"
)

// SearchPrefix is a comparator prefix on an ordered search value.
type SearchPrefix string

const (
	PrefixEq SearchPrefix = "eq"
	PrefixNe SearchPrefix = "ne"
	PrefixGt SearchPrefix = "gt"
	PrefixLt SearchPrefix = "lt"
	PrefixGe SearchPrefix = "ge"
	PrefixLe SearchPrefix = "le"
	PrefixSa SearchPrefix = "sa"
	PrefixEb SearchPrefix = "eb"
	PrefixAp SearchPrefix = "ap"
)

var knownPrefixes = map[SearchPrefix]bool{
	PrefixEq: true, PrefixNe: true, PrefixGt: true, PrefixLt: true,
	PrefixGe: true, PrefixLe: true, PrefixSa: true, PrefixEb: true, PrefixAp: true,
}

// SplitPrefix peels a comparator prefix off a search value. Values without a
// recognized prefix default to eq. A prefix is only recognized when followed
// by a digit, so token codes like "lele" stay intact.
func SplitPrefix(value string) (SearchPrefix, string) {
	if len(value) >= 3 {
		p := SearchPrefix(value[:2])
		rest := value[2:]
		if knownPrefixes[p] && (rest[0] >= '0' && rest[0] <= '9' || rest[0] == '-') {
			return p, rest
		}
	}
	return PrefixEq, value
}

// TotalMode controls whether a search reports an accurate total.
type TotalMode string

const (
	TotalNone     TotalMode = "none"
	TotalAccurate TotalMode = "accurate"
	TotalEstimate TotalMode = "estimate"
)

// SummaryMode controls result projection.
type SummaryMode string

const (
	SummaryNone  SummaryMode = ""
	SummaryCount SummaryMode = "count"
	SummaryTrue  SummaryMode = "true"
	SummaryData  SummaryMode = "data"
)

// SortField is one _sort key. Only columns of the resources table sort;
// indexed parameters do not.
type SortField struct {
	Field      string // _lastUpdated | _id
	Descending bool
}

// ControlParams are the result-shaping parameters of a search.
type ControlParams struct {
	Count       int
	Offset      int
	Total       TotalMode
	Summary     SummaryMode
	Elements    []string
	Sort        []SortField
	Includes    []IncludeParam
	RevIncludes []IncludeParam
}

// IncludeParam is one _include or _revinclude directive.
type IncludeParam struct {
	SourceType string
	Param      string // "*" for wildcard
	TargetType string // optional type restriction
	Iterate    bool
	Reverse    bool
}

// FilterValue is one OR alternative of a filter parameter.
type FilterValue struct {
	Prefix SearchPrefix
	Raw    string
}

// ChainLink targets a parameter on the referenced resource: subject:Patient.name=smith.
type ChainLink struct {
	TargetType string // optional explicit type
	Param      string
}

// ReverseChain is a _has constraint: _has:Observation:patient:code=1234-5.
type ReverseChain struct {
	SourceType string
	RefParam   string
	Param      string
}

// FilterParam is one resolved search filter. Repeated parameters AND together;
// the Values within one parameter OR together.
type FilterParam struct {
	Definition *ParameterDefinition
	Modifier   string
	Values     []FilterValue
	Chain      *ChainLink
	// ChainType is the chained parameter's shape, resolved on the target type.
	ChainType SearchParamType
	Reverse   *ReverseChain
	// Missing is set for :missing; true matches resources without a value.
	Missing *bool
}

// Query is a fully resolved search against one resource type.
type Query struct {
	ResourceType string
	Filters      []FilterParam
	Control      ControlParams

	// Compartment restricts results to members of one compartment instance.
	CompartmentType string
	CompartmentID   string

	// ListID restricts results to members of one List resource (_list / _in).
	// ListActive additionally requires the membership period to cover now.
	ListID     string
	ListActive bool
}

// QueryParam is one raw key=value pair in received order. Order is preserved
// so conditional criteria hash and replay deterministically.
type QueryParam struct {
	Key   string
	Value string
}

// ParseQueryString splits a raw query string into ordered pairs without
// losing duplicates. Plus signs decode to spaces; percent escapes decode
// best-effort, leaving undecodable pairs raw.
func ParseQueryString(raw string) []QueryParam {
	if raw == "" {
		return nil
	}
	var out []QueryParam
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		key, value := pair, ""
		if idx := strings.Index(pair, "="); idx >= 0 {
			key, value = pair[:idx], pair[idx+1:]
		}
		out = append(out, QueryParam{Key: unescapeQuery(key), Value: unescapeQuery(value)})
	}
	return out
}

func unescapeQuery(s string) string {
	s = strings.ReplaceAll(s, "+", " ")
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			hi, ok1 := hexVal(s[i+1])
			lo, ok2 := hexVal(s[i+2])
			if ok1 && ok2 {
				b.WriteByte(hi<<4 | lo)
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

// SplitOrValues splits a comma-joined OR list, honoring backslash escapes for
// literal commas, pipes, and dollars inside values.
func SplitOrValues(value string) []string {
	var out []string
	var b strings.Builder
	escaped := false
	for _, r := range value {
		switch {
		case escaped:
			b.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ',':
			out = append(out, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	out = append(out, b.String())
	return out
}
