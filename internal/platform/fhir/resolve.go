package fhir

import (
	"context"
	"strconv"
	"strings"
)

// Resolver turns ordered raw query parameters into a validated Query against
// the parameter catalog. In strict mode an unknown parameter or disallowed
// modifier fails the search; lenient mode drops the offending parameter.
type Resolver struct {
	catalog *Catalog
	lenient bool

	defaultPageSize int
	maxPageSize     int
}

func NewResolver(catalog *Catalog, lenient bool, defaultPageSize, maxPageSize int) *Resolver {
	if defaultPageSize <= 0 {
		defaultPageSize = 20
	}
	if maxPageSize <= 0 {
		maxPageSize = 1000
	}
	return &Resolver{
		catalog:         catalog,
		lenient:         lenient,
		defaultPageSize: defaultPageSize,
		maxPageSize:     maxPageSize,
	}
}

// Resolve builds the Query for one resource type from ordered parameters.
func (r *Resolver) Resolve(ctx context.Context, resourceType string, params []QueryParam) (*Query, error) {
	if err := validateType(resourceType); err != nil {
		return nil, err
	}

	q := &Query{
		ResourceType: resourceType,
		Control: ControlParams{
			Count: r.defaultPageSize,
			Total: TotalNone,
		},
	}

	for _, p := range params {
		if err := r.resolveOne(ctx, q, p); err != nil {
			if r.lenient && IsUnsupportedParameter(err) {
				continue
			}
			return nil, err
		}
	}
	return q, nil
}

func (r *Resolver) resolveOne(ctx context.Context, q *Query, p QueryParam) error {
	name, modifier := splitModifier(p.Key)

	switch name {
	case "_count":
		n, err := strconv.Atoi(p.Value)
		if err != nil || n < 0 {
			return Validationf("invalid _count value %q", p.Value)
		}
		if n > r.maxPageSize {
			n = r.maxPageSize
		}
		q.Control.Count = n
		return nil
	case "_offset":
		n, err := strconv.Atoi(p.Value)
		if err != nil || n < 0 {
			return Validationf("invalid _offset value %q", p.Value)
		}
		q.Control.Offset = n
		return nil
	case "_total":
		switch TotalMode(p.Value) {
		case TotalNone, TotalAccurate, TotalEstimate:
			q.Control.Total = TotalMode(p.Value)
			return nil
		}
		return Validationf("invalid _total value %q", p.Value)
	case "_summary":
		switch SummaryMode(p.Value) {
		case SummaryCount, SummaryTrue, SummaryData:
			q.Control.Summary = SummaryMode(p.Value)
			return nil
		case "false":
			q.Control.Summary = SummaryNone
			return nil
		}
		return Validationf("invalid _summary value %q", p.Value)
	case "_elements":
		for _, el := range SplitOrValues(p.Value) {
			el = strings.TrimSpace(el)
			if el != "" {
				q.Control.Elements = append(q.Control.Elements, el)
			}
		}
		return nil
	case "_sort":
		return r.resolveSort(q, p.Value)
	case "_include":
		return r.resolveInclude(ctx, q, p.Value, modifier, false)
	case "_revinclude":
		return r.resolveInclude(ctx, q, p.Value, modifier, true)
	case "_has":
		return r.resolveHas(ctx, q, p.Key, p.Value)
	case "_list", "_in":
		if p.Value == "" {
			return Validationf("%s requires a List id", name)
		}
		q.ListID = strings.TrimPrefix(p.Value, "List/")
		// _in restricts to memberships whose active period covers now.
		q.ListActive = name == "_in"
		return nil
	case "_contained", "_containedType":
		// Contained resources are never indexed; only the default is honored.
		if name == "_contained" && (p.Value == "" || p.Value == "false") {
			return nil
		}
		return &UnsupportedParameterError{
			ResourceType: q.ResourceType, Parameter: name,
			Detail: "contained resource search is not supported",
		}
	}

	if strings.HasPrefix(name, "_has:") {
		return r.resolveHas(ctx, q, p.Key, p.Value)
	}

	return r.resolveFilter(ctx, q, name, modifier, p.Value)
}

// resolveSort accepts only resource-table columns; indexed parameters are
// not sortable.
func (r *Resolver) resolveSort(q *Query, value string) error {
	for _, field := range SplitOrValues(value) {
		field = strings.TrimSpace(field)
		desc := strings.HasPrefix(field, "-")
		field = strings.TrimPrefix(field, "-")
		switch field {
		case "_lastUpdated", "_id":
			q.Control.Sort = append(q.Control.Sort, SortField{Field: field, Descending: desc})
		case "":
		default:
			return &UnsupportedParameterError{
				ResourceType: q.ResourceType, Parameter: "_sort",
				Detail: "only _lastUpdated and _id are sortable",
			}
		}
	}
	return nil
}

// resolveInclude parses "SourceType:param" or "SourceType:param:TargetType",
// plus the "*" wildcard.
func (r *Resolver) resolveInclude(ctx context.Context, q *Query, value, modifier string, reverse bool) error {
	kind := "_include"
	if reverse {
		kind = "_revinclude"
	}
	iterate := modifier == "iterate"
	if modifier != "" && !iterate {
		return &UnsupportedParameterError{
			ResourceType: q.ResourceType, Parameter: kind,
			Detail: "only the iterate modifier is supported",
		}
	}

	parts := strings.Split(value, ":")
	if len(parts) < 2 || len(parts) > 3 {
		if value == "*" {
			inc := IncludeParam{SourceType: q.ResourceType, Param: "*", Iterate: iterate, Reverse: reverse}
			if reverse {
				// A bare reverse wildcard scans every type's references.
				inc.SourceType = ""
			}
			r.appendInclude(q, inc, reverse)
			return nil
		}
		return Validationf("malformed %s value %q", kind, value)
	}

	inc := IncludeParam{SourceType: parts[0], Param: parts[1], Iterate: iterate, Reverse: reverse}
	if len(parts) == 3 {
		inc.TargetType = parts[2]
	}

	if inc.Param != "*" {
		def, err := r.catalog.Lookup(ctx, inc.SourceType, inc.Param)
		if err != nil {
			return err
		}
		if def.Type != ParamReference {
			return &UnsupportedParameterError{
				ResourceType: inc.SourceType, Parameter: inc.Param,
				Detail: kind + " requires a reference parameter",
			}
		}
	}

	r.appendInclude(q, inc, reverse)
	return nil
}

func (r *Resolver) appendInclude(q *Query, inc IncludeParam, reverse bool) {
	if reverse {
		q.Control.RevIncludes = append(q.Control.RevIncludes, inc)
	} else {
		q.Control.Includes = append(q.Control.Includes, inc)
	}
}

// resolveHas parses _has:SourceType:refParam:param=value into a reverse chain.
func (r *Resolver) resolveHas(ctx context.Context, q *Query, key, value string) error {
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[0] != "_has" {
		return Validationf("malformed _has parameter %q", key)
	}
	sourceType, refParam, param := parts[1], parts[2], parts[3]

	refDef, err := r.catalog.Lookup(ctx, sourceType, refParam)
	if err != nil {
		return err
	}
	if refDef.Type != ParamReference {
		return &UnsupportedParameterError{
			ResourceType: sourceType, Parameter: refParam,
			Detail: "_has requires a reference parameter",
		}
	}
	def, err := r.catalog.Lookup(ctx, sourceType, param)
	if err != nil {
		return err
	}

	filter := FilterParam{
		Definition: def,
		Reverse:    &ReverseChain{SourceType: sourceType, RefParam: refParam, Param: param},
	}
	for _, v := range SplitOrValues(value) {
		prefix, raw := splitValuePrefix(def, v)
		filter.Values = append(filter.Values, FilterValue{Prefix: prefix, Raw: raw})
	}
	q.Filters = append(q.Filters, filter)
	return nil
}

func (r *Resolver) resolveFilter(ctx context.Context, q *Query, name, modifier, value string) error {
	// Chained parameter: "subject.name" or key modifier carrying a type,
	// "subject:Patient.name". One hop only.
	if idx := strings.Index(name, "."); idx > 0 {
		return r.resolveChain(ctx, q, name[:idx], modifier, name[idx+1:], value)
	}
	if modifier != "" && strings.Contains(modifier, ".") {
		midx := strings.Index(modifier, ".")
		return r.resolveChain(ctx, q, name, modifier[:midx], modifier[midx+1:], value)
	}

	def, err := r.catalog.Lookup(ctx, q.ResourceType, name)
	if err != nil {
		return err
	}

	if modifier == "missing" {
		missing, err := strconv.ParseBool(value)
		if err != nil {
			return Validationf("invalid :missing value %q", value)
		}
		q.Filters = append(q.Filters, FilterParam{Definition: def, Missing: &missing})
		return nil
	}

	// A reference modifier naming a target type narrows polymorphic targets.
	if def.Type == ParamReference && modifier != "" && isTargetType(def, modifier) {
		q.Filters = append(q.Filters, FilterParam{
			Definition: def,
			Modifier:   "type:" + modifier,
			Values:     orValues(def, value),
		})
		return nil
	}

	if !def.AllowsModifier(modifier) {
		return &UnsupportedParameterError{
			ResourceType: q.ResourceType, Parameter: name,
			Detail: "modifier " + modifier + " not allowed",
		}
	}

	filter := FilterParam{Definition: def, Modifier: modifier, Values: orValues(def, value)}
	for _, v := range filter.Values {
		if v.Prefix != PrefixEq && !def.AllowsComparator(string(v.Prefix)) {
			return &UnsupportedParameterError{
				ResourceType: q.ResourceType, Parameter: name,
				Detail: "comparator " + string(v.Prefix) + " not allowed",
			}
		}
	}
	q.Filters = append(q.Filters, filter)
	return nil
}

func (r *Resolver) resolveChain(ctx context.Context, q *Query, refName, targetType, chainParam, value string) error {
	if strings.Contains(chainParam, ".") {
		return &UnsupportedParameterError{
			ResourceType: q.ResourceType, Parameter: refName,
			Detail: "chains deeper than one hop are not supported",
		}
	}

	refDef, err := r.catalog.Lookup(ctx, q.ResourceType, refName)
	if err != nil {
		return err
	}
	if refDef.Type != ParamReference {
		return &UnsupportedParameterError{
			ResourceType: q.ResourceType, Parameter: refName,
			Detail: "chaining requires a reference parameter",
		}
	}

	targets := refDef.Targets
	if targetType != "" {
		if !isTargetType(refDef, targetType) {
			return &UnsupportedParameterError{
				ResourceType: q.ResourceType, Parameter: refName,
				Detail: targetType + " is not a target of this reference",
			}
		}
		targets = []string{targetType}
	}
	if len(targets) == 0 {
		return &UnsupportedParameterError{
			ResourceType: q.ResourceType, Parameter: refName,
			Detail: "reference has no declared targets; specify a type",
		}
	}

	// The chained parameter must resolve on at least one target type. The
	// first resolving target's definition shapes value parsing.
	var chainDef *ParameterDefinition
	for _, t := range targets {
		def, err := r.catalog.Lookup(ctx, t, chainParam)
		if err == nil {
			chainDef = def
			break
		}
	}
	if chainDef == nil {
		return &UnsupportedParameterError{
			ResourceType: q.ResourceType, Parameter: refName + "." + chainParam,
			Detail: "chained parameter not defined on any target type",
		}
	}

	filter := FilterParam{
		Definition: refDef,
		Chain:      &ChainLink{TargetType: targetType, Param: chainParam},
		ChainType:  chainDef.Type,
		Values:     orValues(chainDef, value),
	}
	q.Filters = append(q.Filters, filter)
	return nil
}

func isTargetType(def *ParameterDefinition, typ string) bool {
	for _, t := range def.Targets {
		if t == typ {
			return true
		}
	}
	return false
}

func orValues(def *ParameterDefinition, value string) []FilterValue {
	var out []FilterValue
	for _, v := range SplitOrValues(value) {
		prefix, raw := splitValuePrefix(def, v)
		out = append(out, FilterValue{Prefix: prefix, Raw: raw})
	}
	return out
}

// splitValuePrefix applies comparator parsing only to ordered types.
func splitValuePrefix(def *ParameterDefinition, value string) (SearchPrefix, string) {
	switch def.Type {
	case ParamDate, ParamNumber, ParamQuantity:
		return SplitPrefix(value)
	default:
		return PrefixEq, value
	}
}

// splitModifier separates "name:modifier". The _has grammar keeps its colons.
func splitModifier(key string) (name, modifier string) {
	if strings.HasPrefix(key, "_has:") {
		return key, ""
	}
	if idx := strings.Index(key, ":"); idx >= 0 {
		return key[:idx], key[idx+1:]
	}
	return key, ""
}
