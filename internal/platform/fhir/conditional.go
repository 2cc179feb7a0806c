package fhir

import (
	"context"
	"strconv"
	"strings"
)

// ParseETagVersion extracts the version from an If-Match or If-None-Match
// header. Accepted forms: W/"3", "3", 3. The literal * returns (0, true, nil).
func ParseETagVersion(header string) (version int, wildcard bool, err error) {
	h := strings.TrimSpace(header)
	if h == "" {
		return 0, false, Validationf("empty entity tag")
	}
	if h == "*" {
		return 0, true, nil
	}
	h = strings.TrimPrefix(h, "W/")
	h = strings.Trim(h, `"`)
	v, convErr := strconv.Atoi(h)
	if convErr != nil || v < 1 {
		return 0, false, Validationf("malformed entity tag %q", header)
	}
	return v, false, nil
}

// FormatETag renders a version as the weak entity tag the API emits.
func FormatETag(version int) string {
	return `W/"` + strconv.Itoa(version) + `"`
}

// ConditionalMatcher evaluates If-None-Exist style criteria against current
// resources. The criteria string is an ordered search fragment without
// result-shaping parameters.
type ConditionalMatcher struct {
	resolver *Resolver
	executor *Executor
}

func NewConditionalMatcher(resolver *Resolver, executor *Executor) *ConditionalMatcher {
	return &ConditionalMatcher{resolver: resolver, executor: executor}
}

// Match runs the criteria and returns the matching current resources, capped
// at two: callers only distinguish zero, one, and many.
func (m *ConditionalMatcher) Match(ctx context.Context, resourceType, criteria string) ([]*Resource, error) {
	params := ParseQueryString(criteria)
	for _, p := range params {
		switch p.Key {
		case "_count", "_offset", "_sort", "_include", "_revinclude", "_summary", "_elements":
			return nil, Validationf("conditional criteria must not contain %s", p.Key)
		}
	}

	q, err := m.resolver.Resolve(ctx, resourceType, params)
	if err != nil {
		return nil, err
	}
	q.Control.Count = 2
	q.Control.Total = TotalNone

	result, err := m.executor.Execute(ctx, q)
	if err != nil {
		return nil, err
	}
	return result.Resources, nil
}

// ResolveOne maps match counts to conditional semantics: zero matches return
// nil, one match returns it, several fail with AmbiguousMatchError.
func (m *ConditionalMatcher) ResolveOne(ctx context.Context, resourceType, criteria string) (*Resource, error) {
	matches, err := m.Match(ctx, resourceType, criteria)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return matches[0], nil
	default:
		return nil, &AmbiguousMatchError{ResourceType: resourceType, Criteria: criteria, Matches: len(matches)}
	}
}
