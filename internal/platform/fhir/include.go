package fhir

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carebase/carebase/internal/platform/db"
)

// includeExpander pulls referenced (_include) and referencing (_revinclude)
// resources into a result set. Iterating directives re-run against each wave
// of included resources up to a depth cap; every resource appears at most
// once, and matches are never demoted to includes.
type includeExpander struct {
	pool     *pgxpool.Pool
	maxDepth int
}

func newIncludeExpander(pool *pgxpool.Pool, maxDepth int) *includeExpander {
	if maxDepth <= 0 {
		maxDepth = 3
	}
	return &includeExpander{pool: pool, maxDepth: maxDepth}
}

func (x *includeExpander) expand(ctx context.Context, matches []*Resource, includes, revIncludes []IncludeParam) ([]*Resource, error) {
	if len(matches) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool, len(matches))
	for _, res := range matches {
		seen[res.Identity()] = true
	}

	var included []*Resource
	wave := matches
	for depth := 0; depth < x.maxDepth && len(wave) > 0; depth++ {
		var next []*Resource

		for _, inc := range includes {
			if depth > 0 && !inc.Iterate {
				continue
			}
			found, err := x.forward(ctx, wave, inc)
			if err != nil {
				return nil, err
			}
			next = appendNew(next, found, seen)
		}
		for _, inc := range revIncludes {
			if depth > 0 && !inc.Iterate {
				continue
			}
			found, err := x.reverse(ctx, wave, inc)
			if err != nil {
				return nil, err
			}
			next = appendNew(next, found, seen)
		}

		included = append(included, next...)
		wave = next
	}
	return included, nil
}

func appendNew(dst, found []*Resource, seen map[string]bool) []*Resource {
	for _, res := range found {
		key := res.Identity()
		if seen[key] {
			continue
		}
		seen[key] = true
		dst = append(dst, res)
	}
	return dst
}

// forward resolves _include: resources the wave's reference entries point at.
func (x *includeExpander) forward(ctx context.Context, wave []*Resource, inc IncludeParam) ([]*Resource, error) {
	ids := waveIDs(wave, inc.SourceType)
	if len(ids) == 0 {
		return nil, nil
	}

	sql := `
		SELECT DISTINCT t.resource_type, t.id, t.version_id, t.content, t.last_updated, COALESCE(t.url, ''), t.deleted, t.is_current
		FROM search_reference ref
		JOIN resources src ON src.resource_type = ref.resource_type AND src.id = ref.resource_id AND src.version_id = ref.version_id
		JOIN resources t ON t.resource_type = ref.target_type AND t.id = ref.target_id
		WHERE src.is_current = true
		AND t.is_current = true AND t.deleted = false
		AND ref.resource_type = $1 AND ref.resource_id = ANY($2)`
	args := []interface{}{inc.SourceType, ids}
	n := 3
	if inc.Param != "*" {
		sql += fmt.Sprintf(" AND ref.parameter_name = $%d", n)
		args = append(args, inc.Param)
		n++
	}
	if inc.TargetType != "" {
		sql += fmt.Sprintf(" AND ref.target_type = $%d", n)
		args = append(args, inc.TargetType)
	}
	return x.query(ctx, sql, args)
}

// reverse resolves _revinclude: current resources whose reference entries
// point at the wave.
func (x *includeExpander) reverse(ctx context.Context, wave []*Resource, inc IncludeParam) ([]*Resource, error) {
	var types, ids []string
	for _, res := range wave {
		if inc.TargetType == "" || res.ResourceType == inc.TargetType {
			types = append(types, res.ResourceType)
			ids = append(ids, res.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	sql := `
		SELECT DISTINCT s.resource_type, s.id, s.version_id, s.content, s.last_updated, COALESCE(s.url, ''), s.deleted, s.is_current
		FROM search_reference ref
		JOIN resources s ON s.resource_type = ref.resource_type AND s.id = ref.resource_id AND s.version_id = ref.version_id
		WHERE s.is_current = true AND s.deleted = false
		AND (ref.target_type, ref.target_id) IN (SELECT * FROM unnest($1::text[], $2::text[]))`
	args := []interface{}{types, ids}
	n := 3
	// An empty source type is the bare wildcard: any type's references count.
	if inc.SourceType != "" {
		sql += fmt.Sprintf(" AND ref.resource_type = $%d", n)
		args = append(args, inc.SourceType)
		n++
	}
	if inc.Param != "*" {
		sql += fmt.Sprintf(" AND ref.parameter_name = $%d", n)
		args = append(args, inc.Param)
	}
	return x.query(ctx, sql, args)
}

// waveIDs picks the wave members of the directive's source type.
func waveIDs(wave []*Resource, sourceType string) []string {
	var ids []string
	for _, res := range wave {
		if res.ResourceType == sourceType {
			ids = append(ids, res.ID)
		}
	}
	return ids
}

func (x *includeExpander) query(ctx context.Context, sql string, args []interface{}) ([]*Resource, error) {
	rows, err := db.Conn(ctx, x.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("expand includes: %w", err)
	}
	defer rows.Close()

	var out []*Resource
	for rows.Next() {
		res, err := scanResourceRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}
