package fhir

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/carebase/carebase/internal/platform/db"
	"github.com/carebase/carebase/internal/platform/metrics"
)

// SearchResult is the outcome of one executed query.
type SearchResult struct {
	Resources []*Resource
	Included  []*Resource
	// Total is set when the query asked for an accurate total; it counts all
	// matches, not just the returned page.
	Total *int
}

// Executor compiles a resolved Query to SQL and runs it. Matches are always
// current, non-deleted resources.
type Executor struct {
	pool     *pgxpool.Pool
	includes *includeExpander
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

func NewExecutor(pool *pgxpool.Pool, maxIncludeDepth int, logger zerolog.Logger, m *metrics.Metrics) *Executor {
	return &Executor{
		pool:     pool,
		includes: newIncludeExpander(pool, maxIncludeDepth),
		log:      logger,
		metrics:  m,
	}
}

// Execute runs the query and expands includes.
func (e *Executor) Execute(ctx context.Context, q *Query) (*SearchResult, error) {
	start := time.Now()
	result, err := e.execute(ctx, q)
	e.metrics.SearchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		e.metrics.SearchRequests.WithLabelValues(q.ResourceType, "error").Inc()
		return nil, err
	}
	e.metrics.SearchRequests.WithLabelValues(q.ResourceType, "ok").Inc()
	return result, nil
}

func (e *Executor) execute(ctx context.Context, q *Query) (*SearchResult, error) {
	where, args, err := e.compileWhere(q)
	if err != nil {
		return nil, err
	}

	// _summary=count needs only the count.
	if q.Control.Summary == SummaryCount {
		total, err := e.count(ctx, where, args)
		if err != nil {
			return nil, err
		}
		return &SearchResult{Total: &total}, nil
	}

	result := &SearchResult{}
	if q.Control.Total == TotalAccurate || q.Control.Total == TotalEstimate {
		total, err := e.count(ctx, where, args)
		if err != nil {
			return nil, err
		}
		result.Total = &total
	}

	sql := fmt.Sprintf(`
		SELECT r.resource_type, r.id, r.version_id, r.content, r.last_updated, COALESCE(r.url, ''), r.deleted, r.is_current
		FROM resources r
		WHERE %s
		ORDER BY %s
		LIMIT %d OFFSET %d`,
		where, orderBy(q.Control.Sort), q.Control.Count, q.Control.Offset)

	rows, err := db.Conn(ctx, e.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("execute search on %s: %w", q.ResourceType, err)
	}
	defer rows.Close()

	for rows.Next() {
		res, err := scanResourceRow(rows)
		if err != nil {
			return nil, err
		}
		result.Resources = append(result.Resources, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("execute search on %s: %w", q.ResourceType, err)
	}

	if len(q.Control.Includes) > 0 || len(q.Control.RevIncludes) > 0 {
		included, err := e.includes.expand(ctx, result.Resources, q.Control.Includes, q.Control.RevIncludes)
		if err != nil {
			return nil, err
		}
		result.Included = included
	}

	applyProjection(result, q.Control)
	return result, nil
}

func (e *Executor) count(ctx context.Context, where string, args []interface{}) (int, error) {
	var total int
	err := db.Conn(ctx, e.pool).QueryRow(ctx,
		"SELECT COUNT(*) FROM resources r WHERE "+where, args...).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("count search matches: %w", err)
	}
	return total, nil
}

// compileWhere renders the full predicate: type and liveness guards, one
// clause per filter ANDed together, plus membership restrictions.
func (e *Executor) compileWhere(q *Query) (string, []interface{}, error) {
	var args []interface{}
	nextIdx := 1

	conds := []string{
		fmt.Sprintf("r.resource_type = $%d", nextIdx),
		"r.is_current = true",
		"r.deleted = false",
	}
	args = append(args, q.ResourceType)
	nextIdx++

	for i := range q.Filters {
		clause, newArgs, newIdx, err := buildClause(&q.Filters[i], args, nextIdx)
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, clause)
		args, nextIdx = newArgs, newIdx
	}

	if q.CompartmentType != "" {
		conds = append(conds, fmt.Sprintf(`EXISTS (SELECT 1 FROM compartment_membership cm
			WHERE cm.compartment_type = $%d AND cm.compartment_id = $%d
			AND cm.resource_type = r.resource_type AND cm.resource_id = r.id)`,
			nextIdx, nextIdx+1))
		args = append(args, q.CompartmentType, q.CompartmentID)
		nextIdx += 2
	}

	if q.ListID != "" {
		inner := fmt.Sprintf(`lm.list_id = $%d AND lm.resource_type = r.resource_type AND lm.resource_id = r.id`, nextIdx)
		if q.ListActive {
			inner += ` AND (lm.period_start IS NULL OR lm.period_start <= now())
				AND (lm.period_end IS NULL OR lm.period_end >= now())`
		}
		conds = append(conds, "EXISTS (SELECT 1 FROM list_membership lm WHERE "+inner+")")
		args = append(args, q.ListID)
		nextIdx++
	}

	return strings.Join(conds, " AND "), args, nil
}

func orderBy(sorts []SortField) string {
	if len(sorts) == 0 {
		return "r.last_updated DESC, r.id ASC"
	}
	var parts []string
	for _, s := range sorts {
		col := "r.last_updated"
		if s.Field == "_id" {
			col = "r.id"
		}
		dir := "ASC"
		if s.Descending {
			dir = "DESC"
		}
		parts = append(parts, col+" "+dir)
	}
	parts = append(parts, "r.id ASC") // stable tiebreak
	return strings.Join(parts, ", ")
}

// summaryElements are always retained by _elements and _summary projections.
var summaryElements = map[string]bool{
	"resourceType": true, "id": true, "meta": true,
}

// applyProjection trims result content for _elements, _summary=true and
// _summary=data.
func applyProjection(result *SearchResult, c ControlParams) {
	if len(c.Elements) == 0 && c.Summary != SummaryData && c.Summary != SummaryTrue {
		return
	}

	keep := make(map[string]bool, len(c.Elements))
	for _, el := range c.Elements {
		// Nested element paths keep their top-level field.
		if idx := strings.Index(el, "."); idx > 0 {
			el = el[:idx]
		}
		keep[el] = true
	}

	for _, res := range result.Resources {
		res.Content = projectContent(res.Content, keep, c.Summary)
	}
}

func projectContent(content map[string]interface{}, keep map[string]bool, summary SummaryMode) map[string]interface{} {
	out := make(map[string]interface{}, len(keep)+3)
	for k, v := range content {
		switch {
		case summaryElements[k]:
			out[k] = v
		case summary == SummaryTrue:
			// _summary=true keeps only the baseline summary elements.
		case summary == SummaryData && k == "text":
			// _summary=data drops the narrative.
		case len(keep) > 0 && !keep[k]:
		default:
			out[k] = v
		}
	}
	return out
}
