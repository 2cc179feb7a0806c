package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/carebase/carebase/internal/platform/db"
	"github.com/carebase/carebase/internal/platform/metrics"
)

// Index status values recorded per resource version.
const (
	IndexCompleted = "completed"
	IndexPartial   = "partial"
	IndexFailed    = "failed"
)

// IndexingEngine extracts search parameter values from resource versions into
// the typed index tables. Runs are idempotent: entry hashes dedupe repeated
// extraction, and each run replaces the version's rows wholesale.
type IndexingEngine struct {
	pool    *pgxpool.Pool
	catalog *Catalog
	hasher  EntryHasher
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func NewIndexingEngine(pool *pgxpool.Pool, catalog *Catalog, hasher EntryHasher, logger zerolog.Logger, m *metrics.Metrics) *IndexingEngine {
	if hasher == nil {
		hasher = XXEntryHasher{}
	}
	return &IndexingEngine{pool: pool, catalog: catalog, hasher: hasher, log: logger, metrics: m}
}

var indexShapeTables = []string{
	"search_string", "search_token", "search_token_identifier", "search_date",
	"search_number", "search_quantity", "search_reference", "search_uri",
	"search_text", "search_content",
}

// IndexResource indexes one resource version. Per-parameter failures are
// collected rather than aborting the run; the status row records completed,
// partial, or failed. The version's prior rows are cleared first so a re-run
// after a definition change leaves no stale entries.
func (e *IndexingEngine) IndexResource(ctx context.Context, res *Resource) error {
	start := time.Now()

	defs, err := e.catalog.Definitions(ctx, res.ResourceType)
	if err != nil {
		return err
	}
	genHash, err := e.catalog.GenerationHash(ctx, res.ResourceType)
	if err != nil {
		return err
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin index transaction: %w", err)
	}
	defer tx.Rollback(ctx)
	txCtx := db.WithTx(ctx, tx)

	// Serialize concurrent indexing of the same version.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`,
		fmt.Sprintf("%s/%s/%d", res.ResourceType, res.ID, res.VersionID)); err != nil {
		return fmt.Errorf("acquire index lock: %w", err)
	}

	for _, table := range indexShapeTables {
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE resource_type = $1 AND resource_id = $2 AND version_id = $3`, table),
			res.ResourceType, res.ID, res.VersionID); err != nil {
			return fmt.Errorf("clear %s rows: %w", table, err)
		}
	}

	var failures []string
	indexed := 0
	if !res.Deleted {
		for _, def := range defs {
			if def.Expression == "" {
				continue
			}
			if err := e.indexParameter(txCtx, res, &def); err != nil {
				failures = append(failures, fmt.Sprintf("%s: %v", def.Code, err))
				continue
			}
			indexed++
		}
		if err := e.indexMemberships(txCtx, res); err != nil {
			failures = append(failures, fmt.Sprintf("membership: %v", err))
		}
	}

	status := IndexCompleted
	var message interface{}
	switch {
	case len(failures) > 0 && indexed == 0 && !res.Deleted:
		status = IndexFailed
		message = strings.Join(failures, "; ")
	case len(failures) > 0:
		status = IndexPartial
		message = strings.Join(failures, "; ")
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO resource_search_index_status
			(resource_type, resource_id, version_id, search_params_hash, indexed_at, indexed_param_count, status, error_message)
		VALUES ($1, $2, $3, $4, now(), $5, $6, $7)
		ON CONFLICT (resource_type, resource_id, version_id)
		DO UPDATE SET search_params_hash = EXCLUDED.search_params_hash,
			indexed_at = EXCLUDED.indexed_at,
			indexed_param_count = EXCLUDED.indexed_param_count,
			status = EXCLUDED.status,
			error_message = EXCLUDED.error_message`,
		res.ResourceType, res.ID, res.VersionID, genHash, indexed, status, message); err != nil {
		return fmt.Errorf("record index status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit index transaction: %w", err)
	}

	e.metrics.IndexOutcomes.WithLabelValues(status).Inc()
	e.metrics.IndexDuration.Observe(time.Since(start).Seconds())

	if status != IndexCompleted {
		e.log.Warn().Str("resource", res.Identity()).Int("version", res.VersionID).
			Str("status", status).Strs("failures", failures).Msg("indexing incomplete")
		return &IndexingError{
			ResourceType: res.ResourceType, ID: res.ID, VersionID: res.VersionID,
			Partial: status == IndexPartial, Failures: failures,
		}
	}
	return nil
}

func (e *IndexingEngine) indexParameter(ctx context.Context, res *Resource, def *ParameterDefinition) error {
	values := EvaluatePath(res.Content, def.Expression)
	if len(values) == 0 {
		return nil
	}

	switch def.Type {
	case ParamString:
		return e.insertStrings(ctx, res, def, values)
	case ParamToken:
		return e.insertTokens(ctx, res, def, values)
	case ParamDate:
		return e.insertDates(ctx, res, def, values)
	case ParamNumber:
		return e.insertNumbers(ctx, res, def, values)
	case ParamQuantity:
		return e.insertQuantities(ctx, res, def, values)
	case ParamReference:
		return e.insertReferences(ctx, res, def, values)
	case ParamURI:
		return e.insertURIs(ctx, res, def, values)
	case ParamText:
		return e.insertNarrative(ctx, res, def, values)
	case ParamContent:
		return e.insertContent(ctx, res, def)
	default:
		return fmt.Errorf("unknown parameter type %q", def.Type)
	}
}

func (e *IndexingEngine) insertStrings(ctx context.Context, res *Resource, def *ParameterDefinition, values []interface{}) error {
	conn := db.Conn(ctx, e.pool)
	for _, raw := range stringParts(values) {
		normalized := NormalizeString(raw)
		if normalized == "" {
			continue
		}
		hash := e.hasher.EntryHash(def.Code, normalized)
		if _, err := conn.Exec(ctx, `
			INSERT INTO search_string (resource_type, resource_id, version_id, parameter_name, entry_hash, value, value_normalized)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT DO NOTHING`,
			res.ResourceType, res.ID, res.VersionID, def.Code, hash, raw, normalized); err != nil {
			return fmt.Errorf("insert string entry: %w", err)
		}
	}
	return nil
}

// stringParts flattens string parameter values: plain strings pass through,
// HumanName and Address objects contribute their textual parts.
func stringParts(values []interface{}) []string {
	var out []string
	for _, v := range values {
		switch t := v.(type) {
		case string:
			out = append(out, t)
		case map[string]interface{}:
			for _, field := range []string{"text", "family", "city", "state", "postalCode", "country"} {
				if s, ok := t[field].(string); ok && s != "" {
					out = append(out, s)
				}
			}
			for _, field := range []string{"given", "prefix", "suffix", "line"} {
				if arr, ok := t[field].([]interface{}); ok {
					for _, item := range arr {
						if s, ok := item.(string); ok && s != "" {
							out = append(out, s)
						}
					}
				}
			}
		}
	}
	return out
}

type tokenEntry struct {
	system     string
	code       string
	text       string
	identifier bool
	typeSystem string
	typeCode   string
}

func (e *IndexingEngine) insertTokens(ctx context.Context, res *Resource, def *ParameterDefinition, values []interface{}) error {
	conn := db.Conn(ctx, e.pool)
	for _, tok := range tokenParts(values) {
		if tok.code == "" && tok.system == "" && tok.text == "" {
			continue
		}
		hash := e.hasher.EntryHash(def.Code, tok.system, tok.code, tok.text)
		if _, err := conn.Exec(ctx, `
			INSERT INTO search_token (resource_type, resource_id, version_id, parameter_name, entry_hash, system, code, code_ci, display)
			VALUES ($1, $2, $3, $4, $5, $6, $7, LOWER($7), $8)
			ON CONFLICT DO NOTHING`,
			res.ResourceType, res.ID, res.VersionID, def.Code, hash,
			nullable(tok.system), tok.code, nullable(tok.text)); err != nil {
			return fmt.Errorf("insert token entry: %w", err)
		}

		// Identifier-shaped tokens additionally land in the identifier table
		// for the :of-type and reference :identifier modifiers.
		if tok.identifier && tok.code != "" {
			ihash := e.hasher.EntryHash(def.Code, "identifier", tok.system, tok.code, tok.typeSystem, tok.typeCode)
			if _, err := conn.Exec(ctx, `
				INSERT INTO search_token_identifier (resource_type, resource_id, version_id, parameter_name, entry_hash, system, value, type_system, type_code)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT DO NOTHING`,
				res.ResourceType, res.ID, res.VersionID, def.Code, ihash,
				nullable(tok.system), tok.code, nullable(tok.typeSystem), nullable(tok.typeCode)); err != nil {
				return fmt.Errorf("insert identifier entry: %w", err)
			}
		}
	}
	return nil
}

// tokenParts extracts (system, code) pairs from token parameter values:
// plain code strings, booleans, Coding, CodeableConcept, Identifier, and
// ContactPoint shapes.
func tokenParts(values []interface{}) []tokenEntry {
	var out []tokenEntry
	for _, v := range values {
		switch t := v.(type) {
		case string:
			out = append(out, tokenEntry{code: t})
		case bool:
			out = append(out, tokenEntry{code: strconv.FormatBool(t)})
		case map[string]interface{}:
			if codings, ok := t["coding"].([]interface{}); ok {
				// CodeableConcept: concept text rides every coding row so a
				// text search matches regardless of which coding it lands on.
				first := len(out)
				for _, c := range codings {
					if coding, ok := c.(map[string]interface{}); ok {
						out = append(out, codingEntry(coding))
					}
				}
				if text, ok := t["text"].(string); ok && text != "" {
					if len(out) == first {
						out = append(out, tokenEntry{text: text})
					}
					for i := first; i < len(out); i++ {
						if out[i].text == "" {
							out[i].text = text
						}
					}
				}
				continue
			}
			if value, ok := t["value"].(string); ok {
				// Identifier or ContactPoint. Only Identifier shapes (a URI
				// system or a type concept) feed the typed identifier rows.
				sys, _ := t["system"].(string)
				entry := tokenEntry{system: sys, code: value}
				if strings.Contains(sys, ":") {
					entry.identifier = true
				}
				if typ, ok := t["type"].(map[string]interface{}); ok {
					entry.identifier = true
					if tcodings, ok := typ["coding"].([]interface{}); ok && len(tcodings) > 0 {
						if tc, ok := tcodings[0].(map[string]interface{}); ok {
							entry.typeSystem, _ = tc["system"].(string)
							entry.typeCode, _ = tc["code"].(string)
						}
					}
				}
				out = append(out, entry)
				continue
			}
			if _, ok := t["code"]; ok {
				out = append(out, codingEntry(t))
			}
		}
	}
	return out
}

func codingEntry(coding map[string]interface{}) tokenEntry {
	var e tokenEntry
	e.system, _ = coding["system"].(string)
	e.code, _ = coding["code"].(string)
	e.text, _ = coding["display"].(string)
	return e
}

func (e *IndexingEngine) insertDates(ctx context.Context, res *Resource, def *ParameterDefinition, values []interface{}) error {
	conn := db.Conn(ctx, e.pool)
	for _, v := range values {
		r, ok := dateRange(v)
		if !ok {
			continue
		}
		hash := e.hasher.EntryHash(def.Code, r.start.Format(time.RFC3339Nano), r.end.Format(time.RFC3339Nano))
		if _, err := conn.Exec(ctx, `
			INSERT INTO search_date (resource_type, resource_id, version_id, parameter_name, entry_hash, start_date, end_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT DO NOTHING`,
			res.ResourceType, res.ID, res.VersionID, def.Code, hash, r.start, r.end); err != nil {
			return fmt.Errorf("insert date entry: %w", err)
		}
	}
	return nil
}

type timeRange struct {
	start time.Time
	end   time.Time
}

// dateRange converts a date value to its implicit interval. A partial date
// covers its whole precision: "2023" spans the year, "2023-05" the month.
// Period objects use their start/end, with open ends widened to the extremes.
func dateRange(v interface{}) (timeRange, bool) {
	switch t := v.(type) {
	case string:
		return parseDateString(t)
	case map[string]interface{}:
		startStr, _ := t["start"].(string)
		endStr, _ := t["end"].(string)
		if startStr == "" && endStr == "" {
			return timeRange{}, false
		}
		r := timeRange{
			start: time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC),
			end:   time.Date(9999, 12, 31, 23, 59, 59, 999999999, time.UTC),
		}
		if startStr != "" {
			if sr, ok := parseDateString(startStr); ok {
				r.start = sr.start
			}
		}
		if endStr != "" {
			if er, ok := parseDateString(endStr); ok {
				r.end = er.end
			}
		}
		return r, true
	default:
		return timeRange{}, false
	}
}

func parseDateString(s string) (timeRange, bool) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return timeRange{start: t.UTC(), end: t.UTC()}, true
	}
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return timeRange{start: t.UTC(), end: t.UTC()}, true
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return timeRange{start: t, end: t.AddDate(0, 0, 1).Add(-time.Nanosecond)}, true
	}
	if t, err := time.Parse("2006-01", s); err == nil {
		return timeRange{start: t, end: t.AddDate(0, 1, 0).Add(-time.Nanosecond)}, true
	}
	if t, err := time.Parse("2006", s); err == nil {
		return timeRange{start: t, end: t.AddDate(1, 0, 0).Add(-time.Nanosecond)}, true
	}
	return timeRange{}, false
}

func (e *IndexingEngine) insertNumbers(ctx context.Context, res *Resource, def *ParameterDefinition, values []interface{}) error {
	conn := db.Conn(ctx, e.pool)
	for _, v := range values {
		n, ok := numericValue(v)
		if !ok {
			continue
		}
		hash := e.hasher.EntryHash(def.Code, strconv.FormatFloat(n, 'g', -1, 64))
		if _, err := conn.Exec(ctx, `
			INSERT INTO search_number (resource_type, resource_id, version_id, parameter_name, entry_hash, value)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT DO NOTHING`,
			res.ResourceType, res.ID, res.VersionID, def.Code, hash, n); err != nil {
			return fmt.Errorf("insert number entry: %w", err)
		}
	}
	return nil
}

func numericValue(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func (e *IndexingEngine) insertQuantities(ctx context.Context, res *Resource, def *ParameterDefinition, values []interface{}) error {
	conn := db.Conn(ctx, e.pool)
	for _, v := range values {
		q, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		value, ok := numericValue(q["value"])
		if !ok {
			continue
		}
		system, _ := q["system"].(string)
		code, _ := q["code"].(string)
		unit, _ := q["unit"].(string)
		if code == "" {
			code = unit
		}
		hash := e.hasher.EntryHash(def.Code, strconv.FormatFloat(value, 'g', -1, 64), system, code)
		if _, err := conn.Exec(ctx, `
			INSERT INTO search_quantity (resource_type, resource_id, version_id, parameter_name, entry_hash, value, system, code, unit)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT DO NOTHING`,
			res.ResourceType, res.ID, res.VersionID, def.Code, hash,
			value, nullable(system), nullable(code), nullable(unit)); err != nil {
			return fmt.Errorf("insert quantity entry: %w", err)
		}
	}
	return nil
}

func (e *IndexingEngine) insertReferences(ctx context.Context, res *Resource, def *ParameterDefinition, values []interface{}) error {
	conn := db.Conn(ctx, e.pool)
	for _, v := range values {
		ref := referenceValue(v)
		if ref == "" {
			continue
		}
		targetType, targetID, url := splitReference(ref)
		hash := e.hasher.EntryHash(def.Code, targetType, targetID, url)
		if _, err := conn.Exec(ctx, `
			INSERT INTO search_reference (resource_type, resource_id, version_id, parameter_name, entry_hash, target_type, target_id, target_url)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT DO NOTHING`,
			res.ResourceType, res.ID, res.VersionID, def.Code, hash,
			nullable(targetType), nullable(targetID), nullable(url)); err != nil {
			return fmt.Errorf("insert reference entry: %w", err)
		}
	}
	return nil
}

func referenceValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]interface{}:
		ref, _ := t["reference"].(string)
		return ref
	default:
		return ""
	}
}

// splitReference classifies a reference as local ("Type/id", optionally with
// a version suffix) or absolute (kept as a URL).
func splitReference(ref string) (targetType, targetID, url string) {
	if strings.Contains(ref, "://") || strings.HasPrefix(ref, "urn:") {
		return "", "", ref
	}
	ref = strings.TrimPrefix(ref, "/")
	if idx := strings.Index(ref, "/_history/"); idx > 0 {
		ref = ref[:idx]
	}
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
		return parts[0], parts[1], ""
	}
	return "", ref, ""
}

func (e *IndexingEngine) insertURIs(ctx context.Context, res *Resource, def *ParameterDefinition, values []interface{}) error {
	conn := db.Conn(ctx, e.pool)
	for _, v := range values {
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		normalized := NormalizeURI(s)
		hash := e.hasher.EntryHash(def.Code, normalized)
		if _, err := conn.Exec(ctx, `
			INSERT INTO search_uri (resource_type, resource_id, version_id, parameter_name, entry_hash, uri, uri_normalized)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT DO NOTHING`,
			res.ResourceType, res.ID, res.VersionID, def.Code, hash, s, normalized); err != nil {
			return fmt.Errorf("insert uri entry: %w", err)
		}
	}
	return nil
}

func (e *IndexingEngine) insertNarrative(ctx context.Context, res *Resource, def *ParameterDefinition, values []interface{}) error {
	var parts []string
	for _, v := range values {
		switch t := v.(type) {
		case string:
			parts = append(parts, t)
		case map[string]interface{}:
			if div, ok := t["div"].(string); ok {
				parts = append(parts, stripTags(div))
			}
		}
	}
	text := NormalizeString(strings.Join(parts, " "))
	if text == "" {
		return nil
	}
	if _, err := db.Conn(ctx, e.pool).Exec(ctx, `
		INSERT INTO search_text (resource_type, resource_id, version_id, parameter_name, text_vector)
		VALUES ($1, $2, $3, $4, to_tsvector('simple', $5))
		ON CONFLICT (resource_type, resource_id, version_id, parameter_name)
		DO UPDATE SET text_vector = EXCLUDED.text_vector`,
		res.ResourceType, res.ID, res.VersionID, def.Code, text); err != nil {
		return fmt.Errorf("insert narrative entry: %w", err)
	}
	return nil
}

func (e *IndexingEngine) insertContent(ctx context.Context, res *Resource, def *ParameterDefinition) error {
	text := NormalizeString(collectStrings(res.Content))
	if text == "" {
		return nil
	}
	if _, err := db.Conn(ctx, e.pool).Exec(ctx, `
		INSERT INTO search_content (resource_type, resource_id, version_id, parameter_name, text_vector)
		VALUES ($1, $2, $3, $4, to_tsvector('simple', $5))
		ON CONFLICT (resource_type, resource_id, version_id, parameter_name)
		DO UPDATE SET text_vector = EXCLUDED.text_vector`,
		res.ResourceType, res.ID, res.VersionID, def.Code, text); err != nil {
		return fmt.Errorf("insert content entry: %w", err)
	}
	return nil
}

// collectStrings gathers every string leaf of the content tree.
func collectStrings(v interface{}) string {
	var b strings.Builder
	var walk func(interface{})
	walk = func(v interface{}) {
		switch t := v.(type) {
		case string:
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(t)
		case map[string]interface{}:
			for _, child := range t {
				walk(child)
			}
		case []interface{}:
			for _, child := range t {
				walk(child)
			}
		}
	}
	walk(v)
	return b.String()
}

func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteByte(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
