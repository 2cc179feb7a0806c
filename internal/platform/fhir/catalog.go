package fhir

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/carebase/carebase/internal/platform/db"
)

// SearchParamType enumerates the value shapes a search parameter can index.
type SearchParamType string

const (
	ParamString    SearchParamType = "string"
	ParamToken     SearchParamType = "token"
	ParamDate      SearchParamType = "date"
	ParamNumber    SearchParamType = "number"
	ParamQuantity  SearchParamType = "quantity"
	ParamReference SearchParamType = "reference"
	ParamURI       SearchParamType = "uri"
	ParamText      SearchParamType = "text"
	ParamContent   SearchParamType = "content"
)

// ParameterDefinition describes one searchable parameter of a resource type.
type ParameterDefinition struct {
	ResourceType string
	Code         string
	Type         SearchParamType
	Expression   string
	URL          string
	Targets      []string
	Modifiers    []string
	Comparators  []string
	Active       bool
}

// AllowsModifier reports whether the definition permits the given modifier.
// An empty modifier list means the type's defaults apply.
func (d *ParameterDefinition) AllowsModifier(mod string) bool {
	if mod == "" || mod == "missing" {
		return true
	}
	if len(d.Modifiers) > 0 {
		for _, m := range d.Modifiers {
			if m == mod {
				return true
			}
		}
		return false
	}
	for _, m := range defaultModifiers(d.Type) {
		if m == mod {
			return true
		}
	}
	return false
}

// AllowsComparator reports whether the definition permits a value prefix.
func (d *ParameterDefinition) AllowsComparator(prefix string) bool {
	if prefix == "" || prefix == "eq" {
		return true
	}
	if len(d.Comparators) > 0 {
		for _, c := range d.Comparators {
			if c == prefix {
				return true
			}
		}
		return false
	}
	switch d.Type {
	case ParamDate, ParamNumber, ParamQuantity:
		return true
	default:
		return false
	}
}

func defaultModifiers(t SearchParamType) []string {
	switch t {
	case ParamString:
		return []string{"exact", "contains"}
	// Valueset membership modifiers (in, not-in, below, above) need the
	// external terminology collaborator and are not admitted here.
	case ParamToken:
		return []string{"text", "not", "of-type"}
	case ParamReference:
		return []string{"identifier", "type"}
	case ParamURI:
		return []string{"below", "above"}
	default:
		return nil
	}
}

// baseParameters apply to every resource type.
var baseParameters = []ParameterDefinition{
	{ResourceType: "Resource", Code: "_id", Type: ParamToken, Expression: "Resource.id", Active: true},
	{ResourceType: "Resource", Code: "_lastUpdated", Type: ParamDate, Expression: "Resource.meta.lastUpdated", Active: true},
	{ResourceType: "Resource", Code: "_tag", Type: ParamToken, Expression: "Resource.meta.tag", Active: true},
	{ResourceType: "Resource", Code: "_profile", Type: ParamURI, Expression: "Resource.meta.profile", Active: true},
	{ResourceType: "Resource", Code: "_text", Type: ParamText, Expression: "Resource.text", Active: true},
	{ResourceType: "Resource", Code: "_content", Type: ParamContent, Expression: "Resource", Active: true},
}

// Catalog is the registry of search parameter definitions, backed by the
// search_parameters table and cached per resource type. Mutations bump the
// type's generation hash so stale index rows are detectable.
type Catalog struct {
	pool *pgxpool.Pool
	log  zerolog.Logger

	mu      sync.RWMutex
	byType  map[string][]ParameterDefinition
	genHash map[string]string
}

func NewCatalog(pool *pgxpool.Pool, logger zerolog.Logger) *Catalog {
	return &Catalog{
		pool:    pool,
		log:     logger,
		byType:  make(map[string][]ParameterDefinition),
		genHash: make(map[string]string),
	}
}

// Definitions returns the active parameter definitions for a resource type,
// base parameters included. The returned slice is a copy.
func (c *Catalog) Definitions(ctx context.Context, resourceType string) ([]ParameterDefinition, error) {
	c.mu.RLock()
	defs, ok := c.byType[resourceType]
	c.mu.RUnlock()
	if ok {
		out := make([]ParameterDefinition, len(defs))
		copy(out, defs)
		return out, nil
	}
	return c.load(ctx, resourceType)
}

// Lookup resolves one parameter code for a resource type.
func (c *Catalog) Lookup(ctx context.Context, resourceType, code string) (*ParameterDefinition, error) {
	defs, err := c.Definitions(ctx, resourceType)
	if err != nil {
		return nil, err
	}
	for i := range defs {
		if defs[i].Code == code {
			d := defs[i]
			return &d, nil
		}
	}
	return nil, &UnsupportedParameterError{ResourceType: resourceType, Parameter: code}
}

// GenerationHash returns the hash of the type's current definition set. Index
// status rows stamped with an older hash are due for reindexing.
func (c *Catalog) GenerationHash(ctx context.Context, resourceType string) (string, error) {
	c.mu.RLock()
	h, ok := c.genHash[resourceType]
	c.mu.RUnlock()
	if ok {
		return h, nil
	}
	if _, err := c.load(ctx, resourceType); err != nil {
		return "", err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.genHash[resourceType], nil
}

// Upsert installs or updates a definition and invalidates the type's cache.
func (c *Catalog) Upsert(ctx context.Context, def ParameterDefinition) error {
	if def.ResourceType == "" || def.Code == "" {
		return Validationf("search parameter requires resource type and code")
	}
	if def.Type == "" {
		return Validationf("search parameter %s.%s requires a type", def.ResourceType, def.Code)
	}

	_, err := db.Conn(ctx, c.pool).Exec(ctx, `
		INSERT INTO search_parameters (resource_type, code, type, expression, url, targets, modifiers, comparators, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (resource_type, code)
		DO UPDATE SET type = EXCLUDED.type, expression = EXCLUDED.expression,
			url = EXCLUDED.url, targets = EXCLUDED.targets,
			modifiers = EXCLUDED.modifiers, comparators = EXCLUDED.comparators,
			active = EXCLUDED.active`,
		def.ResourceType, def.Code, string(def.Type), def.Expression, def.URL,
		def.Targets, def.Modifiers, def.Comparators, def.Active)
	if err != nil {
		return fmt.Errorf("upsert search parameter %s.%s: %w", def.ResourceType, def.Code, err)
	}

	c.Invalidate(def.ResourceType)

	// Re-derive and persist the generation hash so other nodes observe it.
	defs, err := c.load(ctx, def.ResourceType)
	if err != nil {
		return err
	}
	hash := hashDefinitions(defs)
	_, err = db.Conn(ctx, c.pool).Exec(ctx, `
		INSERT INTO search_parameter_versions (resource_type, current_hash)
		VALUES ($1, $2)
		ON CONFLICT (resource_type)
		DO UPDATE SET current_hash = EXCLUDED.current_hash, updated_at = now()`,
		def.ResourceType, hash)
	if err != nil {
		return fmt.Errorf("record parameter generation for %s: %w", def.ResourceType, err)
	}
	return nil
}

// Invalidate drops the cached definitions for one resource type.
func (c *Catalog) Invalidate(resourceType string) {
	c.mu.Lock()
	delete(c.byType, resourceType)
	delete(c.genHash, resourceType)
	c.mu.Unlock()
}

func (c *Catalog) load(ctx context.Context, resourceType string) ([]ParameterDefinition, error) {
	rows, err := db.Conn(ctx, c.pool).Query(ctx, `
		SELECT resource_type, code, type, COALESCE(expression, ''), COALESCE(url, ''),
			COALESCE(targets, '{}'), COALESCE(modifiers, '{}'), COALESCE(comparators, '{}'), active
		FROM search_parameters
		WHERE resource_type IN ($1, 'Resource') AND active = true
		ORDER BY code`,
		resourceType)
	if err != nil {
		return nil, fmt.Errorf("load search parameters for %s: %w", resourceType, err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var defs []ParameterDefinition
	for rows.Next() {
		var d ParameterDefinition
		var typ string
		if err := rows.Scan(&d.ResourceType, &d.Code, &typ, &d.Expression, &d.URL,
			&d.Targets, &d.Modifiers, &d.Comparators, &d.Active); err != nil {
			return nil, fmt.Errorf("scan search parameter: %w", err)
		}
		d.Type = SearchParamType(typ)
		defs = append(defs, d)
		seen[d.Code] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load search parameters for %s: %w", resourceType, err)
	}

	// Built-in base parameters fill any gap the table leaves.
	for _, base := range baseParameters {
		if !seen[base.Code] {
			defs = append(defs, base)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Code < defs[j].Code })

	hash := hashDefinitions(defs)
	c.mu.Lock()
	c.byType[resourceType] = defs
	c.genHash[resourceType] = hash
	c.mu.Unlock()

	out := make([]ParameterDefinition, len(defs))
	copy(out, defs)
	return out, nil
}

// hashDefinitions derives a stable fingerprint of a definition set. Any
// change to codes, types, or expressions yields a new hash.
func hashDefinitions(defs []ParameterDefinition) string {
	sorted := make([]ParameterDefinition, len(defs))
	copy(sorted, defs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ResourceType != sorted[j].ResourceType {
			return sorted[i].ResourceType < sorted[j].ResourceType
		}
		return sorted[i].Code < sorted[j].Code
	})

	h := xxhash.New()
	for _, d := range sorted {
		_, _ = h.WriteString(d.ResourceType)
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(d.Code)
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(string(d.Type))
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(d.Expression)
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(strings.Join(d.Targets, ","))
		_, _ = h.WriteString("\x1f")
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
