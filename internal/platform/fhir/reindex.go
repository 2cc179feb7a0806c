package fhir

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/carebase/carebase/internal/platform/db"
)

// ShouldIndex reports whether a resource version needs (re)indexing: no
// status row yet, a prior failure, or a status stamped with an older
// parameter generation than the catalog's current one.
func (e *IndexingEngine) ShouldIndex(ctx context.Context, res *Resource) (bool, error) {
	current, err := e.catalog.GenerationHash(ctx, res.ResourceType)
	if err != nil {
		return false, err
	}

	var recordedHash, status string
	err = db.Conn(ctx, e.pool).QueryRow(ctx, `
		SELECT search_params_hash, status
		FROM resource_search_index_status
		WHERE resource_type = $1 AND resource_id = $2 AND version_id = $3`,
		res.ResourceType, res.ID, res.VersionID).Scan(&recordedHash, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read index status for %s: %w", res.Identity(), err)
	}
	if status != IndexCompleted {
		return true, nil
	}
	return recordedHash != current, nil
}

// ReindexType reindexes every current resource of one type, skipping versions
// whose status already matches the current parameter generation. Returns the
// number of resources actually indexed.
func (e *IndexingEngine) ReindexType(ctx context.Context, resourceType string) (int, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT resource_type, id, version_id, content, last_updated, COALESCE(url, ''), deleted, is_current
		FROM resources
		WHERE resource_type = $1 AND is_current = true AND deleted = false
		ORDER BY id`,
		resourceType)
	if err != nil {
		return 0, fmt.Errorf("list %s resources for reindex: %w", resourceType, err)
	}
	defer rows.Close()

	var resources []*Resource
	for rows.Next() {
		res, err := scanResourceRow(rows)
		if err != nil {
			return 0, err
		}
		resources = append(resources, res)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("list %s resources for reindex: %w", resourceType, err)
	}

	indexed := 0
	for _, res := range resources {
		if ctx.Err() != nil {
			return indexed, ctx.Err()
		}
		need, err := e.ShouldIndex(ctx, res)
		if err != nil {
			return indexed, err
		}
		if !need {
			continue
		}
		if err := e.IndexResource(ctx, res); err != nil {
			// Partial runs are recorded in the status row; keep going.
			e.log.Warn().Err(err).Str("resource", res.Identity()).Msg("reindex entry failed")
		}
		indexed++
	}

	e.log.Info().Str("resource_type", resourceType).Int("indexed", indexed).
		Int("total", len(resources)).Msg("reindex pass finished")
	return indexed, nil
}

// ReindexAll runs ReindexType for every resource type present in the store.
func (e *IndexingEngine) ReindexAll(ctx context.Context) (int, error) {
	rows, err := e.pool.Query(ctx,
		`SELECT DISTINCT resource_type FROM resources WHERE is_current = true AND deleted = false`)
	if err != nil {
		return 0, fmt.Errorf("list resource types: %w", err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return 0, fmt.Errorf("scan resource type: %w", err)
		}
		types = append(types, t)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("list resource types: %w", err)
	}

	total := 0
	for _, t := range types {
		n, err := e.ReindexType(ctx, t)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// StartupCheck detects an index wiped out from under existing data, for
// example after a restore that dropped the search tables. When current
// resources exist but the index status table is empty, it kicks off a full
// reindex.
func (e *IndexingEngine) StartupCheck(ctx context.Context) error {
	var resourceCount, statusCount int
	if err := e.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM resources WHERE is_current = true AND deleted = false`).Scan(&resourceCount); err != nil {
		return fmt.Errorf("count resources: %w", err)
	}
	if resourceCount == 0 {
		return nil
	}
	if err := e.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM resource_search_index_status`).Scan(&statusCount); err != nil {
		return fmt.Errorf("count index status rows: %w", err)
	}
	if statusCount > 0 {
		return nil
	}

	e.log.Warn().Int("resources", resourceCount).
		Msg("resources present with no index status rows, running full reindex")
	_, err := e.ReindexAll(ctx)
	return err
}
