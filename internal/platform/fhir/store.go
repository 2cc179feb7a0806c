package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/carebase/carebase/internal/platform/db"
	"github.com/carebase/carebase/internal/platform/metrics"
)

var resourceIDPattern = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)

// StoreOptions configures write behavior of the ResourceStore.
type StoreOptions struct {
	// UpdateAsCreate lets PUT on a missing id behave as create with that id.
	UpdateAsCreate bool
	// HardDelete purges all version rows instead of appending a delete marker.
	HardDelete bool
}

// ResourceStore owns the resources and resource_versions tables. Version rows
// are append-only; the counter increment and the row append always share one
// database transaction.
type ResourceStore struct {
	pool    *pgxpool.Pool
	log     zerolog.Logger
	metrics *metrics.Metrics
	opts    StoreOptions
}

func NewResourceStore(pool *pgxpool.Pool, logger zerolog.Logger, m *metrics.Metrics, opts StoreOptions) *ResourceStore {
	return &ResourceStore{pool: pool, log: logger, metrics: m, opts: opts}
}

// Pool exposes the underlying pool for collaborators that share the store's
// database (executor, indexer, coordinator).
func (s *ResourceStore) Pool() *pgxpool.Pool { return s.pool }

func (s *ResourceStore) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, s.pool)
}

// withTx runs fn inside the context's transaction when one is present
// (grouped writes), otherwise in a transaction of its own.
func (s *ResourceStore) withTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if db.TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	ctx = db.WithTx(ctx, tx)

	if err := fn(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// nextVersion increments the per-identity counter and returns the assigned
// version. The upsert's row lock is the single serialization point between
// concurrent writers to the same logical resource.
func (s *ResourceStore) nextVersion(ctx context.Context, resourceType, id string) (int, error) {
	var version int
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO resource_versions (resource_type, id, next_version)
		VALUES ($1, $2, 1)
		ON CONFLICT (resource_type, id)
		DO UPDATE SET next_version = resource_versions.next_version + 1
		RETURNING next_version`,
		resourceType, id).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("assign version for %s/%s: %w", resourceType, id, err)
	}
	return version, nil
}

func (s *ResourceStore) insertVersion(ctx context.Context, res *Resource, expected int) error {
	content, err := json.Marshal(res.Content)
	if err != nil {
		return fmt.Errorf("marshal resource content: %w", err)
	}

	var url interface{}
	if res.URL != "" {
		url = res.URL
	}

	_, err = s.conn(ctx).Exec(ctx, `
		INSERT INTO resources (resource_type, id, version_id, content, last_updated, url, deleted, is_current)
		VALUES ($1, $2, $3, $4, $5, $6, $7, true)`,
		res.ResourceType, res.ID, res.VersionID, content, res.LastUpdated, url, res.Deleted)
	if err != nil {
		if isUniqueViolation(err) {
			// A concurrent writer installed another current row first.
			return &VersionConflictError{
				ResourceType: res.ResourceType,
				ID:           res.ID,
				Expected:     expected,
				Actual:       res.VersionID,
			}
		}
		return fmt.Errorf("insert resource version: %w", err)
	}
	return nil
}

// retireVersion flips the current row off only while it still carries the
// version the caller observed. A false return means a concurrent writer
// replaced the current row in between.
func (s *ResourceStore) retireVersion(ctx context.Context, resourceType, id string, version int) (bool, error) {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE resources SET is_current = false
		WHERE resource_type = $1 AND id = $2 AND is_current = true AND version_id = $3`,
		resourceType, id, version)
	if err != nil {
		return false, fmt.Errorf("retire current version of %s/%s: %w", resourceType, id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Create stores a new resource at version 1 with a server-assigned id.
// Client-supplied id, meta.versionId and meta.lastUpdated are rejected or
// discarded: identity and versioning are owned by the server.
func (s *ResourceStore) Create(ctx context.Context, resourceType string, content map[string]interface{}) (*Resource, error) {
	if err := validateType(resourceType); err != nil {
		return nil, err
	}
	content = stripServerMeta(content)

	res := &Resource{
		ResourceType: resourceType,
		ID:           uuid.New().String(),
		Content:      content,
		LastUpdated:  time.Now().UTC(),
		IsCurrent:    true,
	}

	err := s.withTx(ctx, func(ctx context.Context) error {
		version, err := s.nextVersion(ctx, resourceType, res.ID)
		if err != nil {
			return err
		}
		res.VersionID = version
		return s.insertVersion(ctx, res, 0)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ResourceWrites.WithLabelValues(resourceType, "create").Inc()
	s.log.Debug().Str("resource", res.Identity()).Int("version", res.VersionID).Msg("resource created")
	return res, nil
}

// Update appends a new version of an existing resource. expectedVersion, when
// non-nil, enforces optimistic concurrency: a mismatch with the current
// version fails with VersionConflictError instead of overwriting. A missing id
// becomes a create with the client's id when update-as-create is enabled.
func (s *ResourceStore) Update(ctx context.Context, resourceType, id string, content map[string]interface{}, expectedVersion *int) (*Resource, error) {
	if err := validateIdentity(resourceType, id); err != nil {
		return nil, err
	}
	content = stripServerMeta(content)

	res := &Resource{
		ResourceType: resourceType,
		ID:           id,
		Content:      content,
		LastUpdated:  time.Now().UTC(),
		IsCurrent:    true,
	}

	err := s.withTx(ctx, func(ctx context.Context) error {
		current, err := s.readCurrentAny(ctx, resourceType, id)
		if err != nil && !IsNotFound(err) {
			return err
		}

		expected := 0
		if current == nil {
			if !s.opts.UpdateAsCreate {
				return &NotFoundError{ResourceType: resourceType, ID: id}
			}
			if expectedVersion != nil {
				return &VersionConflictError{ResourceType: resourceType, ID: id, Expected: *expectedVersion, Actual: 0}
			}
		} else {
			if expectedVersion != nil && *expectedVersion != current.VersionID {
				s.metrics.VersionConflicts.Inc()
				return &VersionConflictError{
					ResourceType: resourceType,
					ID:           id,
					Expected:     *expectedVersion,
					Actual:       current.VersionID,
				}
			}
			expected = current.VersionID

			// The version guard closes the window between the read above and
			// the retire: a competing update that committed in between leaves
			// a current row with a different version, and this retires nothing.
			retired, err := s.retireVersion(ctx, resourceType, id, current.VersionID)
			if err != nil {
				return err
			}
			if !retired {
				s.metrics.VersionConflicts.Inc()
				actual := 0
				if fresh, err := s.readCurrentAny(ctx, resourceType, id); err == nil {
					actual = fresh.VersionID
				}
				return &VersionConflictError{
					ResourceType: resourceType,
					ID:           id,
					Expected:     expected,
					Actual:       actual,
				}
			}
		}

		version, err := s.nextVersion(ctx, resourceType, id)
		if err != nil {
			return err
		}
		res.VersionID = version
		return s.insertVersion(ctx, res, expected)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ResourceWrites.WithLabelValues(resourceType, "update").Inc()
	s.log.Debug().Str("resource", res.Identity()).Int("version", res.VersionID).Msg("resource updated")
	return res, nil
}

// Read returns the current version. A delete marker surfaces as GoneError.
func (s *ResourceStore) Read(ctx context.Context, resourceType, id string) (*Resource, error) {
	res, err := s.readCurrentAny(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	if res.Deleted {
		return nil, &GoneError{ResourceType: resourceType, ID: id, VersionID: res.VersionID}
	}
	return res, nil
}

// readCurrentAny returns the current row including delete markers.
func (s *ResourceStore) readCurrentAny(ctx context.Context, resourceType, id string) (*Resource, error) {
	if err := validateIdentity(resourceType, id); err != nil {
		return nil, err
	}
	row := s.conn(ctx).QueryRow(ctx, `
		SELECT resource_type, id, version_id, content, last_updated, COALESCE(url, ''), deleted, is_current
		FROM resources
		WHERE resource_type = $1 AND id = $2 AND is_current = true`,
		resourceType, id)
	return scanResource(row, resourceType, id)
}

// ReadVersion returns one specific historical version.
func (s *ResourceStore) ReadVersion(ctx context.Context, resourceType, id string, versionID int) (*Resource, error) {
	if err := validateIdentity(resourceType, id); err != nil {
		return nil, err
	}
	row := s.conn(ctx).QueryRow(ctx, `
		SELECT resource_type, id, version_id, content, last_updated, COALESCE(url, ''), deleted, is_current
		FROM resources
		WHERE resource_type = $1 AND id = $2 AND version_id = $3`,
		resourceType, id, versionID)
	return scanResource(row, resourceType, id)
}

// Delete removes a resource. The soft path (default) appends a delete-marker
// version; repeating it is a no-op returning the existing marker version.
// The hard path purges every version row; index entries cascade away with them.
func (s *ResourceStore) Delete(ctx context.Context, resourceType, id string) (int, error) {
	if err := validateIdentity(resourceType, id); err != nil {
		return 0, err
	}

	var deletedVersion int
	err := s.withTx(ctx, func(ctx context.Context) error {
		current, err := s.readCurrentAny(ctx, resourceType, id)
		if err != nil {
			return err
		}

		if s.opts.HardDelete {
			if _, err := s.conn(ctx).Exec(ctx,
				`DELETE FROM resources WHERE resource_type = $1 AND id = $2`, resourceType, id); err != nil {
				return fmt.Errorf("hard delete %s/%s: %w", resourceType, id, err)
			}
			if _, err := s.conn(ctx).Exec(ctx,
				`DELETE FROM resource_versions WHERE resource_type = $1 AND id = $2`, resourceType, id); err != nil {
				return fmt.Errorf("purge version counter for %s/%s: %w", resourceType, id, err)
			}
			deletedVersion = current.VersionID
			return nil
		}

		if current.Deleted {
			// Idempotent: never a second delete marker.
			deletedVersion = current.VersionID
			return nil
		}

		version, err := s.nextVersion(ctx, resourceType, id)
		if err != nil {
			return err
		}
		retired, err := s.retireVersion(ctx, resourceType, id, current.VersionID)
		if err != nil {
			return err
		}
		if !retired {
			return &VersionConflictError{
				ResourceType: resourceType, ID: id,
				Expected: current.VersionID, Actual: version,
			}
		}

		marker := &Resource{
			ResourceType: resourceType,
			ID:           id,
			VersionID:    version,
			Content:      map[string]interface{}{"resourceType": resourceType, "id": id},
			LastUpdated:  time.Now().UTC(),
			Deleted:      true,
			IsCurrent:    true,
		}
		if err := s.insertVersion(ctx, marker, current.VersionID); err != nil {
			return err
		}
		deletedVersion = version
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.metrics.ResourceWrites.WithLabelValues(resourceType, "delete").Inc()
	return deletedVersion, nil
}

// History lists version rows for one identity, newest first.
func (s *ResourceStore) History(ctx context.Context, resourceType, id string, limit, offset int) ([]*Resource, int, error) {
	if err := validateIdentity(resourceType, id); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 20
	}

	var total int
	if err := s.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM resources WHERE resource_type = $1 AND id = $2`,
		resourceType, id).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count history for %s/%s: %w", resourceType, id, err)
	}
	if total == 0 {
		return nil, 0, &NotFoundError{ResourceType: resourceType, ID: id}
	}

	rows, err := s.conn(ctx).Query(ctx, `
		SELECT resource_type, id, version_id, content, last_updated, COALESCE(url, ''), deleted, is_current
		FROM resources
		WHERE resource_type = $1 AND id = $2
		ORDER BY version_id DESC
		LIMIT $3 OFFSET $4`,
		resourceType, id, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query history for %s/%s: %w", resourceType, id, err)
	}
	defer rows.Close()

	var versions []*Resource
	for rows.Next() {
		res, err := scanResourceRow(rows)
		if err != nil {
			return nil, 0, err
		}
		versions = append(versions, res)
	}
	return versions, total, rows.Err()
}

// CountCurrent reports the number of current, non-deleted resources, used by
// the startup index consistency check.
func (s *ResourceStore) CountCurrent(ctx context.Context) (int, error) {
	var n int
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM resources WHERE is_current = true AND deleted = false`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count current resources: %w", err)
	}
	return n, nil
}

func scanResource(row pgx.Row, resourceType, id string) (*Resource, error) {
	var res Resource
	var content []byte
	err := row.Scan(&res.ResourceType, &res.ID, &res.VersionID, &content,
		&res.LastUpdated, &res.URL, &res.Deleted, &res.IsCurrent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{ResourceType: resourceType, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("scan resource %s/%s: %w", resourceType, id, err)
	}
	if err := json.Unmarshal(content, &res.Content); err != nil {
		return nil, fmt.Errorf("decode content of %s/%s: %w", resourceType, id, err)
	}
	return &res, nil
}

func scanResourceRow(rows pgx.Rows) (*Resource, error) {
	var res Resource
	var content []byte
	if err := rows.Scan(&res.ResourceType, &res.ID, &res.VersionID, &content,
		&res.LastUpdated, &res.URL, &res.Deleted, &res.IsCurrent); err != nil {
		return nil, fmt.Errorf("scan resource row: %w", err)
	}
	if err := json.Unmarshal(content, &res.Content); err != nil {
		return nil, fmt.Errorf("decode resource content: %w", err)
	}
	return &res, nil
}

func validateType(resourceType string) error {
	if resourceType == "" || !resourceIDPattern.MatchString(resourceType) {
		return Validationf("invalid resource type %q", resourceType)
	}
	return nil
}

func validateIdentity(resourceType, id string) error {
	if err := validateType(resourceType); err != nil {
		return err
	}
	if id == "" || !resourceIDPattern.MatchString(id) {
		return Validationf("invalid resource id %q", id)
	}
	return nil
}

// stripServerMeta removes client-supplied fields the server owns.
func stripServerMeta(content map[string]interface{}) map[string]interface{} {
	if content == nil {
		return map[string]interface{}{}
	}
	cleaned := make(map[string]interface{}, len(content))
	for k, v := range content {
		if k == "id" {
			continue
		}
		cleaned[k] = v
	}
	if meta, ok := cleaned["meta"].(map[string]interface{}); ok {
		m := make(map[string]interface{}, len(meta))
		for k, v := range meta {
			if k == "versionId" || k == "lastUpdated" {
				continue
			}
			m[k] = v
		}
		if len(m) == 0 {
			delete(cleaned, "meta")
		} else {
			cleaned["meta"] = m
		}
	}
	return cleaned
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
