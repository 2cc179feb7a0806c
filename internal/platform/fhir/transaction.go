package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/carebase/carebase/internal/platform/db"
	"github.com/carebase/carebase/internal/platform/metrics"
)

// Bundle execution states persisted in transaction_records.
const (
	BundleRunning   = "running"
	BundleCompleted = "completed"
	BundleFailed    = "failed"
	BundlePartial   = "partial"
)

// BundleRequest is one entry of a submitted batch or transaction bundle.
type BundleRequest struct {
	Method      string
	URL         string
	FullURL     string
	Resource    map[string]interface{}
	IfMatch     string
	IfNoneExist string
}

// BundleOutcome is the per-entry result, positioned by the entry's original
// index in the submitted bundle.
type BundleOutcome struct {
	Status   string
	Location string
	ETag     string
	Resource *Resource
	Err      error
}

// Coordinator executes batch and transaction bundles. Transactions run inside
// one database transaction and roll back whole on the first failure; batch
// entries are independent. Entries process in method order DELETE, POST,
// PUT/PATCH, GET, with the submitted order preserved within each group.
type Coordinator struct {
	pool     *pgxpool.Pool
	store    *ResourceStore
	matcher  *ConditionalMatcher
	indexer  *IndexingEngine
	queue    *JobQueue
	inline   bool
	baseURL  string
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

func NewCoordinator(pool *pgxpool.Pool, store *ResourceStore, matcher *ConditionalMatcher,
	indexer *IndexingEngine, queue *JobQueue, inlineIndexing bool, baseURL string,
	logger zerolog.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		pool: pool, store: store, matcher: matcher,
		indexer: indexer, queue: queue, inline: inlineIndexing,
		baseURL: baseURL, log: logger, metrics: m,
	}
}

var methodOrder = map[string]int{
	"DELETE": 0,
	"POST":   1,
	"PUT":    2,
	"PATCH":  2,
	"GET":    3,
	"HEAD":   3,
}

// Execute runs a bundle and returns outcomes in the original entry order.
func (c *Coordinator) Execute(ctx context.Context, bundleType string, entries []BundleRequest) ([]BundleOutcome, error) {
	if bundleType != "batch" && bundleType != "transaction" {
		return nil, Validationf("unsupported bundle type %q", bundleType)
	}
	for i := range entries {
		if _, ok := methodOrder[strings.ToUpper(entries[i].Method)]; !ok {
			return nil, Validationf("entry %d: unsupported method %q", i, entries[i].Method)
		}
	}

	recordID := uuid.New().String()
	c.recordStart(ctx, recordID, bundleType, len(entries))

	ordered := orderEntries(entries)
	outcomes := make([]BundleOutcome, len(entries))

	var execErr error
	if bundleType == "transaction" {
		execErr = c.runTransaction(ctx, ordered, entries, outcomes)
	} else {
		c.runBatch(ctx, ordered, entries, outcomes)
	}

	status := BundleCompleted
	if execErr != nil {
		status = BundleFailed
	} else if bundleType == "batch" {
		for _, o := range outcomes {
			if o.Err != nil {
				status = BundlePartial
				break
			}
		}
	}
	c.recordFinish(ctx, recordID, status, entries, outcomes)
	c.metrics.TransactionRuns.WithLabelValues(bundleType, status).Inc()

	if execErr != nil {
		return nil, execErr
	}

	// Successful writes get indexed after the bundle settles.
	c.scheduleIndexing(ctx, outcomes)
	return outcomes, nil
}

// orderEntries returns entry indexes in processing order. Sorting is stable,
// so entries with the same method keep their submitted order.
func orderEntries(entries []BundleRequest) []int {
	idx := make([]int, len(entries))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return methodOrder[strings.ToUpper(entries[idx[a]].Method)] <
			methodOrder[strings.ToUpper(entries[idx[b]].Method)]
	})
	return idx
}

func (c *Coordinator) runTransaction(ctx context.Context, ordered []int, entries []BundleRequest, outcomes []BundleOutcome) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin bundle transaction: %w", err)
	}
	defer tx.Rollback(ctx)
	txCtx := db.WithTx(ctx, tx)

	placeholders := make(map[string]string)
	for _, i := range ordered {
		entry := resolvePlaceholders(entries[i], placeholders)
		outcome := c.executeEntry(txCtx, entry)
		if outcome.Err != nil {
			return &TransactionError{EntryIndex: i, Method: entry.Method, URL: entry.URL, Err: outcome.Err}
		}
		recordPlaceholder(placeholders, entries[i], outcome)
		outcomes[i] = outcome
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit bundle transaction: %w", err)
	}
	return nil
}

func (c *Coordinator) runBatch(ctx context.Context, ordered []int, entries []BundleRequest, outcomes []BundleOutcome) {
	// Batch entries are independent: no placeholder resolution, failures
	// surface per entry.
	for _, i := range ordered {
		outcomes[i] = c.executeEntry(ctx, entries[i])
	}
}

// resolvePlaceholders rewrites urn:uuid references in the entry's URL and
// resource body to the locations POSTs have already produced.
func resolvePlaceholders(entry BundleRequest, placeholders map[string]string) BundleRequest {
	if len(placeholders) == 0 {
		return entry
	}
	for urn, location := range placeholders {
		entry.URL = strings.ReplaceAll(entry.URL, urn, location)
	}
	if entry.Resource != nil {
		entry.Resource = rewriteReferences(entry.Resource, placeholders).(map[string]interface{})
	}
	return entry
}

func rewriteReferences(v interface{}, placeholders map[string]string) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, child := range t {
			if k == "reference" {
				if s, ok := child.(string); ok {
					if loc, found := placeholders[s]; found {
						out[k] = loc
						continue
					}
				}
			}
			out[k] = rewriteReferences(child, placeholders)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, child := range t {
			out[i] = rewriteReferences(child, placeholders)
		}
		return out
	default:
		return v
	}
}

func recordPlaceholder(placeholders map[string]string, entry BundleRequest, outcome BundleOutcome) {
	if strings.HasPrefix(entry.FullURL, "urn:uuid:") && outcome.Resource != nil {
		placeholders[entry.FullURL] = outcome.Resource.Identity()
	}
}

// executeEntry dispatches one bundle entry to the store.
func (c *Coordinator) executeEntry(ctx context.Context, entry BundleRequest) BundleOutcome {
	method := strings.ToUpper(entry.Method)
	resourceType, id, query := splitEntryURL(entry.URL)
	if resourceType == "" {
		return BundleOutcome{Err: Validationf("malformed entry url %q", entry.URL)}
	}

	switch method {
	case "POST":
		return c.entryCreate(ctx, resourceType, entry)
	case "PUT":
		return c.entryUpdate(ctx, resourceType, id, query, entry)
	case "DELETE":
		return c.entryDelete(ctx, resourceType, id, query)
	case "GET", "HEAD":
		return c.entryRead(ctx, resourceType, id)
	default:
		return BundleOutcome{Err: Validationf("unsupported method %q", method)}
	}
}

func (c *Coordinator) entryCreate(ctx context.Context, resourceType string, entry BundleRequest) BundleOutcome {
	if entry.IfNoneExist != "" {
		existing, err := c.matcher.ResolveOne(ctx, resourceType, entry.IfNoneExist)
		if err != nil {
			return BundleOutcome{Err: err}
		}
		if existing != nil {
			// Conditional create against one match returns the match untouched.
			return BundleOutcome{
				Status:   "200 OK",
				Location: c.location(existing),
				ETag:     FormatETag(existing.VersionID),
				Resource: existing,
			}
		}
	}

	res, err := c.store.Create(ctx, resourceType, entry.Resource)
	if err != nil {
		return BundleOutcome{Err: err}
	}
	return BundleOutcome{
		Status:   "201 Created",
		Location: c.location(res),
		ETag:     FormatETag(res.VersionID),
		Resource: res,
	}
}

func (c *Coordinator) entryUpdate(ctx context.Context, resourceType, id, query string, entry BundleRequest) BundleOutcome {
	// Conditional update: the criteria pick the target.
	if id == "" && query != "" {
		match, err := c.matcher.ResolveOne(ctx, resourceType, query)
		if err != nil {
			return BundleOutcome{Err: err}
		}
		if match != nil {
			id = match.ID
		} else {
			id = uuid.New().String()
		}
	}
	if id == "" {
		return BundleOutcome{Err: Validationf("update requires an id or criteria")}
	}

	var expected *int
	if entry.IfMatch != "" {
		v, wildcard, err := ParseETagVersion(entry.IfMatch)
		if err != nil {
			return BundleOutcome{Err: err}
		}
		if !wildcard {
			expected = &v
		}
	}

	res, err := c.store.Update(ctx, resourceType, id, entry.Resource, expected)
	if err != nil {
		return BundleOutcome{Err: err}
	}
	status := "200 OK"
	if res.VersionID == 1 {
		status = "201 Created"
	}
	return BundleOutcome{
		Status:   status,
		Location: c.location(res),
		ETag:     FormatETag(res.VersionID),
		Resource: res,
	}
}

func (c *Coordinator) entryDelete(ctx context.Context, resourceType, id, query string) BundleOutcome {
	if id == "" && query != "" {
		match, err := c.matcher.ResolveOne(ctx, resourceType, query)
		if err != nil {
			return BundleOutcome{Err: err}
		}
		if match == nil {
			// Deleting nothing succeeds.
			return BundleOutcome{Status: "204 No Content"}
		}
		id = match.ID
	}
	if id == "" {
		return BundleOutcome{Err: Validationf("delete requires an id or criteria")}
	}

	version, err := c.store.Delete(ctx, resourceType, id)
	if err != nil {
		if IsNotFound(err) {
			return BundleOutcome{Status: "204 No Content"}
		}
		return BundleOutcome{Err: err}
	}
	return BundleOutcome{Status: "204 No Content", ETag: FormatETag(version)}
}

func (c *Coordinator) entryRead(ctx context.Context, resourceType, id string) BundleOutcome {
	if id == "" {
		return BundleOutcome{Err: Validationf("bundle reads require Type/id urls")}
	}
	res, err := c.store.Read(ctx, resourceType, id)
	if err != nil {
		return BundleOutcome{Err: err}
	}
	return BundleOutcome{
		Status:   "200 OK",
		ETag:     FormatETag(res.VersionID),
		Resource: res,
	}
}

// splitEntryURL parses "Type", "Type/id", and "Type?criteria" forms.
func splitEntryURL(url string) (resourceType, id, query string) {
	url = strings.TrimPrefix(strings.TrimSpace(url), "/")
	if idx := strings.Index(url, "?"); idx >= 0 {
		query = url[idx+1:]
		url = url[:idx]
	}
	parts := strings.SplitN(url, "/", 2)
	resourceType = parts[0]
	if len(parts) == 2 {
		id = parts[1]
	}
	return resourceType, id, query
}

func (c *Coordinator) location(res *Resource) string {
	loc := fmt.Sprintf("%s/_history/%d", res.Identity(), res.VersionID)
	if c.baseURL != "" {
		return strings.TrimSuffix(c.baseURL, "/") + "/" + loc
	}
	return loc
}

func (c *Coordinator) scheduleIndexing(ctx context.Context, outcomes []BundleOutcome) {
	for _, o := range outcomes {
		if o.Resource == nil || o.Err != nil {
			continue
		}
		res := o.Resource
		if c.inline {
			if err := c.indexer.IndexResource(ctx, res); err != nil {
				c.log.Warn().Err(err).Str("resource", res.Identity()).Msg("inline indexing failed")
			}
			continue
		}
		if err := c.queue.EnqueueIndex(ctx, res.ResourceType, res.ID, res.VersionID); err != nil {
			c.log.Error().Err(err).Str("resource", res.Identity()).Msg("enqueue indexing failed")
		}
	}
}

func (c *Coordinator) recordStart(ctx context.Context, recordID, bundleType string, entryCount int) {
	if _, err := c.pool.Exec(ctx, `
		INSERT INTO transaction_records (id, bundle_type, status, entry_count, started_at)
		VALUES ($1, $2, $3, $4, now())`,
		recordID, bundleType, BundleRunning, entryCount); err != nil {
		c.log.Warn().Err(err).Msg("record bundle start failed")
	}
}

func (c *Coordinator) recordFinish(ctx context.Context, recordID, status string, entries []BundleRequest, outcomes []BundleOutcome) {
	if _, err := c.pool.Exec(ctx, `
		UPDATE transaction_records SET status = $2, completed_at = now() WHERE id = $1`,
		recordID, status); err != nil {
		c.log.Warn().Err(err).Msg("record bundle finish failed")
	}

	for i, entry := range entries {
		o := outcomes[i]
		var outcomeJSON interface{}
		if o.Err != nil {
			raw, err := json.Marshal(OutcomeForError(o.Err))
			if err == nil {
				outcomeJSON = raw
			}
		}
		entryStatus := o.Status
		if o.Err != nil {
			entryStatus = "error"
		}
		if _, err := c.pool.Exec(ctx, `
			INSERT INTO transaction_entries (transaction_id, entry_index, method, url, status, location, outcome)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			recordID, i, strings.ToUpper(entry.Method), entry.URL,
			entryStatus, nullable(o.Location), outcomeJSON); err != nil {
			c.log.Warn().Err(err).Int("entry", i).Msg("record bundle entry failed")
		}
	}
}

// BuildResponseBundle renders outcomes as a batch-response or
// transaction-response bundle, entries in submitted order.
func BuildResponseBundle(bundleType string, outcomes []BundleOutcome) (*Bundle, error) {
	now := time.Now().UTC()
	bundle := &Bundle{
		ResourceType: "Bundle",
		Type:         bundleType + "-response",
		Timestamp:    &now,
	}
	for _, o := range outcomes {
		entry := BundleEntry{Response: &BundleResponse{
			Status:   o.Status,
			Location: o.Location,
			ETag:     o.ETag,
		}}
		if o.Err != nil {
			raw, err := json.Marshal(OutcomeForError(o.Err))
			if err != nil {
				return nil, fmt.Errorf("marshal entry outcome: %w", err)
			}
			entry.Response.Status = statusForError(o.Err)
			entry.Response.Outcome = json.RawMessage(raw)
		} else if o.Resource != nil {
			raw, err := o.Resource.Marshal()
			if err != nil {
				return nil, fmt.Errorf("marshal entry resource: %w", err)
			}
			entry.Resource = raw
		}
		bundle.Entry = append(bundle.Entry, entry)
	}
	return bundle, nil
}

func statusForError(err error) string {
	switch {
	case IsNotFound(err):
		return "404 Not Found"
	case IsGone(err):
		return "410 Gone"
	case IsVersionConflict(err):
		return "409 Conflict"
	case IsAmbiguousMatch(err):
		return "412 Precondition Failed"
	case IsValidation(err), IsUnsupportedParameter(err):
		return "400 Bad Request"
	default:
		return "500 Internal Server Error"
	}
}
