package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Job states.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobRetrying   = "retrying"
)

// Job type for index work.
const JobTypeIndex = "index_resource"

// RetryPolicy controls failure handling for a job.
type RetryPolicy struct {
	MaxRetries   int `json:"maxRetries"`
	BackoffSecs  int `json:"backoffSeconds"`
	BackoffScale int `json:"backoffScale"`
}

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 5, BackoffSecs: 10, BackoffScale: 2}
}

// delay computes the backoff before retry attempt n (1-based).
func (p RetryPolicy) delay(attempt int) time.Duration {
	secs := p.BackoffSecs
	if secs <= 0 {
		secs = 10
	}
	scale := p.BackoffScale
	if scale <= 1 {
		scale = 2
	}
	for i := 1; i < attempt; i++ {
		secs *= scale
		if secs > 3600 {
			return time.Hour
		}
	}
	return time.Duration(secs) * time.Second
}

// IndexJob is the payload of an index_resource job.
type IndexJob struct {
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId,omitempty"`
	VersionID    int    `json:"versionId,omitempty"`
	// Scope widens the unit: "resource" (default), "type", or "all".
	Scope string `json:"scope,omitempty"`
}

// Job is one claimed row of the jobs table.
type Job struct {
	ID         string
	Type       string
	Parameters json.RawMessage
	Retry      RetryPolicy
	RetryCount int
}

// JobQueue is a PostgreSQL-backed work queue. Claiming uses FOR UPDATE SKIP
// LOCKED so competing workers never block each other or double-claim.
type JobQueue struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func NewJobQueue(pool *pgxpool.Pool, logger zerolog.Logger) *JobQueue {
	return &JobQueue{pool: pool, log: logger}
}

// Enqueue adds a job. Zero-valued policy fields fall back to defaults.
func (q *JobQueue) Enqueue(ctx context.Context, jobType string, params interface{}, priority int, policy RetryPolicy) (string, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("marshal job parameters: %w", err)
	}
	if policy.MaxRetries == 0 {
		policy = defaultRetryPolicy()
	}
	policyRaw, err := json.Marshal(policy)
	if err != nil {
		return "", fmt.Errorf("marshal retry policy: %w", err)
	}

	id := uuid.New().String()
	_, err = q.pool.Exec(ctx, `
		INSERT INTO jobs (id, job_type, status, priority, parameters, retry_policy, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		id, jobType, JobPending, priority, raw, policyRaw)
	if err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", jobType, err)
	}
	return id, nil
}

// EnqueueIndex queues indexing for one resource version.
func (q *JobQueue) EnqueueIndex(ctx context.Context, resourceType, id string, versionID int) error {
	_, err := q.Enqueue(ctx, JobTypeIndex, IndexJob{
		ResourceType: resourceType, ResourceID: id, VersionID: versionID,
	}, 0, RetryPolicy{})
	return err
}

// EnqueueReindex queues a type-wide or global reindex.
func (q *JobQueue) EnqueueReindex(ctx context.Context, resourceType string) error {
	job := IndexJob{Scope: "all"}
	if resourceType != "" {
		job = IndexJob{ResourceType: resourceType, Scope: "type"}
	}
	_, err := q.Enqueue(ctx, JobTypeIndex, job, 10, RetryPolicy{})
	return err
}

// Claim takes the next due job of the given type, marking it processing.
// Returns nil when the queue is empty.
func (q *JobQueue) Claim(ctx context.Context, jobType, workerID string) (*Job, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	var job Job
	var policyRaw []byte
	err = tx.QueryRow(ctx, `
		SELECT id, job_type, parameters, retry_policy, retry_count
		FROM jobs
		WHERE job_type = $1 AND status IN ($2, $3) AND scheduled_at <= now()
		ORDER BY priority DESC, scheduled_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		jobType, JobPending, JobRetrying).Scan(&job.ID, &job.Type, &job.Parameters, &policyRaw, &job.RetryCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s job: %w", jobType, err)
	}
	if err := json.Unmarshal(policyRaw, &job.Retry); err != nil {
		job.Retry = defaultRetryPolicy()
	}

	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, worker_id = $3, started_at = now(), updated_at = now()
		WHERE id = $1`,
		job.ID, JobProcessing, workerID); err != nil {
		return nil, fmt.Errorf("mark job processing: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return &job, nil
}

// Complete marks a job done.
func (q *JobQueue) Complete(ctx context.Context, jobID string, processed int) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, processed_items = $3, completed_at = now(), updated_at = now()
		WHERE id = $1`,
		jobID, JobCompleted, processed)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	return nil
}

// Fail records a failure, scheduling a retry while attempts remain.
func (q *JobQueue) Fail(ctx context.Context, job *Job, jobErr error) error {
	attempt := job.RetryCount + 1
	if attempt <= job.Retry.MaxRetries {
		delay := job.Retry.delay(attempt)
		_, err := q.pool.Exec(ctx, `
			UPDATE jobs SET status = $2, retry_count = $3, error_message = $4,
				scheduled_at = now() + $5::interval, updated_at = now()
			WHERE id = $1`,
			job.ID, JobRetrying, attempt, jobErr.Error(), fmt.Sprintf("%d seconds", int(delay.Seconds())))
		if err != nil {
			return fmt.Errorf("schedule retry for job %s: %w", job.ID, err)
		}
		return nil
	}

	_, err := q.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, error_message = $3, completed_at = now(), updated_at = now()
		WHERE id = $1`,
		job.ID, JobFailed, jobErr.Error())
	if err != nil {
		return fmt.Errorf("mark job %s failed: %w", job.ID, err)
	}
	return nil
}

// IndexWorker drains index jobs against the indexing engine.
type IndexWorker struct {
	queue    *JobQueue
	indexer  *IndexingEngine
	store    *ResourceStore
	interval time.Duration
	id       string
	log      zerolog.Logger
}

func NewIndexWorker(queue *JobQueue, indexer *IndexingEngine, store *ResourceStore, interval time.Duration, logger zerolog.Logger) *IndexWorker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &IndexWorker{
		queue:    queue,
		indexer:  indexer,
		store:    store,
		interval: interval,
		id:       "indexer-" + uuid.New().String()[:8],
		log:      logger,
	}
}

// Run polls for jobs until the context ends. Blocking; start in a goroutine.
func (w *IndexWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info().Str("worker", w.id).Dur("interval", w.interval).Msg("index worker started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Str("worker", w.id).Msg("index worker stopped")
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *IndexWorker) drain(ctx context.Context) {
	for {
		job, err := w.queue.Claim(ctx, JobTypeIndex, w.id)
		if err != nil {
			w.log.Error().Err(err).Msg("claim index job failed")
			return
		}
		if job == nil {
			return
		}
		w.process(ctx, job)
	}
}

func (w *IndexWorker) process(ctx context.Context, job *Job) {
	var unit IndexJob
	if err := json.Unmarshal(job.Parameters, &unit); err != nil {
		_ = w.queue.Fail(ctx, job, fmt.Errorf("decode parameters: %w", err))
		return
	}

	var processed int
	var err error
	switch unit.Scope {
	case "all":
		processed, err = w.indexer.ReindexAll(ctx)
	case "type":
		processed, err = w.indexer.ReindexType(ctx, unit.ResourceType)
	default:
		err = w.indexOne(ctx, unit)
		processed = 1
	}

	if err != nil {
		var idxErr *IndexingError
		if errors.As(err, &idxErr) && idxErr.Partial {
			// Partial runs recorded their own status; the job itself is done.
			_ = w.queue.Complete(ctx, job.ID, processed)
			return
		}
		w.log.Warn().Err(err).Str("job", job.ID).Msg("index job failed")
		_ = w.queue.Fail(ctx, job, err)
		return
	}
	_ = w.queue.Complete(ctx, job.ID, processed)
}

func (w *IndexWorker) indexOne(ctx context.Context, unit IndexJob) error {
	res, err := w.store.ReadVersion(ctx, unit.ResourceType, unit.ResourceID, unit.VersionID)
	if err != nil {
		if IsNotFound(err) {
			// Hard-deleted under us; nothing to index.
			return nil
		}
		return err
	}
	return w.indexer.IndexResource(ctx, res)
}
