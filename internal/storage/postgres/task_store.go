package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/smartfollow/harvester/internal/crawler"
	"github.com/smartfollow/harvester/internal/domain"
	"github.com/smartfollow/harvester/internal/store"
)

const taskColumns = `id, exchange, api_name, params_hash, window_key, params_json, data_ver,
	total_page, next_page, status, attempts, last_error, locked_by, locked_at, lock_ttl_sec,
	created_at, updated_at`

// leaseFree matches rows whose lease is absent, expired at $now or held by $worker.
const leaseFree = `(locked_by = '' OR locked_by = %[1]s OR locked_at IS NULL
		OR locked_at + make_interval(secs => lock_ttl_sec) <= %[2]s)`

const defaultListLimit = 100

// TaskStore persists crawl tasks in the crawl_tasks table.
type TaskStore struct {
	db DB
}

var _ store.TaskRepository = (*TaskStore)(nil)

// NewTaskStore constructs a TaskStore over db.
func NewTaskStore(db DB) *TaskStore {
	return &TaskStore{db: db}
}

// Ensure inserts task, or loads the existing row when the key is taken.
func (s *TaskStore) Ensure(ctx context.Context, task *crawler.Task) (*crawler.Task, bool, error) {
	if err := task.Key.Validate(); err != nil {
		return nil, false, err
	}
	query := `
INSERT INTO crawl_tasks (
	exchange, api_name, params_hash, window_key, params_json, data_ver,
	total_page, next_page, status, attempts, last_error, locked_by, locked_at, lock_ttl_sec,
	created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
ON CONFLICT (exchange, api_name, params_hash, window_key) DO NOTHING
RETURNING ` + taskColumns
	row := s.db.QueryRow(ctx, query,
		string(task.Key.Exchange), task.Key.APIName, task.Key.ParamsHash, task.Key.WindowKey,
		task.ParamsJSON, task.DataVer, task.TotalPage, task.NextPage, string(task.Status),
		task.Attempts, task.LastError, task.LockedBy, task.LockedAt, task.LockTTLSec,
		task.CreatedAt, task.UpdatedAt,
	)
	created, err := scanTask(row)
	if err == nil {
		return created, true, nil
	}
	if !isNotFoundError(err) {
		return nil, false, fmt.Errorf("insert crawl task: %w", err)
	}
	existing, err := s.GetByKey(ctx, task.Key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Get loads a task by ID.
func (s *TaskStore) Get(ctx context.Context, id int64) (*crawler.Task, error) {
	row := s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM crawl_tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("task %d: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("get crawl task: %w", err)
	}
	return task, nil
}

// GetByKey loads a task by its natural key.
func (s *TaskStore) GetByKey(ctx context.Context, key crawler.TaskKey) (*crawler.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM crawl_tasks
WHERE exchange = $1 AND api_name = $2 AND params_hash = $3 AND window_key = $4`
	row := s.db.QueryRow(ctx, query, string(key.Exchange), key.APIName, key.ParamsHash, key.WindowKey)
	task, err := scanTask(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("task %s: %w", key, store.ErrNotFound)
		}
		return nil, fmt.Errorf("get crawl task by key: %w", err)
	}
	return task, nil
}

// List returns tasks matching filter ordered by ID.
func (s *TaskStore) List(ctx context.Context, filter store.TaskFilter) ([]*crawler.Task, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT ` + taskColumns + ` FROM crawl_tasks
WHERE ($1 = '' OR exchange = $1) AND ($2 = '' OR api_name = $2) AND ($3 = '' OR status = $3)
ORDER BY id
LIMIT $4 OFFSET $5`
	rows, err := s.db.Query(ctx, query,
		string(filter.Exchange), filter.APIName, string(filter.Status), limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list crawl tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]*crawler.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan crawl task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate crawl tasks: %w", err)
	}
	return tasks, nil
}

// Acquire leases task id with a single conditional UPDATE.
func (s *TaskStore) Acquire(ctx context.Context, id int64, workerID string, now time.Time, ttlSec int) (*crawler.Task, error) {
	if err := validateLease("acquire", workerID, ttlSec); err != nil {
		return nil, err
	}
	query := `
UPDATE crawl_tasks
SET locked_by = $2, locked_at = $3, lock_ttl_sec = $4, updated_at = $3,
	status = CASE WHEN status = 'PENDING' THEN 'RUNNING' ELSE status END
WHERE id = $1 AND status IN ('PENDING', 'RUNNING') AND ` + fmt.Sprintf(leaseFree, "$2", "$3") + `
RETURNING ` + taskColumns
	task, err := scanTask(s.db.QueryRow(ctx, query, id, workerID, now.UTC(), ttlSec))
	if err == nil {
		return task, nil
	}
	if !isNotFoundError(err) {
		return nil, fmt.Errorf("acquire crawl task: %w", err)
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.IsTerminal() {
		return nil, domain.Conflict("acquire", "task %d is terminal (%s)", id, current.Status)
	}
	return nil, fmt.Errorf("task %d: %w", id, store.ErrLeaseBusy)
}

// AcquireNext leases the lowest-ID runnable task, skipping rows other workers hold locked.
func (s *TaskStore) AcquireNext(ctx context.Context, workerID string, now time.Time, ttlSec int) (*crawler.Task, error) {
	if err := validateLease("acquire next", workerID, ttlSec); err != nil {
		return nil, err
	}
	query := `
UPDATE crawl_tasks
SET locked_by = $1, locked_at = $2, lock_ttl_sec = $3, updated_at = $2,
	status = CASE WHEN status = 'PENDING' THEN 'RUNNING' ELSE status END
WHERE id = (
	SELECT id FROM crawl_tasks
	WHERE status IN ('PENDING', 'RUNNING') AND ` + fmt.Sprintf(leaseFree, "$1", "$2") + `
	ORDER BY id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + taskColumns
	task, err := scanTask(s.db.QueryRow(ctx, query, workerID, now.UTC(), ttlSec))
	if err != nil {
		if isNotFoundError(err) {
			return nil, store.ErrNoTask
		}
		return nil, fmt.Errorf("acquire next crawl task: %w", err)
	}
	return task, nil
}

// Save writes progress guarded by the stored holder.
func (s *TaskStore) Save(ctx context.Context, task *crawler.Task, holder string) error {
	if holder == "" {
		return fmt.Errorf("task %d: empty holder: %w", task.ID, store.ErrLeaseLost)
	}
	query := `
UPDATE crawl_tasks
SET data_ver = $3, total_page = $4, next_page = $5, status = $6, attempts = $7, last_error = $8,
	locked_by = $9, locked_at = $10, lock_ttl_sec = $11, updated_at = $12
WHERE id = $1 AND locked_by = $2`
	tag, err := s.db.Exec(ctx, query,
		task.ID, holder,
		task.DataVer, task.TotalPage, task.NextPage, string(task.Status), task.Attempts, task.LastError,
		task.LockedBy, task.LockedAt, task.LockTTLSec, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save crawl task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %d not held by %q: %w", task.ID, holder, store.ErrLeaseLost)
	}
	return nil
}

// Update locks the row, applies fn and writes the result in one transaction.
func (s *TaskStore) Update(ctx context.Context, id int64, fn func(*crawler.Task) error) (*crawler.Task, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	task, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM crawl_tasks WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("task %d: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("lock crawl task: %w", err)
	}
	if err := fn(task); err != nil {
		return nil, err
	}
	query := `
UPDATE crawl_tasks
SET data_ver = $2, total_page = $3, next_page = $4, status = $5, attempts = $6, last_error = $7,
	locked_by = $8, locked_at = $9, lock_ttl_sec = $10, updated_at = $11
WHERE id = $1`
	if _, err := tx.Exec(ctx, query,
		task.ID, task.DataVer, task.TotalPage, task.NextPage, string(task.Status), task.Attempts,
		task.LastError, task.LockedBy, task.LockedAt, task.LockTTLSec, task.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("update crawl task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return task, nil
}

func validateLease(op, workerID string, ttlSec int) error {
	if domain.IsBlank(workerID) {
		return domain.Invalid(op, "worker id must not be blank")
	}
	if ttlSec <= 0 {
		return domain.Invalid(op, "ttl must be > 0 seconds, got %d", ttlSec)
	}
	return nil
}

func scanTask(row pgx.Row) (*crawler.Task, error) {
	var (
		t        crawler.Task
		exchange string
		status   string
	)
	err := row.Scan(
		&t.ID, &exchange, &t.Key.APIName, &t.Key.ParamsHash, &t.Key.WindowKey, &t.ParamsJSON,
		&t.DataVer, &t.TotalPage, &t.NextPage, &status, &t.Attempts, &t.LastError, &t.LockedBy,
		&t.LockedAt, &t.LockTTLSec, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Key.Exchange = domain.Exchange(exchange)
	t.Status = crawler.TaskStatus(status)
	t.LockedAt = utcPtr(t.LockedAt)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}
