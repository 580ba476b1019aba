package store

import (
	"context"
	"errors"
	"time"

	"github.com/smartfollow/harvester/internal/crawler"
	"github.com/smartfollow/harvester/internal/domain"
	"github.com/smartfollow/harvester/internal/observation"
	"github.com/smartfollow/harvester/internal/trade"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateKey signals a unique constraint hit on insert.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrLeaseLost signals that a guarded write found another holder (or no
	// holder) on the task row.
	ErrLeaseLost = errors.New("task lease lost")
	// ErrLeaseBusy signals that an acquire lost the race. Callers should try
	// another task.
	ErrLeaseBusy = errors.New("task lease held by another worker")
	// ErrNoTask signals that no runnable task is available.
	ErrNoTask = errors.New("no runnable task")
)

// TaskFilter narrows List results. Zero values mean "any".
type TaskFilter struct {
	Exchange domain.Exchange
	APIName  string
	Status   crawler.TaskStatus
	Limit    int
	Offset   int
}

// TaskRepository persists crawl tasks and provides the lease CAS.
type TaskRepository interface {
	// Ensure inserts task unless its key already exists. It returns the stored
	// task and whether it was created.
	Ensure(ctx context.Context, task *crawler.Task) (*crawler.Task, bool, error)
	// Get loads a task by ID or returns ErrNotFound.
	Get(ctx context.Context, id int64) (*crawler.Task, error)
	// GetByKey loads a task by its natural key or returns ErrNotFound.
	GetByKey(ctx context.Context, key crawler.TaskKey) (*crawler.Task, error)
	// List returns tasks ordered by ID.
	List(ctx context.Context, filter TaskFilter) ([]*crawler.Task, error)
	// Acquire atomically leases one task if it is unlocked, expired or already
	// held by workerID. It returns ErrLeaseBusy when the race is lost.
	Acquire(ctx context.Context, id int64, workerID string, now time.Time, ttlSec int) (*crawler.Task, error)
	// AcquireNext leases the oldest runnable task or returns ErrNoTask.
	AcquireNext(ctx context.Context, workerID string, now time.Time, ttlSec int) (*crawler.Task, error)
	// Save persists progress only if the stored lease is still held by holder.
	Save(ctx context.Context, task *crawler.Task, holder string) error
	// Update applies fn to the stored task atomically. Used for administrative
	// transitions that do not require a lease.
	Update(ctx context.Context, id int64, fn func(*crawler.Task) error) (*crawler.Task, error)
}

// LogRepository is the append-only crawl ledger.
type LogRepository interface {
	// Append stores log and assigns its ID when empty.
	Append(ctx context.Context, log *crawler.CrawlLog) error
	// LatestSuccess returns the newest successful log for target or ErrNotFound.
	LatestSuccess(ctx context.Context, target string) (*crawler.CrawlLog, error)
	// ListByTask returns logs for a task ordered by start time.
	ListByTask(ctx context.Context, taskID int64, limit int) ([]*crawler.CrawlLog, error)
}

// ProjectRepository persists the current project view.
type ProjectRepository interface {
	Get(ctx context.Context, key domain.ProjectKey) (*observation.Project, error)
	Upsert(ctx context.Context, project *observation.Project) error
	// ListVisibleSeenBefore returns VISIBLE projects on exchange whose LastSeen is before cutoff.
	ListVisibleSeenBefore(ctx context.Context, exchange domain.Exchange, cutoff time.Time) ([]*observation.Project, error)
}

// TombstoneRepository enforces at most one open tombstone per project.
type TombstoneRepository interface {
	// Open inserts an open tombstone or returns ErrDuplicateKey if one is already open.
	Open(ctx context.Context, ts *observation.Tombstone) error
	// FindOpen returns the open tombstone for key or ErrNotFound.
	FindOpen(ctx context.Context, key domain.ProjectKey) (*observation.Tombstone, error)
	// Close persists ToTs of a previously opened tombstone.
	Close(ctx context.Context, ts *observation.Tombstone) error
	// List returns every tombstone of key ordered by FromTs.
	List(ctx context.Context, key domain.ProjectKey) ([]*observation.Tombstone, error)
}

// SnapshotRepository stores the deduplicated metrics time series.
type SnapshotRepository interface {
	// Insert reports false when a snapshot with the same identity already exists.
	Insert(ctx context.Context, snap *observation.Snapshot) (bool, error)
	// List returns snapshots of key with from <= ts < to ordered by ts.
	List(ctx context.Context, key domain.ProjectKey, from, to time.Time) ([]*observation.Snapshot, error)
}

// TradeRepository stores trades by TradeID.
type TradeRepository interface {
	// Insert returns ErrDuplicateKey when TradeID already exists.
	Insert(ctx context.Context, t *trade.ProjectTrade) error
	Get(ctx context.Context, tradeID string) (*trade.ProjectTrade, error)
	ListByProject(ctx context.Context, key domain.ProjectKey, limit int) ([]*trade.ProjectTrade, error)
}
