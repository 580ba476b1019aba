package crawler

import (
	"fmt"
	"strings"
	"time"

	"github.com/smartfollow/harvester/internal/domain"
)

// TaskStatus enumerates the crawl task lifecycle.
type TaskStatus string

// Task lifecycle states. DONE, FAILED, EXPIRED and CANCELLED are terminal.
const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskDone      TaskStatus = "DONE"
	TaskFailed    TaskStatus = "FAILED"
	TaskExpired   TaskStatus = "EXPIRED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// IsTerminal reports whether no further mutation is allowed in status s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskDone, TaskFailed, TaskExpired, TaskCancelled:
		return true
	default:
		return false
	}
}

// ParseTaskStatus parses a case-insensitive task status.
func ParseTaskStatus(s string) (TaskStatus, error) {
	v := TaskStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch v {
	case TaskPending, TaskRunning, TaskDone, TaskFailed, TaskExpired, TaskCancelled:
		return v, nil
	default:
		return "", domain.Invalid("parse task status", "unknown task status %q", s)
	}
}

// TaskKey is the business identity of a task: one task per exchange, API,
// normalized parameters and data window.
type TaskKey struct {
	Exchange   domain.Exchange `json:"exchange"`
	APIName    string          `json:"api_name"`
	ParamsHash string          `json:"params_hash"`
	WindowKey  string          `json:"window_key"`
}

// Validate rejects keys with blank parts.
func (k TaskKey) Validate() error {
	switch {
	case k.Exchange == "":
		return domain.Invalid("task key", "exchange must not be empty")
	case domain.IsBlank(k.APIName):
		return domain.Invalid("task key", "api name must not be blank")
	case domain.IsBlank(k.ParamsHash):
		return domain.Invalid("task key", "params hash must not be blank")
	case domain.IsBlank(k.WindowKey):
		return domain.Invalid("task key", "window key must not be blank")
	}
	return nil
}

func (k TaskKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Exchange, k.APIName, k.ParamsHash, k.WindowKey)
}

// Task is the lease and pagination state machine for one crawl target.
// It is not safe for concurrent use; cross-worker exclusion comes from the
// store's atomic acquire.
type Task struct {
	ID         int64      `json:"id"`
	Key        TaskKey    `json:"key"`
	ParamsJSON string     `json:"params_json"`
	DataVer    string     `json:"data_ver,omitempty"`
	TotalPage  *int       `json:"total_page,omitempty"`
	NextPage   int        `json:"next_page"`
	Status     TaskStatus `json:"status"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	LockedBy   string     `json:"locked_by,omitempty"`
	LockedAt   *time.Time `json:"locked_at,omitempty"`
	LockTTLSec int        `json:"lock_ttl_sec,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// NewTask creates a PENDING task starting at page 1.
func NewTask(key TaskKey, paramsJSON string, now time.Time) (*Task, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return &Task{
		Key:        key,
		ParamsJSON: paramsJSON,
		NextPage:   1,
		Status:     TaskPending,
		CreatedAt:  now.UTC(),
		UpdatedAt:  now.UTC(),
	}, nil
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.TotalPage != nil {
		total := *t.TotalPage
		cp.TotalPage = &total
	}
	if t.LockedAt != nil {
		at := *t.LockedAt
		cp.LockedAt = &at
	}
	return &cp
}

// IsTerminal reports whether the task reached a final state.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// HasValidLock reports whether the lease is fully set and unexpired at now.
func (t *Task) HasValidLock(now time.Time) bool {
	if t.LockedBy == "" || t.LockedAt == nil || t.LockTTLSec <= 0 {
		return false
	}
	return t.leaseExpiry().After(now)
}

// LeaseExpiry returns when the current lease lapses, or the zero time without a lease.
func (t *Task) LeaseExpiry() time.Time {
	if t.LockedAt == nil {
		return time.Time{}
	}
	return t.leaseExpiry()
}

func (t *Task) leaseExpiry() time.Time {
	return t.LockedAt.Add(time.Duration(t.LockTTLSec) * time.Second)
}

// EnsureRunnable fails unless the task is RUNNING with a valid lease.
func (t *Task) EnsureRunnable(now time.Time) error {
	if t.Status != TaskRunning {
		return domain.Conflict("ensure runnable", "task is %s, not RUNNING", t.Status)
	}
	if !t.HasValidLock(now) {
		return domain.Conflict("ensure runnable", "lease expired or missing")
	}
	return nil
}

// ShouldSkipPage reports whether page was already processed.
func (t *Task) ShouldSkipPage(page int) bool {
	return page < t.NextPage
}

// IsFinished reports whether every known page was processed.
func (t *Task) IsFinished() bool {
	return t.TotalPage != nil && t.NextPage > *t.TotalPage
}

// Acquire grants the lease to workerID. A PENDING task becomes RUNNING.
// The same holder may re-acquire; a different holder is rejected while the
// current lease is valid.
func (t *Task) Acquire(workerID string, now time.Time, ttlSec int) error {
	const op = "acquire"
	if err := t.ensureNotTerminal(op); err != nil {
		return err
	}
	if err := t.ensureStatus(op, TaskPending, TaskRunning); err != nil {
		return err
	}
	if err := ensureLeaseArgs(op, workerID, ttlSec); err != nil {
		return err
	}
	if t.HasValidLock(now) && t.LockedBy != workerID {
		return domain.Conflict(op, "lease held by %s until %s", t.LockedBy, t.leaseExpiry().Format(time.RFC3339))
	}
	at := now.UTC()
	t.LockedBy = workerID
	t.LockedAt = &at
	t.LockTTLSec = ttlSec
	if t.Status == TaskPending {
		t.Status = TaskRunning
	}
	return nil
}

// Renew extends the lease. It fails closed once the lease lapsed or when the
// caller is not the holder; the caller must stop working on the task.
func (t *Task) Renew(workerID string, now time.Time, ttlSec int) error {
	const op = "renew"
	if err := t.ensureNotTerminal(op); err != nil {
		return err
	}
	if err := ensureLeaseArgs(op, workerID, ttlSec); err != nil {
		return err
	}
	if t.LockedBy != workerID {
		return domain.Conflict(op, "%s is not the lease holder (holder %q)", workerID, t.LockedBy)
	}
	if !t.HasValidLock(now) {
		return domain.Conflict(op, "lease expired at %s", t.LeaseExpiry().Format(time.RFC3339))
	}
	at := now.UTC()
	t.LockedAt = &at
	t.LockTTLSec = ttlSec
	return nil
}

// OnPageProcessed advances the cursor past page, which must equal NextPage.
func (t *Task) OnPageProcessed(page int) error {
	const op = "page processed"
	if err := t.ensureStatus(op, TaskRunning); err != nil {
		return err
	}
	if page != t.NextPage {
		return domain.Conflict(op, "page %d processed out of order, expected %d", page, t.NextPage)
	}
	if t.TotalPage != nil && (page < 1 || page > *t.TotalPage) {
		return domain.Conflict(op, "page %d outside 1..%d", page, *t.TotalPage)
	}
	t.NextPage = page + 1
	t.LastError = ""
	return nil
}

// SetTotalPage records the page count. It may grow but never shrink.
func (t *Task) SetTotalPage(total int) error {
	const op = "set total page"
	if err := t.ensureNotTerminal(op); err != nil {
		return err
	}
	if total < 0 {
		return domain.Invalid(op, "total page must be >= 0, got %d", total)
	}
	if t.TotalPage != nil && total < *t.TotalPage {
		return domain.Conflict(op, "total page cannot shrink from %d to %d", *t.TotalPage, total)
	}
	t.TotalPage = &total
	return nil
}

// PinDataVer fixes the data version every page of the task must be read at.
func (t *Task) PinDataVer(dataVer string) error {
	const op = "pin data version"
	if err := t.ensureNotTerminal(op); err != nil {
		return err
	}
	if domain.IsBlank(dataVer) {
		return domain.Invalid(op, "data version must not be blank")
	}
	if t.DataVer != "" && t.DataVer != dataVer {
		return domain.Conflict(op, "task pinned to %s, page reports %s", t.DataVer, dataVer)
	}
	t.DataVer = dataVer
	return nil
}

// MarkDone completes the task once every page was processed and releases the lease.
func (t *Task) MarkDone() error {
	const op = "mark done"
	if err := t.ensureNotTerminal(op); err != nil {
		return err
	}
	if !t.IsFinished() {
		total := "unknown"
		if t.TotalPage != nil {
			total = fmt.Sprint(*t.TotalPage)
		}
		return domain.Conflict(op, "pages remain: next page %d, total %s", t.NextPage, total)
	}
	t.Status = TaskDone
	t.releaseLock()
	return nil
}

// MarkExpired abandons the task and releases the lease.
func (t *Task) MarkExpired() error {
	if err := t.ensureNotTerminal("mark expired"); err != nil {
		return err
	}
	t.Status = TaskExpired
	t.releaseLock()
	return nil
}

// Cancel stops the task and releases the lease.
func (t *Task) Cancel() error {
	if err := t.ensureNotTerminal("cancel"); err != nil {
		return err
	}
	t.Status = TaskCancelled
	t.releaseLock()
	return nil
}

// RecordError counts a retryable failure. The status is unchanged.
func (t *Task) RecordError(errMsg string) error {
	if err := t.ensureStatus("record error", TaskRunning); err != nil {
		return err
	}
	t.Attempts++
	t.LastError = errMsg
	return nil
}

// MarkFailed ends the task for good and releases the lease.
func (t *Task) MarkFailed(errMsg string) error {
	if err := t.ensureNotTerminal("mark failed"); err != nil {
		return err
	}
	t.Status = TaskFailed
	t.LastError = errMsg
	t.releaseLock()
	return nil
}

func (t *Task) releaseLock() {
	t.LockedBy = ""
	t.LockedAt = nil
	t.LockTTLSec = 0
}

func (t *Task) ensureNotTerminal(op string) error {
	if t.IsTerminal() {
		return domain.Conflict(op, "task is terminal (%s)", t.Status)
	}
	return nil
}

func (t *Task) ensureStatus(op string, allowed ...TaskStatus) error {
	for _, s := range allowed {
		if t.Status == s {
			return nil
		}
	}
	return domain.Conflict(op, "not allowed in status %s", t.Status)
}

func ensureLeaseArgs(op, workerID string, ttlSec int) error {
	if domain.IsBlank(workerID) {
		return domain.Invalid(op, "worker id must not be blank")
	}
	if ttlSec <= 0 {
		return domain.Invalid(op, "ttl must be > 0 seconds, got %d", ttlSec)
	}
	return nil
}
