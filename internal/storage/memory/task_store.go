// Package memory provides in-memory repositories for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/smartfollow/harvester/internal/crawler"
	"github.com/smartfollow/harvester/internal/domain"
	"github.com/smartfollow/harvester/internal/store"
)

// TaskStore keeps crawl tasks in a map. The mutex stands in for the row-level
// compare-and-set a database would provide.
type TaskStore struct {
	mu     sync.RWMutex
	nextID int64
	tasks  map[int64]*crawler.Task
	byKey  map[crawler.TaskKey]int64
}

var _ store.TaskRepository = (*TaskStore)(nil)

// NewTaskStore constructs an empty TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks: make(map[int64]*crawler.Task),
		byKey: make(map[crawler.TaskKey]int64),
	}
}

// Ensure inserts task unless a task with the same key exists.
func (s *TaskStore) Ensure(_ context.Context, task *crawler.Task) (*crawler.Task, bool, error) {
	if err := task.Key.Validate(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[task.Key]; ok {
		return s.tasks[id].Clone(), false, nil
	}
	s.nextID++
	stored := task.Clone()
	stored.ID = s.nextID
	s.tasks[stored.ID] = stored
	s.byKey[stored.Key] = stored.ID
	return stored.Clone(), true, nil
}

// Get loads a task by ID.
func (s *TaskStore) Get(_ context.Context, id int64) (*crawler.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %d: %w", id, store.ErrNotFound)
	}
	return t.Clone(), nil
}

// GetByKey loads a task by its natural key.
func (s *TaskStore) GetByKey(_ context.Context, key crawler.TaskKey) (*crawler.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", key, store.ErrNotFound)
	}
	return s.tasks[id].Clone(), nil
}

// List returns tasks matching filter ordered by ID.
func (s *TaskStore) List(_ context.Context, filter store.TaskFilter) ([]*crawler.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*crawler.Task, 0, len(s.tasks))
	for _, id := range s.sortedIDs() {
		t := s.tasks[id]
		if filter.Exchange != "" && t.Key.Exchange != filter.Exchange {
			continue
		}
		if filter.APIName != "" && t.Key.APIName != filter.APIName {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t.Clone())
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*crawler.Task{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Acquire leases task id for workerID.
func (s *TaskStore) Acquire(_ context.Context, id int64, workerID string, now time.Time, ttlSec int) (*crawler.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %d: %w", id, store.ErrNotFound)
	}
	return s.acquireLocked(t, workerID, now, ttlSec)
}

// AcquireNext leases the lowest-ID task that is runnable for workerID.
func (s *TaskStore) AcquireNext(_ context.Context, workerID string, now time.Time, ttlSec int) (*crawler.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.sortedIDs() {
		t := s.tasks[id]
		if t.IsTerminal() {
			continue
		}
		if t.HasValidLock(now) && t.LockedBy != workerID {
			continue
		}
		return s.acquireLocked(t, workerID, now, ttlSec)
	}
	return nil, store.ErrNoTask
}

func (s *TaskStore) acquireLocked(t *crawler.Task, workerID string, now time.Time, ttlSec int) (*crawler.Task, error) {
	cp := t.Clone()
	if err := cp.Acquire(workerID, now, ttlSec); err != nil {
		if domain.IsStateConflict(err) && !cp.IsTerminal() {
			return nil, fmt.Errorf("task %d: %w", t.ID, store.ErrLeaseBusy)
		}
		return nil, fmt.Errorf("task %d: %w", t.ID, err)
	}
	cp.UpdatedAt = now.UTC()
	s.tasks[cp.ID] = cp
	return cp.Clone(), nil
}

// Save persists task if holder still owns the stored lease.
func (s *TaskStore) Save(_ context.Context, task *crawler.Task, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.tasks[task.ID]
	if !ok {
		return fmt.Errorf("task %d: %w", task.ID, store.ErrNotFound)
	}
	if holder == "" || stored.LockedBy != holder {
		return fmt.Errorf("task %d held by %q, not %q: %w", task.ID, stored.LockedBy, holder, store.ErrLeaseLost)
	}
	cp := task.Clone()
	cp.Key = stored.Key
	cp.CreatedAt = stored.CreatedAt
	s.tasks[cp.ID] = cp
	return nil
}

// Update applies fn to a copy of the stored task and keeps the result only when fn succeeds.
func (s *TaskStore) Update(_ context.Context, id int64, fn func(*crawler.Task) error) (*crawler.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %d: %w", id, store.ErrNotFound)
	}
	cp := t.Clone()
	if err := fn(cp); err != nil {
		return nil, err
	}
	s.tasks[id] = cp
	return cp.Clone(), nil
}

func (s *TaskStore) sortedIDs() []int64 {
	ids := make([]int64, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
