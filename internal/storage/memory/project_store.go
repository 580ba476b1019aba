package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/smartfollow/harvester/internal/domain"
	"github.com/smartfollow/harvester/internal/observation"
	"github.com/smartfollow/harvester/internal/store"
)

// ProjectStore keeps the current project view keyed by ProjectKey.
type ProjectStore struct {
	mu       sync.RWMutex
	projects map[domain.ProjectKey]*observation.Project
}

var _ store.ProjectRepository = (*ProjectStore)(nil)

// NewProjectStore constructs an empty ProjectStore.
func NewProjectStore() *ProjectStore {
	return &ProjectStore{projects: make(map[domain.ProjectKey]*observation.Project)}
}

// Get loads a project.
func (s *ProjectStore) Get(_ context.Context, key domain.ProjectKey) (*observation.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[key]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", key, store.ErrNotFound)
	}
	return p.Clone(), nil
}

// Upsert stores a copy of project.
func (s *ProjectStore) Upsert(_ context.Context, project *observation.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[project.Key] = project.Clone()
	return nil
}

// ListVisibleSeenBefore returns VISIBLE projects of exchange last seen before cutoff.
func (s *ProjectStore) ListVisibleSeenBefore(
	_ context.Context,
	exchange domain.Exchange,
	cutoff time.Time,
) ([]*observation.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*observation.Project, 0)
	for key, p := range s.projects {
		if key.Exchange != exchange || !domain.IsVisible(p.LastVisibility) {
			continue
		}
		if p.LastSeen.Before(cutoff) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

// TombstoneStore keeps tombstones per project and rejects a second open one.
type TombstoneStore struct {
	mu     sync.RWMutex
	nextID int64
	byKey  map[domain.ProjectKey][]*observation.Tombstone
}

var _ store.TombstoneRepository = (*TombstoneStore)(nil)

// NewTombstoneStore constructs an empty TombstoneStore.
func NewTombstoneStore() *TombstoneStore {
	return &TombstoneStore{byKey: make(map[domain.ProjectKey][]*observation.Tombstone)}
}

// Open appends ts and assigns its ID.
func (s *TombstoneStore) Open(_ context.Context, ts *observation.Tombstone) error {
	if !ts.IsOpen() {
		return domain.Invalid("open tombstone", "tombstone for %s is already closed", ts.ProjectKey)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byKey[ts.ProjectKey] {
		if existing.IsOpen() {
			return fmt.Errorf("open tombstone for %s: %w", ts.ProjectKey, store.ErrDuplicateKey)
		}
	}
	s.nextID++
	ts.ID = s.nextID
	s.byKey[ts.ProjectKey] = append(s.byKey[ts.ProjectKey], ts.Clone())
	return nil
}

// FindOpen returns the open tombstone of key.
func (s *TombstoneStore) FindOpen(_ context.Context, key domain.ProjectKey) (*observation.Tombstone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ts := range s.byKey[key] {
		if ts.IsOpen() {
			return ts.Clone(), nil
		}
	}
	return nil, fmt.Errorf("open tombstone for %s: %w", key, store.ErrNotFound)
}

// Close stores the end of an open tombstone.
func (s *TombstoneStore) Close(_ context.Context, ts *observation.Tombstone) error {
	if ts.ToTs == nil {
		return domain.Invalid("close tombstone", "to ts is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.byKey[ts.ProjectKey] {
		if existing.ID == ts.ID && existing.IsOpen() {
			s.byKey[ts.ProjectKey][i] = ts.Clone()
			return nil
		}
	}
	return fmt.Errorf("open tombstone %d for %s: %w", ts.ID, ts.ProjectKey, store.ErrNotFound)
}

// List returns all tombstones of key ordered by FromTs.
func (s *TombstoneStore) List(_ context.Context, key domain.ProjectKey) ([]*observation.Tombstone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*observation.Tombstone, 0, len(s.byKey[key]))
	for _, ts := range s.byKey[key] {
		out = append(out, ts.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FromTs.Before(out[j].FromTs) })
	return out, nil
}
