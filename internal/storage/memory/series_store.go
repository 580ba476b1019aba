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
	"github.com/smartfollow/harvester/internal/trade"
)

type snapshotID struct {
	key    domain.ProjectKey
	ms     int64
	source domain.SnapshotSource
}

// SnapshotStore deduplicates snapshots by (project, ts, source).
type SnapshotStore struct {
	mu    sync.RWMutex
	items map[snapshotID]observation.Snapshot
}

var _ store.SnapshotRepository = (*SnapshotStore)(nil)

// NewSnapshotStore constructs an empty SnapshotStore.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{items: make(map[snapshotID]observation.Snapshot)}
}

// Insert stores snap unless its identity is already present.
func (s *SnapshotStore) Insert(_ context.Context, snap *observation.Snapshot) (bool, error) {
	id := snapshotID{key: snap.ProjectKey, ms: snap.SnapshotTs.UnixMilli(), source: snap.Source}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; ok {
		return false, nil
	}
	s.items[id] = *snap
	return true, nil
}

// List returns snapshots of key in [from, to) ordered by timestamp then source.
func (s *SnapshotStore) List(
	_ context.Context,
	key domain.ProjectKey,
	from, to time.Time,
) ([]*observation.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*observation.Snapshot, 0)
	for id, snap := range s.items {
		if id.key != key || snap.SnapshotTs.Before(from) || !snap.SnapshotTs.Before(to) {
			continue
		}
		cp := snap
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SnapshotTs.Equal(out[j].SnapshotTs) {
			return out[i].Source < out[j].Source
		}
		return out[i].SnapshotTs.Before(out[j].SnapshotTs)
	})
	return out, nil
}

// TradeStore keeps trades by TradeID.
type TradeStore struct {
	mu     sync.RWMutex
	trades map[string]trade.ProjectTrade
	order  []string
}

var _ store.TradeRepository = (*TradeStore)(nil)

// NewTradeStore constructs an empty TradeStore.
func NewTradeStore() *TradeStore {
	return &TradeStore{trades: make(map[string]trade.ProjectTrade)}
}

// Insert rejects duplicate trade IDs with store.ErrDuplicateKey.
func (s *TradeStore) Insert(_ context.Context, t *trade.ProjectTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trades[t.TradeID]; ok {
		return fmt.Errorf("trade %s: %w", t.TradeID, store.ErrDuplicateKey)
	}
	s.trades[t.TradeID] = *t
	s.order = append(s.order, t.TradeID)
	return nil
}

// Get loads a trade by ID.
func (s *TradeStore) Get(_ context.Context, tradeID string) (*trade.ProjectTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[tradeID]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", tradeID, store.ErrNotFound)
	}
	return &t, nil
}

// ListByProject returns the newest trades of key first, by TsOpen.
func (s *TradeStore) ListByProject(_ context.Context, key domain.ProjectKey, limit int) ([]*trade.ProjectTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*trade.ProjectTrade, 0)
	for _, id := range s.order {
		t := s.trades[id]
		if t.ProjectKey == key {
			out = append(out, &t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TsOpen.After(out[j].TsOpen) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
