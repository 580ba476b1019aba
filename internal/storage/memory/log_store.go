package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/smartfollow/harvester/internal/crawler"
	"github.com/smartfollow/harvester/internal/store"
)

// LogStore is an append-only crawl ledger.
type LogStore struct {
	mu   sync.RWMutex
	seq  int
	logs []crawler.CrawlLog
}

var _ store.LogRepository = (*LogStore)(nil)

// NewLogStore constructs an empty LogStore.
func NewLogStore() *LogStore {
	return &LogStore{}
}

// Append stores a copy of log. Logs without an ID get a sequential one.
func (s *LogStore) Append(_ context.Context, log *crawler.CrawlLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if log.ID == "" {
		log.ID = fmt.Sprintf("log-%d", s.seq)
	}
	s.logs = append(s.logs, *log)
	return nil
}

// LatestSuccess returns the successful log for target with the newest FinishedAt.
func (s *LogStore) LatestSuccess(_ context.Context, target string) (*crawler.CrawlLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *crawler.CrawlLog
	for i := range s.logs {
		l := &s.logs[i]
		if !l.Success || l.Target != target {
			continue
		}
		if latest == nil || !l.FinishedAt.Before(latest.FinishedAt) {
			latest = l
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("latest success for %s: %w", target, store.ErrNotFound)
	}
	cp := *latest
	return &cp, nil
}

// ListByTask returns up to limit logs of taskID ordered by StartedAt.
func (s *LogStore) ListByTask(_ context.Context, taskID int64, limit int) ([]*crawler.CrawlLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*crawler.CrawlLog, 0)
	for i := range s.logs {
		if s.logs[i].TaskID == taskID {
			cp := s.logs[i]
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
