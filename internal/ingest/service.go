// Package ingest is the single update path from parsed pages into the
// project, tombstone, snapshot and trade stores.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/smartfollow/harvester/internal/crawler"
	"github.com/smartfollow/harvester/internal/domain"
	"github.com/smartfollow/harvester/internal/metrics"
	"github.com/smartfollow/harvester/internal/observation"
	"github.com/smartfollow/harvester/internal/store"
	"github.com/smartfollow/harvester/internal/trade"
)

// Tombstone reason codes.
const (
	ReasonAbsentFromRank = "ABSENT_FROM_RANK"
	ReasonDetailRejected = "DETAIL_REJECTED"
)

const defaultSnapshotBucket = 10 * time.Minute

// Deps are the stores and event sink the service writes to.
type Deps struct {
	Projects   store.ProjectRepository
	Tombstones store.TombstoneRepository
	Snapshots  store.SnapshotRepository
	Trades     store.TradeRepository
	// Publisher is optional; visibility changes are dropped without it.
	Publisher crawler.Publisher
}

// Config tunes the service.
type Config struct {
	// Topic receives VisibilityChange events.
	Topic string
	// SnapshotBucket floors snapshot timestamps when the source has no
	// generation time, so polls inside one bucket collapse to one row.
	SnapshotBucket time.Duration
}

// RankResult summarizes one applied rank page.
type RankResult struct {
	Applied    int
	Skipped    int
	Created    int
	Reappeared int
	Snapshots  int
	// DuplicateSnapshots were already stored and are not an error.
	DuplicateSnapshots int
}

// TradeCounts summarizes one trade batch.
type TradeCounts struct {
	Inserted int
	// Duplicates were already ingested under the same trade ID.
	Duplicates int
	Rejected   int
}

// Service applies observations. It serializes updates per project so
// tombstone open and close never interleave for one key.
type Service struct {
	projects   store.ProjectRepository
	tombstones store.TombstoneRepository
	snapshots  store.SnapshotRepository
	trades     store.TradeRepository
	publisher  crawler.Publisher
	topic      string
	bucket     time.Duration
	logger     *zap.Logger
	locks      *keyedMutex
}

// New builds a Service.
func New(deps Deps, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SnapshotBucket <= 0 {
		cfg.SnapshotBucket = defaultSnapshotBucket
	}
	return &Service{
		projects:   deps.Projects,
		tombstones: deps.Tombstones,
		snapshots:  deps.Snapshots,
		trades:     deps.Trades,
		publisher:  deps.Publisher,
		topic:      cfg.Topic,
		bucket:     cfg.SnapshotBucket,
		logger:     logger.Named("ingest"),
		locks:      newKeyedMutex(),
	}
}

// ApplyRankPage upserts every project on page, closes the tombstone of a
// project that reappeared and writes one OKX_RANK snapshot per row.
// Rows with a blank external ID are skipped.
func (s *Service) ApplyRankPage(
	ctx context.Context,
	exchange domain.Exchange,
	page observation.LeadTradersPage,
	now time.Time,
) (RankResult, error) {
	var res RankResult
	snapTs, ok := page.GeneratedAt()
	if !ok {
		snapTs = now.UTC().Truncate(s.bucket)
	}

	for _, brief := range page.Ranks {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		key, err := domain.NewProjectKey(exchange, brief.ExternalID)
		if err != nil {
			res.Skipped++
			s.logger.Debug("skipping rank row", zap.String("exchange", string(exchange)), zap.Error(err))
			continue
		}
		if err := s.applyBrief(ctx, key, brief, snapTs, now, &res); err != nil {
			if errors.Is(err, domain.ErrValidation) {
				res.Skipped++
				s.logger.Warn("rejected rank row", zap.String("project", key.String()), zap.Error(err))
				continue
			}
			return res, fmt.Errorf("apply brief %s: %w", key, err)
		}
		res.Applied++
	}

	metrics.ObserveIngest("project", "applied", res.Applied)
	metrics.ObserveIngest("project", "skipped", res.Skipped)
	metrics.ObserveIngest("snapshot", "inserted", res.Snapshots)
	metrics.ObserveIngest("snapshot", "duplicate", res.DuplicateSnapshots)
	return res, nil
}

func (s *Service) applyBrief(
	ctx context.Context,
	key domain.ProjectKey,
	brief observation.ProjectBrief,
	snapTs, now time.Time,
	res *RankResult,
) error {
	unlock := s.locks.Lock(key)
	defer unlock()

	var change *observation.VisibilityChange
	p, err := s.projects.Get(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if p, err = observation.NewProjectFromBrief(key, brief, now); err != nil {
			return err
		}
		res.Created++
	case err != nil:
		return err
	default:
		prev := p.LastVisibility
		if !domain.IsVisible(prev) {
			if err := s.closeOpenTombstone(ctx, key, now); err != nil {
				return err
			}
			c := visibilityChange(key, prev, domain.VisibilityVisible, now, "", "seen in rank")
			change = &c
			res.Reappeared++
		}
		p.ApplyBrief(brief, now)
	}
	if err := s.projects.Upsert(ctx, p); err != nil {
		return err
	}
	if change != nil {
		s.publish(ctx, *change)
	}

	raw := brief.RawJSON
	if raw == "" {
		raw = mustJSON(brief)
	}
	snap, err := observation.NewSnapshot(observation.SnapshotParams{
		ProjectKey:  key,
		SnapshotTs:  snapTs,
		Source:      domain.SourceOKXRank,
		DataVer:     brief.DataVer,
		Visibility:  domain.VisibilityVisible,
		AumUSD:      brief.Aum,
		Followers:   brief.Followers,
		WinRatio:    brief.WinRatio,
		PnlRatio90d: brief.PnlRatio,
		Pnl90dUSD:   brief.Pnl,
		RawJSON:     raw,
	})
	if err != nil {
		return err
	}
	inserted, err := s.snapshots.Insert(ctx, snap)
	if err != nil {
		return fmt.Errorf("insert snapshot %s: %w", snap.SnapshotID(), err)
	}
	if inserted {
		res.Snapshots++
	} else {
		res.DuplicateSnapshots++
	}
	return nil
}

// ReconcileMissing marks MISSING every VISIBLE project of exchange last seen
// before cutoff whose external ID is not in seen, and opens a RANK_GAP
// tombstone for it unless one is already open. It returns how many projects
// were marked.
func (s *Service) ReconcileMissing(
	ctx context.Context,
	exchange domain.Exchange,
	seen map[string]struct{},
	cutoff, now time.Time,
	reason string,
) (int, error) {
	candidates, err := s.projects.ListVisibleSeenBefore(ctx, exchange, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list visible projects: %w", err)
	}

	marked := 0
	for _, candidate := range candidates {
		if _, ok := seen[candidate.Key.ExternalID]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return marked, err
		}
		changed, err := s.markMissing(ctx, candidate.Key, cutoff, now, reason)
		if err != nil {
			return marked, fmt.Errorf("mark missing %s: %w", candidate.Key, err)
		}
		if changed {
			marked++
		}
	}
	metrics.ObserveIngest("project", "missing", marked)
	return marked, nil
}

func (s *Service) markMissing(ctx context.Context, key domain.ProjectKey, cutoff, now time.Time, reason string) (bool, error) {
	unlock := s.locks.Lock(key)
	defer unlock()

	// Re-read under the lock: a concurrent rank page may have seen it.
	p, err := s.projects.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !domain.IsVisible(p.LastVisibility) || !p.LastSeen.Before(cutoff) {
		return false, nil
	}

	ts, err := observation.OpenTombstone(key, now, ReasonAbsentFromRank, reason, observation.DetectorRankGap)
	if err != nil {
		return false, err
	}
	if err := s.tombstones.Open(ctx, ts); err != nil && !errors.Is(err, store.ErrDuplicateKey) {
		return false, err
	}
	p.MarkMissing()
	if err := s.projects.Upsert(ctx, p); err != nil {
		return false, err
	}
	s.publish(ctx, visibilityChange(key, domain.VisibilityVisible, domain.VisibilityMissing, now, ReasonAbsentFromRank, reason))
	return true, nil
}

// ApplyDetail merges a detail page into the project, restores its visibility
// and writes an OKX_DETAIL snapshot. An unknown project is created.
func (s *Service) ApplyDetail(
	ctx context.Context,
	key domain.ProjectKey,
	detail observation.ProjectDetail,
	now time.Time,
) error {
	if key.IsZero() {
		return domain.Invalid("apply detail", "project key is required")
	}
	unlock := s.locks.Lock(key)
	defer unlock()

	var change *observation.VisibilityChange
	p, err := s.projects.Get(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if p, err = observation.NewProjectFromBrief(key, observation.ProjectBrief{ExternalID: key.ExternalID}, now); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("load project %s: %w", key, err)
	default:
		if prev := p.LastVisibility; !domain.IsVisible(prev) {
			c := visibilityChange(key, prev, domain.VisibilityVisible, now, "", "detail available")
			change = &c
		}
	}

	if err := p.ApplyDetail(detail.MinCopyCost, detail.Status, ""); err != nil {
		return err
	}
	if change != nil {
		if err := s.closeOpenTombstone(ctx, key, now); err != nil {
			return err
		}
	}
	p.RestoreVisible(now)
	if err := s.projects.Upsert(ctx, p); err != nil {
		return fmt.Errorf("upsert project %s: %w", key, err)
	}
	if change != nil {
		s.publish(ctx, *change)
	}

	raw := detail.RawJSON
	if raw == "" {
		raw = "{}"
	}
	snap, err := observation.NewSnapshot(observation.SnapshotParams{
		ProjectKey:  key,
		SnapshotTs:  now.UTC().Truncate(s.bucket),
		Source:      domain.SourceOKXDetail,
		Visibility:  domain.VisibilityVisible,
		AumUSD:      detail.AumUSD,
		Followers:   detail.Followers,
		WinRatio:    detail.WinRatio,
		PnlRatio90d: detail.PnlRatio90d,
		Pnl90dUSD:   detail.Pnl90dUSD,
		RawJSON:     raw,
	})
	if err != nil {
		return err
	}
	inserted, err := s.snapshots.Insert(ctx, snap)
	if err != nil {
		return fmt.Errorf("insert snapshot %s: %w", snap.SnapshotID(), err)
	}
	if inserted {
		metrics.ObserveIngest("snapshot", "inserted", 1)
	} else {
		metrics.ObserveIngest("snapshot", "duplicate", 1)
	}
	return nil
}

// MarkHidden records that the source refused the project's detail. It opens
// a DETAIL_4XX tombstone unless one is already open. Unknown and already
// hidden projects are left alone.
func (s *Service) MarkHidden(ctx context.Context, key domain.ProjectKey, now time.Time, reason string) error {
	unlock := s.locks.Lock(key)
	defer unlock()

	p, err := s.projects.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Debug("hide of unknown project ignored", zap.String("project", key.String()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load project %s: %w", key, err)
	}
	prev := p.LastVisibility
	if prev == domain.VisibilityHidden {
		return nil
	}

	ts, err := observation.OpenTombstone(key, now, ReasonDetailRejected, reason, observation.DetectorDetail4xx)
	if err != nil {
		return err
	}
	if err := s.tombstones.Open(ctx, ts); err != nil && !errors.Is(err, store.ErrDuplicateKey) {
		return fmt.Errorf("open tombstone %s: %w", key, err)
	}
	p.MarkHidden()
	if err := s.projects.Upsert(ctx, p); err != nil {
		return fmt.Errorf("upsert project %s: %w", key, err)
	}
	s.publish(ctx, visibilityChange(key, prev, domain.VisibilityHidden, now, ReasonDetailRejected, reason))
	return nil
}

// IngestTrades inserts trades by trade ID. A duplicate ID counts as already
// ingested; an invalid row is rejected and logged. Storage errors abort the batch.
func (s *Service) IngestTrades(ctx context.Context, batch []trade.Params) (TradeCounts, error) {
	var counts TradeCounts
	defer func() {
		metrics.ObserveIngest("trade", "inserted", counts.Inserted)
		metrics.ObserveIngest("trade", "duplicate", counts.Duplicates)
		metrics.ObserveIngest("trade", "rejected", counts.Rejected)
	}()

	for _, p := range batch {
		t, err := trade.NewProjectTrade(p)
		if err != nil {
			counts.Rejected++
			s.logger.Warn("rejected trade", zap.String("project", p.ProjectKey.String()), zap.Error(err))
			continue
		}
		err = s.trades.Insert(ctx, t)
		switch {
		case err == nil:
			counts.Inserted++
		case errors.Is(err, store.ErrDuplicateKey):
			counts.Duplicates++
		default:
			return counts, fmt.Errorf("insert trade %s: %w", t.TradeID, err)
		}
	}
	return counts, nil
}

// closeOpenTombstone ends the open interval of key at now. A clock that did
// not advance past FromTs closes one millisecond after it.
func (s *Service) closeOpenTombstone(ctx context.Context, key domain.ProjectKey, now time.Time) error {
	ts, err := s.tombstones.FindOpen(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find open tombstone %s: %w", key, err)
	}
	toTs := now
	if !toTs.After(ts.FromTs) {
		toTs = ts.FromTs.Add(time.Millisecond)
	}
	if err := ts.Close(toTs); err != nil {
		return err
	}
	if err := s.tombstones.Close(ctx, ts); err != nil {
		return fmt.Errorf("close tombstone %s: %w", key, err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, change observation.VisibilityChange) {
	metrics.ObserveVisibilityChange(string(change.To))
	s.logger.Info("project visibility changed",
		zap.String("project", change.ProjectID),
		zap.String("from", string(change.From)),
		zap.String("to", string(change.To)),
		zap.String("reason", change.ReasonCode))
	if s.publisher == nil || s.topic == "" {
		return
	}
	if _, err := s.publisher.Publish(ctx, s.topic, change); err != nil {
		s.logger.Warn("publish visibility change failed", zap.String("project", change.ProjectID), zap.Error(err))
	}
}

func visibilityChange(
	key domain.ProjectKey,
	from, to domain.Visibility,
	at time.Time,
	reasonCode, reasonMsg string,
) observation.VisibilityChange {
	return observation.VisibilityChange{
		ProjectID:  key.String(),
		From:       from,
		To:         to,
		AtTs:       domain.TruncateMillis(at),
		ReasonCode: reasonCode,
		ReasonMsg:  reasonMsg,
	}
}

func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
