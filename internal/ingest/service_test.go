package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/smartfollow/harvester/internal/domain"
	"github.com/smartfollow/harvester/internal/observation"
	"github.com/smartfollow/harvester/internal/storage/memory"
	pubmemory "github.com/smartfollow/harvester/internal/publisher/memory"
	"github.com/smartfollow/harvester/internal/store"
	"github.com/smartfollow/harvester/internal/trade"
)

const topic = "visibility"

var t0 = time.Date(2025, 9, 7, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc        *Service
	projects   *memory.ProjectStore
	tombstones *memory.TombstoneStore
	snapshots  *memory.SnapshotStore
	trades     *memory.TradeStore
	pub        *pubmemory.Publisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		projects:   memory.NewProjectStore(),
		tombstones: memory.NewTombstoneStore(),
		snapshots:  memory.NewSnapshotStore(),
		trades:     memory.NewTradeStore(),
		pub:        pubmemory.New(),
	}
	f.svc = New(Deps{
		Projects:   f.projects,
		Tombstones: f.tombstones,
		Snapshots:  f.snapshots,
		Trades:     f.trades,
		Publisher:  f.pub,
	}, Config{Topic: topic}, nil)
	return f
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func okxKey(t *testing.T, id string) domain.ProjectKey {
	t.Helper()
	key, err := domain.NewProjectKey(domain.ExchangeOKX, id)
	require.NoError(t, err)
	return key
}

func rankPage(dataVer string, ids ...string) observation.LeadTradersPage {
	page := observation.LeadTradersPage{DataVer: dataVer, TotalPage: 1}
	for _, id := range ids {
		followers := 10
		page.Ranks = append(page.Ranks, observation.ProjectBrief{
			ExternalID: id,
			Name:       "trader " + id,
			Aum:        dec("1000.50"),
			Followers:  &followers,
			WinRatio:   dec("0.61"),
			DataVer:    dataVer,
			RawJSON:    `{"uniqueCode":"` + id + `"}`,
		})
	}
	return page
}

func TestApplyRankPageCreatesProjectsAndSnapshots(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	page := rankPage("20250907115000", "A1", "B2")
	page.Ranks = append(page.Ranks, observation.ProjectBrief{ExternalID: "  "})

	res, err := f.svc.ApplyRankPage(ctx, domain.ExchangeOKX, page, t0)
	require.NoError(t, err)
	require.Equal(t, 2, res.Applied)
	require.Equal(t, 2, res.Created)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, 2, res.Snapshots)

	p, err := f.projects.Get(ctx, okxKey(t, "A1"))
	require.NoError(t, err)
	require.Equal(t, domain.VisibilityVisible, p.LastVisibility)
	require.Equal(t, "trader A1", p.Name)

	snaps, err := f.snapshots.List(ctx, okxKey(t, "A1"), t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, time.Date(2025, 9, 7, 11, 50, 0, 0, time.UTC), snaps[0].SnapshotTs)
	require.Equal(t, domain.SourceOKXRank, snaps[0].Source)

	// Same data version again: snapshot already stored.
	res, err = f.svc.ApplyRankPage(ctx, domain.ExchangeOKX, page, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 0, res.Snapshots)
	require.Equal(t, 2, res.DuplicateSnapshots)
	require.Empty(t, f.pub.Messages())
}

func TestApplyRankPageBucketsWithoutDataVer(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ApplyRankPage(ctx, domain.ExchangeOKX, rankPage("", "A1"), t0.Add(3*time.Minute))
	require.NoError(t, err)
	res, err := f.svc.ApplyRankPage(ctx, domain.ExchangeOKX, rankPage("", "A1"), t0.Add(7*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, res.DuplicateSnapshots)

	snaps, err := f.snapshots.List(ctx, okxKey(t, "A1"), t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, t0, snaps[0].SnapshotTs)
}

func TestMissingThenReappearLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	key := okxKey(t, "A1")

	_, err := f.svc.ApplyRankPage(ctx, domain.ExchangeOKX, rankPage("", "A1", "B2"), t0)
	require.NoError(t, err)

	// A later complete crawl only saw B2.
	crawlStart := t0.Add(time.Hour)
	_, err = f.svc.ApplyRankPage(ctx, domain.ExchangeOKX, rankPage("", "B2"), crawlStart.Add(time.Second))
	require.NoError(t, err)
	seen := map[string]struct{}{"B2": {}}
	marked, err := f.svc.ReconcileMissing(ctx, domain.ExchangeOKX, seen, crawlStart, crawlStart.Add(time.Minute), "absent")
	require.NoError(t, err)
	require.Equal(t, 1, marked)

	p, err := f.projects.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, domain.VisibilityMissing, p.LastVisibility)
	require.Equal(t, t0, p.LastSeen)

	open, err := f.tombstones.FindOpen(ctx, key)
	require.NoError(t, err)
	require.Equal(t, observation.DetectorRankGap, open.Detector)
	require.Equal(t, ReasonAbsentFromRank, open.ReasonCode)

	// Reconciling again is a no-op: A1 is no longer visible.
	marked, err = f.svc.ReconcileMissing(ctx, domain.ExchangeOKX, seen, crawlStart, crawlStart.Add(2*time.Minute), "absent")
	require.NoError(t, err)
	require.Zero(t, marked)

	back := crawlStart.Add(2 * time.Hour)
	res, err := f.svc.ApplyRankPage(ctx, domain.ExchangeOKX, rankPage("", "A1"), back)
	require.NoError(t, err)
	require.Equal(t, 1, res.Reappeared)

	_, err = f.tombstones.FindOpen(ctx, key)
	require.ErrorIs(t, err, store.ErrNotFound)
	all, err := f.tombstones.List(ctx, key)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, back, *all[0].ToTs)

	msgs := f.pub.Topic(topic)
	require.Len(t, msgs, 2)
	first := msgs[0].(observation.VisibilityChange)
	second := msgs[1].(observation.VisibilityChange)
	require.Equal(t, domain.VisibilityMissing, first.To)
	require.Equal(t, domain.VisibilityMissing, second.From)
	require.Equal(t, domain.VisibilityVisible, second.To)
	require.Equal(t, "OKX:A1", second.ProjectID)
}

func TestReappearAtSameInstantClosesAfterFrom(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	key := okxKey(t, "A1")

	_, err := f.svc.ApplyRankPage(ctx, domain.ExchangeOKX, rankPage("", "A1"), t0)
	require.NoError(t, err)
	require.NoError(t, f.svc.MarkHidden(ctx, key, t0.Add(time.Minute), "HTTP 404"))

	_, err = f.svc.ApplyRankPage(ctx, domain.ExchangeOKX, rankPage("", "A1"), t0.Add(time.Minute))
	require.NoError(t, err)

	all, err := f.tombstones.List(ctx, key)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, t0.Add(time.Minute+time.Millisecond), *all[0].ToTs)
}

func TestMarkHidden(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	key := okxKey(t, "A1")

	require.NoError(t, f.svc.MarkHidden(ctx, okxKey(t, "unknown"), t0, "HTTP 404"))
	require.Empty(t, f.pub.Messages())

	_, err := f.svc.ApplyRankPage(ctx, domain.ExchangeOKX, rankPage("", "A1"), t0)
	require.NoError(t, err)
	require.NoError(t, f.svc.MarkHidden(ctx, key, t0.Add(time.Minute), "HTTP 404"))
	require.NoError(t, f.svc.MarkHidden(ctx, key, t0.Add(2*time.Minute), "HTTP 404"))

	p, err := f.projects.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, domain.VisibilityHidden, p.LastVisibility)

	all, err := f.tombstones.List(ctx, key)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, observation.DetectorDetail4xx, all[0].Detector)
	require.Len(t, f.pub.Topic(topic), 1)
}

func TestMarkHiddenKeepsOpenRankGapTombstone(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	key := okxKey(t, "A1")

	_, err := f.svc.ApplyRankPage(ctx, domain.ExchangeOKX, rankPage("", "A1"), t0)
	require.NoError(t, err)
	_, err = f.svc.ReconcileMissing(ctx, domain.ExchangeOKX, nil, t0.Add(time.Hour), t0.Add(time.Hour), "absent")
	require.NoError(t, err)
	require.NoError(t, f.svc.MarkHidden(ctx, key, t0.Add(2*time.Hour), "HTTP 404"))

	all, err := f.tombstones.List(ctx, key)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, observation.DetectorRankGap, all[0].Detector)

	p, err := f.projects.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, domain.VisibilityHidden, p.LastVisibility)
}

func TestApplyDetail(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	key := okxKey(t, "A1")

	detail := observation.ProjectDetail{
		MinCopyCost: dec("50"),
		Status:      "ACTIVE",
		WinRatio:    dec("0.7"),
		AumUSD:      dec("2500"),
		RawJSON:     `{"winRatio":"0.7"}`,
	}
	require.NoError(t, f.svc.ApplyDetail(ctx, key, detail, t0.Add(4*time.Minute)))

	p, err := f.projects.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "A1", p.Name)
	require.Equal(t, "ACTIVE", p.Status)
	require.True(t, p.MinCopyCost.Equal(decimal.NewFromInt(50)))

	snaps, err := f.snapshots.List(ctx, key, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, domain.SourceOKXDetail, snaps[0].Source)
	require.Equal(t, t0, snaps[0].SnapshotTs)

	// Hidden projects come back with a closed tombstone and an event.
	require.NoError(t, f.svc.MarkHidden(ctx, key, t0.Add(time.Hour), "HTTP 404"))
	require.NoError(t, f.svc.ApplyDetail(ctx, key, detail, t0.Add(2*time.Hour)))
	p, err = f.projects.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, domain.VisibilityVisible, p.LastVisibility)
	require.Equal(t, t0.Add(2*time.Hour), p.LastSeen)
	_, err = f.tombstones.FindOpen(ctx, key)
	require.ErrorIs(t, err, store.ErrNotFound)
	events := f.pub.Topic(topic)
	require.Len(t, events, 2)
	restored, ok := events[1].(observation.VisibilityChange)
	require.True(t, ok)
	require.Equal(t, domain.VisibilityHidden, restored.From)
	require.Equal(t, domain.VisibilityVisible, restored.To)
	require.Equal(t, "detail available", restored.ReasonMsg)
}

func TestApplyDetailRejectsNegativeCost(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.ApplyDetail(ctx, okxKey(t, "A1"), observation.ProjectDetail{MinCopyCost: dec("-1")}, t0)
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.projects.Get(ctx, okxKey(t, "A1"))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPublishFailureDoesNotFailIngest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ApplyRankPage(ctx, domain.ExchangeOKX, rankPage("", "A1"), t0)
	require.NoError(t, err)
	f.pub.FailWith(errors.New("broker down"))
	require.NoError(t, f.svc.MarkHidden(ctx, okxKey(t, "A1"), t0.Add(time.Minute), "HTTP 404"))
}

func tradeParams(t *testing.T, externalID string, qty string) trade.Params {
	t.Helper()
	item, err := domain.NewItemID("swap", "btc-usdt-swap")
	require.NoError(t, err)
	q, err := domain.NewQuantity(decimal.RequireFromString(qty), "CONTRACT")
	require.NoError(t, err)
	p := trade.Params{
		ProjectKey:        okxKey(t, "A1"),
		Item:              item,
		Side:              domain.SideLong,
		Qty:               q,
		EntryPrice:        dec("60000"),
		TsOpen:            t0,
		Status:            domain.TradeClosed,
		Source:            trade.SourceOKX,
		SourcePayloadHash: "ab0f1e6a9a1e59f4f0d5a4b0c6e5d3c2b1a09f8e7d6c5b4a3f2e1d0c9b8a7f6e",
	}
	if externalID != "" {
		p.ExternalTradeID = &externalID
	}
	return p
}

func TestIngestTradesCountsDuplicates(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	bad := tradeParams(t, "S3", "1")
	bad.SourcePayloadHash = "nothex"

	batch := []trade.Params{tradeParams(t, "S1", "1"), tradeParams(t, "", "2"), bad}
	counts, err := f.svc.IngestTrades(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, TradeCounts{Inserted: 2, Rejected: 1}, counts)

	// Same batch re-ingested from a flaky source.
	counts, err = f.svc.IngestTrades(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, TradeCounts{Duplicates: 2, Rejected: 1}, counts)

	stored, err := f.trades.Get(ctx, "S1")
	require.NoError(t, err)
	require.Equal(t, "S1", stored.TradeID)
}

func TestConcurrentReappearanceClosesOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	key := okxKey(t, "A1")

	_, err := f.svc.ApplyRankPage(ctx, domain.ExchangeOKX, rankPage("", "A1"), t0)
	require.NoError(t, err)
	require.NoError(t, f.svc.MarkHidden(ctx, key, t0.Add(time.Minute), "HTTP 404"))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.ApplyRankPage(ctx, domain.ExchangeOKX, rankPage("", "A1"), t0.Add(time.Hour+time.Duration(i)*time.Second))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all, err := f.tombstones.List(ctx, key)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.False(t, all[0].IsOpen())
	// One hide plus exactly one reappearance.
	require.Len(t, f.pub.Topic(topic), 2)
	require.Zero(t, f.svc.locks.size())
}
