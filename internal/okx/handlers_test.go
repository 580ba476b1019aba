package okx

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smartfollow/harvester/internal/crawler"
	"github.com/smartfollow/harvester/internal/domain"
	"github.com/smartfollow/harvester/internal/ingest"
	"github.com/smartfollow/harvester/internal/storage/memory"
)

type handlerFixture struct {
	svc        *ingest.Service
	projects   *memory.ProjectStore
	tombstones *memory.TombstoneStore
	trades     *memory.TradeStore
}

func newHandlerFixture() *handlerFixture {
	f := &handlerFixture{
		projects:   memory.NewProjectStore(),
		tombstones: memory.NewTombstoneStore(),
		trades:     memory.NewTradeStore(),
	}
	f.svc = ingest.New(ingest.Deps{
		Projects:   f.projects,
		Tombstones: f.tombstones,
		Snapshots:  memory.NewSnapshotStore(),
		Trades:     f.trades,
	}, ingest.Config{}, zap.NewNop())
	return f
}

func newTask(t *testing.T, id int64, api string, params map[string]string, now time.Time) *crawler.Task {
	t.Helper()
	planned, err := PlanTask(api, params, now, time.Hour)
	require.NoError(t, err)
	task, err := crawler.NewTask(planned.Key, planned.ParamsJSON, now)
	require.NoError(t, err)
	task.ID = id
	return task
}

func rankBody(dataVer string, totalPage int, ids ...string) []byte {
	rows := make([]string, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, fmt.Sprintf(`{"uniqueCode":%q,"nickName":"n-%s","aum":"100","copyTraderNum":"1"}`, id, id))
	}
	return []byte(fmt.Sprintf(`{"code":"0","msg":"","data":[{"dataVer":%q,"totalPage":"%d","ranks":[%s]}]}`,
		dataVer, totalPage, strings.Join(rows, ",")))
}

func okResponse(body []byte) crawler.FetchResponse {
	return crawler.FetchResponse{StatusCode: http.StatusOK, Body: body}
}

func TestRankHandlerBuildRequest(t *testing.T) {
	t.Parallel()
	h := NewRankHandler("https://example.test/", nil, nil)
	task := newTask(t, 7, APILeadTraders, LeadTradersQuery{}.Normalize().Params(), t0)
	task.DataVer = "20250907115000"

	req, err := h.BuildRequest(task, 2)
	require.NoError(t, err)
	require.Equal(t, http.MethodGet, req.Method)
	require.True(t, req.Signed)
	require.Equal(t, int64(7), req.TaskID)
	require.Equal(t,
		"/api/v5/copytrading/public-lead-traders?dataVer=20250907115000&instType=SWAP&limit=20&page=2&sortType=overview&state=0",
		req.Target)
	require.Equal(t, "https://example.test"+req.Target, req.URL)
}

func TestRankHandlerReconcilesAfterFullCrawl(t *testing.T) {
	t.Parallel()
	f := newHandlerFixture()
	ctx := context.Background()
	h := NewRankHandler("", f.svc, zap.NewNop())

	// An earlier crawl knew GONE.
	first := newTask(t, 1, APILeadTraders, LeadTradersQuery{}.Normalize().Params(), t0)
	_, err := h.HandlePage(ctx, first, 1, okResponse(rankBody("20250907115000", 1, "A1", "GONE")), t0)
	require.NoError(t, err)

	start := t0.Add(time.Hour)
	task := newTask(t, 2, APILeadTraders, LeadTradersQuery{}.Normalize().Params(), start)
	res, err := h.HandlePage(ctx, task, 1, okResponse(rankBody("20250907125000", 2, "A1")), start.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, crawler.PageResult{TotalPage: 2, DataVer: "20250907125000", Items: 1}, res)

	// Page 2 was unchanged; its IDs come from the body.
	res, err = h.Inspect(task, 2, okResponse(rankBody("20250907125000", 2, "B2")))
	require.NoError(t, err)
	require.Equal(t, 2, res.TotalPage)

	total := 2
	task.TotalPage = &total
	require.NoError(t, h.Complete(ctx, task, start.Add(time.Minute)))

	gone, err := f.projects.Get(ctx, domain.ProjectKey{Exchange: domain.ExchangeOKX, ExternalID: "GONE"})
	require.NoError(t, err)
	require.Equal(t, domain.VisibilityMissing, gone.LastVisibility)
	a1, err := f.projects.Get(ctx, domain.ProjectKey{Exchange: domain.ExchangeOKX, ExternalID: "A1"})
	require.NoError(t, err)
	require.Equal(t, domain.VisibilityVisible, a1.LastVisibility)
}

func TestRankHandlerSkipsReconcile(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		query LeadTradersQuery
		run   func(h *RankHandler, task *crawler.Task) error
	}{
		{
			name:  "page not modified without body",
			query: LeadTradersQuery{},
			run: func(h *RankHandler, task *crawler.Task) error {
				if _, err := h.HandlePage(context.Background(), task, 1, okResponse(rankBody("v", 2, "A1")), t0.Add(time.Hour)); err != nil {
					return err
				}
				_, err := h.Inspect(task, 2, crawler.FetchResponse{StatusCode: http.StatusNotModified})
				return err
			},
		},
		{
			name:  "page missed by this process",
			query: LeadTradersQuery{},
			run: func(h *RankHandler, task *crawler.Task) error {
				_, err := h.HandlePage(context.Background(), task, 2, okResponse(rankBody("v", 2, "A1")), t0.Add(time.Hour))
				return err
			},
		},
		{
			name:  "filtered ranking",
			query: LeadTradersQuery{MinAum: "1000"},
			run: func(h *RankHandler, task *crawler.Task) error {
				ctx := context.Background()
				if _, err := h.HandlePage(ctx, task, 1, okResponse(rankBody("v", 2, "A1")), t0.Add(time.Hour)); err != nil {
					return err
				}
				_, err := h.HandlePage(ctx, task, 2, okResponse(rankBody("v", 2, "B2")), t0.Add(time.Hour))
				return err
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newHandlerFixture()
			ctx := context.Background()
			h := NewRankHandler("", f.svc, zap.NewNop())

			seed := newTask(t, 1, APILeadTraders, tc.query.Normalize().Params(), t0)
			_, err := h.HandlePage(ctx, seed, 1, okResponse(rankBody("v", 1, "GONE")), t0)
			require.NoError(t, err)

			task := newTask(t, 2, APILeadTraders, tc.query.Normalize().Params(), t0.Add(time.Hour))
			require.NoError(t, tc.run(h, task))
			total := 2
			task.TotalPage = &total
			require.NoError(t, h.Complete(ctx, task, t0.Add(2*time.Hour)))

			gone, err := f.projects.Get(ctx, domain.ProjectKey{Exchange: domain.ExchangeOKX, ExternalID: "GONE"})
			require.NoError(t, err)
			require.Equal(t, domain.VisibilityVisible, gone.LastVisibility)
		})
	}
}

func TestRankHandlerEvictsOldProgress(t *testing.T) {
	t.Parallel()
	h := NewRankHandler("", nil, nil)
	for id := int64(1); id <= maxTrackedRankTasks+5; id++ {
		h.track(id, 1, nil, false)
	}
	require.Len(t, h.progress, maxTrackedRankTasks)
	_, ok := h.progress[1]
	require.False(t, ok)
	_, ok = h.progress[maxTrackedRankTasks+5]
	require.True(t, ok)
}

func TestStatsHandler(t *testing.T) {
	t.Parallel()
	f := newHandlerFixture()
	ctx := context.Background()
	h := NewStatsHandler("", f.svc, zap.NewNop())
	task := newTask(t, 3, APIPublicStats, StatsParams("SWAP", "A1", ""), t0)

	req, err := h.BuildRequest(task, 1)
	require.NoError(t, err)
	require.Equal(t, "/api/v5/copytrading/public-stats?instType=SWAP&lastDays=3&uniqueCode=A1", req.Target)

	body := `{"code":"0","msg":"","data":[{"winRatio":"0.5","investAmt":"900","curCopyTraderPnl":"1"}]}`
	res, err := h.HandlePage(ctx, task, 1, okResponse([]byte(body)), t0)
	require.NoError(t, err)
	require.Equal(t, 1, res.TotalPage)

	key := domain.ProjectKey{Exchange: domain.ExchangeOKX, ExternalID: "A1"}
	p, err := f.projects.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, domain.VisibilityVisible, p.LastVisibility)

	resp := crawler.FetchResponse{StatusCode: http.StatusNotFound}
	require.NoError(t, h.Rejected(ctx, task, resp, t0.Add(time.Hour)))
	p, err = f.projects.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, domain.VisibilityHidden, p.LastVisibility)
	open, err := f.tombstones.FindOpen(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "HTTP 404", open.ReasonMsg)
}

func TestStatsHandlerHidesOnPermanentCode(t *testing.T) {
	t.Parallel()
	f := newHandlerFixture()
	ctx := context.Background()
	h := NewStatsHandler("", f.svc, zap.NewNop())
	task := newTask(t, 3, APIPublicStats, StatsParams("SWAP", "A1", ""), t0)

	ok := `{"code":"0","msg":"","data":[{"winRatio":"0.5"}]}`
	_, err := h.HandlePage(ctx, task, 1, okResponse([]byte(ok)), t0)
	require.NoError(t, err)

	gone := `{"code":"51001","msg":"Lead trader does not exist","data":[]}`
	res, err := h.HandlePage(ctx, task, 1, okResponse([]byte(gone)), t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, res.TotalPage)

	p, err := f.projects.Get(ctx, domain.ProjectKey{Exchange: domain.ExchangeOKX, ExternalID: "A1"})
	require.NoError(t, err)
	require.Equal(t, domain.VisibilityHidden, p.LastVisibility)

	busy := `{"code":"50011","msg":"Too Many Requests","data":[]}`
	_, err = h.HandlePage(ctx, task, 1, okResponse([]byte(busy)), t0.Add(time.Hour))
	require.Error(t, err)
}

func TestSubpositionsHandler(t *testing.T) {
	t.Parallel()
	f := newHandlerFixture()
	ctx := context.Background()
	h := NewSubpositionsHandler("", f.svc, zap.NewNop())
	task := newTask(t, 4, APISubpositionsHistory, SubpositionsParams("SWAP", "A1", 50), t0)

	body := []byte(`{"code":"0","msg":"","data":[` + subpositionRow1 + `]}`)
	res, err := h.HandlePage(ctx, task, 1, okResponse(body), t0)
	require.NoError(t, err)
	require.Equal(t, crawler.PageResult{TotalPage: 1, Items: 1}, res)

	_, err = h.HandlePage(ctx, task, 1, okResponse(body), t0)
	require.NoError(t, err)

	trades, err := f.trades.ListByProject(ctx, domain.ProjectKey{Exchange: domain.ExchangeOKX, ExternalID: "A1"}, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, "S1", trades[0].TradeID)
}

func TestHandlersRegistry(t *testing.T) {
	t.Parallel()
	handlers := Handlers("", newHandlerFixture().svc, nil)
	require.Len(t, handlers, 3)
	require.IsType(t, &RankHandler{}, handlers[APILeadTraders])
	require.IsType(t, &StatsHandler{}, handlers[APIPublicStats])
	require.IsType(t, &SubpositionsHandler{}, handlers[APISubpositionsHistory])
}

func TestRankHandlerWithoutTotalPage(t *testing.T) {
	t.Parallel()
	f := newHandlerFixture()
	ctx := context.Background()
	h := NewRankHandler("", f.svc, zap.NewNop())
	task := newTask(t, 3, APILeadTraders, LeadTradersQuery{}.Normalize().Params(), t0)
	require.NoError(t, task.Acquire("w1", t0, 60))

	blank := func(ids ...string) []byte {
		rows := make([]string, 0, len(ids))
		for _, id := range ids {
			rows = append(rows, fmt.Sprintf(`{"uniqueCode":%q}`, id))
		}
		return []byte(`{"code":"0","msg":"","data":[{"dataVer":"20250907115000","totalPage":"","ranks":[` +
			strings.Join(rows, ",") + `]}]}`)
	}

	// Ranks on page 1 keep the crawl going.
	res, err := h.HandlePage(ctx, task, 1, okResponse(blank("A1")), t0)
	require.NoError(t, err)
	require.Equal(t, 2, res.TotalPage)
	require.NoError(t, task.SetTotalPage(res.TotalPage))
	require.NoError(t, task.OnPageProcessed(1))

	// An empty page ends it without shrinking the count.
	res, err = h.HandlePage(ctx, task, 2, okResponse(blank()), t0)
	require.NoError(t, err)
	require.Equal(t, -1, res.TotalPage)
	require.NoError(t, task.OnPageProcessed(2))
	require.NoError(t, task.MarkDone())

	// An empty first page is an empty ranking.
	empty := newTask(t, 4, APILeadTraders, LeadTradersQuery{}.Normalize().Params(), t0)
	res, err = h.HandlePage(ctx, empty, 1, okResponse(blank()), t0)
	require.NoError(t, err)
	require.Zero(t, res.TotalPage)
}
