package okx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smartfollow/harvester/internal/crawler"
	"github.com/smartfollow/harvester/internal/domain"
	"github.com/smartfollow/harvester/internal/ingest"
	"github.com/smartfollow/harvester/internal/observation"
	"github.com/smartfollow/harvester/internal/trade"
)

// Ingestor is the part of ingest.Service the handlers drive.
type Ingestor interface {
	ApplyRankPage(ctx context.Context, exchange domain.Exchange, page observation.LeadTradersPage, now time.Time) (ingest.RankResult, error)
	ReconcileMissing(ctx context.Context, exchange domain.Exchange, seen map[string]struct{}, cutoff, now time.Time, reason string) (int, error)
	ApplyDetail(ctx context.Context, key domain.ProjectKey, detail observation.ProjectDetail, now time.Time) error
	MarkHidden(ctx context.Context, key domain.ProjectKey, now time.Time, reason string) error
	IngestTrades(ctx context.Context, batch []trade.Params) (ingest.TradeCounts, error)
}

var _ Ingestor = (*ingest.Service)(nil)

// Handlers returns the page handler of every OKX API keyed by API name.
func Handlers(baseURL string, ingestor Ingestor, logger *zap.Logger) map[string]crawler.PageHandler {
	return map[string]crawler.PageHandler{
		APILeadTraders:         NewRankHandler(baseURL, ingestor, logger),
		APIPublicStats:         NewStatsHandler(baseURL, ingestor, logger),
		APISubpositionsHistory: NewSubpositionsHandler(baseURL, ingestor, logger),
	}
}

type endpoint struct {
	baseURL string
	path    string
	logger  *zap.Logger
}

func newEndpoint(baseURL, path string, logger *zap.Logger, name string) endpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return endpoint{baseURL: strings.TrimRight(baseURL, "/"), path: path, logger: logger.Named(name)}
}

func (e endpoint) request(task *crawler.Task, params map[string]string) crawler.FetchRequest {
	target := RequestPath(e.path, Encode(params))
	return crawler.FetchRequest{
		TaskID:   task.ID,
		Exchange: task.Key.Exchange,
		Method:   http.MethodGet,
		URL:      e.baseURL + target,
		Target:   target,
		Signed:   true,
	}
}

// projectKey reads the trader a single-project task is about.
func projectKey(task *crawler.Task) (domain.ProjectKey, map[string]string, error) {
	params, err := crawler.DecodeParams(task.ParamsJSON)
	if err != nil {
		return domain.ProjectKey{}, nil, err
	}
	key, err := domain.NewProjectKey(task.Key.Exchange, params[ParamUniqueCode])
	if err != nil {
		return domain.ProjectKey{}, nil, err
	}
	return key, params, nil
}

func rejectionReason(resp crawler.FetchResponse) string {
	return fmt.Sprintf("HTTP %d", resp.StatusCode)
}

// RankHandler crawls the lead trader ranking. It remembers which traders
// every page of a task listed, and when a task that saw all of its pages
// completes, reconciles the projects the ranking no longer lists.
type RankHandler struct {
	endpoint
	ingestor Ingestor

	mu       sync.Mutex
	progress map[int64]*rankProgress
}

type rankProgress struct {
	pages map[int]struct{}
	seen  map[string]struct{}
	// blind is set when a page was unchanged without a body to read IDs from.
	blind bool
}

const maxTrackedRankTasks = 32

var _ crawler.PageHandler = (*RankHandler)(nil)

// NewRankHandler creates a RankHandler.
func NewRankHandler(baseURL string, ingestor Ingestor, logger *zap.Logger) *RankHandler {
	return &RankHandler{
		endpoint: newEndpoint(baseURL, PathLeadTraders, logger, "okx.rank"),
		ingestor: ingestor,
		progress: make(map[int64]*rankProgress),
	}
}

// BuildRequest asks for page at the task's pinned data version.
func (h *RankHandler) BuildRequest(task *crawler.Task, page int) (crawler.FetchRequest, error) {
	params, err := crawler.DecodeParams(task.ParamsJSON)
	if err != nil {
		return crawler.FetchRequest{}, err
	}
	q := LeadTradersQueryFromParams(params)
	q.Page = page
	q.DataVer = task.DataVer
	return h.request(task, q.Params()), nil
}

// HandlePage ingests one rank page.
func (h *RankHandler) HandlePage(
	ctx context.Context,
	task *crawler.Task,
	page int,
	resp crawler.FetchResponse,
	now time.Time,
) (crawler.PageResult, error) {
	parsed, err := ParseLeadTraders(resp.Body)
	if err != nil {
		return crawler.PageResult{}, err
	}
	res, err := h.ingestor.ApplyRankPage(ctx, task.Key.Exchange, parsed, now)
	if err != nil {
		return crawler.PageResult{}, err
	}
	h.track(task.ID, page, parsed.Ranks, false)
	total := rankTotal(page, parsed)
	h.logger.Debug("rank page applied",
		zap.Int64("task_id", task.ID),
		zap.Int("page", page),
		zap.Int("applied", res.Applied),
		zap.Int("created", res.Created),
		zap.Int("reappeared", res.Reappeared),
		zap.Int("skipped", res.Skipped),
		zap.Int("total_page", total))
	return crawler.PageResult{TotalPage: total, DataVer: parsed.DataVer, Items: len(parsed.Ranks)}, nil
}

// rankTotal resolves the page count when OKX omits totalPage: a page with
// ranks implies one more page to probe, an empty page ends the ranking.
func rankTotal(page int, parsed observation.LeadTradersPage) int {
	switch {
	case parsed.TotalPage >= 0:
		return parsed.TotalPage
	case len(parsed.Ranks) > 0:
		return page + 1
	case page <= 1:
		return 0
	default:
		return -1
	}
}

// Inspect reads paging metadata and the listed IDs of an unchanged page.
func (h *RankHandler) Inspect(task *crawler.Task, page int, resp crawler.FetchResponse) (crawler.PageResult, error) {
	if len(resp.Body) == 0 {
		h.track(task.ID, page, nil, true)
		return crawler.PageResult{TotalPage: -1}, nil
	}
	parsed, err := ParseLeadTraders(resp.Body)
	if err != nil {
		return crawler.PageResult{}, err
	}
	h.track(task.ID, page, parsed.Ranks, false)
	return crawler.PageResult{TotalPage: rankTotal(page, parsed), DataVer: parsed.DataVer, Items: len(parsed.Ranks)}, nil
}

// Rejected leaves the ranking alone; the worker fails the task.
func (h *RankHandler) Rejected(_ context.Context, task *crawler.Task, resp crawler.FetchResponse, _ time.Time) error {
	h.forget(task.ID)
	h.logger.Warn("rank page rejected", zap.Int64("task_id", task.ID), zap.Int("status", resp.StatusCode))
	return nil
}

// Complete reconciles missing projects when this process saw every page of
// an unfiltered ranking.
func (h *RankHandler) Complete(ctx context.Context, task *crawler.Task, now time.Time) error {
	progress := h.forget(task.ID)
	params, err := crawler.DecodeParams(task.ParamsJSON)
	if err != nil {
		return err
	}
	if LeadTradersQueryFromParams(params).Filtered() {
		return nil
	}
	if !progress.complete(task.TotalPage) {
		h.logger.Info("skipping missing-project reconcile, ranking not fully observed",
			zap.Int64("task_id", task.ID), zap.String("window", task.Key.WindowKey))
		return nil
	}

	reason := "absent from rank window " + task.Key.WindowKey
	marked, err := h.ingestor.ReconcileMissing(ctx, task.Key.Exchange, progress.seen, task.CreatedAt, now, reason)
	if err != nil {
		return fmt.Errorf("reconcile missing projects: %w", err)
	}
	h.logger.Info("rank reconciled",
		zap.Int64("task_id", task.ID), zap.Int("seen", len(progress.seen)), zap.Int("marked_missing", marked))
	return nil
}

func (h *RankHandler) track(taskID int64, page int, ranks []observation.ProjectBrief, blind bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.progress[taskID]
	if !ok || page == 1 {
		p = &rankProgress{pages: map[int]struct{}{}, seen: map[string]struct{}{}}
		h.progress[taskID] = p
		h.evictLocked()
	}
	p.pages[page] = struct{}{}
	p.blind = p.blind || blind
	for _, r := range ranks {
		if id := strings.TrimSpace(r.ExternalID); id != "" {
			p.seen[id] = struct{}{}
		}
	}
}

func (h *RankHandler) forget(taskID int64) *rankProgress {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.progress[taskID]
	delete(h.progress, taskID)
	return p
}

// evictLocked bounds memory held for tasks that failed or moved to another
// worker. Task IDs grow, so the smallest are the oldest.
func (h *RankHandler) evictLocked() {
	if len(h.progress) <= maxTrackedRankTasks {
		return
	}
	ids := make([]int64, 0, len(h.progress))
	for id := range h.progress {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids[:len(ids)-maxTrackedRankTasks] {
		delete(h.progress, id)
	}
}

func (p *rankProgress) complete(totalPage *int) bool {
	if p == nil || p.blind || totalPage == nil || *totalPage < 1 || len(p.seen) == 0 {
		return false
	}
	for page := 1; page <= *totalPage; page++ {
		if _, ok := p.pages[page]; !ok {
			return false
		}
	}
	return true
}

// StatsHandler crawls the public stats of one lead trader.
type StatsHandler struct {
	endpoint
	ingestor Ingestor
}

var _ crawler.PageHandler = (*StatsHandler)(nil)

// NewStatsHandler creates a StatsHandler.
func NewStatsHandler(baseURL string, ingestor Ingestor, logger *zap.Logger) *StatsHandler {
	return &StatsHandler{endpoint: newEndpoint(baseURL, PathPublicStats, logger, "okx.stats"), ingestor: ingestor}
}

// BuildRequest ignores page; stats are a single page.
func (h *StatsHandler) BuildRequest(task *crawler.Task, _ int) (crawler.FetchRequest, error) {
	_, params, err := projectKey(task)
	if err != nil {
		return crawler.FetchRequest{}, err
	}
	return h.request(task, params), nil
}

// HandlePage applies the stats as project detail. A trader OKX refuses or
// has no stats for is marked hidden.
func (h *StatsHandler) HandlePage(
	ctx context.Context,
	task *crawler.Task,
	_ int,
	resp crawler.FetchResponse,
	now time.Time,
) (crawler.PageResult, error) {
	key, _, err := projectKey(task)
	if err != nil {
		return crawler.PageResult{}, err
	}
	detail, err := ParseStats(resp.Body)
	if err != nil {
		if !errors.Is(err, crawler.ErrPermanent) {
			return crawler.PageResult{}, err
		}
		if err := h.ingestor.MarkHidden(ctx, key, now, err.Error()); err != nil {
			return crawler.PageResult{}, err
		}
		return crawler.PageResult{TotalPage: 1}, nil
	}
	if err := h.ingestor.ApplyDetail(ctx, key, detail, now); err != nil {
		return crawler.PageResult{}, err
	}
	return crawler.PageResult{TotalPage: 1, Items: 1}, nil
}

// Inspect reports the single page.
func (h *StatsHandler) Inspect(*crawler.Task, int, crawler.FetchResponse) (crawler.PageResult, error) {
	return crawler.PageResult{TotalPage: 1}, nil
}

// Rejected hides the project the detail was refused for.
func (h *StatsHandler) Rejected(ctx context.Context, task *crawler.Task, resp crawler.FetchResponse, now time.Time) error {
	key, _, err := projectKey(task)
	if err != nil {
		return err
	}
	return h.ingestor.MarkHidden(ctx, key, now, rejectionReason(resp))
}

// Complete has nothing to finish.
func (h *StatsHandler) Complete(context.Context, *crawler.Task, time.Time) error {
	return nil
}

// SubpositionsHandler crawls the closed-position history of one lead trader.
type SubpositionsHandler struct {
	endpoint
	ingestor Ingestor
}

var _ crawler.PageHandler = (*SubpositionsHandler)(nil)

// NewSubpositionsHandler creates a SubpositionsHandler.
func NewSubpositionsHandler(baseURL string, ingestor Ingestor, logger *zap.Logger) *SubpositionsHandler {
	return &SubpositionsHandler{
		endpoint: newEndpoint(baseURL, PathSubpositionsHistory, logger, "okx.subpositions"),
		ingestor: ingestor,
	}
}

// BuildRequest ignores page; the history endpoint returns the latest rows.
func (h *SubpositionsHandler) BuildRequest(task *crawler.Task, _ int) (crawler.FetchRequest, error) {
	_, params, err := projectKey(task)
	if err != nil {
		return crawler.FetchRequest{}, err
	}
	return h.request(task, params), nil
}

// HandlePage ingests the trades of the page.
func (h *SubpositionsHandler) HandlePage(
	ctx context.Context,
	task *crawler.Task,
	_ int,
	resp crawler.FetchResponse,
	_ time.Time,
) (crawler.PageResult, error) {
	key, _, err := projectKey(task)
	if err != nil {
		return crawler.PageResult{}, err
	}
	parsed, err := ParseSubpositions(resp.Body, key)
	if err != nil {
		return crawler.PageResult{}, err
	}
	counts, err := h.ingestor.IngestTrades(ctx, parsed.Trades)
	if err != nil {
		return crawler.PageResult{}, err
	}
	h.logger.Debug("trades ingested",
		zap.String("project", key.String()),
		zap.Int("inserted", counts.Inserted),
		zap.Int("duplicates", counts.Duplicates),
		zap.Int("rejected", counts.Rejected+parsed.Skipped))
	return crawler.PageResult{TotalPage: 1, Items: len(parsed.Trades)}, nil
}

// Inspect reports the single page.
func (h *SubpositionsHandler) Inspect(*crawler.Task, int, crawler.FetchResponse) (crawler.PageResult, error) {
	return crawler.PageResult{TotalPage: 1}, nil
}

// Rejected is logged; trade history of a hidden trader is not an error.
func (h *SubpositionsHandler) Rejected(_ context.Context, task *crawler.Task, resp crawler.FetchResponse, _ time.Time) error {
	h.logger.Info("trade history rejected", zap.Int64("task_id", task.ID), zap.Int("status", resp.StatusCode))
	return nil
}

// Complete has nothing to finish.
func (h *SubpositionsHandler) Complete(context.Context, *crawler.Task, time.Time) error {
	return nil
}
