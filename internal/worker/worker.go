// Package worker implements the crawl task execution loop.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smartfollow/harvester/internal/crawler"
	"github.com/smartfollow/harvester/internal/domain"
	"github.com/smartfollow/harvester/internal/metrics"
	"github.com/smartfollow/harvester/internal/store"
)

const tracerName = "github.com/smartfollow/harvester/internal/worker"

// Config controls Worker behavior.
type Config struct {
	WorkerID     string
	LeaseTTL     time.Duration
	PollInterval time.Duration
	ContentType  string
}

// Deps are the collaborators a Worker drives. Blobs and IDs are optional.
type Deps struct {
	Tasks    store.TaskRepository
	Logs     store.LogRepository
	Blobs    crawler.BlobStore
	Fetcher  crawler.Fetcher
	Handlers map[string]crawler.PageHandler
	Hasher   crawler.Hasher
	Clock    crawler.Clock
	IDs      crawler.IDGenerator
	Retry    crawler.RetryPolicy
}

// Worker leases tasks and walks their pages.
type Worker struct {
	tasks    store.TaskRepository
	logs     store.LogRepository
	blobs    crawler.BlobStore
	fetcher  crawler.Fetcher
	handlers map[string]crawler.PageHandler
	hasher   crawler.Hasher
	clock    crawler.Clock
	ids      crawler.IDGenerator
	retry    crawler.RetryPolicy
	cfg      Config
	ttlSec   int
	tracer   trace.Tracer
	logger   *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker"
	}
	retry := deps.Retry
	if retry == nil {
		retry = crawler.NewExponentialRetryPolicy(0, 0, 0)
	}
	ttl := int(cfg.LeaseTTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	return &Worker{
		tasks:    deps.Tasks,
		logs:     deps.Logs,
		blobs:    deps.Blobs,
		fetcher:  deps.Fetcher,
		handlers: deps.Handlers,
		hasher:   deps.Hasher,
		clock:    deps.Clock,
		ids:      deps.IDs,
		retry:    retry,
		cfg:      cfg,
		ttlSec:   ttl,
		tracer:   otel.Tracer(tracerName),
		logger:   logger.With(zap.String("worker_id", cfg.WorkerID)),
	}
}

// ID returns the lease holder name of this worker.
func (w *Worker) ID() string {
	return w.cfg.WorkerID
}

// Run blocks, leasing and executing tasks until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	for {
		ran, err := w.ProcessNext(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.logger.Error("task run failed", zap.Error(err))
		}
		if ran {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// ProcessNext leases the next runnable task and executes it. It reports
// false when there was nothing to do.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	task, err := w.tasks.AcquireNext(ctx, w.cfg.WorkerID, w.clock.Now(), w.ttlSec)
	switch {
	case errors.Is(err, store.ErrNoTask), errors.Is(err, store.ErrLeaseBusy):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("acquire next task: %w", err)
	}
	return true, w.execute(ctx, task)
}

// RunTask leases task id and executes it. A lost acquire race returns
// store.ErrLeaseBusy.
func (w *Worker) RunTask(ctx context.Context, id int64) error {
	task, err := w.tasks.Acquire(ctx, id, w.cfg.WorkerID, w.clock.Now(), w.ttlSec)
	if err != nil {
		return fmt.Errorf("acquire task %d: %w", id, err)
	}
	return w.execute(ctx, task)
}

func (w *Worker) execute(ctx context.Context, task *crawler.Task) error {
	api := task.Key.APIName
	ctx, span := w.tracer.Start(ctx, "worker.task", trace.WithAttributes(
		attribute.Int64("task.id", task.ID),
		attribute.String("task.api", api),
		attribute.String("task.window", task.Key.WindowKey),
	))
	defer span.End()

	logger := w.logger.With(zap.Int64("task_id", task.ID), zap.String("api", api))
	logger.Debug("task leased", zap.Int("next_page", task.NextPage))

	err := w.runPages(ctx, task, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.ObserveTask(api, taskOutcome(task, err))
	return err
}

func (w *Worker) runPages(ctx context.Context, task *crawler.Task, logger *zap.Logger) error {
	handler, ok := w.handlers[task.Key.APIName]
	if !ok {
		return w.fail(ctx, task, fmt.Sprintf("no handler for api %s", task.Key.APIName), logger)
	}

	for !task.IsFinished() {
		if err := task.EnsureRunnable(w.clock.Now()); err != nil {
			return fmt.Errorf("task %d: %w: %w", task.ID, store.ErrLeaseLost, err)
		}
		page := task.NextPage
		pageErr := w.processPage(ctx, task, handler, page, logger)
		if ctx.Err() != nil {
			return fmt.Errorf("task %d interrupted: %w", task.ID, ctx.Err())
		}
		if errors.Is(pageErr, store.ErrLeaseLost) {
			return pageErr
		}
		if pageErr != nil {
			if err := task.RecordError(pageErr.Error()); err != nil {
				return fmt.Errorf("record error: %w", err)
			}
			if !w.shouldRetry(pageErr, task.Attempts) {
				return w.fail(ctx, task, pageErr.Error(), logger)
			}
			logger.Warn("page failed, retrying",
				zap.Int("page", page), zap.Int("attempts", task.Attempts), zap.Error(pageErr))
			if err := w.save(ctx, task); err != nil {
				return err
			}
			if err := sleepWithContext(ctx, w.retry.Backoff(task.Attempts)); err != nil {
				return fmt.Errorf("task %d interrupted: %w", task.ID, err)
			}
		}
		if err := task.Renew(w.cfg.WorkerID, w.clock.Now(), w.ttlSec); err != nil {
			return fmt.Errorf("task %d: %w: %w", task.ID, store.ErrLeaseLost, err)
		}
		if err := w.save(ctx, task); err != nil {
			return err
		}
	}

	if err := task.MarkDone(); err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	if err := w.save(ctx, task); err != nil {
		return err
	}
	logger.Info("task done", zap.Intp("total_page", task.TotalPage), zap.String("data_ver", task.DataVer))
	if err := handler.Complete(ctx, task, w.clock.Now()); err != nil {
		logger.Error("task completion hook failed", zap.Error(err))
	}
	return nil
}

// processPage fetches, logs and hands one page to the handler, then applies
// the result to the task cursor.
func (w *Worker) processPage(
	ctx context.Context,
	task *crawler.Task,
	handler crawler.PageHandler,
	page int,
	logger *zap.Logger,
) error {
	api := task.Key.APIName
	ctx, span := w.tracer.Start(ctx, "worker.page", trace.WithAttributes(attribute.Int("page", page)))
	defer span.End()

	req, err := handler.BuildRequest(task, page)
	if err != nil {
		return fmt.Errorf("build request page %d: %w", page, err)
	}
	req.TaskID = task.ID
	req.Exchange = task.Key.Exchange
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	span.SetAttributes(attribute.String("http.target", req.Target))

	prev, err := w.latestSuccess(ctx, req.Target)
	if err != nil {
		return err
	}
	// Page 1 must return a body until the page count is known.
	if prev != nil && task.TotalPage != nil {
		req.IfNoneMatch = prev.ETag
		req.IfModifiedSince = prev.LastModifiedRaw
	}

	logReq := crawler.LogRequest{
		TaskID:            task.ID,
		Exchange:          task.Key.Exchange,
		Target:            req.Target,
		Method:            req.Method,
		RequestParamsJSON: task.ParamsJSON,
		ParamsHash:        task.Key.ParamsHash,
	}
	started := w.clock.Now()
	resp, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("fetch page %d: %w", page, err)
		}
		metrics.ObserveFetch(api, metrics.FetchTransportError, 0)
		w.appendFailure(ctx, logReq, started, crawler.StatusNoResponse, err.Error(), logger)
		return fmt.Errorf("fetch page %d: %w", page, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StartedAt.IsZero() {
		resp.StartedAt = started
	}
	if resp.FinishedAt.IsZero() {
		resp.FinishedAt = w.clock.Now()
	}

	if !isUsable(resp.StatusCode) {
		return w.rejectStatus(ctx, task, handler, logReq, resp, logger)
	}

	log, err := w.appendSuccess(ctx, logReq, resp, prev)
	if err != nil {
		return err
	}
	unchanged := log.NotModified || log.SameContentAs(prev)
	if log.NotModified {
		metrics.ObserveFetch(api, metrics.FetchNotModified, 0)
	} else {
		metrics.ObserveFetch(api, metrics.FetchSuccess, len(resp.Body))
	}

	now := w.clock.Now()
	var result crawler.PageResult
	if unchanged {
		result, err = handler.Inspect(task, page, resp)
	} else {
		if err := w.archive(ctx, task, page, log.ContentHash, resp.Body); err != nil {
			return err
		}
		result, err = handler.HandlePage(ctx, task, page, resp, now)
	}
	if err != nil {
		metrics.ObservePage(api, metrics.PageRejected)
		return fmt.Errorf("handle page %d: %w", page, err)
	}
	if unchanged {
		metrics.ObservePage(api, metrics.PageUnchanged)
	} else {
		metrics.ObservePage(api, metrics.PageIngested)
	}
	logger.Debug("page processed",
		zap.Int("page", page), zap.Bool("unchanged", unchanged), zap.Int("items", result.Items))
	return applyResult(task, page, result)
}

func applyResult(task *crawler.Task, page int, result crawler.PageResult) error {
	if result.DataVer != "" {
		if err := task.PinDataVer(result.DataVer); err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}
	}
	if result.TotalPage >= 0 {
		if err := task.SetTotalPage(result.TotalPage); err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}
	}
	if task.TotalPage == nil {
		return fmt.Errorf("page %d: %w", page,
			domain.Invalid("apply page result", "page count still unknown"))
	}
	// The source may report fewer pages than the cursor, e.g. an empty ranking.
	if page > *task.TotalPage {
		return nil
	}
	if err := task.OnPageProcessed(page); err != nil {
		return fmt.Errorf("page %d: %w", page, err)
	}
	return nil
}

func (w *Worker) rejectStatus(
	ctx context.Context,
	task *crawler.Task,
	handler crawler.PageHandler,
	logReq crawler.LogRequest,
	resp crawler.FetchResponse,
	logger *zap.Logger,
) error {
	api := task.Key.APIName
	metrics.ObserveFetch(api, metrics.FetchHTTPError, len(resp.Body))
	msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
	w.appendFailure(ctx, logReq, resp.StartedAt, resp.StatusCode, msg, logger)
	if crawler.IsRetryableStatus(resp.StatusCode) {
		return errors.New(msg)
	}
	metrics.ObservePage(api, metrics.PageRejected)
	if err := handler.Rejected(ctx, task, resp, w.clock.Now()); err != nil {
		logger.Error("rejection hook failed", zap.Int("status", resp.StatusCode), zap.Error(err))
	}
	return fmt.Errorf("%w: %s", crawler.ErrPermanent, msg)
}

func (w *Worker) latestSuccess(ctx context.Context, target string) (*crawler.CrawlLog, error) {
	prev, err := w.logs.LatestSuccess(ctx, target)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest success log: %w", err)
	}
	return prev, nil
}

// appendSuccess records a usable response. A 304 inherits the validators and
// content hash of prev so the next request can still be conditional.
func (w *Worker) appendSuccess(
	ctx context.Context,
	req crawler.LogRequest,
	resp crawler.FetchResponse,
	prev *crawler.CrawlLog,
) (*crawler.CrawlLog, error) {
	var hash string
	if resp.StatusCode != http.StatusNotModified {
		h, err := w.hasher.Hash(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("hash body: %w", err)
		}
		hash = h
	} else if prev != nil {
		hash = prev.ContentHash
		if resp.ETag == "" {
			resp.ETag = prev.ETag
		}
		if resp.LastModifiedRaw == "" {
			resp.LastModifiedRaw = prev.LastModifiedRaw
			resp.LastModifiedAt = prev.LastModifiedAt
		}
	}
	log, err := crawler.NewSuccessLog(crawler.SuccessParams{
		LogRequest:      req,
		StartedAt:       resp.StartedAt,
		FinishedAt:      resp.FinishedAt,
		StatusCode:      resp.StatusCode,
		ContentLength:   resp.ContentLength,
		ETag:            resp.ETag,
		LastModifiedRaw: resp.LastModifiedRaw,
		LastModifiedAt:  resp.LastModifiedAt,
		ContentHash:     hash,
	})
	if err != nil {
		return nil, fmt.Errorf("build crawl log: %w", err)
	}
	if err := w.append(ctx, log); err != nil {
		return nil, err
	}
	return log, nil
}

// appendFailure records a failed attempt. A ledger write error is logged so
// the original failure still drives the retry decision.
func (w *Worker) appendFailure(
	ctx context.Context,
	req crawler.LogRequest,
	started time.Time,
	status int,
	msg string,
	logger *zap.Logger,
) {
	log, err := crawler.NewFailureLog(crawler.FailureParams{
		LogRequest: req,
		StartedAt:  started,
		FinishedAt: w.clock.Now(),
		StatusCode: status,
		ErrorMsg:   msg,
	})
	if err == nil {
		err = w.append(ctx, log)
	}
	if err != nil {
		logger.Error("crawl log write failed", zap.String("target", req.Target), zap.Error(err))
	}
}

func (w *Worker) append(ctx context.Context, log *crawler.CrawlLog) error {
	if w.ids != nil && log.ID == "" {
		id, err := w.ids.NewID()
		if err != nil {
			return fmt.Errorf("crawl log id: %w", err)
		}
		log.ID = id
	}
	if err := w.logs.Append(ctx, log); err != nil {
		return fmt.Errorf("append crawl log: %w", err)
	}
	return nil
}

func (w *Worker) archive(ctx context.Context, task *crawler.Task, page int, hash string, body []byte) error {
	if w.blobs == nil || len(body) == 0 {
		return nil
	}
	path := crawler.ArchivePath(task, page, hash)
	if _, err := w.blobs.PutObject(ctx, path, w.cfg.ContentType, bytes.NewReader(body)); err != nil {
		return fmt.Errorf("archive page %d: %w", page, err)
	}
	return nil
}

func (w *Worker) fail(ctx context.Context, task *crawler.Task, msg string, logger *zap.Logger) error {
	if err := task.MarkFailed(msg); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if err := w.save(ctx, task); err != nil {
		return err
	}
	logger.Warn("task failed", zap.Int("attempts", task.Attempts), zap.String("error", msg))
	return nil
}

func (w *Worker) save(ctx context.Context, task *crawler.Task) error {
	task.UpdatedAt = w.clock.Now().UTC()
	if err := w.tasks.Save(ctx, task, w.cfg.WorkerID); err != nil {
		return fmt.Errorf("save task %d: %w", task.ID, err)
	}
	return nil
}

func (w *Worker) shouldRetry(err error, attempts int) bool {
	if domain.IsStateConflict(err) {
		return false
	}
	return w.retry.ShouldRetry(err, attempts)
}

func isUsable(status int) bool {
	return status/100 == 2 || status == http.StatusNotModified
}

func taskOutcome(task *crawler.Task, err error) string {
	switch {
	case errors.Is(err, store.ErrLeaseLost):
		return "lease_lost"
	case err != nil && task.Status == crawler.TaskRunning:
		return "interrupted"
	default:
		return strings.ToLower(string(task.Status))
	}
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
