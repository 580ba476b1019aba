// Package planner turns the crawl schedule into tasks in the task store.
package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/smartfollow/harvester/internal/crawler"
	"github.com/smartfollow/harvester/internal/domain"
	"github.com/smartfollow/harvester/internal/okx"
	"github.com/smartfollow/harvester/internal/store"
)

// Config is the crawl schedule. Each window yields at most one task per
// API and parameter set.
type Config struct {
	Interval     time.Duration
	RankWindow   time.Duration
	DetailWindow time.Duration
	TradeWindow  time.Duration
	Rank         okx.LeadTradersQuery
	LastDays     string
	TradeLimit   int
	// MaxProjects caps per-project tasks per pass; zero means no cap.
	MaxProjects int
	// Details and Trades toggle per-project tasks.
	Details bool
	Trades  bool
}

// Summary counts what one planning pass did.
type Summary struct {
	Created  int
	Existing int
	Expired  int
}

const expirePageSize = 500

var errLeaseHeld = errors.New("lease held")

// Planner ensures the tasks for the current windows exist.
type Planner struct {
	tasks    store.TaskRepository
	projects store.ProjectRepository
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger
}

// New builds a Planner.
func New(tasks store.TaskRepository, projects store.ProjectRepository, clock crawler.Clock, cfg Config, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.RankWindow <= 0 {
		cfg.RankWindow = 10 * time.Minute
	}
	if cfg.DetailWindow <= 0 {
		cfg.DetailWindow = time.Hour
	}
	if cfg.TradeWindow <= 0 {
		cfg.TradeWindow = time.Hour
	}
	cfg.Rank = cfg.Rank.Normalize()
	return &Planner{tasks: tasks, projects: projects, clock: clock, cfg: cfg, logger: logger.Named("planner")}
}

// Run plans once immediately and then on every interval until ctx ends.
func (p *Planner) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := p.Plan(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("planning pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Plan expires open tasks of closed windows, then ensures the rank task and,
// for every visible project, the detail and trade history tasks of the
// current windows.
func (p *Planner) Plan(ctx context.Context) (Summary, error) {
	now := p.clock.Now()
	var sum Summary

	expired, err := p.Expire(ctx, now)
	sum.Expired = expired
	if err != nil {
		return sum, err
	}

	if err := p.ensure(ctx, okx.APILeadTraders, p.cfg.Rank.Params(), now, p.cfg.RankWindow, &sum); err != nil {
		return sum, err
	}
	if !p.cfg.Details && !p.cfg.Trades {
		return sum, nil
	}

	visible, err := p.projects.ListVisibleSeenBefore(ctx, domain.ExchangeOKX, now.Add(time.Nanosecond))
	if err != nil {
		return sum, fmt.Errorf("list visible projects: %w", err)
	}
	if p.cfg.MaxProjects > 0 && len(visible) > p.cfg.MaxProjects {
		visible = visible[:p.cfg.MaxProjects]
	}
	instType := p.cfg.Rank.InstType
	for _, project := range visible {
		id := project.Key.ExternalID
		if p.cfg.Details {
			if err := p.ensure(ctx, okx.APIPublicStats, okx.StatsParams(instType, id, p.cfg.LastDays), now, p.cfg.DetailWindow, &sum); err != nil {
				return sum, err
			}
		}
		if p.cfg.Trades {
			if err := p.ensure(ctx, okx.APISubpositionsHistory, okx.SubpositionsParams(instType, id, p.cfg.TradeLimit), now, p.cfg.TradeWindow, &sum); err != nil {
				return sum, err
			}
		}
	}
	p.logger.Debug("planning pass done",
		zap.Int("created", sum.Created), zap.Int("existing", sum.Existing),
		zap.Int("expired", sum.Expired), zap.Int("projects", len(visible)))
	return sum, nil
}

func (p *Planner) ensure(
	ctx context.Context,
	api string,
	params map[string]string,
	now time.Time,
	window time.Duration,
	sum *Summary,
) error {
	planned, err := okx.PlanTask(api, params, now, window)
	if err != nil {
		return fmt.Errorf("plan %s: %w", api, err)
	}
	task, err := crawler.NewTask(planned.Key, planned.ParamsJSON, now)
	if err != nil {
		return fmt.Errorf("plan %s: %w", api, err)
	}
	_, created, err := p.tasks.Ensure(ctx, task)
	if err != nil {
		return fmt.Errorf("ensure %s task: %w", api, err)
	}
	if created {
		sum.Created++
	} else {
		sum.Existing++
	}
	return nil
}

// Expire marks EXPIRED every open OKX task whose window closed at or before
// now. Tasks a worker still holds a live lease on are left alone; the next
// pass picks them up once the lease lapses.
func (p *Planner) Expire(ctx context.Context, now time.Time) (int, error) {
	var stale []*crawler.Task
	for _, status := range []crawler.TaskStatus{crawler.TaskPending, crawler.TaskRunning} {
		for offset := 0; ; offset += expirePageSize {
			page, err := p.tasks.List(ctx, store.TaskFilter{
				Exchange: domain.ExchangeOKX,
				Status:   status,
				Limit:    expirePageSize,
				Offset:   offset,
			})
			if err != nil {
				return 0, fmt.Errorf("list %s tasks: %w", status, err)
			}
			for _, task := range page {
				if p.windowClosed(task.Key, now) && !task.HasValidLock(now) {
					stale = append(stale, task)
				}
			}
			if len(page) < expirePageSize {
				break
			}
		}
	}

	expired := 0
	for _, task := range stale {
		_, err := p.tasks.Update(ctx, task.ID, func(t *crawler.Task) error {
			if t.HasValidLock(now) {
				return errLeaseHeld
			}
			if err := t.MarkExpired(); err != nil {
				return err
			}
			t.UpdatedAt = now.UTC()
			return nil
		})
		switch {
		case err == nil:
			expired++
			p.logger.Info("task window closed",
				zap.Int64("task_id", task.ID), zap.String("key", task.Key.String()))
		case errors.Is(err, errLeaseHeld), domain.IsStateConflict(err), errors.Is(err, store.ErrNotFound):
			// Leased or finished since the listing.
		default:
			return expired, fmt.Errorf("expire task %d: %w", task.ID, err)
		}
	}
	return expired, nil
}

func (p *Planner) windowClosed(key crawler.TaskKey, now time.Time) bool {
	var window time.Duration
	switch key.APIName {
	case okx.APILeadTraders:
		window = p.cfg.RankWindow
	case okx.APIPublicStats:
		window = p.cfg.DetailWindow
	case okx.APISubpositionsHistory:
		window = p.cfg.TradeWindow
	default:
		return false
	}
	start, err := okx.WindowStart(key.WindowKey)
	if err != nil {
		return false
	}
	return !now.Before(start.Add(window))
}
