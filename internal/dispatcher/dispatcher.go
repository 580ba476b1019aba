// Package dispatcher manages worker fan-out over the task store.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/smartfollow/harvester/internal/crawler"
	"github.com/smartfollow/harvester/internal/store"
)

// Runner executes tasks until its context finishes.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher fans out leased tasks to a pool of workers. Workers coordinate
// through the store's atomic acquire, not through the dispatcher.
type Dispatcher struct {
	tasks   store.TaskRepository
	workers []Runner
}

// New creates a Dispatcher.
func New(tasks store.TaskRepository, workers []Runner) *Dispatcher {
	return &Dispatcher{
		tasks:   tasks,
		workers: workers,
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk Runner) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Submit stores task unless a task with the same key exists and returns the
// stored task.
func (d *Dispatcher) Submit(ctx context.Context, task *crawler.Task) (*crawler.Task, bool, error) {
	stored, created, err := d.tasks.Ensure(ctx, task)
	if err != nil {
		return nil, false, fmt.Errorf("task ensure: %w", err)
	}
	return stored, created, nil
}

// Cancel stops a task that has not finished.
func (d *Dispatcher) Cancel(ctx context.Context, id int64) (*crawler.Task, error) {
	task, err := d.tasks.Update(ctx, id, func(t *crawler.Task) error {
		return t.Cancel()
	})
	if err != nil {
		return nil, fmt.Errorf("task cancel: %w", err)
	}
	return task, nil
}
