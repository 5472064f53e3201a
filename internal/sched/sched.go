// Package sched runs the daemon's long-lived tasks together. The first task
// to fail cancels the rest.
package sched

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"
)

// Task is one long-lived loop. It returns nil when ctx is done.
type Task func(ctx context.Context) error

type named struct {
	name string
	fn   Task
}

// Runner collects tasks and runs them under one context.
type Runner struct {
	tasks []named
}

// Add registers fn under name. Nil tasks are ignored.
func (r *Runner) Add(name string, fn Task) {
	if fn == nil {
		return
	}
	r.tasks = append(r.tasks, named{name: name, fn: fn})
}

// Len returns the number of registered tasks.
func (r *Runner) Len() int { return len(r.tasks) }

// Run starts every task and waits for all of them. It returns the first
// task error, wrapped with the task name, or nil once ctx is cancelled and
// every task has returned.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range r.tasks {
		t := t
		g.Go(func() error {
			log.Printf("sched: %s started", t.name)
			err := t.fn(ctx)
			if err != nil && ctx.Err() == nil {
				log.Printf("sched: %s failed: %v", t.name, err)
				return fmt.Errorf("%s: %w", t.name, err)
			}
			log.Printf("sched: %s stopped", t.name)
			return nil
		})
	}
	return g.Wait()
}
