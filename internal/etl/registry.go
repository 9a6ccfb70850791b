// Package etl holds the batch-job registry: named jobs, group aliases and an
// explicit dependency map that is checked before anything executes, so stage
// ordering never relies on incidental registration order.
package etl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gestioncompras/rotacion-etl/pkg/logger"
)

// Job is one runnable ETL unit.
type Job struct {
	Name        string
	Description string
	Groups      []string
	DependsOn   []string
	Run         func(ctx context.Context) error
}

// Registry indexes jobs by name and group alias.
type Registry struct {
	jobs  map[string]*Job
	order []string
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

func (r *Registry) Register(job *Job) error {
	if job.Name == "" {
		return errors.New("job name is required")
	}
	if _, dup := r.jobs[job.Name]; dup {
		return fmt.Errorf("job %q already registered", job.Name)
	}
	r.jobs[job.Name] = job
	r.order = append(r.order, job.Name)
	return nil
}

// Jobs returns all jobs in registration order.
func (r *Registry) Jobs() []*Job {
	out := make([]*Job, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.jobs[name])
	}
	return out
}

// Resolve expands names and group aliases ("all" selects everything) into an
// execution plan: requested jobs plus their transitive dependencies, in
// dependency order. Unknown names and dependency cycles are errors.
func (r *Registry) Resolve(names []string) ([]*Job, error) {
	selected := make(map[string]bool)

	if len(names) == 0 {
		names = []string{"all"}
	}

	for _, name := range names {
		if job, ok := r.jobs[name]; ok {
			selected[job.Name] = true
			continue
		}

		matched := false
		for _, job := range r.jobs {
			if name == "all" {
				selected[job.Name] = true
				matched = true
				continue
			}
			for _, group := range job.Groups {
				if group == name {
					selected[job.Name] = true
					matched = true
				}
			}
		}
		if !matched {
			return nil, fmt.Errorf("unknown job or group %q", name)
		}
	}

	// Pull in transitive dependencies.
	queue := make([]string, 0, len(selected))
	for name := range selected {
		queue = append(queue, name)
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		job := r.jobs[name]
		if job == nil {
			return nil, fmt.Errorf("job %q depends on unknown job", name)
		}
		for _, dep := range job.DependsOn {
			if !selected[dep] {
				selected[dep] = true
				queue = append(queue, dep)
			}
		}
	}

	return r.sortByDependency(selected)
}

func (r *Registry) sortByDependency(selected map[string]bool) ([]*Job, error) {
	names := make([]string, 0, len(selected))
	for name := range selected {
		names = append(names, name)
	}
	sort.Strings(names)

	var ordered []*Job
	state := make(map[string]int) // 0 unvisited, 1 visiting, 2 done

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case 2:
			return nil
		case 1:
			return fmt.Errorf("dependency cycle through job %q", name)
		}
		state[name] = 1
		job, ok := r.jobs[name]
		if !ok {
			return fmt.Errorf("job %q depends on unknown job", name)
		}
		for _, dep := range job.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = 2
		ordered = append(ordered, job)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	return ordered, nil
}

// RunJobs executes the resolved plan. Sequentially by default; with parallel
// enabled, jobs whose dependencies are satisfied run concurrently up to the
// worker bound. Every requested job is attempted even after failures, except
// jobs whose dependencies failed. Returns the joined failures.
func (r *Registry) RunJobs(ctx context.Context, names []string, parallel bool, workers int) error {
	plan, err := r.Resolve(names)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	failed := make(map[string]error)
	markFailed := func(name string, err error) {
		mu.Lock()
		failed[name] = err
		mu.Unlock()
	}
	failedDep := func(job *Job) string {
		mu.Lock()
		defer mu.Unlock()
		for _, dep := range job.DependsOn {
			if failed[dep] != nil {
				return dep
			}
		}
		return ""
	}

	runOne := func(job *Job) error {
		if dep := failedDep(job); dep != "" {
			err := fmt.Errorf("job %s skipped: dependency %s failed", job.Name, dep)
			markFailed(job.Name, err)
			return err
		}

		start := time.Now()
		logger.Log.Info().Str("job", job.Name).Msg("job started")
		if err := job.Run(ctx); err != nil {
			markFailed(job.Name, err)
			logger.Log.Error().Str("job", job.Name).Err(err).Msg("job failed")
			return fmt.Errorf("job %s: %w", job.Name, err)
		}
		logger.Log.Info().Str("job", job.Name).Dur("elapsed", time.Since(start)).Msg("job finished")
		return nil
	}

	var errs []error
	if !parallel {
		for _, job := range plan {
			if err := runOne(job); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	if workers < 1 {
		workers = 2
	}

	// Run level by level: all jobs whose dependencies completed in earlier
	// levels are independent of each other.
	remaining := plan
	doneJobs := make(map[string]bool)
	for len(remaining) > 0 {
		var level, next []*Job
		for _, job := range remaining {
			ready := true
			for _, dep := range job.DependsOn {
				if !doneJobs[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, job)
			} else {
				next = append(next, job)
			}
		}
		if len(level) == 0 {
			// Remaining jobs all wait on failed dependencies.
			for _, job := range remaining {
				err := runOne(job)
				errs = append(errs, err)
			}
			break
		}

		var g errgroup.Group
		g.SetLimit(workers)
		levelErrs := make([]error, len(level))
		for i, job := range level {
			i, job := i, job
			g.Go(func() error {
				levelErrs[i] = runOne(job)
				return nil
			})
		}
		_ = g.Wait()
		for _, err := range levelErrs {
			if err != nil {
				errs = append(errs, err)
			}
		}

		for _, job := range level {
			doneJobs[job.Name] = true
		}
		remaining = next
	}

	return errors.Join(errs...)
}
