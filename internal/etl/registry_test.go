package etl

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runLog struct {
	mu    sync.Mutex
	order []string
}

func (l *runLog) append(name string) {
	l.mu.Lock()
	l.order = append(l.order, name)
	l.mu.Unlock()
}

func (l *runLog) index(name string) int {
	for i, n := range l.order {
		if n == name {
			return i
		}
	}
	return -1
}

func registryWith(t *testing.T, log *runLog, jobs ...*Job) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, job := range jobs {
		if job.Run == nil {
			name := job.Name
			job.Run = func(context.Context) error {
				log.append(name)
				return nil
			}
		}
		require.NoError(t, r.Register(job))
	}
	return r
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Job{Name: "a", Run: func(context.Context) error { return nil }}))
	assert.Error(t, r.Register(&Job{Name: "a", Run: func(context.Context) error { return nil }}))
	assert.Error(t, r.Register(&Job{Run: func(context.Context) error { return nil }}))
}

func TestResolveUnknownName(t *testing.T) {
	r := registryWith(t, &runLog{}, &Job{Name: "a"})
	_, err := r.Resolve([]string{"nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestResolveGroupAlias(t *testing.T) {
	log := &runLog{}
	r := registryWith(t, log,
		&Job{Name: "a", Groups: []string{"daily"}},
		&Job{Name: "b", Groups: []string{"weekly"}},
		&Job{Name: "c", Groups: []string{"daily", "weekly"}},
	)

	plan, err := r.Resolve([]string{"daily"})
	require.NoError(t, err)

	names := make([]string, 0, len(plan))
	for _, job := range plan {
		names = append(names, job.Name)
	}
	assert.ElementsMatch(t, []string{"a", "c"}, names)
}

func TestResolveDefaultsToAll(t *testing.T) {
	r := registryWith(t, &runLog{}, &Job{Name: "a"}, &Job{Name: "b"})
	plan, err := r.Resolve(nil)
	require.NoError(t, err)
	assert.Len(t, plan, 2)
}

func TestResolvePullsDependenciesInOrder(t *testing.T) {
	log := &runLog{}
	r := registryWith(t, log,
		&Job{Name: "dims"},
		&Job{Name: "fact_rotacion", DependsOn: []string{"dims"}},
	)

	plan, err := r.Resolve([]string{"fact_rotacion"})
	require.NoError(t, err)

	require.Len(t, plan, 2)
	assert.Equal(t, "dims", plan[0].Name)
	assert.Equal(t, "fact_rotacion", plan[1].Name)
}

func TestResolveDetectsCycle(t *testing.T) {
	log := &runLog{}
	r := registryWith(t, log,
		&Job{Name: "a", DependsOn: []string{"b"}},
		&Job{Name: "b", DependsOn: []string{"a"}},
	)

	_, err := r.Resolve([]string{"a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestRunJobsSequential(t *testing.T) {
	log := &runLog{}
	r := registryWith(t, log,
		&Job{Name: "dims"},
		&Job{Name: "fact_rotacion", DependsOn: []string{"dims"}},
	)

	require.NoError(t, r.RunJobs(context.Background(), []string{"fact_rotacion"}, false, 1))
	assert.Equal(t, []string{"dims", "fact_rotacion"}, log.order)
}

func TestRunJobsContinuesAfterFailure(t *testing.T) {
	log := &runLog{}
	boom := errors.New("boom")
	r := registryWith(t, log,
		&Job{Name: "bad", Run: func(context.Context) error { return boom }},
		&Job{Name: "good"},
	)

	err := r.RunJobs(context.Background(), []string{"all"}, false, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, log.order, "good", "independent job still ran")
}

func TestRunJobsSkipsDependentsOfFailedJobs(t *testing.T) {
	log := &runLog{}
	boom := errors.New("boom")
	r := registryWith(t, log,
		&Job{Name: "dims", Run: func(context.Context) error { return boom }},
		&Job{Name: "fact_rotacion", DependsOn: []string{"dims"}},
	)

	err := r.RunJobs(context.Background(), []string{"fact_rotacion"}, false, 1)
	require.Error(t, err)
	assert.NotContains(t, log.order, "fact_rotacion", "dependent of a failed job never runs")
	assert.Contains(t, err.Error(), "skipped")
}

func TestRunJobsParallel(t *testing.T) {
	log := &runLog{}
	r := registryWith(t, log,
		&Job{Name: "a"},
		&Job{Name: "b"},
		&Job{Name: "c", DependsOn: []string{"a", "b"}},
	)

	require.NoError(t, r.RunJobs(context.Background(), []string{"c", "a", "b"}, true, 4))

	require.Len(t, log.order, 3)
	assert.Greater(t, log.index("c"), log.index("a"))
	assert.Greater(t, log.index("c"), log.index("b"))
}

func TestRunJobsParallelSkipsDependentsOfFailures(t *testing.T) {
	log := &runLog{}
	boom := errors.New("boom")
	r := registryWith(t, log,
		&Job{Name: "a", Run: func(context.Context) error { return boom }},
		&Job{Name: "b", DependsOn: []string{"a"}},
		&Job{Name: "c"},
	)

	err := r.RunJobs(context.Background(), []string{"all"}, true, 4)
	require.Error(t, err)
	assert.NotContains(t, log.order, "b")
	assert.Contains(t, log.order, "c")
}
