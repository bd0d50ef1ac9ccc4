// Package jobs holds the in-memory job registry that status polling reads from.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonathan/mats/internal/types"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotFound      = errors.New("job not found")
	ErrAlreadyExists = errors.New("job already exists")
)

// Mutator changes a job inside Update. Returning an error discards every change.
type Mutator func(job *types.Job) error

type entry struct {
	mu  sync.Mutex
	job *types.Job
}

// Registry is a concurrency safe job store. The map is guarded by one
// RWMutex and each job by its own mutex, so updates to different jobs never
// wait on each other.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a pending job for toolOrder.
func (r *Registry) Create(id string, toolOrder []string) (*types.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	job := types.NewJob(id, toolOrder, r.now())
	r.entries[id] = &entry{job: job}
	return job.Clone(), nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Get returns a deep copy of the job.
func (r *Registry) Get(id string) (*types.Job, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

// Update applies fn to a copy of the job under the job's lock and stores the
// copy only if fn succeeds. It returns a copy of the stored job.
func (r *Registry) Update(id string, fn Mutator) (*types.Job, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.job.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	e.job = next
	return next.Clone(), nil
}

// List returns copies of every job, oldest first.
func (r *Registry) List() []*types.Job {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*types.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.job.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Evict removes terminal jobs that finished before cutoff and returns how many were removed.
func (r *Registry) Evict(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, e := range r.entries {
		e.mu.Lock()
		job := e.job
		expired := job.Status.IsTerminal() && job.FinishedAt != nil && job.FinishedAt.Before(cutoff)
		e.mu.Unlock()
		if expired {
			delete(r.entries, id)
			evicted++
		}
	}
	return evicted
}

// RunJanitor evicts expired jobs every interval until ctx is done.
func (r *Registry) RunJanitor(ctx context.Context, interval, retention time.Duration, logger logrus.FieldLogger) {
	if interval <= 0 || retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Evict(r.now().Add(-retention)); n > 0 {
				logger.WithField("count", n).Info("Evicted finished jobs from registry")
			}
		}
	}
}
