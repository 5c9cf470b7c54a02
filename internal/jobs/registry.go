package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"voice-transcriber/internal/domain"
)

// Registry is the authoritative in-process table of job records. It is
// created at process start, injected into every component that touches job
// state, and drained at shutdown.
type Registry struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	newID func() string
	now   func() time.Time
}

// NewRegistry creates an empty registry with real ID and clock sources.
func NewRegistry() *Registry {
	return &Registry{
		jobs:  make(map[string]*Job),
		newID: uuid.NewString,
		now:   time.Now,
	}
}

// Create registers a fresh job record in processing state. The record is
// visible to readers before Create returns, so a status query issued right
// after the accept response cannot miss it.
func (r *Registry) Create(ownerID, filename, language, originalFile string, sizeBytes int64) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:           r.newID(),
		OwnerID:      ownerID,
		Filename:     filename,
		Language:     language,
		OriginalFile: originalFile,
		SizeBytes:    sizeBytes,
		StartTime:    r.now(),
		ctx:          ctx,
		cancel:       cancel,
		status:       domain.JobStatusProcessing,
		progress:     0,
		stage:        "Preparing upload...",
	}
	if originalFile != "" {
		job.tempFiles = append(job.tempFiles, originalFile)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
	return job
}

// Get returns the job for id, if present.
func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	return job, ok
}

// Remove deregisters a job. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
}

// OwnedBy returns every registered job belonging to ownerID.
func (r *Registry) OwnedBy(ownerID string) []*Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var owned []*Job
	for _, job := range r.jobs {
		if job.OwnerID == ownerID {
			owned = append(owned, job)
		}
	}
	return owned
}

// Stale returns jobs whose start time is older than maxAge, for the
// orphan sweep to force-clean.
func (r *Registry) Stale(maxAge time.Duration) []*Job {
	cutoff := r.now().Add(-maxAge)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []*Job
	for _, job := range r.jobs {
		if job.StartTime.Before(cutoff) {
			stale = append(stale, job)
		}
	}
	return stale
}

// Drain interrupts every registered job and empties the table. Used at
// shutdown.
func (r *Registry) Drain() []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	drained := make([]*Job, 0, len(r.jobs))
	for id, job := range r.jobs {
		job.cancel()
		drained = append(drained, job)
		delete(r.jobs, id)
	}
	return drained
}

// Len reports the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// NewRegistryForTests creates a registry with injectable ID and clock.
func NewRegistryForTests(newID func() string, now func() time.Time) *Registry {
	return &Registry{
		jobs:  make(map[string]*Job),
		newID: newID,
		now:   now,
	}
}
