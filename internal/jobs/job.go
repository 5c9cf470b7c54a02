package jobs

import (
	"context"
	"sync"
	"time"

	"voice-transcriber/internal/domain"
)

// Job is one accepted transcription request and its runtime state. All
// mutation happens under the job's lock and publishes the matching event
// before the lock is released, so subscribers never observe updates out of
// order or after a terminal event.
type Job struct {
	ID           string
	OwnerID      string
	Filename     string
	Language     string
	OriginalFile string
	SizeBytes    int64
	StartTime    time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	status        domain.JobStatus
	progress      int
	stage         string
	cancelling    bool
	convertedFile string
	tempFiles     []string
	result        *domain.Result

	cleanupOnce sync.Once
}

// Context returns the cooperative cancellation handle passed to outbound
// calls for this job.
func (j *Job) Context() context.Context {
	return j.ctx
}

// Interrupt fires the job's cancellation token without touching observable
// state. The orphan sweep uses it after recording its own terminal event.
func (j *Job) Interrupt() {
	j.cancel()
}

// Snapshot returns a point-in-time copy of the job's observable state.
func (j *Job) Snapshot() domain.StatusSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

func (j *Job) snapshotLocked() domain.StatusSnapshot {
	return domain.StatusSnapshot{
		JobID:      j.ID,
		Status:     j.status,
		Progress:   j.progress,
		Stage:      j.stage,
		Filename:   j.Filename,
		Cancelling: j.cancelling,
		Result:     j.result,
	}
}

// Status returns the current lifecycle status.
func (j *Job) Status() domain.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Cancelling reports whether the cancellation latch has been set.
func (j *Job) Cancelling() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelling
}

// AddTempFiles records transient artifacts that must be removed during
// cleanup. Append-only until cleanup runs.
func (j *Job) AddTempFiles(paths ...string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.tempFiles = append(j.tempFiles, paths...)
}

// SetConvertedFile records the transcoded copy as the active artifact.
func (j *Job) SetConvertedFile(path string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.convertedFile = path
	j.tempFiles = append(j.tempFiles, path)
}

// ConvertedFile returns the transcoded copy path, if any.
func (j *Job) ConvertedFile() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.convertedFile
}

// CleanupTargets returns every path this job owns, deduplicated, in the
// order they were registered.
func (j *Job) CleanupTargets() []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	seen := make(map[string]struct{}, len(j.tempFiles)+2)
	targets := make([]string, 0, len(j.tempFiles)+2)
	for _, path := range append(append([]string{}, j.tempFiles...), j.OriginalFile, j.convertedFile) {
		if path == "" {
			continue
		}
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		targets = append(targets, path)
	}
	return targets
}

// RunCleanup invokes fn with the cleanup targets at most once per job,
// regardless of how many paths (cancel, failure, completion, sweep) race
// to trigger it.
func (j *Job) RunCleanup(fn func(paths []string)) {
	j.cleanupOnce.Do(func() {
		fn(j.CleanupTargets())
	})
}

// UpdateProgress applies a monotone progress/stage update and publishes a
// status-update event. It is a no-op once the job is cancelling or terminal,
// and progress never decreases.
func (j *Job) UpdateProgress(hub *Hub, progress int, stage string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cancelling || j.status.IsTerminal() {
		return
	}
	if progress > j.progress {
		j.progress = progress
	}
	j.stage = stage
	j.publishLocked(hub, Event{Type: EventStatusUpdate})
}

// BeginCancel sets the cancellation latch, interrupts in-flight work via
// the job's context, and publishes the cancelling state. It returns false
// when the latch was already set or the job already reached a terminal
// state, in which case nothing is emitted.
func (j *Job) BeginCancel(hub *Hub) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cancelling || j.status.IsTerminal() {
		return false
	}
	j.cancelling = true
	j.status = domain.JobStatusCancelling
	j.stage = "Cancelling transcription..."
	j.cancel()
	j.publishLocked(hub, Event{Type: EventStatusUpdate})
	return true
}

// FinishCancel publishes the terminal cancelled event.
func (j *Job) FinishCancel(hub *Hub) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.publishLocked(hub, Event{
		Type:    EventCancelled,
		Message: "Transcription cancelled successfully",
	})
}

// Complete records the terminal result and publishes the completed event
// with progress pinned to 100. Returns false if the job was already
// cancelled or terminal.
func (j *Job) Complete(hub *Hub, result *domain.Result) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cancelling || j.status.IsTerminal() {
		return false
	}
	j.status = domain.JobStatusCompleted
	j.progress = 100
	j.stage = "Transcription completed successfully!"
	if result.Warning != "" {
		j.stage = "Transcription completed (not saved to history)"
	}
	j.result = result
	j.publishLocked(hub, Event{Type: EventCompleted})
	return true
}

// Fail records the terminal error and publishes the failed event carrying
// the classified message and detail pair. Returns false if the job was
// already cancelled or terminal.
func (j *Job) Fail(hub *Hub, message, details string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cancelling || j.status.IsTerminal() {
		return false
	}
	j.status = domain.JobStatusFailed
	j.stage = message
	j.publishLocked(hub, Event{
		Type:    EventFailed,
		Error:   message,
		Details: details,
	})
	return true
}

// publishLocked fills evt from current state and fans it out while the
// job lock is held (mutate-then-publish, never publish-then-mutate).
func (j *Job) publishLocked(hub *Hub, evt Event) {
	if hub == nil {
		return
	}
	evt.JobID = j.ID
	evt.Status = j.status
	evt.Progress = j.progress
	if evt.Stage == "" {
		evt.Stage = j.stage
	}
	evt.Filename = j.Filename
	evt.Cancelling = j.cancelling
	if evt.Type == EventCompleted {
		evt.Result = j.result
	}
	hub.Publish(j.OwnerID, evt)
}
