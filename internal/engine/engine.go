package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"voice-transcriber/internal/chunkplan"
	"voice-transcriber/internal/domain"
	"voice-transcriber/internal/history"
	"voice-transcriber/internal/jobs"
	"voice-transcriber/internal/media"
	"voice-transcriber/internal/stt"
)

const megabyte = 1024 * 1024

// Errors surfaced to the transport layer by status and cancel queries.
var (
	ErrJobNotFound = errors.New("job not found")
	ErrNotOwner    = errors.New("job belongs to another user")
)

// ValidationError rejects a submission before a job record is created.
type ValidationError struct {
	Message string
	Details string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// mediaProcessor is the slice of the media toolchain the engine drives.
type mediaProcessor interface {
	Duration(ctx context.Context, path string) (float64, error)
	ConvertToWav(ctx context.Context, inputPath, outputPath string) error
	ExtractSegment(ctx context.Context, inputPath, outputPath string, startSeconds, spanSeconds float64) error
	FileSize(path string) (int64, error)
}

// historyStore persists finished transcripts.
type historyStore interface {
	Save(ctx context.Context, rec history.Record) (int64, error)
}

// Options tunes the engine's limits, retry policy, and sweep windows.
type Options struct {
	// SingleCallLimitMB is the largest audio payload sent in one
	// transcription call. Files above it are split into chunks.
	SingleCallLimitMB float64
	// MaxChunkSizeMB bounds the planned chunk payload size. It sits below
	// SingleCallLimitMB so materialized chunks keep margin under the
	// per-call limit even when container overhead inflates them.
	MaxChunkSizeMB float64
	// MaxUploadBytes is the hard upload rejection threshold.
	MaxUploadBytes int64
	// MaxAttempts caps transcription attempts per chunk.
	MaxAttempts int
	// RetryWait is the pause before retrying a non-transport failure.
	RetryWait time.Duration
	// TransportRetryWait is the longer pause after a transport failure.
	TransportRetryWait time.Duration
	// RemovalGrace keeps terminal jobs queryable before deregistration.
	// Negative means deregister immediately.
	RemovalGrace time.Duration
	// OrphanAge is how old a job must be before the sweep force-cleans it.
	OrphanAge time.Duration
	// UploadRetention is how long stray files survive in the upload dir.
	UploadRetention time.Duration
	// UploadDir is the directory swept for stray files.
	UploadDir string
}

// withDefaults fills unset options with production values.
func (o Options) withDefaults() Options {
	if o.SingleCallLimitMB <= 0 {
		o.SingleCallLimitMB = 25
	}
	if o.MaxChunkSizeMB <= 0 {
		o.MaxChunkSizeMB = 20
	}
	if o.MaxUploadBytes <= 0 {
		o.MaxUploadBytes = 200 * megabyte
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryWait <= 0 {
		o.RetryWait = 2 * time.Second
	}
	if o.TransportRetryWait <= 0 {
		o.TransportRetryWait = 5 * time.Second
	}
	if o.RemovalGrace == 0 {
		o.RemovalGrace = 30 * time.Second
	}
	if o.OrphanAge <= 0 {
		o.OrphanAge = 2 * time.Hour
	}
	if o.UploadRetention <= 0 {
		o.UploadRetention = time.Hour
	}
	return o
}

// Engine runs accepted jobs through conversion, chunking, transcription,
// and persistence, and coordinates cancellation and cleanup.
type Engine struct {
	registry *jobs.Registry
	hub      *jobs.Hub
	media    mediaProcessor
	stt      stt.Client
	history  historyStore
	logger   *slog.Logger
	opts     Options

	sleep      func(ctx context.Context, d time.Duration) error
	removeFile func(path string) error
	now        func() time.Time
}

// New wires an engine. history may be nil, in which case completed jobs
// carry a not-saved warning.
func New(registry *jobs.Registry, hub *jobs.Hub, processor mediaProcessor, client stt.Client, store historyStore, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry:   registry,
		hub:        hub,
		media:      processor,
		stt:        client,
		history:    store,
		logger:     logger,
		opts:       opts.withDefaults(),
		sleep:      sleepContext,
		removeFile: os.Remove,
		now:        time.Now,
	}
}

// NewForTests wires an engine with injectable sleep, file removal, and
// clock.
func NewForTests(registry *jobs.Registry, hub *jobs.Hub, processor mediaProcessor, client stt.Client, store historyStore, logger *slog.Logger, opts Options, sleep func(context.Context, time.Duration) error, removeFile func(string) error, now func() time.Time) *Engine {
	e := New(registry, hub, processor, client, store, logger, opts)
	e.sleep = sleep
	e.removeFile = removeFile
	e.now = now
	return e
}

// sleepContext waits for d unless ctx is cancelled first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Submit validates an upload, registers the job, and starts processing in
// the background. The returned job already answers status queries.
func (e *Engine) Submit(ownerID, filename, language, uploadPath string, sizeBytes int64) (*jobs.Job, error) {
	if sizeBytes > e.opts.MaxUploadBytes {
		return nil, &ValidationError{
			Message: "File too large",
			Details: fmt.Sprintf("The %.1fMB file exceeds the %dMB upload limit", float64(sizeBytes)/megabyte, e.opts.MaxUploadBytes/megabyte),
		}
	}

	job := e.registry.Create(ownerID, filename, language, uploadPath, sizeBytes)
	e.logger.Info("job accepted",
		"job_id", job.ID,
		"owner_id", ownerID,
		"filename", filename,
		"size_bytes", sizeBytes,
	)

	go e.run(job)
	return job, nil
}

// Status answers a poll for one job, enforcing ownership.
func (e *Engine) Status(jobID, requesterID string) (domain.StatusSnapshot, error) {
	job, ok := e.registry.Get(jobID)
	if !ok {
		return domain.StatusSnapshot{}, ErrJobNotFound
	}
	if job.OwnerID != requesterID {
		return domain.StatusSnapshot{}, ErrNotOwner
	}
	return job.Snapshot(), nil
}

// ActiveSnapshots returns the current state of every job the owner has
// registered, for replay to a freshly connected subscriber.
func (e *Engine) ActiveSnapshots(ownerID string) []domain.StatusSnapshot {
	owned := e.registry.OwnedBy(ownerID)
	snapshots := make([]domain.StatusSnapshot, 0, len(owned))
	for _, job := range owned {
		snapshots = append(snapshots, job.Snapshot())
	}
	return snapshots
}

// Cancel requests cancellation of a running job. It returns ErrJobNotFound
// or ErrNotOwner without side effects when the job is missing or foreign;
// repeated cancels of the same job are acknowledged without re-running the
// teardown.
func (e *Engine) Cancel(jobID, requesterID string) error {
	job, ok := e.registry.Get(jobID)
	if !ok {
		return ErrJobNotFound
	}
	if job.OwnerID != requesterID {
		return ErrNotOwner
	}

	if !job.BeginCancel(e.hub) {
		return nil
	}

	e.cleanupJob(job)
	e.registry.Remove(job.ID)
	job.FinishCancel(e.hub)
	e.logger.Info("job cancelled", "job_id", job.ID, "owner_id", job.OwnerID)
	return nil
}

// run drives one job through the pipeline. Cancellation is checked at every
// stage boundary; once the latch is observed the worker exits quietly and
// the cancel path owns cleanup and events.
func (e *Engine) run(job *jobs.Job) {
	ctx := job.Context()
	logger := e.logger.With("job_id", job.ID, "owner_id", job.OwnerID)

	sizeMB := float64(job.SizeBytes) / megabyte
	job.UpdateProgress(e.hub, 10, fmt.Sprintf("Processing %.1fMB file...", sizeMB))

	audioPath, conversionUsed := e.maybeConvert(ctx, job, logger)
	if job.Cancelling() {
		return
	}

	chunkPaths, ok := e.prepareChunks(ctx, job, logger, audioPath, sizeMB)
	if !ok {
		return
	}

	transcripts := make([]string, 0, len(chunkPaths))
	for i, chunkPath := range chunkPaths {
		if job.Cancelling() {
			return
		}
		progress := 40 + int(float64(i)/float64(len(chunkPaths))*50)
		job.UpdateProgress(e.hub, progress, fmt.Sprintf("Transcribing chunk %d/%d...", i+1, len(chunkPaths)))

		if size, err := e.media.FileSize(chunkPath); err == nil && float64(size)/megabyte > e.opts.SingleCallLimitMB {
			logger.Warn("chunk exceeds per-call limit, skipping", "chunk", i+1, "size_bytes", size)
			transcripts = append(transcripts, fmt.Sprintf("[Chunk %d too large to process]", i+1))
			continue
		}

		text, err := e.transcribeChunk(ctx, job, logger, chunkPath, i)
		if err != nil {
			if errors.Is(err, context.Canceled) || job.Cancelling() {
				return
			}
			if stt.IsFatal(err) {
				message, details := fatalFailure(err)
				e.failJob(job, message, details)
				return
			}
			transcripts = append(transcripts, fmt.Sprintf("[Chunk %d transcription failed: %s]", i+1, errorMessage(err)))
			continue
		}
		transcripts = append(transcripts, text)
	}

	if job.Cancelling() {
		return
	}
	e.finish(job, logger, transcripts, sizeMB, conversionUsed, len(chunkPaths))
}

// maybeConvert transcodes formats the transcription API handles poorly.
// Conversion failure falls back to the original file rather than failing
// the job.
func (e *Engine) maybeConvert(ctx context.Context, job *jobs.Job, logger *slog.Logger) (string, bool) {
	audioPath := job.OriginalFile
	if !media.NeedsConversion(filepath.Ext(job.Filename)) {
		return audioPath, false
	}

	job.UpdateProgress(e.hub, 20, "Converting audio format for better compatibility...")
	converted := strings.TrimSuffix(audioPath, filepath.Ext(audioPath)) + "_converted.wav"
	if err := e.media.ConvertToWav(ctx, audioPath, converted); err != nil {
		if ctx.Err() == nil {
			logger.Warn("audio conversion failed, using original file", "error", err)
			job.UpdateProgress(e.hub, 30, "Conversion failed, using original file")
		}
		return audioPath, false
	}

	job.SetConvertedFile(converted)
	job.UpdateProgress(e.hub, 30, "Audio conversion completed")
	return converted, true
}

// prepareChunks decides whether the audio needs splitting and extracts the
// chunk files. It returns false when the job has been failed or cancelled.
func (e *Engine) prepareChunks(ctx context.Context, job *jobs.Job, logger *slog.Logger, audioPath string, sizeMB float64) ([]string, bool) {
	if sizeMB <= e.opts.SingleCallLimitMB {
		return []string{audioPath}, true
	}

	job.UpdateProgress(e.hub, 35, "File is large, splitting into smaller chunks...")

	duration, err := e.media.Duration(ctx, audioPath)
	if err != nil {
		if job.Cancelling() {
			return nil, false
		}
		e.failJob(job, "File too large for processing",
			fmt.Sprintf("The %.1fMB file exceeds the %.0fMB per-call limit and its duration could not be determined: %v", sizeMB, e.opts.SingleCallLimitMB, err))
		return nil, false
	}

	activeSize, err := e.media.FileSize(audioPath)
	if err != nil {
		activeSize = job.SizeBytes
	}

	plan, err := chunkplan.Plan(duration, activeSize, e.opts.MaxChunkSizeMB)
	if err != nil {
		if job.Cancelling() {
			return nil, false
		}
		e.failJob(job, "File too large for processing",
			fmt.Sprintf("The %.1fMB file could not be split for processing: %v", sizeMB, err))
		return nil, false
	}
	if len(plan) == 1 {
		return []string{audioPath}, true
	}

	ext := filepath.Ext(audioPath)
	base := strings.TrimSuffix(audioPath, ext)
	paths := make([]string, 0, len(plan))
	for _, chunk := range plan {
		if job.Cancelling() {
			return nil, false
		}
		out := fmt.Sprintf("%s_chunk_%d%s", base, chunk.Index, ext)
		// Register the chunk before extracting it: a cancel landing
		// mid-split runs cleanup right away, and an unregistered chunk
		// (including a partially written one) would escape removal.
		job.AddTempFiles(out)
		if extractErr := e.media.ExtractSegment(ctx, audioPath, out, chunk.StartSeconds, chunk.SpanSeconds); extractErr != nil {
			if job.Cancelling() {
				return nil, false
			}
			e.failJob(job, "File too large for processing", "Audio splitting failed: "+errorMessage(extractErr))
			return nil, false
		}
		paths = append(paths, out)
	}

	logger.Info("audio split for transcription", "chunks", len(paths), "duration_seconds", duration)
	return paths, true
}

// transcribeChunk runs the retry loop for one chunk. The language hint is
// sent only on the first attempt; a hint the service chokes on should not
// doom the retries.
func (e *Engine) transcribeChunk(ctx context.Context, job *jobs.Job, logger *slog.Logger, chunkPath string, index int) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		if job.Cancelling() {
			return "", context.Canceled
		}

		language := ""
		if attempt == 1 {
			language = job.Language
		}

		text, err := e.stt.Transcribe(ctx, chunkPath, language)
		if err == nil {
			return text, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", context.Canceled
		}
		if stt.IsFatal(err) {
			return "", err
		}

		lastErr = err
		logger.Warn("chunk transcription attempt failed",
			"chunk", index+1,
			"attempt", attempt,
			"error", err,
		)
		if attempt < e.opts.MaxAttempts {
			wait := e.opts.RetryWait
			if stt.IsTransport(err) {
				wait = e.opts.TransportRetryWait
			}
			if sleepErr := e.sleep(ctx, wait); sleepErr != nil {
				return "", context.Canceled
			}
		}
	}
	return "", lastErr
}

// finish aggregates chunk transcripts, persists the record, and completes
// the job. A history failure downgrades to a completed-with-warning result.
func (e *Engine) finish(job *jobs.Job, logger *slog.Logger, transcripts []string, sizeMB float64, conversionUsed bool, chunkCount int) {
	job.UpdateProgress(e.hub, 90, "Transcription completed, saving to database...")

	result := &domain.Result{
		Transcription: strings.Join(transcripts, " "),
		Filename:      job.Filename,
		ProcessingDetails: domain.ProcessingDetails{
			OriginalFileSize: fmt.Sprintf("%.1fMB", sizeMB),
			ChunksProcessed:  chunkCount,
			ConversionUsed:   conversionUsed,
			SplittingUsed:    chunkCount > 1,
		},
	}

	if e.history != nil {
		id, err := e.history.Save(context.Background(), history.Record{
			OwnerID:       job.OwnerID,
			Filename:      job.Filename,
			FileSize:      job.SizeBytes,
			Language:      job.Language,
			Transcription: result.Transcription,
			Details:       result.ProcessingDetails,
		})
		if err != nil {
			logger.Warn("failed to persist transcript", "error", err)
			result.Warning = "Transcription completed but could not be saved to history"
		} else {
			result.HistoryID = id
		}
	} else {
		result.Warning = "Transcription completed but could not be saved to history"
	}

	if !job.Complete(e.hub, result) {
		return
	}
	e.cleanupJob(job)
	e.deregisterAfterGrace(job)
	logger.Info("job completed", "chunks", chunkCount, "transcript_chars", len(result.Transcription))
}

// failJob marks the job failed, cleans up its files, and schedules
// deregistration. A job already cancelled or terminal is left alone.
func (e *Engine) failJob(job *jobs.Job, message, details string) {
	if !job.Fail(e.hub, message, details) {
		return
	}
	e.cleanupJob(job)
	e.deregisterAfterGrace(job)
	e.logger.Error("job failed", "job_id", job.ID, "error", message, "details", details)
}

// cleanupJob removes every file the job owns, exactly once across all
// termination paths. Missing files are fine.
func (e *Engine) cleanupJob(job *jobs.Job) {
	job.RunCleanup(func(paths []string) {
		for _, path := range paths {
			if err := e.removeFile(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				e.logger.Warn("failed to remove job file", "job_id", job.ID, "path", path, "error", err)
			}
		}
	})
}

// deregisterAfterGrace keeps the terminal record queryable for a short
// window so a poll racing the final event still gets an answer.
func (e *Engine) deregisterAfterGrace(job *jobs.Job) {
	if e.opts.RemovalGrace <= 0 {
		e.registry.Remove(job.ID)
		return
	}
	time.AfterFunc(e.opts.RemovalGrace, func() {
		e.registry.Remove(job.ID)
	})
}

// StartMaintenance launches the periodic orphan and upload-directory
// sweeps. The loop stops when ctx is cancelled.
func (e *Engine) StartMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.SweepOrphans()
				e.SweepUploads()
			}
		}
	}()
}

// SweepOrphans force-cleans jobs that have been running longer than the
// orphan age, interrupting their work and notifying the owner.
func (e *Engine) SweepOrphans() {
	for _, job := range e.registry.Stale(e.opts.OrphanAge) {
		e.logger.Warn("cleaning up orphaned job", "job_id", job.ID, "started_at", job.StartTime)
		job.Fail(e.hub, "Job timeout", "The transcription job took too long and was automatically cancelled")
		job.Interrupt()
		e.cleanupJob(job)
		e.registry.Remove(job.ID)
	}
}

// SweepUploads deletes stray files in the upload directory older than the
// retention window. Errors are logged and swallowed; the sweep never fails.
func (e *Engine) SweepUploads() {
	if e.opts.UploadDir == "" {
		return
	}
	entries, err := os.ReadDir(e.opts.UploadDir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			e.logger.Warn("upload sweep failed", "dir", e.opts.UploadDir, "error", err)
		}
		return
	}

	cutoff := e.now().Add(-e.opts.UploadRetention)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(e.opts.UploadDir, entry.Name())
		if rmErr := e.removeFile(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			e.logger.Warn("failed to remove stray upload", "path", path, "error", rmErr)
			continue
		}
		e.logger.Info("removed stray upload", "path", path)
	}
}

// fatalFailure maps a non-retryable transcription error onto the message
// and detail pair surfaced to the owner.
func fatalFailure(err error) (string, string) {
	switch stt.Kind(err) {
	case stt.KindAuth:
		return "Invalid OpenAI API key", "Please check the configured API key and restart the server"
	case stt.KindQuota:
		return "OpenAI API quota exceeded", "Please check your OpenAI account billing and usage limits"
	default:
		return "Transcription failed", errorMessage(err)
	}
}

// errorMessage unwraps stt errors to their service message when available.
func errorMessage(err error) string {
	var sttErr *stt.Error
	if errors.As(err, &sttErr) && sttErr.Message != "" {
		return sttErr.Message
	}
	return err.Error()
}
