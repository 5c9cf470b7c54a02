package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"voice-transcriber/internal/domain"
	"voice-transcriber/internal/engine"
	"voice-transcriber/internal/history"
	"voice-transcriber/internal/jobs"
)

// allowedExtensions lists the upload formats the transcription service
// accepts.
var allowedExtensions = map[string]struct{}{
	".mp3":  {},
	".wav":  {},
	".m4a":  {},
	".mp4":  {},
	".mpeg": {},
	".mpga": {},
	".webm": {},
	".flac": {},
	".ogg":  {},
}

// transcriptionEngine is the job surface the handlers drive.
type transcriptionEngine interface {
	Submit(ownerID, filename, language, uploadPath string, sizeBytes int64) (*jobs.Job, error)
	Status(jobID, requesterID string) (domain.StatusSnapshot, error)
	Cancel(jobID, requesterID string) error
	ActiveSnapshots(ownerID string) []domain.StatusSnapshot
}

// transcriptStore is the history surface the handlers read.
type transcriptStore interface {
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]history.Record, error)
	Get(ctx context.Context, id int64, ownerID string) (history.Record, error)
	Delete(ctx context.Context, id int64, ownerID string) error
}

// summarizer produces transcript summaries.
type summarizer interface {
	Summarize(ctx context.Context, text, language string) (string, error)
}

// emailSender delivers transcript emails.
type emailSender interface {
	Enabled() bool
	Send(ctx context.Context, to, filename, transcription, summary string) (string, error)
}

// App wires the HTTP surface of the transcription service.
type App struct {
	logger     *slog.Logger
	engine     transcriptionEngine
	store      transcriptStore
	summarizer summarizer
	mailer     emailSender
	hub        *jobs.Hub

	uploadDir      string
	maxUploadBytes int64
	newID          func() string
}

// New creates the app. store, summarizer, and mailer may be nil; the
// matching endpoints then answer 503.
func New(logger *slog.Logger, eng transcriptionEngine, store transcriptStore, sum summarizer, mail emailSender, hub *jobs.Hub, uploadDir string, maxUploadBytes int64) *App {
	if logger == nil {
		logger = slog.Default()
	}
	if maxUploadBytes <= 0 {
		maxUploadBytes = 200 << 20
	}
	return &App{
		logger:         logger,
		engine:         eng,
		store:          store,
		summarizer:     sum,
		mailer:         mail,
		hub:            hub,
		uploadDir:      uploadDir,
		maxUploadBytes: maxUploadBytes,
		newID:          uuid.NewString,
	}
}

// Router builds the chi router with all API routes mounted.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	r.Get("/api/health", a.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(a.requireIdentity)

		r.Post("/api/transcribe", a.handleTranscribe)
		r.Get("/api/job-status/{jobID}", a.handleJobStatus)
		r.Post("/api/jobs/{jobID}/cancel", a.handleCancel)
		r.Get("/api/events", a.handleEvents)

		r.Post("/api/summarize", a.handleSummarize)
		r.Post("/api/send-email", a.handleSendEmail)

		r.Get("/api/history", a.handleHistory)
		r.Get("/api/transcriptions/{id}", a.handleGetTranscription)
		r.Delete("/api/transcriptions/{id}", a.handleDeleteTranscription)
	})

	return r
}

type ctxKey int

const userIDKey ctxKey = 0

// requireIdentity pulls the authenticated user from the X-User-ID header
// set by the auth proxy in front of this service.
func (a *App) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "Authentication required", "")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

// userID returns the authenticated user for the request.
func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

// logRequests emits one structured line per request.
func (a *App) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// handleHealth answers liveness probes.
func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleTranscribe accepts an audio upload and starts a job. The response
// returns immediately with the job id; progress flows over the events
// socket and the poll endpoint.
func (a *App) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxUploadBytes+(1<<20))
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid upload", err.Error())
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No audio file provided", "Attach the recording as the \"audio\" form field")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if _, ok := allowedExtensions[ext]; !ok {
		writeError(w, http.StatusBadRequest, "Unsupported file type",
			fmt.Sprintf("%s files are not supported; use mp3, wav, m4a, mp4, mpeg, mpga, webm, flac, or ogg", ext))
		return
	}

	uploadPath := filepath.Join(a.uploadDir, a.newID()+"_"+filepath.Base(header.Filename))
	size, err := a.saveUpload(file, uploadPath)
	if err != nil {
		a.logger.Error("failed to store upload", "filename", header.Filename, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to store upload", "")
		return
	}

	language := strings.TrimSpace(r.FormValue("language"))
	job, err := a.engine.Submit(userID(r), header.Filename, language, uploadPath, size)
	if err != nil {
		_ = os.Remove(uploadPath)
		var vErr *engine.ValidationError
		if errors.As(err, &vErr) {
			writeError(w, http.StatusBadRequest, vErr.Message, vErr.Details)
			return
		}
		a.logger.Error("failed to submit job", "filename", header.Filename, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to start transcription", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobId":    job.ID,
		"message":  "Transcription started",
		"filename": header.Filename,
	})
}

// saveUpload streams the multipart part to disk and returns its size.
func (a *App) saveUpload(src io.Reader, path string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	dst, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer dst.Close()

	size, err := io.Copy(dst, src)
	if err != nil {
		_ = os.Remove(path)
		return 0, err
	}
	return size, nil
}

// handleJobStatus answers the poll channel with the same shape push
// subscribers see.
func (a *App) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := a.engine.Status(chi.URLParam(r, "jobID"), userID(r))
	switch {
	case errors.Is(err, engine.ErrJobNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
	case errors.Is(err, engine.ErrNotOwner):
		writeError(w, http.StatusForbidden, "Access denied", "")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to read job status", "")
	default:
		writeJSON(w, http.StatusOK, snapshot)
	}
}

// handleCancel requests cooperative cancellation of a running job.
func (a *App) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := a.engine.Cancel(chi.URLParam(r, "jobID"), userID(r))
	switch {
	case errors.Is(err, engine.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "Job not found", "")
	case errors.Is(err, engine.ErrNotOwner):
		writeError(w, http.StatusForbidden, "Access denied", "")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to cancel job", "")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"message": "Cancellation requested"})
	}
}

type summarizeRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// handleSummarize produces a summary of posted transcript text.
func (a *App) handleSummarize(w http.ResponseWriter, r *http.Request) {
	if a.summarizer == nil {
		writeError(w, http.StatusServiceUnavailable, "Summarization is not configured", "")
		return
	}

	var req summarizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "No text provided", "")
		return
	}

	summary, err := a.summarizer.Summarize(r.Context(), req.Text, req.Language)
	if err != nil {
		a.logger.Error("summarization failed", "error", err)
		writeError(w, http.StatusBadGateway, "Failed to generate summary", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"summary": summary})
}

type sendEmailRequest struct {
	Email         string `json:"email"`
	Filename      string `json:"filename"`
	Transcription string `json:"transcription"`
	Summary       string `json:"summary"`
}

// handleSendEmail delivers a transcript to the requested address.
func (a *App) handleSendEmail(w http.ResponseWriter, r *http.Request) {
	if a.mailer == nil || !a.mailer.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "Email delivery is not configured", "Set RESEND_API_KEY to enable it")
		return
	}

	var req sendEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || strings.TrimSpace(req.Transcription) == "" {
		writeError(w, http.StatusBadRequest, "Email and transcription are required", "")
		return
	}

	id, err := a.mailer.Send(r.Context(), req.Email, req.Filename, req.Transcription, req.Summary)
	if err != nil {
		a.logger.Error("email delivery failed", "to", req.Email, "error", err)
		writeError(w, http.StatusBadGateway, "Failed to send email", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Email sent", "id": id})
}

// handleHistory lists the caller's transcripts, newest first.
func (a *App) handleHistory(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "History is not available", "")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	records, err := a.store.ListByOwner(r.Context(), userID(r), limit, offset)
	if err != nil {
		a.logger.Error("failed to list history", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load history", "")
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transcriptions": records})
}

// handleGetTranscription returns one stored transcript.
func (a *App) handleGetTranscription(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "History is not available", "")
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid transcription id", "")
		return
	}

	record, err := a.store.Get(r.Context(), id, userID(r))
	switch {
	case errors.Is(err, history.ErrNotFound):
		writeError(w, http.StatusNotFound, "Transcription not found", "")
	case err != nil:
		a.logger.Error("failed to load transcription", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load transcription", "")
	default:
		writeJSON(w, http.StatusOK, record)
	}
}

// handleDeleteTranscription removes one stored transcript.
func (a *App) handleDeleteTranscription(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "History is not available", "")
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid transcription id", "")
		return
	}

	err = a.store.Delete(r.Context(), id, userID(r))
	switch {
	case errors.Is(err, history.ErrNotFound):
		writeError(w, http.StatusNotFound, "Transcription not found", "")
	case err != nil:
		a.logger.Error("failed to delete transcription", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to delete transcription", "")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"message": "Transcription deleted"})
	}
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError encodes the error/details pair every failure response uses.
func writeError(w http.ResponseWriter, status int, message, details string) {
	body := map[string]string{"error": message}
	if details != "" {
		body["details"] = details
	}
	writeJSON(w, status, body)
}
