package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"voice-transcriber/internal/domain"
	"voice-transcriber/internal/engine"
	"voice-transcriber/internal/history"
	"voice-transcriber/internal/jobs"
)

type submission struct {
	ownerID    string
	filename   string
	language   string
	uploadPath string
	sizeBytes  int64
}

// fakeEngine records submissions and answers status/cancel from stubs.
type fakeEngine struct {
	mu          sync.Mutex
	registry    *jobs.Registry
	submissions []submission
	submitErr   error
	statusFn    func(jobID, requesterID string) (domain.StatusSnapshot, error)
	cancelFn    func(jobID, requesterID string) error
	snapshots   []domain.StatusSnapshot
	// snapshotsHook runs inside ActiveSnapshots, after the handler has
	// subscribed but before the replay is written.
	snapshotsHook func()
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{registry: jobs.NewRegistry()}
}

func (f *fakeEngine) Submit(ownerID, filename, language, uploadPath string, sizeBytes int64) (*jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submissions = append(f.submissions, submission{ownerID, filename, language, uploadPath, sizeBytes})
	return f.registry.Create(ownerID, filename, language, uploadPath, sizeBytes), nil
}

func (f *fakeEngine) Status(jobID, requesterID string) (domain.StatusSnapshot, error) {
	if f.statusFn != nil {
		return f.statusFn(jobID, requesterID)
	}
	return domain.StatusSnapshot{}, engine.ErrJobNotFound
}

func (f *fakeEngine) Cancel(jobID, requesterID string) error {
	if f.cancelFn != nil {
		return f.cancelFn(jobID, requesterID)
	}
	return engine.ErrJobNotFound
}

func (f *fakeEngine) ActiveSnapshots(string) []domain.StatusSnapshot {
	if f.snapshotsHook != nil {
		f.snapshotsHook()
	}
	return f.snapshots
}

// fakeStore answers history reads from memory.
type fakeStore struct {
	records map[int64]history.Record
}

func (f *fakeStore) ListByOwner(_ context.Context, ownerID string, _, _ int) ([]history.Record, error) {
	var out []history.Record
	for _, rec := range f.records {
		if rec.OwnerID == ownerID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeStore) Get(_ context.Context, id int64, ownerID string) (history.Record, error) {
	rec, ok := f.records[id]
	if !ok || rec.OwnerID != ownerID {
		return history.Record{}, history.ErrNotFound
	}
	return rec, nil
}

func (f *fakeStore) Delete(_ context.Context, id int64, ownerID string) error {
	rec, ok := f.records[id]
	if !ok || rec.OwnerID != ownerID {
		return history.ErrNotFound
	}
	delete(f.records, id)
	return nil
}

type fakeSummarizer struct {
	summary string
	err     error
}

func (f *fakeSummarizer) Summarize(_ context.Context, _, _ string) (string, error) {
	return f.summary, f.err
}

type fakeMailer struct {
	enabled bool
	sentTo  string
	err     error
}

func (f *fakeMailer) Enabled() bool { return f.enabled }

func (f *fakeMailer) Send(_ context.Context, to, _, _, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sentTo = to
	return "email-1", nil
}

type testApp struct {
	app    *App
	engine *fakeEngine
	store  *fakeStore
	mailer *fakeMailer
	hub    *jobs.Hub
	srv    *httptest.Server
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	eng := newFakeEngine()
	store := &fakeStore{records: map[int64]history.Record{}}
	mail := &fakeMailer{enabled: true}
	hub := jobs.NewHub()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	app := New(logger, eng, store, &fakeSummarizer{summary: "short"}, mail, hub, t.TempDir(), 200<<20)
	srv := httptest.NewServer(app.Router())
	t.Cleanup(srv.Close)

	return &testApp{app: app, engine: eng, store: store, mailer: mail, hub: hub, srv: srv}
}

// doJSON issues a request with the identity header and decodes the response.
func (ta *testApp) doJSON(t *testing.T, method, path, userID string, body io.Reader, contentType string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, ta.srv.URL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := ta.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("decode response %q: %v", raw, err)
		}
	}
	return resp, decoded
}

// uploadBody builds a multipart body with an audio part.
func uploadBody(t *testing.T, filename, language string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("audio", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write([]byte("fake audio bytes")); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			t.Fatalf("write language: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

// TestTranscribeAcceptsUpload verifies the accept path stores the file and
// returns the job id.
func TestTranscribeAcceptsUpload(t *testing.T) {
	ta := newTestApp(t)
	body, contentType := uploadBody(t, "meeting.mp3", "en")

	resp, decoded := ta.doJSON(t, http.MethodPost, "/api/transcribe", "user-1", body, contentType)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, decoded)
	}
	if decoded["jobId"] == "" || decoded["filename"] != "meeting.mp3" {
		t.Fatalf("response = %v", decoded)
	}

	if len(ta.engine.submissions) != 1 {
		t.Fatalf("submissions = %+v", ta.engine.submissions)
	}
	sub := ta.engine.submissions[0]
	if sub.ownerID != "user-1" || sub.language != "en" || sub.sizeBytes != int64(len("fake audio bytes")) {
		t.Fatalf("submission = %+v", sub)
	}
	if _, err := os.Stat(sub.uploadPath); err != nil {
		t.Fatalf("upload not stored: %v", err)
	}
	if !strings.HasSuffix(sub.uploadPath, "_meeting.mp3") {
		t.Fatalf("upload path = %s, want unique prefix", sub.uploadPath)
	}
}

// TestTranscribeRequiresIdentity verifies the identity header guard.
func TestTranscribeRequiresIdentity(t *testing.T) {
	ta := newTestApp(t)
	body, contentType := uploadBody(t, "meeting.mp3", "")

	resp, _ := ta.doJSON(t, http.MethodPost, "/api/transcribe", "", body, contentType)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if len(ta.engine.submissions) != 0 {
		t.Fatal("unauthenticated upload reached the engine")
	}
}

// TestTranscribeRejectsUnsupportedType verifies extension validation.
func TestTranscribeRejectsUnsupportedType(t *testing.T) {
	ta := newTestApp(t)
	body, contentType := uploadBody(t, "notes.txt", "")

	resp, decoded := ta.doJSON(t, http.MethodPost, "/api/transcribe", "user-1", body, contentType)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, decoded)
	}
	if decoded["error"] != "Unsupported file type" {
		t.Fatalf("response = %v", decoded)
	}
}

// TestTranscribeValidationErrorRemovesUpload verifies a rejected
// submission leaves no file behind.
func TestTranscribeValidationErrorRemovesUpload(t *testing.T) {
	ta := newTestApp(t)
	ta.engine.submitErr = &engine.ValidationError{Message: "File too large", Details: "limit exceeded"}
	body, contentType := uploadBody(t, "huge.mp3", "")

	resp, decoded := ta.doJSON(t, http.MethodPost, "/api/transcribe", "user-1", body, contentType)
	if resp.StatusCode != http.StatusBadRequest || decoded["error"] != "File too large" {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, decoded)
	}

	entries, err := os.ReadDir(ta.app.uploadDir)
	if err != nil {
		t.Fatalf("read upload dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("upload dir not cleaned: %v", entries)
	}
}

// TestJobStatusMapsEngineErrors verifies poll responses.
func TestJobStatusMapsEngineErrors(t *testing.T) {
	ta := newTestApp(t)
	ta.engine.statusFn = func(jobID, requesterID string) (domain.StatusSnapshot, error) {
		switch jobID {
		case "mine":
			return domain.StatusSnapshot{JobID: "mine", Status: domain.JobStatusProcessing, Progress: 40}, nil
		case "foreign":
			return domain.StatusSnapshot{}, engine.ErrNotOwner
		default:
			return domain.StatusSnapshot{}, engine.ErrJobNotFound
		}
	}

	resp, decoded := ta.doJSON(t, http.MethodGet, "/api/job-status/mine", "user-1", nil, "")
	if resp.StatusCode != http.StatusOK || decoded["jobId"] != "mine" {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, decoded)
	}

	resp, decoded = ta.doJSON(t, http.MethodGet, "/api/job-status/foreign", "user-1", nil, "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign status = %d, body = %v", resp.StatusCode, decoded)
	}

	resp, decoded = ta.doJSON(t, http.MethodGet, "/api/job-status/gone", "user-1", nil, "")
	if resp.StatusCode != http.StatusNotFound || decoded["status"] != "not_found" {
		t.Fatalf("missing status = %d, body = %v", resp.StatusCode, decoded)
	}
}

// TestCancelMapsEngineErrors verifies cancel responses.
func TestCancelMapsEngineErrors(t *testing.T) {
	ta := newTestApp(t)
	ta.engine.cancelFn = func(jobID, requesterID string) error {
		switch jobID {
		case "mine":
			return nil
		case "foreign":
			return engine.ErrNotOwner
		default:
			return engine.ErrJobNotFound
		}
	}

	resp, _ := ta.doJSON(t, http.MethodPost, "/api/jobs/mine/cancel", "user-1", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	resp, _ = ta.doJSON(t, http.MethodPost, "/api/jobs/foreign/cancel", "user-1", nil, "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign cancel status = %d", resp.StatusCode)
	}
	resp, _ = ta.doJSON(t, http.MethodPost, "/api/jobs/gone/cancel", "user-1", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing cancel status = %d", resp.StatusCode)
	}
}

// TestSummarizeEndpoint verifies the summary surface.
func TestSummarizeEndpoint(t *testing.T) {
	ta := newTestApp(t)

	body := strings.NewReader(`{"text":"long transcript","language":"en"}`)
	resp, decoded := ta.doJSON(t, http.MethodPost, "/api/summarize", "user-1", body, "application/json")
	if resp.StatusCode != http.StatusOK || decoded["summary"] != "short" {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, decoded)
	}

	resp, _ = ta.doJSON(t, http.MethodPost, "/api/summarize", "user-1", strings.NewReader(`{"text":""}`), "application/json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty text status = %d", resp.StatusCode)
	}
}

// TestSendEmailEndpoint verifies delivery and the disabled guard.
func TestSendEmailEndpoint(t *testing.T) {
	ta := newTestApp(t)

	body := strings.NewReader(`{"email":"user@example.com","filename":"a.mp3","transcription":"text"}`)
	resp, decoded := ta.doJSON(t, http.MethodPost, "/api/send-email", "user-1", body, "application/json")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, decoded)
	}
	if ta.mailer.sentTo != "user@example.com" {
		t.Fatalf("sent to = %q", ta.mailer.sentTo)
	}

	ta.mailer.enabled = false
	body = strings.NewReader(`{"email":"user@example.com","transcription":"text"}`)
	resp, _ = ta.doJSON(t, http.MethodPost, "/api/send-email", "user-1", body, "application/json")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("disabled status = %d", resp.StatusCode)
	}
}

// TestHistoryEndpoints verifies list, get, and delete with ownership.
func TestHistoryEndpoints(t *testing.T) {
	ta := newTestApp(t)
	ta.store.records[1] = history.Record{ID: 1, OwnerID: "user-1", Filename: "a.mp3", Transcription: "text"}
	ta.store.records[2] = history.Record{ID: 2, OwnerID: "user-2", Filename: "b.mp3", Transcription: "text"}

	resp, decoded := ta.doJSON(t, http.MethodGet, "/api/history", "user-1", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	records, ok := decoded["transcriptions"].([]any)
	if !ok || len(records) != 1 {
		t.Fatalf("transcriptions = %v", decoded["transcriptions"])
	}

	resp, decoded = ta.doJSON(t, http.MethodGet, "/api/transcriptions/1", "user-1", nil, "")
	if resp.StatusCode != http.StatusOK || decoded["filename"] != "a.mp3" {
		t.Fatalf("get status = %d, body = %v", resp.StatusCode, decoded)
	}

	resp, _ = ta.doJSON(t, http.MethodGet, "/api/transcriptions/2", "user-1", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign get status = %d", resp.StatusCode)
	}

	resp, _ = ta.doJSON(t, http.MethodDelete, "/api/transcriptions/1", "user-1", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if _, exists := ta.store.records[1]; exists {
		t.Fatal("record not deleted")
	}
}

// TestHealthEndpointIsPublic verifies probes need no identity.
func TestHealthEndpointIsPublic(t *testing.T) {
	ta := newTestApp(t)
	resp, decoded := ta.doJSON(t, http.MethodGet, "/api/health", "", nil, "")
	if resp.StatusCode != http.StatusOK || decoded["status"] != "ok" {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, decoded)
	}
}

// TestEventsReplaysAndStreams verifies the push channel replays active
// jobs on connect and then streams hub events.
func TestEventsReplaysAndStreams(t *testing.T) {
	ta := newTestApp(t)
	ta.engine.snapshots = []domain.StatusSnapshot{
		{JobID: "job-1", Status: domain.JobStatusProcessing, Progress: 40, Stage: "Transcribing chunk 1/2...", Filename: "a.mp3"},
	}

	wsURL := "ws" + strings.TrimPrefix(ta.srv.URL, "http") + "/api/events"
	header := http.Header{"X-User-ID": []string{"user-1"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var replay jobs.Event
	if err := conn.ReadJSON(&replay); err != nil {
		t.Fatalf("read replay: %v", err)
	}
	if replay.JobID != "job-1" || replay.Progress != 40 {
		t.Fatalf("replay = %+v", replay)
	}

	ta.hub.Publish("user-1", jobs.Event{Type: jobs.EventCompleted, JobID: "job-1", Progress: 100})
	var live jobs.Event
	if err := conn.ReadJSON(&live); err != nil {
		t.Fatalf("read live event: %v", err)
	}
	if live.Type != jobs.EventCompleted || live.Progress != 100 {
		t.Fatalf("live = %+v", live)
	}
}

// TestEventsDropStaleBufferedUpdates verifies an event published between
// subscribe and snapshot replay cannot rewind the progress a client sees.
func TestEventsDropStaleBufferedUpdates(t *testing.T) {
	ta := newTestApp(t)
	ta.engine.snapshots = []domain.StatusSnapshot{
		{JobID: "job-1", Status: domain.JobStatusProcessing, Progress: 50, Stage: "Transcribing chunk 2/4..."},
	}
	ta.engine.snapshotsHook = func() {
		ta.hub.Publish("user-1", jobs.Event{Type: jobs.EventStatusUpdate, JobID: "job-1", Progress: 40})
	}

	wsURL := "ws" + strings.TrimPrefix(ta.srv.URL, "http") + "/api/events"
	header := http.Header{"X-User-ID": []string{"user-1"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var replay jobs.Event
	if err := conn.ReadJSON(&replay); err != nil {
		t.Fatalf("read replay: %v", err)
	}
	if replay.Progress != 50 {
		t.Fatalf("replay = %+v", replay)
	}

	ta.hub.Publish("user-1", jobs.Event{Type: jobs.EventStatusUpdate, JobID: "job-1", Progress: 60})
	var next jobs.Event
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read next event: %v", err)
	}
	if next.Progress != 60 {
		t.Fatalf("progress went %d after 50, want the stale 40 dropped", next.Progress)
	}
}

// TestEventsRequireIdentity verifies the socket rejects anonymous clients.
func TestEventsRequireIdentity(t *testing.T) {
	ta := newTestApp(t)
	wsURL := "ws" + strings.TrimPrefix(ta.srv.URL, "http") + "/api/events"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("anonymous dial should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		code := 0
		if resp != nil {
			code = resp.StatusCode
		}
		t.Fatalf("status = %d, want 401", code)
	}
}
