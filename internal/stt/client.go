package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrorKind classifies transcription call failures for retry and
// escalation decisions.
type ErrorKind string

const (
	KindAuth      ErrorKind = "auth"
	KindQuota     ErrorKind = "quota"
	KindTransport ErrorKind = "transport"
	KindFormat    ErrorKind = "format"
	KindUnknown   ErrorKind = "unknown"
)

// Error is a classified transcription failure.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

// Error formats the failure with its classification.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("transcription %s error (http %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("transcription %s error: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Kind returns the classification of err, or KindUnknown.
func Kind(err error) ErrorKind {
	var sttErr *Error
	if errors.As(err, &sttErr) {
		return sttErr.Kind
	}
	return KindUnknown
}

// IsTransport reports whether err looks like a connection-level failure
// worth a longer retry backoff.
func IsTransport(err error) bool {
	return Kind(err) == KindTransport
}

// IsFatal reports whether err cannot be fixed by retrying the same call:
// bad credentials or an exhausted quota fail every subsequent attempt too.
func IsFatal(err error) bool {
	kind := Kind(err)
	return kind == KindAuth || kind == KindQuota
}

// Client accepts one bounded-size audio chunk plus a language hint and
// returns its transcript text.
type Client interface {
	Transcribe(ctx context.Context, audioPath, language string) (string, error)
}

const defaultEndpoint = "https://api.openai.com/v1/audio/transcriptions"

// WhisperClient calls an OpenAI-compatible speech-to-text endpoint.
type WhisperClient struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
	openFile   func(name string) (*os.File, error)
}

// NewWhisperClient builds a client with a long timeout suited to large
// audio uploads. An empty endpoint selects the OpenAI API.
func NewWhisperClient(endpoint, apiKey, model string) *WhisperClient {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = defaultEndpoint
	}
	if strings.TrimSpace(model) == "" {
		model = "whisper-1"
	}

	return &WhisperClient{
		endpoint:   endpoint,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		openFile:   os.Open,
	}
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Transcribe uploads one audio chunk and returns the transcript text.
// Context cancellation is returned unclassified so callers can tell an
// interrupted call apart from a failed one.
func (c *WhisperClient) Transcribe(ctx context.Context, audioPath, language string) (string, error) {
	f, err := c.openFile(audioPath)
	if err != nil {
		return "", &Error{Kind: KindFormat, Message: fmt.Sprintf("cannot open audio chunk %s", filepath.Base(audioPath)), Err: err}
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("model", c.model); err != nil {
		return "", &Error{Kind: KindUnknown, Message: "build multipart payload", Err: err}
	}
	if lang := strings.TrimSpace(language); lang != "" {
		if err := mw.WriteField("language", lang); err != nil {
			return "", &Error{Kind: KindUnknown, Message: "build multipart payload", Err: err}
		}
	}

	fw, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return "", &Error{Kind: KindUnknown, Message: "build multipart payload", Err: err}
	}
	if _, err := io.Copy(fw, f); err != nil {
		return "", &Error{Kind: KindFormat, Message: "read audio chunk", Err: err}
	}
	if err := mw.Close(); err != nil {
		return "", &Error{Kind: KindUnknown, Message: "finalize multipart payload", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &body)
	if err != nil {
		return "", &Error{Kind: KindUnknown, Message: "build request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &Error{Kind: KindTransport, Message: "connection to transcription service failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", classifyHTTPError(resp)
	}

	var parsed transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &Error{Kind: KindUnknown, Message: "decode transcription response", Err: err}
	}
	return strings.TrimSpace(parsed.Text), nil
}

// classifyHTTPError maps service HTTP failures onto the error taxonomy.
func classifyHTTPError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	message := strings.TrimSpace(string(raw))

	var parsed apiErrorResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}

	kind := KindUnknown
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = KindAuth
	case resp.StatusCode == http.StatusTooManyRequests || strings.Contains(strings.ToLower(message), "quota"):
		kind = KindQuota
	case resp.StatusCode >= 500:
		kind = KindTransport
	case resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(message), "format"):
		kind = KindFormat
	}

	return &Error{Kind: kind, StatusCode: resp.StatusCode, Message: message}
}

// NewWhisperClientForTests builds a client with injectable dependencies.
func NewWhisperClientForTests(endpoint, apiKey, model string, httpClient *http.Client, openFile func(string) (*os.File, error)) *WhisperClient {
	return &WhisperClient{
		endpoint:   endpoint,
		apiKey:     apiKey,
		model:      model,
		httpClient: httpClient,
		openFile:   openFile,
	}
}
