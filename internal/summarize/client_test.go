package summarize

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestSummarizeSendsPromptAndReturnsText verifies the request shape and
// response extraction.
func TestSummarizeSendsPromptAndReturnsText(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key-1" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  short summary  "}}]}`))
	}))
	defer srv.Close()

	client := NewClientForTests(srv.URL, "key-1", "gpt-4o-mini", srv.Client())
	summary, err := client.Summarize(context.Background(), "long transcript text", "en")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if summary != "short summary" {
		t.Fatalf("summary = %q", summary)
	}

	if got.Model != "gpt-4o-mini" || len(got.Messages) != 2 {
		t.Fatalf("request = %+v", got)
	}
	if got.Messages[0].Role != "system" || got.Messages[1].Content != "long transcript text" {
		t.Fatalf("messages = %+v", got.Messages)
	}
	if !strings.Contains(got.Messages[0].Content, "English") {
		t.Fatalf("system prompt = %q, want English instruction", got.Messages[0].Content)
	}
}

// TestSummarizeThaiPrompt verifies the Thai instruction is selected.
func TestSummarizeThaiPrompt(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"สรุป"}}]}`))
	}))
	defer srv.Close()

	client := NewClientForTests(srv.URL, "k", "m", srv.Client())
	if _, err := client.Summarize(context.Background(), "text", "th"); err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if !strings.Contains(got.Messages[0].Content, "ภาษาไทย") {
		t.Fatalf("system prompt = %q, want Thai instruction", got.Messages[0].Content)
	}
}

// TestSummarizeSurfacesServiceError verifies HTTP failures carry the
// service message.
func TestSummarizeSurfacesServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	client := NewClientForTests(srv.URL, "k", "m", srv.Client())
	_, err := client.Summarize(context.Background(), "text", "en")
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("err = %v", err)
	}
}

// TestSummarizeRejectsEmptyText verifies the input guard.
func TestSummarizeRejectsEmptyText(t *testing.T) {
	client := NewClientForTests("http://unused", "k", "m", http.DefaultClient)
	if _, err := client.Summarize(context.Background(), "   ", "en"); err == nil {
		t.Fatal("expected error for empty text")
	}
}
