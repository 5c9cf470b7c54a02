package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultEndpoint = "https://api.resend.com/emails"

// Mailer sends transcript emails through the Resend API. A mailer with no
// API key is disabled and rejects sends cleanly.
type Mailer struct {
	endpoint   string
	apiKey     string
	from       string
	httpClient *http.Client
}

// New builds a mailer. Empty endpoint selects the Resend API; empty from
// selects the Resend onboarding sender.
func New(endpoint, apiKey, from string) *Mailer {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = defaultEndpoint
	}
	if strings.TrimSpace(from) == "" {
		from = "Voice Transcriber <onboarding@resend.dev>"
	}
	return &Mailer{
		endpoint:   endpoint,
		apiKey:     apiKey,
		from:       from,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Enabled reports whether an API key is configured.
func (m *Mailer) Enabled() bool {
	return strings.TrimSpace(m.apiKey) != ""
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type sendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// buildBody renders the transcript email. The transcript is HTML-escaped
// and kept in a preformatted block so line breaks survive.
func buildBody(filename, transcription, summary string) string {
	var b strings.Builder
	b.WriteString("<h2>Transcription Result</h2>")
	b.WriteString(fmt.Sprintf("<p><strong>File:</strong> %s</p>", html.EscapeString(filename)))
	if strings.TrimSpace(summary) != "" {
		b.WriteString("<h3>Summary</h3>")
		b.WriteString(fmt.Sprintf("<pre style=\"white-space:pre-wrap;font-family:inherit\">%s</pre>", html.EscapeString(summary)))
	}
	b.WriteString("<h3>Transcript</h3>")
	b.WriteString(fmt.Sprintf("<pre style=\"white-space:pre-wrap;font-family:inherit\">%s</pre>", html.EscapeString(transcription)))
	return b.String()
}

// Send delivers one transcript email and returns the provider message id.
func (m *Mailer) Send(ctx context.Context, to, filename, transcription, summary string) (string, error) {
	if !m.Enabled() {
		return "", fmt.Errorf("email delivery is not configured")
	}
	if strings.TrimSpace(to) == "" {
		return "", fmt.Errorf("recipient address is required")
	}

	subject := "Transcription: " + filename
	payload, err := json.Marshal(sendRequest{
		From:    m.from,
		To:      []string{to},
		Subject: subject,
		HTML:    buildBody(filename, transcription, summary),
	})
	if err != nil {
		return "", fmt.Errorf("encode email request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build email request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("email service unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read email response: %w", err)
	}

	var parsed sendResponse
	_ = json.Unmarshal(body, &parsed)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("email service rejected the API key")
	case resp.StatusCode >= 300:
		message := parsed.Message
		if message == "" {
			message = strings.TrimSpace(string(body))
		}
		return "", fmt.Errorf("email service returned http %d: %s", resp.StatusCode, message)
	}
	return parsed.ID, nil
}

// NewForTests builds a mailer with an injectable HTTP client.
func NewForTests(endpoint, apiKey, from string, httpClient *http.Client) *Mailer {
	return &Mailer{endpoint: endpoint, apiKey: apiKey, from: from, httpClient: httpClient}
}
