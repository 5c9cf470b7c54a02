package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultEndpoint = "https://api.openai.com/v1/chat/completions"

// Client produces short summaries of transcripts via an OpenAI-compatible
// chat completions endpoint.
type Client struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewClient builds a summarization client. Empty endpoint and model select
// the OpenAI defaults.
func NewClient(endpoint, apiKey, model string) *Client {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = defaultEndpoint
	}
	if strings.TrimSpace(model) == "" {
		model = "gpt-4o-mini"
	}
	return &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// systemPrompt returns the summarization instruction for the requested
// output language. Thai gets a Thai instruction so the summary comes back
// in Thai even for mixed-language transcripts.
func systemPrompt(language string) string {
	if strings.EqualFold(strings.TrimSpace(language), "th") {
		return "คุณเป็นผู้ช่วยสรุปข้อความ กรุณาสรุปเนื้อหาต่อไปนี้เป็นภาษาไทยแบบกระชับ เก็บประเด็นสำคัญให้ครบ"
	}
	return "You are a helpful assistant that summarizes transcripts. Produce a concise summary in English, keeping every key point."
}

// Summarize returns a summary of text in the requested language.
func (c *Client) Summarize(ctx context.Context, text, language string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("nothing to summarize")
	}

	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(language)},
			{Role: "user", Content: text},
		},
		MaxTokens:   1000,
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("encode summary request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build summary request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("call summary service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read summary response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode summary response: %w", err)
	}
	if resp.StatusCode >= 300 {
		message := parsed.Error.Message
		if message == "" {
			message = strings.TrimSpace(string(body))
		}
		return "", fmt.Errorf("summary service returned http %d: %s", resp.StatusCode, message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("summary service returned no choices")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

// NewClientForTests builds a client with an injectable HTTP client.
func NewClientForTests(endpoint, apiKey, model string, httpClient *http.Client) *Client {
	return &Client{endpoint: endpoint, apiKey: apiKey, model: model, httpClient: httpClient}
}
