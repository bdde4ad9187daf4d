// Package summarize turns raw work-report text into the fixed executive
// template via a hosted text-structuring model. The provider is a black box:
// text in, formatted summary or failure out.
package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"execbrief.org/internal/obs"
)

// ErrFailure marks any provider-side summarization failure. Callers abort
// the surrounding submission without persisting.
var ErrFailure = errors.New("summarize: provider failure")

// Summarizer produces a template-shaped summary from raw text.
type Summarizer interface {
	Summarize(ctx context.Context, rawText string, today time.Time) (string, error)
}

const defaultModel = "gemini-2.5-flash"

// Client calls a generateContent-style HTTP endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// Option configures Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client (useful for tests).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithModel overrides the model name.
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// NewClient constructs a Client against the provider base URL.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      defaultModel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Summarize sends the template prompt and returns the model's summary text.
func (c *Client) Summarize(ctx context.Context, rawText string, today time.Time) (string, error) {
	start := time.Now()
	text, err := c.summarize(ctx, rawText, today)
	status := "ok"
	if err != nil {
		status = "error"
	}
	obs.ObserveCollaborator("summarize", status, time.Since(start))
	return text, err
}

func (c *Client) summarize(ctx context.Context, rawText string, today time.Time) (string, error) {
	body, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{Text: Prompt(rawText, today)}}}},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFailure, err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrFailure, resp.StatusCode)
	}
	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrFailure, err)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("%w: empty response", ErrFailure)
	}
	text := strings.TrimSpace(out.Candidates[0].Content.Parts[0].Text)
	if text == "" {
		return "", fmt.Errorf("%w: empty summary", ErrFailure)
	}
	return text, nil
}

// Prompt builds the instruction enforcing the fixed summary template: date
// header, at most five progress bullets, at most five incidence/delay
// bullets or an explicit none marker.
func Prompt(rawText string, today time.Time) string {
	date := today.Format("02 Jan 2006")
	return "You are a helpful assistant that structures work updates for busy executives. " +
		"Limit each section to no more than 5 bullet points and each point to 10 words or less. " +
		"Format your response in HTML suitable for a chat client's HTML parse mode. " +
		"Follow this exact template:\n\n" +
		"<b>Date:</b> " + date + "\n\n" +
		"<b>Progress:</b>\n" +
		"• [Concise bullet point 1]\n" +
		"• [Concise bullet point 2]\n" +
		"• [etc., up to 5 points]\n\n" +
		"<b>Incidence/Delay:</b>\n" +
		"• [Concise bullet point 1]\n" +
		"• [etc., or '• None.' if no issues]\n\n" +
		"Ensure the response is clear, concise, and quick to read. Use no extra commentary.\n\n" +
		"Text: " + rawText
}
