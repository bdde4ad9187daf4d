// Package transcribe converts audio files to text through a hosted
// speech-to-text provider: upload the bytes, submit a transcription job,
// poll until it completes or the poll budget runs out.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"execbrief.org/internal/obs"
)

// ErrFailure marks any provider-side transcription failure, including a job
// that does not complete within the poll budget.
var ErrFailure = errors.New("transcribe: provider failure")

// Transcriber converts a local audio file into transcript text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// supportedFormats lists accepted audio file extensions.
var supportedFormats = map[string]struct{}{
	".mp3":  {},
	".wav":  {},
	".m4a":  {},
	".flac": {},
	".ogg":  {},
	".webm": {},
}

// IsSupportedFormat reports whether the file extension is an accepted
// audio format.
func IsSupportedFormat(filename string) bool {
	_, ok := supportedFormats[strings.ToLower(filepath.Ext(filename))]
	return ok
}

const (
	defaultPollInterval = 3 * time.Second
	defaultMaxPolls     = 60
)

// Client talks to an AssemblyAI-style HTTP API.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	pollInterval time.Duration
	maxPolls     int
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

// WithPolling overrides the poll cadence and budget.
func WithPolling(interval time.Duration, maxPolls int) Option {
	return func(c *Client) {
		if interval > 0 {
			c.pollInterval = interval
		}
		if maxPolls > 0 {
			c.maxPolls = maxPolls
		}
	}
}

// NewClient constructs a Client against the provider base URL.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		pollInterval: defaultPollInterval,
		maxPolls:     defaultMaxPolls,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Transcribe uploads the audio file and polls the job until completion.
func (c *Client) Transcribe(ctx context.Context, audioPath string) (string, error) {
	start := time.Now()
	text, err := c.transcribe(ctx, audioPath)
	status := "ok"
	if err != nil {
		status = "error"
	}
	obs.ObserveCollaborator("transcribe", status, time.Since(start))
	return text, err
}

func (c *Client) transcribe(ctx context.Context, audioPath string) (string, error) {
	if !IsSupportedFormat(audioPath) {
		return "", fmt.Errorf("%w: unsupported format %s", ErrFailure, filepath.Ext(audioPath))
	}
	audioURL, err := c.upload(ctx, audioPath)
	if err != nil {
		return "", err
	}
	jobID, err := c.submit(ctx, audioURL)
	if err != nil {
		return "", err
	}
	return c.poll(ctx, jobID)
}

func (c *Client) upload(ctx context.Context, audioPath string) (string, error) {
	data, err := os.ReadFile(audioPath)
	if err != nil {
		return "", fmt.Errorf("%w: read audio: %v", ErrFailure, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/upload", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFailure, err)
	}
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: upload status %d", ErrFailure, resp.StatusCode)
	}
	var out struct {
		UploadURL string `json:"upload_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.UploadURL == "" {
		return "", fmt.Errorf("%w: bad upload response", ErrFailure)
	}
	return out.UploadURL, nil
}

func (c *Client) submit(ctx context.Context, audioURL string) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"audio_url":    audioURL,
		"speech_model": "universal",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/transcript", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFailure, err)
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: submit status %d", ErrFailure, resp.StatusCode)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.ID == "" {
		return "", fmt.Errorf("%w: bad submit response", ErrFailure)
	}
	return out.ID, nil
}

func (c *Client) poll(ctx context.Context, jobID string) (string, error) {
	for i := 0; i < c.maxPolls; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/transcript/"+jobID, nil)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrFailure, err)
		}
		req.Header.Set("Authorization", c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrFailure, err)
		}
		var out struct {
			Status string `json:"status"`
			Text   string `json:"text"`
			Error  string `json:"error"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if decodeErr != nil {
			return "", fmt.Errorf("%w: bad poll response", ErrFailure)
		}

		switch out.Status {
		case "completed":
			return strings.TrimSpace(out.Text), nil
		case "error":
			return "", fmt.Errorf("%w: %s", ErrFailure, out.Error)
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrFailure, ctx.Err())
		case <-time.After(c.pollInterval):
		}
	}
	// Non-completion after the poll budget is a terminal failure, not an
	// infinite wait.
	return "", fmt.Errorf("%w: transcription did not complete in time", ErrFailure)
}
