package chat

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
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Client talks to a bot-API-style chat gateway over HTTP. It satisfies both
// Replier and Files. Outbound calls share one token-bucket limiter so a
// burst of replies cannot trip the platform's flood control.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	limiter    *rate.Limiter

	mu       sync.Mutex
	lastMenu map[int64]int64 // chat id -> message id of the last menu
}

// ClientOption configures Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client (useful for tests).
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithRateLimit overrides outbound pacing.
func WithRateLimit(perSecond, burst int) ClientOption {
	return func(c *Client) {
		if perSecond > 0 && burst > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// NewClient constructs a Client for the given gateway and bot token.
func NewClient(baseURL, token string, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" || strings.TrimSpace(token) == "" {
		return nil, errors.New("chat: base URL and token are required")
	}
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		limiter:    rate.NewLimiter(rate.Limit(25), 5),
		lastMenu:   make(map[int64]int64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ Replier = (*Client)(nil)
var _ Files = (*Client)(nil)

type apiResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
	Description string `json:"description"`
}

func (c *Client) ReplyText(ctx context.Context, userID int64, body string) error {
	_, err := c.call(ctx, "sendMessage", map[string]any{
		"chat_id":    userID,
		"text":       body,
		"parse_mode": "HTML",
	})
	return err
}

func (c *Client) ReplyPhoto(ctx context.Context, userID int64, imagePath, caption string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	file, err := os.Open(imagePath)
	if err != nil {
		return fmt.Errorf("chat: open photo: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("chat_id", fmt.Sprintf("%d", userID)); err != nil {
		return err
	}
	if caption != "" {
		if err := mw.WriteField("caption", caption); err != nil {
			return err
		}
		if err := mw.WriteField("parse_mode", "HTML"); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("photo", filepath.Base(imagePath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL("sendPhoto"), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, nil)
}

func (c *Client) ShowMenu(ctx context.Context, userID int64, body string, buttons []Button) error {
	resp, err := c.call(ctx, "sendMessage", map[string]any{
		"chat_id":      userID,
		"text":         body,
		"parse_mode":   "HTML",
		"reply_markup": markup(buttons),
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.lastMenu[userID] = resp.Result.MessageID
	c.mu.Unlock()
	return nil
}

func (c *Client) EditLastMessage(ctx context.Context, userID int64, body string, buttons []Button) error {
	c.mu.Lock()
	msgID, ok := c.lastMenu[userID]
	c.mu.Unlock()
	if !ok {
		// No menu on record; fall back to sending a fresh one.
		return c.ShowMenu(ctx, userID, body, buttons)
	}
	_, err := c.call(ctx, "editMessageText", map[string]any{
		"chat_id":      userID,
		"message_id":   msgID,
		"text":         body,
		"parse_mode":   "HTML",
		"reply_markup": markup(buttons),
	})
	return err
}

// Download fetches a platform-held file to destPath.
func (c *Client) Download(ctx context.Context, fileRef, destPath string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	url := fmt.Sprintf("%s/file/%s/%s", c.baseURL, c.token, fileRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chat: download status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		_ = os.Remove(destPath)
		return err
	}
	return out.Close()
}

// --- helpers ---

func (c *Client) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
}

func (c *Client) call(ctx context.Context, method string, payload map[string]any) (*apiResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out apiResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(req *http.Request, out *apiResponse) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("chat: decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !parsed.OK {
		return fmt.Errorf("chat: api error: status %d: %s", resp.StatusCode, parsed.Description)
	}
	if out != nil {
		*out = parsed
	}
	return nil
}

func markup(buttons []Button) map[string]any {
	rows := make([][]map[string]string, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, []map[string]string{{
			"text":          b.Label,
			"callback_data": b.Action,
		}})
	}
	return map[string]any{"inline_keyboard": rows}
}
