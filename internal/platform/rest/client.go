// Package rest implements the platform capability set against the HTTP bridge
// service that fronts the messaging platform. The platform's own wire protocol
// stays behind the bridge; this client only speaks its JSON API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/nmoreno/instagateway/internal/platform"
)

// Config for the bridge connector.
type Config struct {
	BaseURL string // e.g., https://bridge.internal:8443
	APIKey  string
	Timeout time.Duration
}

// Connector builds bridge-backed handles.
type Connector struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewConnector creates a connector for the bridge API.
func NewConnector(cfg Config) *Connector {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Connector{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Login authenticates with full credentials and returns a handle bound to the
// session the bridge issued.
func (c *Connector) Login(ctx context.Context, username, password, verificationCode string) (platform.Client, error) {
	body := map[string]string{
		"username": username,
		"password": password,
	}
	if verificationCode != "" {
		body["verification_code"] = verificationCode
	}

	var out struct {
		SessionToken string `json:"session_token"`
	}
	cl := &Client{conn: c}
	if err := cl.doJSON(ctx, http.MethodPost, "/v1/auth/login", body, &out); err != nil {
		return nil, err
	}
	cl.sessionToken = out.SessionToken
	return cl, nil
}

// FromSession builds a handle from an existing session token. No validation
// happens here; a stale token surfaces as ErrUnauthorized on first use.
func (c *Connector) FromSession(sessionToken string) platform.Client {
	return &Client{conn: c, sessionToken: sessionToken}
}

// Client is one authenticated handle on the bridge.
type Client struct {
	conn         *Connector
	sessionToken string
}

// SessionToken returns the platform session this handle is bound to.
func (c *Client) SessionToken() string {
	return c.sessionToken
}

func (c *Client) ListUnreadThreads(ctx context.Context, limit, perThreadMessageLimit int) ([]platform.Thread, error) {
	var out struct {
		Threads []platform.Thread `json:"threads"`
	}
	path := fmt.Sprintf("/v1/threads/unread?limit=%d&message_limit=%d", limit, perThreadMessageLimit)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Threads, nil
}

func (c *Client) ListRecentThreads(ctx context.Context, limit int) ([]platform.Thread, error) {
	var out struct {
		Threads []platform.Thread `json:"threads"`
	}
	path := fmt.Sprintf("/v1/threads/recent?limit=%d", limit)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Threads, nil
}

func (c *Client) GetThreadMessages(ctx context.Context, threadID string, limit int) ([]platform.Message, error) {
	var out struct {
		Messages []platform.Message `json:"messages"`
	}
	path := fmt.Sprintf("/v1/threads/%s/messages?limit=%d", url.PathEscape(threadID), limit)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) SendText(ctx context.Context, recipientIDs []int64, text string) error {
	body := map[string]any{
		"recipient_ids": recipientIDs,
		"text":          text,
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/messages/text", body, nil)
}

func (c *Client) SendPhoto(ctx context.Context, path string, recipientIDs []int64) error {
	return c.uploadMedia(ctx, "/v1/messages/photo", path, recipientIDs)
}

func (c *Client) SendVideo(ctx context.Context, path string, recipientIDs []int64) error {
	return c.uploadMedia(ctx, "/v1/messages/video", path, recipientIDs)
}

func (c *Client) ResolveUserID(ctx context.Context, handle string) (int64, error) {
	var out struct {
		UserID int64 `json:"user_id"`
	}
	path := "/v1/users/by-handle/" + url.PathEscape(handle)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return 0, err
	}
	return out.UserID, nil
}

func (c *Client) GetUserInfo(ctx context.Context, userID int64) (*platform.UserInfo, error) {
	var out platform.UserInfo
	path := fmt.Sprintf("/v1/users/%d", userID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListUserStories(ctx context.Context, userID int64) ([]platform.StoryItem, error) {
	var out struct {
		Items []platform.StoryItem `json:"items"`
	}
	path := fmt.Sprintf("/v1/users/%d/stories", userID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) ViewStory(ctx context.Context, storyID string) error {
	path := "/v1/stories/" + url.PathEscape(storyID) + "/view"
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) MarkThreadSeen(ctx context.Context, threadID string) error {
	path := "/v1/threads/" + url.PathEscape(threadID) + "/seen"
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) GetAccountInfo(ctx context.Context) (*platform.AccountInfo, error) {
	var out platform.AccountInfo
	if err := c.doJSON(ctx, http.MethodGet, "/v1/account", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/auth/logout", nil, nil)
}

// doJSON performs one bridge call and decodes the response into out when non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.conn.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req)

	resp, err := c.conn.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", platform.ErrTransport, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", platform.ErrTransport, err)
	}
	return nil
}

// uploadMedia posts a local file as multipart form data.
func (c *Client) uploadMedia(ctx context.Context, path, filePath string, recipientIDs []int64) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open media file: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	ids, err := json.Marshal(recipientIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal recipient ids: %w", err)
	}
	if err := writer.WriteField("recipient_ids", string(ids)); err != nil {
		return fmt.Errorf("failed to write form field: %w", err)
	}
	part, err := writer.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("failed to read media file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.conn.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.setAuth(req)

	resp, err := c.conn.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", platform.ErrTransport, err)
	}
	defer resp.Body.Close()

	return checkStatus(resp)
}

func (c *Client) setAuth(req *http.Request) {
	if c.conn.apiKey != "" {
		req.Header.Set("X-API-Key", c.conn.apiKey)
	}
	if c.sessionToken != "" {
		req.Header.Set("X-Session-Token", c.sessionToken)
	}
}

// checkStatus maps bridge status codes onto the platform error taxonomy.
func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return platform.ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return platform.ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return platform.ErrRateLimited
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", platform.ErrTransport, resp.StatusCode, string(body))
	}
}
