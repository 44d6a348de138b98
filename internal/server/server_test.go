package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmoreno/instagateway/internal/auth"
	"github.com/nmoreno/instagateway/internal/config"
	"github.com/nmoreno/instagateway/internal/humanize"
	"github.com/nmoreno/instagateway/internal/media"
	"github.com/nmoreno/instagateway/internal/platform"
	"github.com/nmoreno/instagateway/internal/registry"
	"github.com/nmoreno/instagateway/internal/store"
	"github.com/nmoreno/instagateway/internal/webhook"
	"github.com/nmoreno/instagateway/pkg/models"
)

type stubClient struct {
	mu        sync.Mutex
	sentTexts []string
}

func (f *stubClient) ListUnreadThreads(ctx context.Context, limit, perThread int) ([]platform.Thread, error) {
	return nil, nil
}

func (f *stubClient) ListRecentThreads(ctx context.Context, limit int) ([]platform.Thread, error) {
	return nil, nil
}

func (f *stubClient) GetThreadMessages(ctx context.Context, threadID string, limit int) ([]platform.Message, error) {
	return nil, nil
}

func (f *stubClient) SendText(ctx context.Context, recipientIDs []int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentTexts = append(f.sentTexts, text)
	return nil
}

func (f *stubClient) SendPhoto(ctx context.Context, path string, recipientIDs []int64) error {
	return nil
}

func (f *stubClient) SendVideo(ctx context.Context, path string, recipientIDs []int64) error {
	return nil
}

func (f *stubClient) ResolveUserID(ctx context.Context, handle string) (int64, error) {
	if handle == "bob" {
		return 888, nil
	}
	return 0, platform.ErrNotFound
}

func (f *stubClient) GetUserInfo(ctx context.Context, userID int64) (*platform.UserInfo, error) {
	return &platform.UserInfo{ID: userID}, nil
}

func (f *stubClient) ListUserStories(ctx context.Context, userID int64) ([]platform.StoryItem, error) {
	return nil, nil
}

func (f *stubClient) ViewStory(ctx context.Context, storyID string) error { return nil }

func (f *stubClient) MarkThreadSeen(ctx context.Context, threadID string) error { return nil }

func (f *stubClient) GetAccountInfo(ctx context.Context) (*platform.AccountInfo, error) {
	return &platform.AccountInfo{UserID: 42}, nil
}

func (f *stubClient) SessionToken() string { return "sess" }

func (f *stubClient) Logout(ctx context.Context) error { return nil }

type stubConnector struct {
	client *stubClient
}

func (c *stubConnector) Login(ctx context.Context, username, password, code string) (platform.Client, error) {
	if password != "good-password" {
		return nil, platform.ErrUnauthorized
	}
	return c.client, nil
}

func (c *stubConnector) FromSession(sessionToken string) platform.Client {
	return c.client
}

type testEnv struct {
	server *Server
	reg    *registry.Registry
	client *stubClient
	db     *store.DB
}

func newTestEnv(t *testing.T) *testEnv {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := store.New(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	hash, err := auth.HashPassword("operator-pass")
	require.NoError(t, err)
	require.NoError(t, db.CreateAppUser(context.Background(), &models.AppUser{
		ID: "u-1", Username: "operator", PasswordHash: hash, IsActive: true,
	}))

	client := &stubClient{}
	reg := registry.New(&stubConnector{client: client}, db, registry.Config{LoginAttempts: 1}, logger)

	cfg := &config.Config{
		ListenAddr:     ":0",
		MaxUploadBytes: 1 << 20,
		JWTSecret:      "test-secret",
		JWTExpires:     time.Hour,
	}
	pipeline := humanize.New(reg, media.NewResolver(5*time.Second), logger)
	srv := New(Deps{
		Config:     cfg,
		Registry:   reg,
		Pipeline:   pipeline,
		Dispatcher: webhook.NewDispatcher(5*time.Second, logger),
		Auth:       auth.New(db, cfg.JWTSecret, cfg.JWTExpires, logger),
		Logger:     logger,
	})
	return &testEnv{server: srv, reg: reg, client: client, db: db}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// appSession logs the seeded operator in and returns the session header.
func (e *testEnv) appSession(t *testing.T) map[string]string {
	rec := e.do(t, http.MethodPost, "/api/login", map[string]string{
		"username": "operator",
		"password": "operator-pass",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	token, ok := decode(t, rec)["session_token"].(string)
	require.True(t, ok)
	return map[string]string{headerAppSession: token}
}

// loginAccount logs a platform account in and returns its bearer token.
func (e *testEnv) loginAccount(t *testing.T, session map[string]string, username string) string {
	rec := e.do(t, http.MethodPost, "/accounts/login", map[string]string{
		"username": username,
		"password": "good-password",
	}, session)
	require.Equal(t, http.StatusOK, rec.Code)
	token, ok := decode(t, rec)["token"].(string)
	require.True(t, ok)
	require.NotEmpty(t, token)
	return token
}

func TestHealthAndRoot(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))
}

func TestAppSessionRequired(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/accounts", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodGet, "/accounts", nil, map[string]string{headerAppSession: "garbage"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAppLoginAndVerify(t *testing.T) {
	e := newTestEnv(t)
	session := e.appSession(t)

	rec := e.do(t, http.MethodGet, "/api/verify-session", nil, session)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u-1", decode(t, rec)["user_id"])

	rec = e.do(t, http.MethodPost, "/api/login", map[string]string{
		"username": "operator",
		"password": "wrong",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAppLoginRateLimited(t *testing.T) {
	e := newTestEnv(t)

	var last int
	for i := 0; i < loginMaxAttempts+1; i++ {
		rec := e.do(t, http.MethodPost, "/api/login", map[string]string{
			"username": "operator",
			"password": "wrong",
		}, nil)
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestAccountLoginIssuesStableToken(t *testing.T) {
	e := newTestEnv(t)
	session := e.appSession(t)

	first := e.loginAccount(t, session, "alice")
	second := e.loginAccount(t, session, "Alice")
	assert.Equal(t, first, second, "re-login must keep the bearer token")

	rec := e.do(t, http.MethodPost, "/accounts/login", map[string]string{
		"username": "alice",
		"password": "bad",
	}, session)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestImportSessionAndListAccounts(t *testing.T) {
	e := newTestEnv(t)
	session := e.appSession(t)

	rec := e.do(t, http.MethodPost, "/accounts/import-session", map[string]string{
		"username":      "alice",
		"session_token": "external-session",
	}, session)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode(t, rec)["token"])

	rec = e.do(t, http.MethodGet, "/accounts", nil, session)
	require.Equal(t, http.StatusOK, rec.Code)
	accounts, ok := decode(t, rec)["accounts"].([]any)
	require.True(t, ok)
	require.Len(t, accounts, 1)
}

func TestWebhookCRUD(t *testing.T) {
	e := newTestEnv(t)
	session := e.appSession(t)
	token := e.loginAccount(t, session, "alice")
	authed := map[string]string{
		headerAppSession: session[headerAppSession],
		"Authorization":  "Bearer " + token,
	}

	// Wrong bearer token is rejected
	rec := e.do(t, http.MethodGet, "/accounts/alice/webhooks", nil, map[string]string{
		headerAppSession: session[headerAppSession],
		"Authorization":  "Bearer nope",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodPost, "/accounts/alice/webhooks", map[string]any{
		"url": "http://hook.test",
	}, authed)
	require.Equal(t, http.StatusOK, rec.Code)
	id, ok := decode(t, rec)["id"].(string)
	require.True(t, ok)

	rec = e.do(t, http.MethodPut, "/accounts/alice/webhooks/"+id, map[string]any{
		"permissions": map[string]bool{"text": false},
	}, authed)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/accounts/alice/webhooks", nil, authed)
	require.Equal(t, http.StatusOK, rec.Code)
	hooks, ok := decode(t, rec)["webhooks"].([]any)
	require.True(t, ok)
	require.Len(t, hooks, 1)

	rec = e.do(t, http.MethodDelete, "/accounts/alice/webhooks/"+id, nil, authed)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodDelete, "/accounts/alice/webhooks/"+id, nil, authed)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOptionsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	session := e.appSession(t)
	token := e.loginAccount(t, session, "alice")
	authed := map[string]string{
		headerAppSession: session[headerAppSession],
		"Authorization":  "Bearer " + token,
	}

	rec := e.do(t, http.MethodPost, "/accounts/alice/options", map[string]any{
		"delay_typing": false,
	}, authed)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/accounts/alice/options", nil, authed)
	require.Equal(t, http.StatusOK, rec.Code)
	opts, ok := decode(t, rec)["options"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, opts["delay_typing"])
	assert.Equal(t, true, opts["safe_mode"])
}

func TestSendMessage(t *testing.T) {
	e := newTestEnv(t)
	session := e.appSession(t)
	token := e.loginAccount(t, session, "alice")

	body := map[string]string{"username": "alice", "recipient": "777", "text": "hi"}

	rec := e.do(t, http.MethodPost, "/send_message", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing bearer token")

	// Disable the pre-action waits so the test does not sleep
	rec = e.do(t, http.MethodPost,
		"/send_message?typing=false&seen=false&profile=false&stories=false&safe=false",
		body, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"hi"}, e.client.sentTexts)
}

func TestResolveHandle(t *testing.T) {
	e := newTestEnv(t)
	session := e.appSession(t)
	token := e.loginAccount(t, session, "alice")
	authed := map[string]string{
		headerAppSession: session[headerAppSession],
		"Authorization":  "Bearer " + token,
	}

	rec := e.do(t, http.MethodGet, "/accounts/alice/resolve/bob", nil, authed)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(888), decode(t, rec)["user_id"])

	rec = e.do(t, http.MethodGet, "/accounts/alice/resolve/nobody", nil, authed)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTestWebhook(t *testing.T) {
	e := newTestEnv(t)
	session := e.appSession(t)
	token := e.loginAccount(t, session, "alice")
	bearer := map[string]string{"Authorization": "Bearer " + token}

	rec := e.do(t, http.MethodPost, "/test_webhook", map[string]string{"username": "alice"}, bearer)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no webhooks registered yet")

	var delivered []map[string]any
	var mu sync.Mutex
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var p map[string]any
		require.NoError(t, json.NewDecoder(req.Body).Decode(&p))
		mu.Lock()
		delivered = append(delivered, p)
		mu.Unlock()
	}))
	defer sink.Close()

	_, err := e.reg.AddWebhook(context.Background(), "alice", sink.URL, nil)
	require.NoError(t, err)

	rec = e.do(t, http.MethodPost, "/test_webhook", map[string]string{"username": "alice"}, bearer)
	require.Equal(t, http.StatusOK, rec.Code)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 1)
	assert.Equal(t, "test", delivered[0]["thread_id"])
	assert.Equal(t, "test", delivered[0]["text"])
	assert.Equal(t, float64(0), delivered[0]["sender_id"])
}

func TestOversizedBodyRejected(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/send_message", bytes.NewReader(make([]byte, 2<<20)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestTokenResetRotates(t *testing.T) {
	e := newTestEnv(t)
	session := e.appSession(t)
	token := e.loginAccount(t, session, "alice")
	authed := map[string]string{
		headerAppSession: session[headerAppSession],
		"Authorization":  "Bearer " + token,
	}

	rec := e.do(t, http.MethodPost, "/accounts/alice/token/reset", nil, authed)
	require.Equal(t, http.StatusOK, rec.Code)
	rotated, ok := decode(t, rec)["token"].(string)
	require.True(t, ok)
	assert.NotEqual(t, token, rotated)

	// The old token no longer authorizes account operations
	rec = e.do(t, http.MethodGet, "/accounts/alice/webhooks", nil, authed)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
