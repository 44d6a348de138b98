package poller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmoreno/instagateway/internal/platform"
	"github.com/nmoreno/instagateway/internal/registry"
	"github.com/nmoreno/instagateway/internal/webhook"
	"github.com/nmoreno/instagateway/pkg/models"
)

const selfID int64 = 42

// pollClient is a scriptable platform handle for poll tests.
type pollClient struct {
	mu       sync.Mutex
	threads  []platform.Thread
	messages map[string][]platform.Message
	fetchErr map[string]error
}

func newPollClient() *pollClient {
	return &pollClient{
		messages: make(map[string][]platform.Message),
		fetchErr: make(map[string]error),
	}
}

func (f *pollClient) setNewest(threadID string, msg platform.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	found := false
	for _, t := range f.threads {
		if t.ID == threadID {
			found = true
			break
		}
	}
	if !found {
		f.threads = append(f.threads, platform.Thread{ID: threadID})
	}
	f.messages[threadID] = []platform.Message{msg}
}

func (f *pollClient) ListUnreadThreads(ctx context.Context, limit, perThread int) ([]platform.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]platform.Thread(nil), f.threads...), nil
}

func (f *pollClient) ListRecentThreads(ctx context.Context, limit int) ([]platform.Thread, error) {
	return nil, nil
}

func (f *pollClient) GetThreadMessages(ctx context.Context, threadID string, limit int) ([]platform.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fetchErr[threadID]; err != nil {
		return nil, err
	}
	return append([]platform.Message(nil), f.messages[threadID]...), nil
}

func (f *pollClient) SendText(ctx context.Context, recipientIDs []int64, text string) error {
	return nil
}

func (f *pollClient) SendPhoto(ctx context.Context, path string, recipientIDs []int64) error {
	return nil
}

func (f *pollClient) SendVideo(ctx context.Context, path string, recipientIDs []int64) error {
	return nil
}

func (f *pollClient) ResolveUserID(ctx context.Context, handle string) (int64, error) {
	return 0, platform.ErrNotFound
}

func (f *pollClient) GetUserInfo(ctx context.Context, userID int64) (*platform.UserInfo, error) {
	return &platform.UserInfo{ID: userID}, nil
}

func (f *pollClient) ListUserStories(ctx context.Context, userID int64) ([]platform.StoryItem, error) {
	return nil, nil
}

func (f *pollClient) ViewStory(ctx context.Context, storyID string) error { return nil }

func (f *pollClient) MarkThreadSeen(ctx context.Context, threadID string) error { return nil }

func (f *pollClient) GetAccountInfo(ctx context.Context) (*platform.AccountInfo, error) {
	return &platform.AccountInfo{UserID: selfID}, nil
}

func (f *pollClient) SessionToken() string { return "sess" }

func (f *pollClient) Logout(ctx context.Context) error { return nil }

type pollConnector struct {
	client *pollClient
}

func (c *pollConnector) Login(ctx context.Context, username, password, code string) (platform.Client, error) {
	return c.client, nil
}

func (c *pollConnector) FromSession(sessionToken string) platform.Client {
	return c.client
}

// receiver collects webhook deliveries.
type receiver struct {
	mu       sync.Mutex
	payloads []models.Payload
	server   *httptest.Server
}

func newReceiver(t *testing.T) *receiver {
	r := &receiver{}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var p models.Payload
		require.NoError(t, json.NewDecoder(req.Body).Decode(&p))
		r.mu.Lock()
		r.payloads = append(r.payloads, p)
		r.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(r.server.Close)
	return r
}

func (r *receiver) received() []models.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Payload(nil), r.payloads...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setup(t *testing.T) (*Poller, *registry.Registry, *pollClient, *receiver) {
	ctx := context.Background()
	client := newPollClient()
	reg := registry.New(&pollConnector{client: client}, nil, registry.Config{}, testLogger())
	require.NoError(t, reg.ImportSession(ctx, "alice", "sess"))

	sink := newReceiver(t)
	_, err := reg.AddWebhook(ctx, "alice", sink.server.URL, nil)
	require.NoError(t, err)

	dispatcher := webhook.NewDispatcher(5*time.Second, testLogger())
	p := New(reg, dispatcher, time.Second, testLogger())
	return p, reg, client, sink
}

func TestNewInboundMessageForwardedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	p, reg, client, sink := setup(t)

	ts := time.Now().UTC().Truncate(time.Second)
	client.setNewest("t1", platform.Message{
		ID: "m1", ThreadID: "t1", SenderID: 777, Text: "hello", Timestamp: ts,
	})

	p.tick(ctx)
	p.tick(ctx)

	got := sink.received()
	require.Len(t, got, 1, "the same newest message must not be delivered twice")
	assert.Equal(t, "alice", got[0].Username)
	assert.Equal(t, "t1", got[0].ThreadID)
	assert.Equal(t, "m1", got[0].ItemID)
	assert.Equal(t, int64(777), got[0].SenderID)
	require.NotNil(t, got[0].Text)
	assert.Equal(t, "hello", *got[0].Text)

	last, ok := reg.Watermark("alice", "t1")
	require.True(t, ok)
	assert.Equal(t, "m1", last)
}

func TestSuccessiveMessagesAdvanceWatermark(t *testing.T) {
	ctx := context.Background()
	p, _, client, sink := setup(t)

	client.setNewest("t1", platform.Message{ID: "m1", ThreadID: "t1", SenderID: 777, Text: "one"})
	p.tick(ctx)

	client.setNewest("t1", platform.Message{ID: "m2", ThreadID: "t1", SenderID: 777, Text: "two"})
	p.tick(ctx)

	got := sink.received()
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].ItemID)
	assert.Equal(t, "m2", got[1].ItemID)
}

func TestOwnEchoAdvancesWatermarkWithoutDelivery(t *testing.T) {
	ctx := context.Background()
	p, reg, client, sink := setup(t)

	client.setNewest("t1", platform.Message{ID: "m1", ThreadID: "t1", SenderID: selfID, Text: "me"})
	p.tick(ctx)

	assert.Empty(t, sink.received())
	last, ok := reg.Watermark("alice", "t1")
	require.True(t, ok)
	assert.Equal(t, "m1", last)

	// A later inbound reply is still detected normally
	client.setNewest("t1", platform.Message{ID: "m2", ThreadID: "t1", SenderID: 777, Text: "reply"})
	p.tick(ctx)
	require.Len(t, sink.received(), 1)
	assert.Equal(t, "m2", sink.received()[0].ItemID)
}

func TestThreadFailureDoesNotBlockOtherThreads(t *testing.T) {
	ctx := context.Background()
	p, reg, client, sink := setup(t)

	client.setNewest("bad", platform.Message{ID: "x", ThreadID: "bad", SenderID: 777})
	client.setNewest("good", platform.Message{ID: "m1", ThreadID: "good", SenderID: 777, Text: "ok"})
	client.fetchErr["bad"] = platform.ErrRateLimited

	p.tick(ctx)

	got := sink.received()
	require.Len(t, got, 1)
	assert.Equal(t, "good", got[0].ThreadID)

	// The failed thread keeps no watermark and recovers on a later tick
	_, ok := reg.Watermark("alice", "bad")
	assert.False(t, ok)

	delete(client.fetchErr, "bad")
	p.tick(ctx)
	require.Len(t, sink.received(), 2)
}

func TestMessagesWithoutTextOmitTextField(t *testing.T) {
	ctx := context.Background()
	p, _, client, sink := setup(t)

	client.setNewest("t1", platform.Message{ID: "m1", ThreadID: "t1", SenderID: 777})
	p.tick(ctx)

	got := sink.received()
	require.Len(t, got, 1)
	assert.Nil(t, got[0].Text)
	assert.Nil(t, got[0].Timestamp)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	p, _, _, _ := setup(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop after context cancellation")
	}
}

func TestIntervalClampedToFloor(t *testing.T) {
	p := New(nil, nil, time.Millisecond, testLogger())
	assert.GreaterOrEqual(t, p.interval, 500*time.Millisecond)
}

func TestTransientErrorClassification(t *testing.T) {
	assert.True(t, platform.IsTransient(platform.ErrRateLimited))
	assert.True(t, platform.IsTransient(platform.ErrTransport))
	assert.False(t, platform.IsTransient(platform.ErrUnauthorized))
	assert.False(t, platform.IsTransient(errors.New("other")))
}
