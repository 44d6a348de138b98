// Package poller runs the background loop that detects new inbound messages
// and hands them to the webhook dispatcher.
package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/nmoreno/instagateway/internal/config"
	"github.com/nmoreno/instagateway/internal/platform"
	"github.com/nmoreno/instagateway/internal/registry"
	"github.com/nmoreno/instagateway/internal/webhook"
	"github.com/nmoreno/instagateway/pkg/models"
)

const (
	unreadThreadLimit     = 20
	perThreadMessageLimit = 1
)

// Poller iterates all active accounts at a fixed interval and forwards newly
// observed inbound messages. One poller owns all ticks, so watermark updates
// for a given (account, thread) are strictly ordered.
type Poller struct {
	registry   *registry.Registry
	dispatcher *webhook.Dispatcher
	interval   time.Duration
	logger     *slog.Logger
}

// New creates a poller. The interval is floor-clamped to bound the platform
// call rate.
func New(reg *registry.Registry, dispatcher *webhook.Dispatcher, interval time.Duration, logger *slog.Logger) *Poller {
	if interval < config.MinPollInterval {
		interval = config.MinPollInterval
	}
	return &Poller{
		registry:   reg,
		dispatcher: dispatcher,
		interval:   interval,
		logger:     logger.With("component", "poller"),
	}
}

// Run polls until ctx is cancelled. An in-flight tick always completes before
// Run returns.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("starting poll loop", "interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poll loop stopped")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick processes every active account once. A failure in one account never
// halts processing of the others.
func (p *Poller) tick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("tick panicked", "panic", rec)
		}
	}()

	for _, username := range p.registry.ActiveAccounts() {
		p.pollAccount(ctx, username)
	}
}

// pollAccount checks one account's unread threads for new inbound messages.
func (p *Poller) pollAccount(ctx context.Context, username string) {
	client, err := p.registry.Handle(username)
	if err != nil {
		return
	}

	selfID, err := p.registry.SelfID(ctx, username)
	if err != nil {
		p.logger.Warn("failed to resolve own user id", "username", username, "error", err)
		return
	}

	threads, err := client.ListUnreadThreads(ctx, unreadThreadLimit, perThreadMessageLimit)
	if err != nil {
		p.logger.Warn("failed to list unread threads", "username", username, "error", err)
		return
	}

	for _, thread := range threads {
		p.pollThread(ctx, client, username, selfID, thread.ID)
	}
}

// pollThread fetches the newest message of one thread and forwards it when it
// is new and inbound. Transient failures skip the thread for this tick only.
func (p *Poller) pollThread(ctx context.Context, client platform.Client, username string, selfID int64, threadID string) {
	messages, err := client.GetThreadMessages(ctx, threadID, 1)
	if err != nil {
		if platform.IsTransient(err) {
			p.logger.Warn("transient fetch failure, skipping thread", "username", username, "thread_id", threadID, "error", err)
		} else {
			p.logger.Warn("failed to fetch thread messages", "username", username, "thread_id", threadID, "error", err)
		}
		return
	}
	if len(messages) == 0 {
		return
	}
	msg := messages[0]

	if last, ok := p.registry.Watermark(username, threadID); ok && last == msg.ID {
		return
	}

	// Echoes of the account's own sends advance the watermark but are never forwarded.
	if msg.SenderID == selfID {
		p.registry.AdvanceWatermark(username, threadID, msg.ID)
		return
	}

	payload := models.Payload{
		Username: username,
		ThreadID: threadID,
		ItemID:   msg.ID,
		SenderID: msg.SenderID,
	}
	if msg.Text != "" {
		text := msg.Text
		payload.Text = &text
	}
	if !msg.Timestamp.IsZero() {
		ts := msg.Timestamp
		payload.Timestamp = &ts
	}

	p.logger.Info("inbound message", "username", username, "thread_id", threadID, "sender_id", msg.SenderID, "item_id", msg.ID)
	p.dispatcher.Forward(ctx, payload, p.registry.Webhooks(username))
	p.registry.AdvanceWatermark(username, threadID, msg.ID)
}
