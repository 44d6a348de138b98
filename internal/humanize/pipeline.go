// Package humanize performs a configurable sequence of behavioral pre-actions
// before delivering a message, so automated sends resemble organic use.
package humanize

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/nmoreno/instagateway/internal/media"
	"github.com/nmoreno/instagateway/internal/platform"
	"github.com/nmoreno/instagateway/internal/registry"
	"github.com/nmoreno/instagateway/pkg/models"
)

// typingStep is the increment of the simulated typing delay, so the wait is
// interruptible between steps instead of one long sleep.
const typingStep = 350 * time.Millisecond

const recentThreadScanLimit = 10

const maxStoryViews = 2

// Pipeline runs pre-actions and the final send for one account.
type Pipeline struct {
	registry *registry.Registry
	media    *media.Resolver
	logger   *slog.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(min, max time.Duration) time.Duration
}

// New creates a send pipeline.
func New(reg *registry.Registry, resolver *media.Resolver, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		registry: reg,
		media:    resolver,
		logger:   logger.With("component", "send_pipeline"),
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
		jitter: func(min, max time.Duration) time.Duration {
			return min + rand.N(max-min)
		},
	}
}

// SendMessage sends a text message after running the humanized pre-actions.
// Only the final send can fail the call; every pre-action is best-effort.
func (p *Pipeline) SendMessage(ctx context.Context, username, recipient, text string, overrides *models.OptionsPatch) error {
	if recipient == "" || text == "" {
		return fmt.Errorf("%w: recipient and text are required", registry.ErrValidation)
	}

	client, err := p.registry.Handle(username)
	if err != nil {
		return err
	}

	opts := p.effectiveOptions(username, overrides)
	userID, err := p.resolveRecipient(ctx, client, recipient)
	if err != nil {
		return err
	}

	p.logger.Info("send message start", "username", username, "recipient", recipient, "user_id", userID)
	p.preActions(ctx, client, userID, opts)

	if err := client.SendText(ctx, []int64{userID}, text); err != nil {
		return err
	}
	p.logger.Info("send message sent", "username", username, "user_id", userID)
	return nil
}

// SendFile resolves the source through the media resolver and sends it via the
// photo or video capability depending on the staged file's extension.
func (p *Pipeline) SendFile(ctx context.Context, username, recipient, source string, overrides *models.OptionsPatch) error {
	if recipient == "" || source == "" {
		return fmt.Errorf("%w: recipient and file source are required", registry.ErrValidation)
	}

	client, err := p.registry.Handle(username)
	if err != nil {
		return err
	}

	opts := p.effectiveOptions(username, overrides)
	userID, err := p.resolveRecipient(ctx, client, recipient)
	if err != nil {
		return err
	}

	p.logger.Info("send file start", "username", username, "recipient", recipient, "user_id", userID, "source", source)
	p.preActions(ctx, client, userID, opts)

	path, cleanup, err := p.media.Resolve(ctx, source)
	if err != nil {
		return err
	}
	defer cleanup()

	switch media.Classify(path) {
	case media.KindVideo:
		err = client.SendVideo(ctx, path, []int64{userID})
	default:
		err = client.SendPhoto(ctx, path, []int64{userID})
	}
	if err != nil {
		return err
	}
	p.logger.Info("send file sent", "username", username, "user_id", userID)
	return nil
}

// ResolveRecipient resolves a recipient string to a platform user id using an
// account's handle.
func (p *Pipeline) ResolveRecipient(ctx context.Context, username, recipient string) (int64, error) {
	client, err := p.registry.Handle(username)
	if err != nil {
		return 0, err
	}
	return p.resolveRecipient(ctx, client, recipient)
}

// effectiveOptions merges call-scoped overrides over the stored options.
// Overrides are never persisted.
func (p *Pipeline) effectiveOptions(username string, overrides *models.OptionsPatch) models.Options {
	opts := p.registry.Options(username)
	if overrides != nil {
		opts = opts.Apply(*overrides)
	}
	return opts
}

// resolveRecipient parses a numeric platform id, falling back to handle
// resolution via the platform.
func (p *Pipeline) resolveRecipient(ctx context.Context, client platform.Client, recipient string) (int64, error) {
	if id, err := strconv.ParseInt(recipient, 10, 64); err == nil {
		return id, nil
	}
	return client.ResolveUserID(ctx, recipient)
}

// preActions runs the ordered humanization sequence. Each step is individually
// best-effort; a failure never blocks or aborts the send that follows.
func (p *Pipeline) preActions(ctx context.Context, client platform.Client, userID int64, opts models.Options) {
	if opts.SafeMode {
		p.pause(ctx, 200*time.Millisecond, 600*time.Millisecond)
	}

	if opts.DelayTyping {
		p.simulateTyping(ctx)
	}

	if opts.MarkSeenPrevious {
		p.markSeenPrevious(ctx, client, userID)
	}

	if opts.ViewProfile {
		if _, err := client.GetUserInfo(ctx, userID); err != nil {
			p.logger.Debug("view profile failed", "user_id", userID, "error", err)
		} else if opts.SafeMode {
			p.pause(ctx, 200*time.Millisecond, 500*time.Millisecond)
		}
	}

	if opts.ViewStories {
		p.viewStories(ctx, client, userID, opts.SafeMode)
	}
}

func (p *Pipeline) pause(ctx context.Context, min, max time.Duration) {
	_ = p.sleep(ctx, p.jitter(min, max))
}

// simulateTyping waits a random total in small increments.
func (p *Pipeline) simulateTyping(ctx context.Context) {
	total := p.jitter(1*time.Second, 3500*time.Millisecond)
	for elapsed := time.Duration(0); elapsed < total; elapsed += typingStep {
		if err := p.sleep(ctx, typingStep); err != nil {
			return
		}
	}
}

// markSeenPrevious scans the most recent threads for one including the
// recipient and marks it seen.
func (p *Pipeline) markSeenPrevious(ctx context.Context, client platform.Client, userID int64) {
	threads, err := client.ListRecentThreads(ctx, recentThreadScanLimit)
	if err != nil {
		p.logger.Debug("recent thread scan failed", "error", err)
		return
	}
	for _, thread := range threads {
		for _, participant := range thread.Participants {
			if participant != userID {
				continue
			}
			if err := client.MarkThreadSeen(ctx, thread.ID); err != nil {
				p.logger.Debug("mark seen failed", "thread_id", thread.ID, "error", err)
			}
			return
		}
	}
}

// viewStories registers a view on up to the first two current story items.
func (p *Pipeline) viewStories(ctx context.Context, client platform.Client, userID int64, safeMode bool) {
	items, err := client.ListUserStories(ctx, userID)
	if err != nil {
		p.logger.Debug("story listing failed", "user_id", userID, "error", err)
		return
	}
	for i, item := range items {
		if i >= maxStoryViews {
			break
		}
		if err := client.ViewStory(ctx, item.ID); err != nil {
			p.logger.Debug("story view failed", "story_id", item.ID, "error", err)
		}
		if safeMode {
			p.pause(ctx, 200*time.Millisecond, 600*time.Millisecond)
		}
	}
}
