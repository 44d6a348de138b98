package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nmoreno/instagateway/pkg/models"
)

// newToken generates a fresh random 16-byte hex bearer token.
func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func encodeOptions(opts models.Options) string {
	data, _ := json.Marshal(opts)
	return string(data)
}

func decodeOptions(raw string) (models.Options, error) {
	var opts models.Options
	err := json.Unmarshal([]byte(raw), &opts)
	return opts, err
}

// CheckToken verifies the bearer token presented for an account-scoped
// operation. The account must have an active handle.
func (r *Registry) CheckToken(username, provided string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.accounts[Key(username)]
	if !ok || e.client == nil {
		return ErrAccountNotLogged
	}
	if e.token == "" || provided != e.token {
		return fmt.Errorf("%w: invalid bearer token", ErrAuthentication)
	}
	return nil
}

// GetToken returns the account's bearer token, generating one on first access
// after a reset.
func (r *Registry) GetToken(ctx context.Context, username string) (string, error) {
	key := Key(username)

	r.mu.Lock()
	e, ok := r.accounts[key]
	if !ok {
		r.mu.Unlock()
		return "", ErrAccountNotLogged
	}
	generated := ""
	if e.token == "" {
		token, err := newToken()
		if err != nil {
			r.mu.Unlock()
			return "", fmt.Errorf("failed to generate token: %w", err)
		}
		e.token = token
		generated = token
	}
	token := e.token
	r.mu.Unlock()

	if generated != "" && r.store != nil {
		if err := r.store.UpdateToken(ctx, key, generated); err != nil {
			r.logger.Warn("failed to persist token", "username", key, "error", err)
		}
	}
	return token, nil
}

// SetToken overwrites the account's bearer token.
func (r *Registry) SetToken(ctx context.Context, username, token string) {
	key := Key(username)

	r.mu.Lock()
	e := r.getOrCreate(key)
	e.token = token
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpdateToken(ctx, key, token); err != nil {
			r.logger.Warn("failed to persist token", "username", key, "error", err)
		}
	}
}

// ResetToken regenerates the account's bearer token and returns the new value.
func (r *Registry) ResetToken(ctx context.Context, username string) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	r.SetToken(ctx, username, token)
	return token, nil
}

// Options returns the account's current merged options. Unknown accounts and
// accounts that never set options get the defaults.
func (r *Registry) Options(username string) models.Options {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.accounts[Key(username)]; ok && e.options != nil {
		return *e.options
	}
	return models.DefaultOptions()
}

// SetOptions shallow-merges the patch over the stored options and persists the
// result.
func (r *Registry) SetOptions(ctx context.Context, username string, patch models.OptionsPatch) models.Options {
	key := Key(username)

	r.mu.Lock()
	e := r.getOrCreate(key)
	current := models.DefaultOptions()
	if e.options != nil {
		current = *e.options
	}
	merged := current.Apply(patch)
	e.options = &merged
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpdateOptions(ctx, key, encodeOptions(merged)); err != nil {
			r.logger.Warn("failed to persist options", "username", key, "error", err)
		}
	}
	return merged
}

// Webhooks returns a copy of the account's subscriptions.
func (r *Registry) Webhooks(username string) []models.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.accounts[Key(username)]
	if !ok {
		return nil
	}
	return append([]models.Subscription(nil), e.webhooks...)
}

// AddWebhook registers a subscription and returns its id. Ids come from a
// monotonically increasing per-account counter and are never reused.
func (r *Registry) AddWebhook(ctx context.Context, username, url string, perms *models.Permissions) (string, error) {
	if url == "" {
		return "", fmt.Errorf("%w: webhook url is required", ErrValidation)
	}
	key := Key(username)

	permissions := models.Permissions{Text: true}
	if perms != nil {
		permissions = *perms
	}

	r.mu.Lock()
	e := r.getOrCreate(key)
	id := strconv.FormatInt(e.nextWebhookID, 10)
	e.nextWebhookID++
	e.webhooks = append(e.webhooks, models.Subscription{
		ID:          id,
		URL:         url,
		Permissions: permissions,
	})
	r.persistWebhooksLocked(ctx, key, e)
	r.mu.Unlock()

	return id, nil
}

// UpdateWebhook updates a subscription's url and/or permissions by id.
func (r *Registry) UpdateWebhook(ctx context.Context, username, id string, url *string, perms *models.Permissions) error {
	key := Key(username)

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.accounts[key]
	if !ok {
		return ErrWebhookNotFound
	}
	for i := range e.webhooks {
		if e.webhooks[i].ID != id {
			continue
		}
		if url != nil {
			e.webhooks[i].URL = *url
		}
		if perms != nil {
			e.webhooks[i].Permissions = *perms
		}
		r.persistWebhooksLocked(ctx, key, e)
		return nil
	}
	return ErrWebhookNotFound
}

// DeleteWebhook removes a subscription by id.
func (r *Registry) DeleteWebhook(ctx context.Context, username, id string) error {
	key := Key(username)

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.accounts[key]
	if !ok {
		return ErrWebhookNotFound
	}
	for i := range e.webhooks {
		if e.webhooks[i].ID != id {
			continue
		}
		e.webhooks = append(e.webhooks[:i], e.webhooks[i+1:]...)
		r.persistWebhooksLocked(ctx, key, e)
		return nil
	}
	return ErrWebhookNotFound
}

// persistWebhooksLocked mirrors the webhook set into the store. Callers must
// hold the write lock; sqlite calls are fast enough to stay under it.
func (r *Registry) persistWebhooksLocked(ctx context.Context, key string, e *entry) {
	if r.store == nil {
		return
	}
	subs := append([]models.Subscription(nil), e.webhooks...)
	if err := r.store.ReplaceWebhooks(ctx, key, subs, e.nextWebhookID); err != nil {
		r.logger.Warn("failed to persist webhooks", "username", key, "error", err)
	}
}

// Watermark returns the last delivered item id for (account, thread).
func (r *Registry) Watermark(username, threadID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.accounts[Key(username)]
	if !ok {
		return "", false
	}
	id, ok := e.watermarks[threadID]
	return id, ok
}

// AdvanceWatermark records the last delivered item id for (account, thread).
// Watermarks only ever move forward; they are never cleared.
func (r *Registry) AdvanceWatermark(username, threadID, itemID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.accounts[Key(username)]
	if !ok {
		return
	}
	e.watermarks[threadID] = itemID
}

// ResetAccount clears token, webhooks and options. The active handle and the
// watermarks stay untouched; cleared state regenerates on next access.
func (r *Registry) ResetAccount(ctx context.Context, username string) {
	key := Key(username)

	r.mu.Lock()
	e, ok := r.accounts[key]
	if ok {
		e.token = ""
		e.webhooks = nil
		e.nextWebhookID = 1
		e.options = nil
	}
	r.mu.Unlock()

	if ok && r.store != nil {
		if err := r.store.ResetAccountState(ctx, key); err != nil {
			r.logger.Warn("failed to persist account reset", "username", key, "error", err)
		}
	}
}
