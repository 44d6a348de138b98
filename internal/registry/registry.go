// Package registry holds the authenticated platform sessions and all
// per-account state: bearer tokens, behavior options, webhook subscriptions
// and thread watermarks.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nmoreno/instagateway/internal/platform"
	"github.com/nmoreno/instagateway/pkg/models"
)

// ErrAuthentication is returned when credentials, a session token or a bearer
// token are rejected.
var ErrAuthentication = errors.New("authentication failed")

// ErrAccountNotLogged is returned when an operation needs an active handle and
// the account has none.
var ErrAccountNotLogged = errors.New("account not logged in")

// ErrWebhookNotFound is returned when a webhook id does not exist for the account.
var ErrWebhookNotFound = errors.New("webhook not found")

// ErrValidation is returned for malformed or missing required fields.
var ErrValidation = errors.New("validation failed")

// Store persists durable account state. All calls are best-effort from the
// registry's point of view; failures are logged and never surfaced.
type Store interface {
	EnsureAccount(ctx context.Context, username string) error
	UpdateToken(ctx context.Context, username, token string) error
	UpdateSessionToken(ctx context.Context, username, sessionToken string) error
	UpdateOptions(ctx context.Context, username, optionsJSON string) error
	ReplaceWebhooks(ctx context.Context, username string, subs []models.Subscription, nextID int64) error
	ResetAccountState(ctx context.Context, username string) error
}

// SleepFunc waits for the given duration or until the context is done.
// Injectable so retry timing is testable without real elapsed time.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// entry is the registry state of one account. The client handle is exclusively
// owned by this entry and never shared.
type entry struct {
	client        platform.Client
	selfID        int64
	token         string
	options       *models.Options // nil means defaults
	webhooks      []models.Subscription
	nextWebhookID int64
	watermarks    map[string]string // thread id -> last delivered item id
}

// Config for the registry.
type Config struct {
	LoginAttempts int
	LoginBackoff  time.Duration
}

// Registry manages all account sessions.
type Registry struct {
	mu        sync.RWMutex
	accounts  map[string]*entry
	connector platform.Connector
	store     Store
	logger    *slog.Logger

	loginAttempts int
	loginBackoff  time.Duration
	sleep         SleepFunc
}

// New creates a registry. store may be nil for a purely in-memory registry.
func New(connector platform.Connector, store Store, cfg Config, logger *slog.Logger) *Registry {
	attempts := cfg.LoginAttempts
	if attempts < 1 {
		attempts = 3
	}
	backoff := cfg.LoginBackoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	return &Registry{
		accounts:      make(map[string]*entry),
		connector:     connector,
		store:         store,
		logger:        logger.With("component", "registry"),
		loginAttempts: attempts,
		loginBackoff:  backoff,
		sleep:         sleepContext,
	}
}

// Key normalizes an account username into its registry key.
func Key(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// getOrCreate returns the entry for key, creating it if needed. Callers must
// hold the write lock.
func (r *Registry) getOrCreate(key string) *entry {
	e, ok := r.accounts[key]
	if !ok {
		e = &entry{
			nextWebhookID: 1,
			watermarks:    make(map[string]string),
		}
		r.accounts[key] = e
	}
	return e
}

type loginState int

const (
	loginAttempting loginState = iota
	loginSucceeded
	loginFailed
)

// authenticate drives credential authentication through an explicit retry
// state machine: up to loginAttempts tries, linear backoff between them.
func (r *Registry) authenticate(ctx context.Context, username, password, code string) (platform.Client, error) {
	state := loginAttempting
	var client platform.Client
	var lastErr error

	for attempt := 1; state == loginAttempting; attempt++ {
		c, err := r.connector.Login(ctx, username, password, code)
		if err == nil {
			client = c
			state = loginSucceeded
			break
		}
		lastErr = err
		r.logger.Warn("login attempt failed", "username", username, "attempt", attempt, "error", err)
		if attempt >= r.loginAttempts {
			state = loginFailed
			break
		}
		if serr := r.sleep(ctx, time.Duration(attempt)*r.loginBackoff); serr != nil {
			lastErr = serr
			state = loginFailed
		}
	}

	if state != loginSucceeded {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, lastErr)
	}
	return client, nil
}

// Login establishes a handle via full credential authentication. The bearer
// token is assigned on the first login ever and survives re-logins.
func (r *Registry) Login(ctx context.Context, username, password, verificationCode string) error {
	key := Key(username)
	if key == "" || password == "" {
		return fmt.Errorf("%w: username and password are required", ErrValidation)
	}

	client, err := r.authenticate(ctx, key, password, verificationCode)
	if err != nil {
		return err
	}

	r.mu.Lock()
	e := r.getOrCreate(key)
	e.client = client
	e.selfID = 0
	assignedToken := ""
	if e.token == "" {
		token, terr := newToken()
		if terr != nil {
			r.mu.Unlock()
			return fmt.Errorf("failed to generate token: %w", terr)
		}
		e.token = token
		assignedToken = token
	}
	sessionToken := client.SessionToken()
	r.mu.Unlock()

	r.logger.Info("login ok", "username", key)
	if r.store != nil {
		if err := r.store.EnsureAccount(ctx, key); err != nil {
			r.logger.Warn("failed to persist account", "username", key, "error", err)
		}
		if assignedToken != "" {
			if err := r.store.UpdateToken(ctx, key, assignedToken); err != nil {
				r.logger.Warn("failed to persist token", "username", key, "error", err)
			}
		}
		if sessionToken != "" {
			if err := r.store.UpdateSessionToken(ctx, key, sessionToken); err != nil {
				r.logger.Warn("failed to persist session token", "username", key, "error", err)
			}
		}
	}
	return nil
}

// ImportSession constructs a handle directly from an externally-issued session
// token, skipping credential verification.
func (r *Registry) ImportSession(ctx context.Context, username, sessionToken string) error {
	key := Key(username)
	if key == "" || sessionToken == "" {
		return fmt.Errorf("%w: username and session token are required", ErrValidation)
	}

	client := r.connector.FromSession(sessionToken)

	r.mu.Lock()
	e := r.getOrCreate(key)
	e.client = client
	e.selfID = 0
	assignedToken := ""
	if e.token == "" {
		token, err := newToken()
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("failed to generate token: %w", err)
		}
		e.token = token
		assignedToken = token
	}
	r.mu.Unlock()

	r.logger.Info("session imported", "username", key)
	if r.store != nil {
		if err := r.store.EnsureAccount(ctx, key); err != nil {
			r.logger.Warn("failed to persist account", "username", key, "error", err)
		}
		if assignedToken != "" {
			if err := r.store.UpdateToken(ctx, key, assignedToken); err != nil {
				r.logger.Warn("failed to persist token", "username", key, "error", err)
			}
		}
		if err := r.store.UpdateSessionToken(ctx, key, sessionToken); err != nil {
			r.logger.Warn("failed to persist session token", "username", key, "error", err)
		}
	}
	return nil
}

// EnsureSession is idempotent: with a live handle it returns immediately,
// otherwise it constructs one from the token optimistically. The token is
// never validated here; validity is discovered on first real use.
func (r *Registry) EnsureSession(ctx context.Context, username, sessionToken string) error {
	key := Key(username)
	if key == "" || sessionToken == "" {
		return fmt.Errorf("%w: username and session token are required", ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.accounts[key]; ok && e.client != nil {
		return nil
	}
	e := r.getOrCreate(key)
	e.client = r.connector.FromSession(sessionToken)
	e.selfID = 0
	return nil
}

// Logout performs best-effort remote invalidation and discards the in-memory
// handle. Token, options, webhooks and watermarks survive.
func (r *Registry) Logout(ctx context.Context, username string) {
	key := Key(username)

	r.mu.Lock()
	e, ok := r.accounts[key]
	var client platform.Client
	if ok {
		client = e.client
		e.client = nil
		e.selfID = 0
	}
	r.mu.Unlock()

	if client != nil {
		if err := client.Logout(ctx); err != nil {
			r.logger.Warn("remote logout failed", "username", key, "error", err)
		}
	}
	r.logger.Info("logout ok", "username", key)
}

// Handle returns the active handle for an account.
func (r *Registry) Handle(username string) (platform.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.accounts[Key(username)]
	if !ok || e.client == nil {
		return nil, ErrAccountNotLogged
	}
	return e.client, nil
}

// SelfID returns the authenticated account's own platform user id, fetching
// and caching it on first use.
func (r *Registry) SelfID(ctx context.Context, username string) (int64, error) {
	key := Key(username)

	r.mu.RLock()
	e, ok := r.accounts[key]
	if !ok || e.client == nil {
		r.mu.RUnlock()
		return 0, ErrAccountNotLogged
	}
	if e.selfID != 0 {
		id := e.selfID
		r.mu.RUnlock()
		return id, nil
	}
	client := e.client
	r.mu.RUnlock()

	info, err := client.GetAccountInfo(ctx)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	if e, ok := r.accounts[key]; ok && e.client == client {
		e.selfID = info.UserID
	}
	r.mu.Unlock()
	return info.UserID, nil
}

// ActiveAccounts returns the usernames with a live handle, sorted.
func (r *Registry) ActiveAccounts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for key, e := range r.accounts {
		if e.client != nil {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// AccountSummary describes one known account.
type AccountSummary struct {
	Username   string                `json:"username"`
	Active     bool                  `json:"active"`
	Webhooks   []models.Subscription `json:"webhooks"`
	WebhookURL string                `json:"webhook_url,omitempty"`
}

// ListAccounts returns a summary of every known account, sorted by username.
func (r *Registry) ListAccounts() []AccountSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AccountSummary, 0, len(r.accounts))
	for key, e := range r.accounts {
		s := AccountSummary{
			Username: key,
			Active:   e.client != nil,
			Webhooks: append([]models.Subscription(nil), e.webhooks...),
		}
		if len(e.webhooks) > 0 {
			s.WebhookURL = e.webhooks[0].URL
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Restore loads durable state for one account and, when a session token is
// stored, re-establishes its handle optimistically.
func (r *Registry) Restore(ctx context.Context, rec *models.AccountRecord, webhooks []models.Subscription) {
	key := Key(rec.Username)

	r.mu.Lock()
	e := r.getOrCreate(key)
	e.token = rec.Token
	e.webhooks = webhooks
	if rec.NextWebhookID > e.nextWebhookID {
		e.nextWebhookID = rec.NextWebhookID
	}
	if rec.Options != "" {
		if opts, err := decodeOptions(rec.Options); err == nil {
			e.options = &opts
		} else {
			r.logger.Warn("ignoring malformed stored options", "username", key, "error", err)
		}
	}
	r.mu.Unlock()

	if rec.SessionToken != "" {
		if err := r.EnsureSession(ctx, key, rec.SessionToken); err != nil {
			r.logger.Warn("failed to restore session", "username", key, "error", err)
		}
	}
}
