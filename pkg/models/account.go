package models

import "time"

// AccountRecord is the durable state of a platform account.
type AccountRecord struct {
	ID            int64     `db:"id"`
	Username      string    `db:"username"`
	Token         string    `db:"token"`         // bearer token for account-scoped operations
	SessionToken  string    `db:"session_token"` // platform session, restored at startup
	Options       string    `db:"options"`       // JSON-encoded Options, empty until first set
	NextWebhookID int64     `db:"next_webhook_id"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// WebhookRecord is the durable form of one webhook subscription.
type WebhookRecord struct {
	AccountUsername string `db:"account_username"`
	HookID          string `db:"hook_id"`
	URL             string `db:"url"`
	IncludeText     bool   `db:"include_text"`
}

// AppUser is an operator account for the gateway API itself.
type AppUser struct {
	ID           string    `db:"id"`
	Username     string    `db:"username"`
	PasswordHash string    `db:"password_hash"`
	IsActive     bool      `db:"is_active"`
	RefreshToken string    `db:"refresh_token"`
	CreatedAt    time.Time `db:"created_at"`
}
