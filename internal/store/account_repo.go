package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nmoreno/instagateway/pkg/models"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("record not found")

// EnsureAccount creates the account row if it does not exist yet.
func (db *DB) EnsureAccount(ctx context.Context, username string) error {
	query := `
		INSERT INTO accounts (username, created_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(username) DO NOTHING
	`
	now := time.Now()
	if _, err := db.ExecContext(ctx, query, username, now, now); err != nil {
		return fmt.Errorf("failed to ensure account: %w", err)
	}
	return nil
}

// GetAccount returns one account by username.
func (db *DB) GetAccount(ctx context.Context, username string) (*models.AccountRecord, error) {
	var account models.AccountRecord
	query := `SELECT * FROM accounts WHERE username = ?`
	err := db.GetContext(ctx, &account, query, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// GetAllAccounts returns every stored account.
func (db *DB) GetAllAccounts(ctx context.Context) ([]*models.AccountRecord, error) {
	var accounts []*models.AccountRecord
	query := `SELECT * FROM accounts ORDER BY created_at`
	if err := db.SelectContext(ctx, &accounts, query); err != nil {
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}
	return accounts, nil
}

// UpdateToken stores the bearer token of an account.
func (db *DB) UpdateToken(ctx context.Context, username, token string) error {
	query := `UPDATE accounts SET token = ?, updated_at = ? WHERE username = ?`
	if _, err := db.ExecContext(ctx, query, token, time.Now(), username); err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}
	return nil
}

// UpdateSessionToken stores the platform session token of an account.
func (db *DB) UpdateSessionToken(ctx context.Context, username, sessionToken string) error {
	query := `UPDATE accounts SET session_token = ?, updated_at = ? WHERE username = ?`
	if _, err := db.ExecContext(ctx, query, sessionToken, time.Now(), username); err != nil {
		return fmt.Errorf("failed to update session token: %w", err)
	}
	return nil
}

// UpdateOptions stores the JSON-encoded behavior options of an account.
func (db *DB) UpdateOptions(ctx context.Context, username, optionsJSON string) error {
	query := `UPDATE accounts SET options = ?, updated_at = ? WHERE username = ?`
	if _, err := db.ExecContext(ctx, query, optionsJSON, time.Now(), username); err != nil {
		return fmt.Errorf("failed to update options: %w", err)
	}
	return nil
}

// ReplaceWebhooks rewrites the webhook set of an account along with its id counter.
func (db *DB) ReplaceWebhooks(ctx context.Context, username string, subs []models.Subscription, nextID int64) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM webhooks WHERE account_username = ?`, username); err != nil {
		return fmt.Errorf("failed to clear webhooks: %w", err)
	}
	for _, s := range subs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO webhooks (account_username, hook_id, url, include_text) VALUES (?, ?, ?, ?)`,
			username, s.ID, s.URL, s.Permissions.Text,
		)
		if err != nil {
			return fmt.Errorf("failed to insert webhook: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET next_webhook_id = ?, updated_at = ? WHERE username = ?`,
		nextID, time.Now(), username,
	); err != nil {
		return fmt.Errorf("failed to update webhook counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit webhooks: %w", err)
	}
	return nil
}

// GetWebhooks returns the webhook subscriptions of an account.
func (db *DB) GetWebhooks(ctx context.Context, username string) ([]models.Subscription, error) {
	var records []models.WebhookRecord
	query := `SELECT * FROM webhooks WHERE account_username = ? ORDER BY hook_id`
	if err := db.SelectContext(ctx, &records, query, username); err != nil {
		return nil, fmt.Errorf("failed to get webhooks: %w", err)
	}

	subs := make([]models.Subscription, 0, len(records))
	for _, r := range records {
		subs = append(subs, models.Subscription{
			ID:          r.HookID,
			URL:         r.URL,
			Permissions: models.Permissions{Text: r.IncludeText},
		})
	}
	return subs, nil
}

// ResetAccountState clears token, options and webhooks of an account.
func (db *DB) ResetAccountState(ctx context.Context, username string) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM webhooks WHERE account_username = ?`, username); err != nil {
		return fmt.Errorf("failed to clear webhooks: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET token = '', options = '', next_webhook_id = 1, updated_at = ? WHERE username = ?`,
		time.Now(), username,
	); err != nil {
		return fmt.Errorf("failed to reset account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reset: %w", err)
	}
	return nil
}
