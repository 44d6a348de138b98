package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nmoreno/instagateway/pkg/models"
)

// CreateAppUser inserts a new operator account.
func (db *DB) CreateAppUser(ctx context.Context, user *models.AppUser) error {
	query := `
		INSERT INTO app_users (id, username, password_hash, is_active, refresh_token, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	_, err := db.ExecContext(ctx, query,
		user.ID,
		user.Username,
		user.PasswordHash,
		user.IsActive,
		user.RefreshToken,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create app user: %w", err)
	}
	user.CreatedAt = now
	return nil
}

// GetAppUserByUsername returns an operator account by username.
func (db *DB) GetAppUserByUsername(ctx context.Context, username string) (*models.AppUser, error) {
	var user models.AppUser
	query := `SELECT * FROM app_users WHERE username = ?`
	err := db.GetContext(ctx, &user, query, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get app user: %w", err)
	}
	return &user, nil
}

// GetAppUserByRefreshToken returns the operator account holding the given refresh token.
func (db *DB) GetAppUserByRefreshToken(ctx context.Context, refresh string) (*models.AppUser, error) {
	var user models.AppUser
	query := `SELECT * FROM app_users WHERE refresh_token = ? AND refresh_token != ''`
	err := db.GetContext(ctx, &user, query, refresh)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get app user: %w", err)
	}
	return &user, nil
}

// UpdateRefreshToken stores a new refresh token for an operator account.
func (db *DB) UpdateRefreshToken(ctx context.Context, userID, refresh string) error {
	query := `UPDATE app_users SET refresh_token = ? WHERE id = ?`
	if _, err := db.ExecContext(ctx, query, refresh, userID); err != nil {
		return fmt.Errorf("failed to update refresh token: %w", err)
	}
	return nil
}
