// Package auth issues and verifies operator sessions for the gateway API.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/nmoreno/instagateway/internal/store"
)

// ErrInvalidCredentials is returned for unknown users or wrong passwords.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrInactiveUser is returned when the operator account is disabled.
var ErrInactiveUser = errors.New("inactive user")

// ErrInvalidSession is returned for missing, malformed or expired session tokens.
var ErrInvalidSession = errors.New("invalid app session")

// Session is an issued operator session.
type Session struct {
	Token    string
	Refresh  string
	UserID   string
	Username string
}

// Service verifies operator credentials and manages JWT app sessions.
type Service struct {
	db     *store.DB
	secret []byte
	ttl    time.Duration
	logger *slog.Logger
}

// New creates an auth service.
func New(db *store.DB, secret string, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		db:     db,
		secret: []byte(secret),
		ttl:    ttl,
		logger: logger.With("component", "auth"),
	}
}

// Login verifies the password and issues a session plus a fresh refresh token.
func (s *Service) Login(ctx context.Context, username, password string) (*Session, error) {
	user, err := s.db.GetAppUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrInactiveUser
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	token, err := s.issueToken(user.ID)
	if err != nil {
		return nil, err
	}
	refresh, err := newRefreshToken()
	if err != nil {
		return nil, err
	}
	if err := s.db.UpdateRefreshToken(ctx, user.ID, refresh); err != nil {
		return nil, err
	}

	s.logger.Info("app login ok", "username", username)
	return &Session{
		Token:    token,
		Refresh:  refresh,
		UserID:   user.ID,
		Username: user.Username,
	}, nil
}

// Verify checks a session token and returns the operator user id.
func (s *Service) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidSession
	}
	return claims.Subject, nil
}

// RefreshSession issues a new session token for an already verified user.
func (s *Service) RefreshSession(userID string) (string, error) {
	return s.issueToken(userID)
}

// RefreshFromToken exchanges a stored refresh token for a new session token.
func (s *Service) RefreshFromToken(ctx context.Context, refresh string) (string, error) {
	user, err := s.db.GetAppUserByRefreshToken(ctx, refresh)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrInvalidSession
	}
	if err != nil {
		return "", err
	}
	if !user.IsActive {
		return "", ErrInactiveUser
	}
	return s.issueToken(user.ID)
}

// HashPassword produces a bcrypt hash for storing operator passwords.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (s *Service) issueToken(userID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return token, nil
}

func newRefreshToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
