package platform

import (
	"context"
	"time"
)

// Thread is one direct-message conversation.
type Thread struct {
	ID           string  `json:"id"`
	Participants []int64 `json:"participants"`
}

// Message is one item inside a thread.
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	SenderID  int64     `json:"sender_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// UserInfo is the public profile of a platform user.
type UserInfo struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	FullName string `json:"full_name"`
}

// StoryItem is one currently published story of a user.
type StoryItem struct {
	ID      string    `json:"id"`
	TakenAt time.Time `json:"taken_at"`
}

// AccountInfo describes the authenticated account behind a handle.
type AccountInfo struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// Client is an authenticated handle to the messaging platform for one account.
// It is exclusively owned by the registry entry that created it.
type Client interface {
	ListUnreadThreads(ctx context.Context, limit, perThreadMessageLimit int) ([]Thread, error)
	ListRecentThreads(ctx context.Context, limit int) ([]Thread, error)
	GetThreadMessages(ctx context.Context, threadID string, limit int) ([]Message, error)
	SendText(ctx context.Context, recipientIDs []int64, text string) error
	SendPhoto(ctx context.Context, path string, recipientIDs []int64) error
	SendVideo(ctx context.Context, path string, recipientIDs []int64) error
	ResolveUserID(ctx context.Context, handle string) (int64, error)
	GetUserInfo(ctx context.Context, userID int64) (*UserInfo, error)
	ListUserStories(ctx context.Context, userID int64) ([]StoryItem, error)
	ViewStory(ctx context.Context, storyID string) error
	MarkThreadSeen(ctx context.Context, threadID string) error
	GetAccountInfo(ctx context.Context) (*AccountInfo, error)
	SessionToken() string
	Logout(ctx context.Context) error
}

// Connector constructs handles. Login performs full credential authentication;
// FromSession builds a handle from an existing session token without any
// network round trip, so an invalid token is only discovered on first use.
type Connector interface {
	Login(ctx context.Context, username, password, verificationCode string) (Client, error)
	FromSession(sessionToken string) Client
}
