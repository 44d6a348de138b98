package models

import "time"

// Permissions limits which payload fields a subscriber receives.
type Permissions struct {
	Text bool `json:"text"`
}

// Subscription is a registered webhook target for one account.
type Subscription struct {
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	Permissions Permissions `json:"permissions"`
}

// Payload is the message delivered to webhook subscribers.
type Payload struct {
	Username  string     `json:"username"`
	ThreadID  string     `json:"thread_id"`
	ItemID    string     `json:"item_id"`
	SenderID  int64      `json:"sender_id"`
	Text      *string    `json:"text,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}
