package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// StatusSent means the sender's client has submitted the message.
	StatusSent = "sent"
	// StatusDelivered means the backend has accepted the message.
	StatusDelivered = "delivered"
	// StatusRead means the recipient's client has displayed the message.
	StatusRead = "read"
)

// TimestampLayout is the wire format for message timestamps: fixed-width
// UTC RFC3339 with milliseconds, so plain string comparison orders
// messages chronologically.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Message is one unit of communication between exactly two identities.
// Text holds ciphertext at rest; it is plaintext only after local
// decryption.
type Message struct {
	ID         string `json:"id"`
	FromUserID string `json:"from_user_id"`
	ToUserID   string `json:"to_user_id"`
	Text       string `json:"text"`
	Timestamp  string `json:"timestamp"`
	Unread     bool   `json:"unread"`
	Status     string `json:"status"`
}

// Before reports whether m was created before other. Timestamps use
// TimestampLayout, so string comparison is chronological; equal
// timestamps fall back to the id so ordering stays deterministic.
func (m Message) Before(other Message) bool {
	if m.Timestamp == other.Timestamp {
		return m.ID < other.ID
	}
	return m.Timestamp < other.Timestamp
}

// SelfAddressed reports the illegal from == to state. Such messages are
// filtered out defensively wherever both directions of a conversation
// are combined.
func (m Message) SelfAddressed() bool {
	return m.FromUserID == m.ToUserID
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// NewMessageID returns a client-generated message id. The millisecond
// prefix keeps ids roughly sortable for debugging; the uuid suffix
// removes collision risk for rapid sends within the same tick.
func NewMessageID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString())
}
