package models

import "time"

// MessageType distinguishes who authored a conversation turn.
type MessageType string

const (
	MessageTypeUser   MessageType = "user"
	MessageTypeSystem MessageType = "system"
)

// Message is one turn of an agent run's conversation, ordered by creation time.
type Message struct {
	ID        string
	RunID     string
	Type      MessageType
	Content   string
	CreatedAt time.Time
}
