package util

import "github.com/google/uuid"

// NewSessionID returns a fresh identifier for a flow session.
func NewSessionID() string {
	return uuid.NewString()
}

// ConversationID returns id when set, otherwise a fresh identifier.
func ConversationID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}
