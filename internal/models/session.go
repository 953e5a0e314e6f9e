package models

import "fmt"

// SessionKey identifies the staging scope of one chat turn.
type SessionKey struct {
	UserID string `json:"user_id"`
	ChatID string `json:"chat_id"`
}

// NewSessionKey builds the composite key for a user and chat.
func NewSessionKey(userID, chatID string) SessionKey {
	return SessionKey{UserID: userID, ChatID: chatID}
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s_%s", k.UserID, k.ChatID)
}

// TurnContext is what inlet hands to in-process callers that can carry it
// to the later phases without going through message text.
type TurnContext struct {
	Key   SessionKey
	RunID string
}

// User is the identity the host attaches to every hook call.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}
