package models

import "encoding/json"

// Role is the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one role/content record of a chat turn as the host sends it.
type Message struct {
	Role    Role                       `json:"role"`
	Content string                     `json:"content"`
	Extra   map[string]json.RawMessage `json:"-"`
}

// LastUserIndex returns the index of the most recent user message, or -1.
func LastUserIndex(messages []Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return i
		}
	}
	return -1
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var aux struct {
		Role    Role            `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	text, err := contentText(aux.Content)
	if err != nil {
		return err
	}
	extra, err := splitExtra(data, "role", "content")
	if err != nil {
		return err
	}
	m.Role = aux.Role
	m.Content = text
	m.Extra = extra
	return nil
}

type messageAlias Message

func (m Message) MarshalJSON() ([]byte, error) {
	encoded, err := json.Marshal(messageAlias(m))
	if err != nil {
		return nil, err
	}
	return mergeExtra(encoded, m.Extra)
}
