package models

import "encoding/json"

// InletBody is the request body the host passes through the inlet hook and,
// for pipe pipelines, to the chat completion endpoint.
type InletBody struct {
	Model    string                     `json:"model,omitempty"`
	Messages []Message                  `json:"messages"`
	Files    []FileEntry                `json:"files,omitempty"`
	Metadata Metadata                   `json:"metadata"`
	Stream   bool                       `json:"stream,omitempty"`
	User     *User                      `json:"user,omitempty"`
	Extra    map[string]json.RawMessage `json:"-"`
}

// Metadata carries the chat identifiers the staging scope is derived from.
type Metadata struct {
	ChatID    string                     `json:"chat_id,omitempty"`
	MessageID string                     `json:"message_id,omitempty"`
	SessionID string                     `json:"session_id,omitempty"`
	Task      string                     `json:"task,omitempty"`
	Files     []FileEntry                `json:"files,omitempty"`
	Model     *ModelInfo                 `json:"model,omitempty"`
	Extra     map[string]json.RawMessage `json:"-"`
}

// ModelInfo is the subset of the selected model the pipelines read.
type ModelInfo struct {
	ID      string                     `json:"id,omitempty"`
	Created UnixTime                   `json:"created,omitempty"`
	Extra   map[string]json.RawMessage `json:"-"`
}

// OutletBody is the response body the host passes through the outlet hook.
type OutletBody struct {
	Model     string                     `json:"model,omitempty"`
	Messages  []Message                  `json:"messages"`
	ChatID    string                     `json:"chat_id,omitempty"`
	SessionID string                     `json:"session_id,omitempty"`
	ID        string                     `json:"id,omitempty"`
	Extra     map[string]json.RawMessage `json:"-"`
}

// ModelCreated returns metadata.model.created, or 0 when absent.
func (m Metadata) ModelCreated() int64 {
	if m.Model == nil {
		return 0
	}
	return int64(m.Model.Created)
}

// LastContent returns the content of the final message, or "".
func (b *OutletBody) LastContent() string {
	if b == nil || len(b.Messages) == 0 {
		return ""
	}
	return b.Messages[len(b.Messages)-1].Content
}

// SetLastContent rewrites the final message; it is a no-op on an empty list.
func (b *OutletBody) SetLastContent(content string) {
	if b == nil || len(b.Messages) == 0 {
		return
	}
	b.Messages[len(b.Messages)-1].Content = content
}

type inletAlias InletBody

func (b *InletBody) UnmarshalJSON(data []byte) error {
	var aux inletAlias
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	extra, err := splitExtra(data, "model", "messages", "files", "metadata", "stream", "user")
	if err != nil {
		return err
	}
	aux.Extra = extra
	*b = InletBody(aux)
	return nil
}

func (b InletBody) MarshalJSON() ([]byte, error) {
	encoded, err := json.Marshal(inletAlias(b))
	if err != nil {
		return nil, err
	}
	return mergeExtra(encoded, b.Extra)
}

type metadataAlias Metadata

func (m *Metadata) UnmarshalJSON(data []byte) error {
	var aux metadataAlias
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	extra, err := splitExtra(data, "chat_id", "message_id", "session_id", "task", "files", "model")
	if err != nil {
		return err
	}
	aux.Extra = extra
	*m = Metadata(aux)
	return nil
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	encoded, err := json.Marshal(metadataAlias(m))
	if err != nil {
		return nil, err
	}
	return mergeExtra(encoded, m.Extra)
}

type modelInfoAlias ModelInfo

func (m *ModelInfo) UnmarshalJSON(data []byte) error {
	var aux modelInfoAlias
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	extra, err := splitExtra(data, "id", "created")
	if err != nil {
		return err
	}
	aux.Extra = extra
	*m = ModelInfo(aux)
	return nil
}

func (m ModelInfo) MarshalJSON() ([]byte, error) {
	encoded, err := json.Marshal(modelInfoAlias(m))
	if err != nil {
		return nil, err
	}
	return mergeExtra(encoded, m.Extra)
}

type outletAlias OutletBody

func (b *OutletBody) UnmarshalJSON(data []byte) error {
	var aux outletAlias
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	extra, err := splitExtra(data, "model", "messages", "chat_id", "session_id", "id")
	if err != nil {
		return err
	}
	aux.Extra = extra
	*b = OutletBody(aux)
	return nil
}

func (b OutletBody) MarshalJSON() ([]byte, error) {
	encoded, err := json.Marshal(outletAlias(b))
	if err != nil {
		return nil, err
	}
	return mergeExtra(encoded, b.Extra)
}
