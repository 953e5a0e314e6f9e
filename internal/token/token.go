// Package token carries the chat id through message text for phases that
// only see the message history.
//
// The token is appended as openMark + base64url(chat_id) + closeMark. The
// encoded id can never contain either mark, and decoding always takes the
// last opening mark, so text the user typed before it cannot shadow it.
package token

import (
	"encoding/base64"
	"strings"

	"github.com/nepiskopos/open-webui-enhancements/internal/models"
)

const (
	openMark  = "\n\n\u2063\u2063chat_id:"
	closeMark = "\u2063\u2063"
)

var enc = base64.RawURLEncoding

// Encode appends the token for chatID to content.
func Encode(content, chatID string) string {
	return content + openMark + enc.EncodeToString([]byte(chatID)) + closeMark
}

// Decode extracts the most recently appended token. It returns the content
// with the token removed and ok=false when no well-formed token is present,
// in which case visible is the input unchanged.
func Decode(content string) (visible, chatID string, ok bool) {
	start := strings.LastIndex(content, openMark)
	if start < 0 {
		return content, "", false
	}
	rest := content[start+len(openMark):]
	end := strings.Index(rest, closeMark)
	if end < 0 {
		return content, "", false
	}
	raw, err := enc.DecodeString(rest[:end])
	if err != nil {
		return content, "", false
	}
	return content[:start] + rest[end+len(closeMark):], string(raw), true
}

// Recover scans messages from newest to oldest for the last user message,
// strips its token in place and returns the chat id.
func Recover(messages []models.Message) (string, bool) {
	idx := models.LastUserIndex(messages)
	if idx < 0 {
		return "", false
	}
	visible, chatID, ok := Decode(messages[idx].Content)
	if !ok {
		return "", false
	}
	messages[idx].Content = visible
	return chatID, true
}

// Embed writes the token into the last user message. It reports false when
// there is no user message to carry it.
func Embed(messages []models.Message, chatID string) bool {
	idx := models.LastUserIndex(messages)
	if idx < 0 {
		return false
	}
	messages[idx].Content = Encode(messages[idx].Content, chatID)
	return true
}
