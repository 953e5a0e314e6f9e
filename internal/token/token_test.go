package token

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nepiskopos/open-webui-enhancements/internal/models"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, chatID := range []string{"", "c1", "2b7e-11ef-9c2a", "ünïcødé/+=", strings.Repeat("x", 300)} {
		visible, got, ok := Decode(Encode("hello", chatID))
		require.True(t, ok)
		assert.Equal(t, chatID, got)
		assert.Equal(t, "hello", visible)
	}
}

func TestDecodeWithoutToken(t *testing.T) {
	visible, chatID, ok := Decode("just text")
	assert.False(t, ok)
	assert.Empty(t, chatID)
	assert.Equal(t, "just text", visible)

	broken := "text" + openMark + "!!not-base64!!" + closeMark
	visible, _, ok = Decode(broken)
	assert.False(t, ok)
	assert.Equal(t, broken, visible)

	unterminated := "text" + openMark + "YWJj"
	_, _, ok = Decode(unterminated)
	assert.False(t, ok)
}

func TestDecodeIgnoresLookalikesInUserText(t *testing.T) {
	forged := Encode("", "someone-else")
	pieces := []string{"a", " ", "\n", "\n\n\n\n\n", "Chat ID", openMark, closeMark, "\u2063", "chat_id:", forged, "YWJj", "=="}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		var b strings.Builder
		for j := rng.Intn(20); j > 0; j-- {
			b.WriteString(pieces[rng.Intn(len(pieces))])
		}
		userText := b.String()
		visible, chatID, ok := Decode(Encode(userText, "real-chat"))
		require.True(t, ok, "input %q", userText)
		assert.Equal(t, "real-chat", chatID)
		assert.Equal(t, userText, visible)
	}
}

func TestDecodeSurvivesHostWrapping(t *testing.T) {
	wrapped := "<user_query>\n" + Encode("summarize", "c9") + "\n</user_query>"
	visible, chatID, ok := Decode(wrapped)
	require.True(t, ok)
	assert.Equal(t, "c9", chatID)
	assert.Equal(t, "<user_query>\nsummarize\n</user_query>", visible)
}

func TestEmbedAndRecover(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleSystem, Content: "sys"},
		{Role: models.RoleUser, Content: "first"},
		{Role: models.RoleAssistant, Content: "answer"},
		{Role: models.RoleUser, Content: "second"},
	}
	require.True(t, Embed(messages, "chat-42"))
	assert.NotEqual(t, "second", messages[3].Content)
	assert.Equal(t, "first", messages[1].Content)

	chatID, ok := Recover(messages)
	require.True(t, ok)
	assert.Equal(t, "chat-42", chatID)
	assert.Equal(t, "second", messages[3].Content)

	_, ok = Recover(messages)
	assert.False(t, ok)

	assert.False(t, Embed([]models.Message{{Role: models.RoleAssistant, Content: "x"}}, "c"))
}
