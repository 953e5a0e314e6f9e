package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nepiskopos/open-webui-enhancements/internal/config"
	"github.com/nepiskopos/open-webui-enhancements/internal/logging"
)

type fakeGateway struct {
	health      int
	statuses    []int
	reply       string
	completions atomic.Int32
	lastBody    chatRequest
	lastAuth    string
}

func (g *fakeGateway) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if g.health != 0 {
			w.WriteHeader(g.health)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		n := int(g.completions.Add(1))
		g.lastAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&g.lastBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if n <= len(g.statuses) && g.statuses[n-1] != http.StatusOK {
			w.WriteHeader(g.statuses[n-1])
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(g.reply))
	})
	return mux
}

func newTestInvoker(t *testing.T, g *fakeGateway, valves config.Valves) *HTTPInvoker {
	t.Helper()
	srv := httptest.NewServer(g.handler(t))
	t.Cleanup(srv.Close)
	if valves.BaseURL == "" {
		valves.BaseURL = srv.URL + "/v1"
	}
	if valves.APIKey == "" {
		valves.APIKey = "sk-test-key"
	}
	valves.ModelID = "gpt-test"
	valves.Temperature = 0.1
	inv := NewHTTPInvoker(valves, srv.Client(), logging.Nop())
	inv.policy = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return inv
}

const okReply = `{"choices":[{"message":{"role":"assistant","content":"done"}}]}`

func TestHTTPInvokerSuccess(t *testing.T) {
	g := &fakeGateway{reply: okReply}
	inv := newTestInvoker(t, g, config.Valves{MaxRetries: 3})

	out, err := inv.Invoke(context.Background(), Prompt{System: "sys", User: "usr"})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, "Bearer sk-test-key", g.lastAuth)
	assert.Equal(t, "gpt-test", g.lastBody.Model)
	assert.False(t, g.lastBody.Stream)
	assert.InDelta(t, 0.1, g.lastBody.Temperature, 1e-9)
	require.Len(t, g.lastBody.Messages, 2)
	assert.Equal(t, "system", g.lastBody.Messages[0].Role)
	assert.Equal(t, "usr", g.lastBody.Messages[1].Content)
}

func TestHTTPInvokerRetriesTransientStatuses(t *testing.T) {
	g := &fakeGateway{reply: okReply, statuses: []int{http.StatusServiceUnavailable, http.StatusTooManyRequests}}
	inv := newTestInvoker(t, g, config.Valves{MaxRetries: 5})

	out, err := inv.Invoke(context.Background(), Prompt{})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.EqualValues(t, 3, g.completions.Load())
}

func TestHTTPInvokerExhaustsRetries(t *testing.T) {
	g := &fakeGateway{statuses: []int{500, 500, 500, 500, 500}}
	inv := newTestInvoker(t, g, config.Valves{MaxRetries: 2})

	_, err := inv.Invoke(context.Background(), Prompt{})
	require.ErrorIs(t, err, ErrUnavailable)
	var status *StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusInternalServerError, status.Code)
	assert.Equal(t, "The LLM service is currently unavailable.", UserMessage(err))
	assert.EqualValues(t, 3, g.completions.Load())
}

func TestHTTPInvokerTerminalFailures(t *testing.T) {
	t.Run("unauthorized", func(t *testing.T) {
		g := &fakeGateway{statuses: []int{http.StatusUnauthorized}}
		inv := newTestInvoker(t, g, config.Valves{MaxRetries: 5})
		_, err := inv.Invoke(context.Background(), Prompt{})
		require.ErrorIs(t, err, ErrUnauthorized)
		assert.EqualValues(t, 1, g.completions.Load())
	})
	t.Run("bad request", func(t *testing.T) {
		g := &fakeGateway{statuses: []int{http.StatusBadRequest}}
		inv := newTestInvoker(t, g, config.Valves{MaxRetries: 5})
		_, err := inv.Invoke(context.Background(), Prompt{})
		var status *StatusError
		require.True(t, errors.As(err, &status))
		assert.Equal(t, http.StatusBadRequest, status.Code)
		assert.ErrorIs(t, err, ErrUpstream)
		assert.EqualValues(t, 1, g.completions.Load())
	})
	t.Run("malformed body", func(t *testing.T) {
		g := &fakeGateway{reply: `{"choices":[]}`}
		inv := newTestInvoker(t, g, config.Valves{MaxRetries: 5})
		_, err := inv.Invoke(context.Background(), Prompt{})
		require.ErrorIs(t, err, ErrMalformedResponse)
		assert.EqualValues(t, 1, g.completions.Load())
	})
}

func TestHTTPInvokerPreflight(t *testing.T) {
	t.Run("missing key", func(t *testing.T) {
		inv := NewHTTPInvoker(config.Valves{BaseURL: "localhost:4000"}, nil, nil)
		_, err := inv.Invoke(context.Background(), Prompt{})
		require.ErrorIs(t, err, ErrMissingAPIKey)
	})
	t.Run("unhealthy", func(t *testing.T) {
		g := &fakeGateway{health: http.StatusServiceUnavailable, reply: okReply}
		inv := newTestInvoker(t, g, config.Valves{})
		_, err := inv.Invoke(context.Background(), Prompt{})
		require.ErrorIs(t, err, ErrUnavailable)
		assert.Zero(t, g.completions.Load())
	})
}

func TestStripFence(t *testing.T) {
	cases := map[string]string{
		"[1]":                     "[1]",
		"```json\n[1]\n```":       "[1]",
		"```\n{\"a\":1}\n```":     `{"a":1}`,
		"  ```JSON\n[]```  ":      "[]",
		"```[{\"text\":\"x\"}]```": `[{"text":"x"}]`,
	}
	for in, want := range cases {
		assert.Equal(t, want, StripFence(in), "input %q", in)
	}
}

func TestUserMessage(t *testing.T) {
	assert.Contains(t, UserMessage(ErrUnauthorized), "check your API key")
	assert.Contains(t, UserMessage(ErrMissingAPIKey), "not properly configured")
	assert.Empty(t, UserMessage(nil))
}

type fakeChatModel struct {
	reply *schema.Message
	err   error
	got   []*schema.Message
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.got = input
	return f.reply, f.err
}

func (f *fakeChatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not supported")
}

func TestChatModelInvoker(t *testing.T) {
	fake := &fakeChatModel{reply: schema.AssistantMessage("summary text", nil)}
	inv := NewChatModelInvoker(fake, time.Second, logging.Nop())

	out, err := inv.Invoke(context.Background(), Prompt{System: "s", User: "u"})
	require.NoError(t, err)
	assert.Equal(t, "summary text", out)
	require.Len(t, fake.got, 2)
	assert.Equal(t, schema.System, fake.got[0].Role)
	assert.Equal(t, schema.User, fake.got[1].Role)
}

func TestChatModelInvokerErrors(t *testing.T) {
	inv := NewChatModelInvoker(&fakeChatModel{err: errors.New("status 401: unauthorized")}, 0, nil)
	_, err := inv.Invoke(context.Background(), Prompt{})
	assert.ErrorIs(t, err, ErrUnauthorized)

	inv = NewChatModelInvoker(&fakeChatModel{err: errors.New("boom")}, 0, nil)
	_, err = inv.Invoke(context.Background(), Prompt{})
	assert.ErrorIs(t, err, ErrUpstream)

	inv = NewChatModelInvoker(&fakeChatModel{reply: schema.AssistantMessage("  ", nil)}, 0, nil)
	_, err = inv.Invoke(context.Background(), Prompt{})
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestNewChatModelRequiresKey(t *testing.T) {
	_, err := NewChatModel(context.Background(), "openai", config.ProviderConfig{}, config.Valves{})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
	_, err = NewChatModel(context.Background(), "mistral", config.ProviderConfig{APIKey: "k"}, config.Valves{})
	assert.Error(t, err)
}
