package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/nepiskopos/open-webui-enhancements/internal/config"
	"github.com/nepiskopos/open-webui-enhancements/internal/logging"
)

// ChatModelInvoker delegates the exchange to an eino chat model.
type ChatModelInvoker struct {
	model   model.BaseChatModel
	timeout time.Duration
	logger  *slog.Logger
}

// NewChatModelInvoker wraps an already built chat model.
func NewChatModelInvoker(m model.BaseChatModel, timeout time.Duration, logger *slog.Logger) *ChatModelInvoker {
	if logger == nil {
		logger = logging.Nop()
	}
	return &ChatModelInvoker{model: m, timeout: timeout, logger: logger}
}

// NewChatModel builds the provider's eino chat model. Valves override the
// provider defaults for base url, model and key.
func NewChatModel(ctx context.Context, provider string, prov config.ProviderConfig, valves config.Valves) (model.BaseChatModel, error) {
	apiKey := firstNonEmpty(valves.APIKey, prov.APIKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	modelName := firstNonEmpty(valves.ModelID, prov.Model)
	baseURL := prov.BaseURL
	if baseURL == "" && valves.ServiceBase() != "" {
		baseURL = valves.ServiceBase() + "/v1"
	}
	temperature := float32(valves.Temperature)

	switch provider {
	case "openai", "":
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL:     baseURL,
			Model:       modelName,
			APIKey:      apiKey,
			Timeout:     valves.Timeout(),
			Temperature: &temperature,
		})
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: apiKey,
		})
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURLPtr *string
		if prov.BaseURL != "" {
			baseURLPtr = &prov.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:      apiKey,
			Model:       modelName,
			BaseURL:     baseURLPtr,
			MaxTokens:   3000,
			Temperature: &temperature,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
}

// Invoke sends the system and user messages and returns the reply content.
func (c *ChatModelInvoker) Invoke(ctx context.Context, p Prompt) (string, error) {
	if c.model == nil {
		return "", fmt.Errorf("%w: chat model not configured", ErrUnavailable)
	}
	runID := uuid.NewString()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	started := time.Now()
	msg, err := c.model.Generate(ctx, []*schema.Message{
		schema.SystemMessage(p.System),
		schema.UserMessage(p.User),
	})
	if err != nil {
		c.logger.Warn("chat model invocation failed", "run_id", runID, "error", err)
		return "", classifyModelError(ctx, err)
	}
	c.logger.Debug("chat model invocation finished", "run_id", runID, "elapsed", time.Since(started))
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return "", fmt.Errorf("%w: empty reply", ErrMalformedResponse)
	}
	return msg.Content, nil
}

func classifyModelError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key") {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstream, err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
