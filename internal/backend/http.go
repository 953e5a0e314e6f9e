package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/nepiskopos/open-webui-enhancements/internal/config"
	"github.com/nepiskopos/open-webui-enhancements/internal/logging"
)

const maxErrorBody = 512

// HTTPInvoker talks to an OpenAI-compatible gateway (LiteLLM) directly.
type HTTPInvoker struct {
	valves  config.Valves
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	policy  func() backoff.BackOff
}

// NewHTTPInvoker builds an invoker from pipeline valves. A nil client uses a
// plain http.Client; per-request deadlines come from the valves.
func NewHTTPInvoker(valves config.Valves, client *http.Client, logger *slog.Logger) *HTTPInvoker {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	limit := rate.Inf
	burst := 1
	if valves.RateLimit > 0 {
		limit = rate.Limit(float64(valves.RateLimit) / 60)
		burst = valves.RateLimit
	}
	return &HTTPInvoker{
		valves:  valves,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
		policy:  func() backoff.BackOff {
			exp := backoff.NewExponentialBackOff()
			if valves.RetryBase() > 0 {
				exp.InitialInterval = valves.RetryBase()
			}
			return exp
		},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Invoke probes the backend health, then posts a chat completion, retrying
// transient failures with exponential backoff.
func (h *HTTPInvoker) Invoke(ctx context.Context, p Prompt) (string, error) {
	if strings.TrimSpace(h.valves.APIKey) == "" {
		return "", ErrMissingAPIKey
	}
	base := h.valves.ServiceBase()
	if base == "" {
		return "", fmt.Errorf("%w: base url not configured", ErrUnavailable)
	}
	if err := h.health(ctx, base); err != nil {
		return "", err
	}

	payload, err := json.Marshal(chatRequest{
		Model: h.valves.ModelID,
		Messages: []chatMessage{
			{Role: "system", Content: p.System},
			{Role: "user", Content: p.User},
		},
		Temperature: h.valves.Temperature,
		Stream:      false,
	})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	attempt := 0
	op := func() (string, error) {
		attempt++
		if err := h.limiter.Wait(ctx); err != nil {
			return "", backoff.Permanent(fmt.Errorf("%w: %v", ErrUnavailable, err))
		}
		content, err := h.complete(ctx, base+"/v1/chat/completions", payload)
		if err != nil && !isPermanent(err) {
			h.logger.Warn("backend request failed, retrying", "attempt", attempt, "error", err)
		}
		return content, err
	}

	content, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(h.policy()),
		backoff.WithMaxTries(uint(h.valves.MaxRetries)+1),
	)
	if err != nil {
		if isPermanent(err) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return content, nil
}

func (h *HTTPInvoker) complete(ctx context.Context, url string, payload []byte) (string, error) {
	reqCtx := ctx
	if timeout := h.valves.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("build chat request: %w", err))
	}
	h.authorize(req)
	req.Header.Set("Content-Type", "application/json")
	h.logger.Debug("backend request", "url", url, "authorization", logging.RedactValue(req.Header.Get("Authorization")))

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", backoff.Permanent(fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err()))
		}
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return "", backoff.Permanent(ErrUnauthorized)
	case retryableStatus(resp.StatusCode):
		return "", &StatusError{Code: resp.StatusCode, Body: truncate(body)}
	case resp.StatusCode != http.StatusOK:
		return "", backoff.Permanent(&StatusError{Code: resp.StatusCode, Body: truncate(body)})
	}

	var decoded chatResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", backoff.Permanent(fmt.Errorf("%w: %v", ErrMalformedResponse, err))
	}
	if len(decoded.Choices) == 0 {
		return "", backoff.Permanent(fmt.Errorf("%w: no choices", ErrMalformedResponse))
	}
	return decoded.Choices[0].Message.Content, nil
}

func (h *HTTPInvoker) health(ctx context.Context, base string) error {
	wait := h.valves.HealthWait()
	if wait <= 0 {
		wait = 20 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	h.authorize(req)
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: health probe: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health probe status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func (h *HTTPInvoker) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+h.valves.APIKey)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// isPermanent reports errors that end the retry loop on their own.
func isPermanent(err error) bool {
	var status *StatusError
	if errors.As(err, &status) {
		return !retryableStatus(status.Code)
	}
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrMalformedResponse) ||
		errors.Is(err, ErrUnavailable) || errors.Is(err, ErrMissingAPIKey)
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	return s
}
