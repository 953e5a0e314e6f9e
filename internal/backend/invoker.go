// Package backend calls the document/LLM service that produces per-file results.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnavailable covers failed health probes, exhausted retries and timeouts.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrUnauthorized is returned on HTTP 401 and is never retried.
	ErrUnauthorized = errors.New("backend rejected credentials")
	// ErrMissingAPIKey is returned before any request when no key is configured.
	ErrMissingAPIKey = errors.New("backend api key not configured")
	// ErrMalformedResponse means the backend answered but the payload is unusable.
	ErrMalformedResponse = errors.New("malformed backend response")
	// ErrUpstream wraps terminal non-auth HTTP failures.
	ErrUpstream = errors.New("backend request failed")
)

// StatusError carries the HTTP status of a terminal backend failure.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned status %d", e.Code)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUpstream }

// Prompt is one system+user exchange sent for a single document.
type Prompt struct {
	System string
	User   string
}

// Invoker produces the raw model output for a prompt.
type Invoker interface {
	Invoke(ctx context.Context, p Prompt) (string, error)
}

// UserMessage maps an invocation error to the text shown to the user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return "Authentication failed with the LLM service. Please check your API key."
	case errors.Is(err, ErrMissingAPIKey):
		return "API key not properly configured. Please set LITELLM_API_KEY."
	case errors.Is(err, ErrMalformedResponse):
		return "The LLM service returned an unexpected response."
	case errors.Is(err, ErrUnavailable):
		return "The LLM service is currently unavailable."
	default:
		return "The LLM service request failed."
	}
}

// StripFence removes a surrounding markdown code fence such as ```json.
func StripFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		if lang := strings.TrimSpace(s[:nl]); !strings.ContainsAny(lang, "[{\"") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
