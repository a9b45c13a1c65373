package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is implemented by every failure an adapter reports.
type Error interface {
	error
	Provider() string
	StatusCode() int
	Retryable() bool
	RetryAfter() *time.Duration
}

type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + strings.TrimSpace(e.Message)
}
func (e *ConfigurationError) Provider() string           { return "" }
func (e *ConfigurationError) StatusCode() int            { return 0 }
func (e *ConfigurationError) Retryable() bool            { return false }
func (e *ConfigurationError) RetryAfter() *time.Duration { return nil }

type statusError struct {
	provider   string
	statusCode int
	message    string
	retryable  bool
	retryAfter *time.Duration
}

func (e *statusError) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("%s error (status=%d): %s", e.provider, e.statusCode, msg)
}
func (e *statusError) Provider() string           { return e.provider }
func (e *statusError) StatusCode() int            { return e.statusCode }
func (e *statusError) Retryable() bool            { return e.retryable }
func (e *statusError) RetryAfter() *time.Duration { return e.retryAfter }

type InvalidRequestError struct{ statusError }
type AuthenticationError struct{ statusError }
type AccessDeniedError struct{ statusError }
type NotFoundError struct{ statusError }
type RequestTimeoutError struct{ statusError }
type ContextLengthError struct{ statusError }
type ContentFilterError struct{ statusError }
type QuotaExceededError struct{ statusError }
type RateLimitError struct{ statusError }
type ServerError struct{ statusError }
type UnknownHTTPError struct{ statusError }

// ErrorFromHTTPStatus classifies a status-coded failure. Agents that wrap an
// HTTP model API report the upstream status through this. Unknown statuses
// are retried.
func ErrorFromHTTPStatus(provider string, statusCode int, message string, retryAfter *time.Duration) error {
	base := statusError{
		provider:   strings.TrimSpace(provider),
		statusCode: statusCode,
		message:    message,
		retryAfter: retryAfter,
	}
	switch statusCode {
	case 400, 422:
		if err := classifyByMessage(base); err != nil {
			return err
		}
		return &InvalidRequestError{base}
	case 401:
		return &AuthenticationError{base}
	case 403:
		return &AccessDeniedError{base}
	case 404:
		return &NotFoundError{base}
	case 413:
		return &ContextLengthError{base}
	}
	base.retryable = true
	switch {
	case statusCode == 408:
		return &RequestTimeoutError{base}
	case statusCode == 429:
		return &RateLimitError{base}
	case statusCode >= 500 && statusCode <= 504:
		return &ServerError{base}
	}
	return &UnknownHTTPError{base}
}

// classifyByMessage looks for well-known failure hints in 400/422 bodies.
func classifyByMessage(base statusError) error {
	lower := strings.ToLower(base.message)
	has := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(lower, w) {
				return true
			}
		}
		return false
	}
	switch {
	case has("content filter", "safety"):
		return &ContentFilterError{base}
	case has("context length", "too many tokens"):
		return &ContextLengthError{base}
	case has("quota", "billing"):
		return &QuotaExceededError{base}
	case has("not found", "does not exist"):
		return &NotFoundError{base}
	case has("unauthorized", "invalid key"):
		return &AuthenticationError{base}
	}
	return nil
}

// NewRequestTimeoutError is an agent turn that ran past its deadline. It is
// transient: the next attempt gets a fresh deadline.
func NewRequestTimeoutError(provider string, message string) error {
	return &RequestTimeoutError{statusError{provider: strings.TrimSpace(provider), message: message, retryable: true}}
}

// ParseRetryAfter accepts integer seconds or an HTTP date.
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := max(t.Sub(now), 0)
		return &d
	}
	return nil
}

// AgentError reports an agent process that failed outside the HTTP model:
// it could not be spawned or exited non-zero.
type AgentError struct {
	provider  string
	Message   string
	ExitCode  int
	retryable bool
}

func NewAgentError(provider, message string, exitCode int, retryable bool) *AgentError {
	return &AgentError{provider: strings.TrimSpace(provider), Message: message, ExitCode: exitCode, retryable: retryable}
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("%s agent error (exit=%d): %s", e.provider, e.ExitCode, strings.TrimSpace(e.Message))
}
func (e *AgentError) Provider() string           { return e.provider }
func (e *AgentError) StatusCode() int            { return 0 }
func (e *AgentError) Retryable() bool            { return e.retryable }
func (e *AgentError) RetryAfter() *time.Duration { return nil }

// IsRetryable reports whether err is a transient failure. Errors outside the
// hierarchy are treated as permanent.
func IsRetryable(err error) bool {
	var e Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// RetryAfterOf returns the agent-suggested delay, if any.
func RetryAfterOf(err error) *time.Duration {
	var e Error
	if errors.As(err, &e) {
		return e.RetryAfter()
	}
	return nil
}
