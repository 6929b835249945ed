// Package oauth implements OAuth 2.1 support for MCP servers: endpoint
// discovery, dynamic client registration, the interactive authorization-code
// flow and proactive token refresh.
package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors for consistent handling across the codebase.
var (
	// ErrNoRefreshToken indicates refresh token is not available.
	// Some OAuth providers don't issue refresh tokens.
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrRefreshFailed indicates token refresh failed.
	// This typically requires manual re-authentication via browser.
	ErrRefreshFailed = errors.New("OAuth token refresh failed")

	// ErrNoRegistrationEndpoint indicates the discovered metadata has no
	// dynamic client registration endpoint, which this client requires.
	ErrNoRegistrationEndpoint = errors.New("authorization server does not support dynamic client registration")

	// ErrStateMismatch indicates the state returned on the redirect does not
	// match the one generated for the attempt. Treated as a CSRF attempt.
	ErrStateMismatch = errors.New("authorization state mismatch")
)

// Category classifies a failure for retry decisions and UI affordances.
type Category string

const (
	// CategoryDiscovery: no usable endpoints found. Terminal for the attempt.
	CategoryDiscovery Category = "discovery"
	// CategoryRegistration: the registration endpoint rejected the client.
	CategoryRegistration Category = "registration"
	// CategoryCancelled: the user cancelled or denied the interactive step.
	// Not an error state; triggers rollback.
	CategoryCancelled Category = "cancelled"
	// CategoryCSRF: returned state did not match. Security error, flow aborted.
	CategoryCSRF Category = "csrf_mismatch"
	// CategoryTokenExchange: exchange or refresh rejected. Clears tokens,
	// forces needs-auth.
	CategoryTokenExchange Category = "token_exchange"
	// CategoryInvalidToken: the server rejected the token as malformed,
	// not merely expired. Forces a full credential wipe; never refreshed.
	CategoryInvalidToken Category = "invalid_token"
	// CategoryNetwork: DNS, connection reset, timeout. Retryable.
	CategoryNetwork Category = "network"
	// CategoryRateLimited: HTTP 429. Retryable after the server-supplied delay.
	CategoryRateLimited Category = "rate_limited"
	// CategoryServerError: HTTP 5xx. Retryable.
	CategoryServerError Category = "server_error"
	// CategoryHTTP: any other HTTP error. Not retryable, surfaced verbatim.
	CategoryHTTP Category = "http_error"
)

// Error is a failure categorized once at the transport/discovery boundary.
// Raw errors are never re-thrown past that boundary.
type Error struct {
	Category   Category
	Message    string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (retry after %s)", e.Category, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the reconnection policy may retry after this error.
func (e *Error) Retryable() bool {
	switch e.Category {
	case CategoryNetwork, CategoryRateLimited, CategoryServerError:
		return true
	default:
		return false
	}
}

// NewError builds a categorized error.
func NewError(category Category, message string, err error) *Error {
	return &Error{Category: category, Message: message, Err: err}
}

// CategoryOf returns the category of err, or empty if err is not categorized.
func CategoryOf(err error) Category {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ""
}

// IsCancellation reports whether the error represents user cancellation or
// denial of the interactive consent step. Detected by substring match on the
// phrasing used by browser-authorization hosts.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	if CategoryOf(err) == CategoryCancelled {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range []string{"cancelled", "canceled", "denied", "access_denied", "closed by user"} {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// oauthErrorBody is the RFC 6749 error response shape.
type oauthErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// CategorizeHTTP classifies an HTTP response (status code, WWW-Authenticate
// value, body) into the error taxonomy. Used at the protocol client and
// discovery boundaries; callers attach the result to the server status.
func CategorizeHTTP(resp *http.Response, body []byte) *Error {
	status := resp.StatusCode

	switch {
	case status == http.StatusUnauthorized:
		var oauthErr oauthErrorBody
		_ = json.Unmarshal(body, &oauthErr)
		if oauthErr.Error == "invalid_token" && strings.Contains(strings.ToLower(oauthErr.ErrorDescription), "format") {
			return &Error{
				Category:   CategoryInvalidToken,
				Message:    oauthErr.ErrorDescription,
				StatusCode: status,
			}
		}
		msg := oauthErr.ErrorDescription
		if msg == "" {
			msg = "authentication required"
		}
		return &Error{Category: CategoryTokenExchange, Message: msg, StatusCode: status}

	case status == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		msg := "rate limited by server"
		if retryAfter > 0 {
			msg = fmt.Sprintf("rate limited by server, wait an estimated %d seconds", int(retryAfter.Seconds()))
		}
		return &Error{
			Category:   CategoryRateLimited,
			Message:    msg,
			StatusCode: status,
			RetryAfter: retryAfter,
		}

	case status >= 500:
		return &Error{
			Category:   CategoryServerError,
			Message:    fmt.Sprintf("server error (HTTP %d)", status),
			StatusCode: status,
		}

	default:
		return &Error{
			Category:   CategoryHTTP,
			Message:    fmt.Sprintf("HTTP %d: %s", status, strings.TrimSpace(string(body))),
			StatusCode: status,
		}
	}
}

// CategorizeTransport classifies a transport-level error (no HTTP response).
func CategorizeTransport(err error) *Error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	networkIndicators := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"no such host",
		"dial tcp",
		"network",
		"eof",
		"context deadline exceeded",
	}
	for _, indicator := range networkIndicators {
		if strings.Contains(msg, indicator) {
			return &Error{Category: CategoryNetwork, Message: err.Error(), Err: err}
		}
	}
	return &Error{Category: CategoryHTTP, Message: err.Error(), Err: err}
}

// parseRetryAfter parses a Retry-After header value (seconds or HTTP date).
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
