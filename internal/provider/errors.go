package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// ErrorKind classifies a failed fetch.
type ErrorKind string

const (
	ErrorNetwork     ErrorKind = "network"
	ErrorTimeout     ErrorKind = "timeout"
	ErrorAuth        ErrorKind = "authentication"
	ErrorRateLimited ErrorKind = "rate_limited"
	ErrorParse       ErrorKind = "parse"
	ErrorServer      ErrorKind = "server"
	ErrorConfig      ErrorKind = "config"
)

// Error is the typed failure returned by every provider Fetch.
type Error struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the scheduler should back off and retry. Auth and
// config failures need the user to act first.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case ErrorAuth, ErrorConfig:
		return false
	default:
		return true
	}
}

// StatusError is a non-2xx HTTP answer from a calendar endpoint.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

func newError(provider string, kind ErrorKind, err error) *Error {
	return &Error{Provider: provider, Kind: kind, Err: err}
}

// Classify wraps err as an *Error for provider. An error that already is one
// is returned unchanged.
func Classify(provider string, err error) *Error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		if perr.Provider == "" {
			perr.Provider = provider
		}
		return perr
	}
	return newError(provider, classifyKind(err), err)
}

func classifyKind(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	var status *StatusError
	if errors.As(err, &status) {
		return kindForStatus(status.Code)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return kindForStatus(gerr.Code)
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return ErrorAuth
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		if nerr.Timeout() {
			return ErrorTimeout
		}
		return ErrorNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return ErrorTimeout
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "temporary failure"):
		return ErrorNetwork
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "invalid_grant"),
		strings.Contains(msg, "token expired"):
		return ErrorAuth
	}
	return ErrorNetwork
}

func kindForStatus(code int) ErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrorAuth
	case code == http.StatusTooManyRequests:
		return ErrorRateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return ErrorTimeout
	case code >= 500:
		return ErrorServer
	case code == http.StatusNotFound:
		return ErrorConfig
	default:
		return ErrorServer
	}
}
