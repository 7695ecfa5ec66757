package protocol

import (
	"fmt"
	"time"

	"github.com/user/nextmeeting/internal/types"
)

type RequestType string

const (
	RequestPing        RequestType = "ping"
	RequestGetMeetings RequestType = "get_meetings"
	RequestStatus      RequestType = "status"
	RequestRefresh     RequestType = "refresh"
	RequestSnooze      RequestType = "snooze"
	RequestShutdown    RequestType = "shutdown"
)

// Request is the tagged union of client requests. Only the fields belonging
// to Type are meaningful.
type Request struct {
	Type RequestType `json:"type"`

	// get_meetings
	Filter *MeetingsFilter `json:"filter,omitempty"`

	// refresh
	Force    bool   `json:"force,omitempty"`
	Provider string `json:"provider,omitempty"`

	// snooze; 0 clears an active snooze
	Minutes int `json:"minutes,omitempty"`
}

func Ping() Request { return Request{Type: RequestPing} }

func GetMeetings(filter *MeetingsFilter) Request {
	return Request{Type: RequestGetMeetings, Filter: filter}
}

func Status() Request { return Request{Type: RequestStatus} }

func Refresh(force bool, provider string) Request {
	return Request{Type: RequestRefresh, Force: force, Provider: provider}
}

func Snooze(minutes int) Request { return Request{Type: RequestSnooze, Minutes: minutes} }

func Shutdown() Request { return Request{Type: RequestShutdown} }

// Validate rejects unknown types and out-of-range fields.
func (r Request) Validate() error {
	switch r.Type {
	case RequestPing, RequestStatus, RequestShutdown, RequestRefresh:
	case RequestGetMeetings:
		if r.Filter != nil {
			if err := r.Filter.Validate(); err != nil {
				return err
			}
		}
	case RequestSnooze:
		if r.Minutes < 0 {
			return fmt.Errorf("%w: snooze minutes must not be negative", ErrInvalidFrame)
		}
		if r.Minutes > MaxMinutes {
			return fmt.Errorf("%w: snooze minutes must not exceed %d", ErrInvalidFrame, MaxMinutes)
		}
	case "":
		return fmt.Errorf("%w: request type is required", ErrInvalidFrame)
	default:
		return fmt.Errorf("%w: unknown request type %q", ErrInvalidFrame, r.Type)
	}
	return nil
}

type ResponseType string

const (
	ResponsePong     ResponseType = "pong"
	ResponseMeetings ResponseType = "meetings"
	ResponseStatus   ResponseType = "status"
	ResponseOK       ResponseType = "ok"
	ResponseError    ResponseType = "error"
)

// Response is the tagged union of daemon replies. The embedded bodies are
// flattened into the payload object, e.g.
// {"type":"error","code":"not_found","message":"..."}.
type Response struct {
	Type ResponseType `json:"type"`
	*MeetingsBody
	*StatusInfo
	*ErrorBody
}

type MeetingsBody struct {
	Meetings []types.NormalizedEvent `json:"meetings"`
}

// StatusInfo reports daemon health. LastSync is the most recent successful
// sync across all providers.
type StatusInfo struct {
	UptimeSeconds int64                  `json:"uptime_seconds"`
	LastSync      *time.Time             `json:"last_sync,omitempty"`
	Providers     []types.ProviderStatus `json:"providers"`
	SnoozedUntil  *time.Time             `json:"snoozed_until,omitempty"`
	Paused        bool                   `json:"paused,omitempty"`
	Stale         bool                   `json:"stale,omitempty"`
	DaemonVersion string                 `json:"version,omitempty"`
}

type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

type ErrorCode string

const (
	CodeInternal             ErrorCode = "internal_error"
	CodeInvalidRequest       ErrorCode = "invalid_request"
	CodeTimeout              ErrorCode = "timeout"
	CodeAuthenticationFailed ErrorCode = "authentication_failed"
	CodeProviderError        ErrorCode = "provider_error"
	CodeRateLimited          ErrorCode = "rate_limited"
	CodeNotFound             ErrorCode = "not_found"
	CodeShuttingDown         ErrorCode = "shutting_down"
	CodeVersionMismatch      ErrorCode = "version_mismatch"
)

func Pong() Response { return Response{Type: ResponsePong} }

func OK() Response { return Response{Type: ResponseOK} }

// Meetings always carries a non-nil list so an empty result encodes as [].
func Meetings(events []types.NormalizedEvent) Response {
	if events == nil {
		events = []types.NormalizedEvent{}
	}
	return Response{Type: ResponseMeetings, MeetingsBody: &MeetingsBody{Meetings: events}}
}

func StatusResponse(info StatusInfo) Response {
	if info.Providers == nil {
		info.Providers = []types.ProviderStatus{}
	}
	return Response{Type: ResponseStatus, StatusInfo: &info}
}

func Errorf(code ErrorCode, format string, args ...any) Response {
	return Response{Type: ResponseError, ErrorBody: &ErrorBody{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// Err returns the error carried by an error response, or nil.
func (r Response) Err() error {
	if r.Type != ResponseError || r.ErrorBody == nil {
		return nil
	}
	return &RemoteError{Code: r.Code, Message: r.Message}
}

// RemoteError is an error response surfaced as a Go error on the client side.
type RemoteError struct {
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
