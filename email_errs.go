package email

import (
	"fmt"
	"time"
)

type MailErr int

const (
	ErrMissingToOrFrom MailErr = iota
	ErrSTARTTLSNotOffered
	ErrHasCRLF
	ErrNotConnected
	ErrMissingCredential
	ErrPoolClosed
)

func (e MailErr) Error() string {
	switch e {
	case ErrMissingToOrFrom:
		return "must specify at least one `From` address and one recipient"
	case ErrSTARTTLSNotOffered:
		return "STARTTLS not offered by server"
	case ErrHasCRLF:
		return "line must not contain CR or LF"
	case ErrNotConnected:
		return "client is not connected"
	case ErrMissingCredential:
		return "missing credential: access token is required for OAuth2 authentication"
	case ErrPoolClosed:
		return "connection pool is closed"
	}
	return "unknown MailErr"
}

// ConnectError reports a DNS, TCP or TLS failure while opening a session.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s failed: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// TimeoutError reports that one of the connection, greeting or socket timers
// expired.
type TimeoutError struct {
	Op       string // "connect", "greeting", "EHLO", "DATA", ...
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Duration > 0 {
		return fmt.Sprintf("%s timeout after %v", e.Op, e.Duration)
	}
	return fmt.Sprintf("%s timeout", e.Op)
}

func (e *TimeoutError) Timeout() bool {
	return true
}

// ProtocolError is returned when a reply's status code does not match the one
// the command expects.
type ProtocolError struct {
	Code       int
	ServerText string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("smtp: unexpected reply %d %s", e.Code, e.ServerText)
}

// Temporary reports a transient (4xx) server reply.
func (e *ProtocolError) Temporary() bool {
	return e.Code/100 == 4
}

// AuthUnsupportedError is returned when the server did not advertise what the
// configured mechanism needs.
type AuthUnsupportedError struct {
	Mechanism AuthMechanism
}

func (e *AuthUnsupportedError) Error() string {
	return fmt.Sprintf("Server does not support %s authentication", e.Mechanism)
}

type AuthenticationFailedError struct {
	ServerText string
}

func (e *AuthenticationFailedError) Error() string {
	return "authentication failed: " + e.ServerText
}

type SendFailureError struct {
	ServerText string
}

func (e *SendFailureError) Error() string {
	return "message not accepted: " + e.ServerText
}

// ValidationError wraps a configuration or input validation failure. Errors of
// this type coming from upstream collaborators are passed through unchanged.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field '%s': %v", e.Field, e.Err)
	}
	return fmt.Sprintf("validation failed: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
