package forge

import (
	"errors"
	"fmt"
	"net/http"
)

// TransportError is a failure to complete an exchange with the service:
// connection problems, timeouts, throttling and server-side errors. It is
// safe to retry.
type TransportError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("forge: %s: HTTP %d: %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("forge: %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable marks this error as safe to retry.
func (*TransportError) Retryable() bool { return true }

// ProtocolError is a response the client could not use: a malformed body,
// an explicit error from the service, an unexpected item count or a client
// error status.
type ProtocolError struct {
	Endpoint   string
	StatusCode int
	Reason     string
}

func (e *ProtocolError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("forge: %s: HTTP %d: %s", e.Endpoint, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("forge: %s: %s", e.Endpoint, e.Reason)
}

// UnsupportedFormatError reports input the service (or local sniffing)
// cannot handle. Retrying will not help.
type UnsupportedFormatError struct {
	Name   string
	Detail string
}

func (e *UnsupportedFormatError) Error() string {
	if e.Name == "" {
		return "forge: unsupported image format: " + e.Detail
	}
	return fmt.Sprintf("forge: unsupported image format for %s: %s", e.Name, e.Detail)
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	type retryable interface {
		Retryable() bool
	}
	var r retryable
	return errors.As(err, &r) && r.Retryable()
}

// classifyStatus maps a non-2xx status to the matching error type.
func classifyStatus(endpoint string, status int, detail string) error {
	switch {
	case status == http.StatusUnprocessableEntity || status == http.StatusUnsupportedMediaType:
		return &UnsupportedFormatError{Detail: fmt.Sprintf("%s rejected input (HTTP %d): %s", endpoint, status, detail)}
	case status == http.StatusTooManyRequests || status >= 500:
		return &TransportError{Endpoint: endpoint, StatusCode: status, Err: errors.New(orDefault(detail, http.StatusText(status)))}
	default:
		return &ProtocolError{Endpoint: endpoint, StatusCode: status, Reason: orDefault(detail, http.StatusText(status))}
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
