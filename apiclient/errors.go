package apiclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Public, stable errors for callers. Typed errors below match these with errors.Is.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrNetwork       = errors.New("network error")
	ErrNotFound      = errors.New("not found")
	ErrDecoding      = errors.New("decoding error")
	ErrTransport     = errors.New("transport error")
)

// ConfigurationError reports a missing or malformed client setting. It is not retryable.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrConfiguration, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: missing %s", ErrConfiguration, e.Field)
}

func (e *ConfigurationError) Unwrap() error        { return e.Err }
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// UnauthorizedError is a 401 that survived the refresh-and-retry cycle, or a
// refresh that could not proceed. Err holds the refresh failure when there was one.
type UnauthorizedError struct {
	Message string
	Err     error
}

func (e *UnauthorizedError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", ErrUnauthorized, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", ErrUnauthorized, e.Message)
	default:
		return ErrUnauthorized.Error()
	}
}

func (e *UnauthorizedError) Unwrap() error        { return e.Err }
func (e *UnauthorizedError) Is(target error) bool { return target == ErrUnauthorized }

// NetworkError is any non-2xx, non-401 response. Message is the raw body text.
type NetworkError struct {
	StatusCode int
	Message    string
}

func (e *NetworkError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", ErrNetwork, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", ErrNetwork, e.StatusCode, e.Message)
}

func (e *NetworkError) Is(target error) bool {
	switch target {
	case ErrNetwork:
		return true
	case ErrNotFound:
		return e.StatusCode == 404
	default:
		return false
	}
}

// Detail extracts the human message from a JSON error body of the form
// {"error":{"code":"...","message":"..."}}, falling back to the raw text.
func (e *NetworkError) Detail() string {
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(e.Message), &body); err == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	return strings.TrimSpace(e.Message)
}

// DecodingError is a 2xx response whose body could not be decoded.
type DecodingError struct {
	Err error
}

func (e *DecodingError) Error() string        { return fmt.Sprintf("%s: %v", ErrDecoding, e.Err) }
func (e *DecodingError) Unwrap() error        { return e.Err }
func (e *DecodingError) Is(target error) bool { return target == ErrDecoding }

// TransportError wraps connectivity failures (DNS, TLS, refused, timeout).
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string        { return fmt.Sprintf("%s: %v", ErrTransport, e.Err) }
func (e *TransportError) Unwrap() error        { return e.Err }
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.StatusCode
	}
	if errors.Is(err, ErrUnauthorized) {
		return 401
	}
	return 0
}
