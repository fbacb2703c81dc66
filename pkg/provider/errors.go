package provider

import (
	"errors"
	"fmt"
)

// errStreamDone signals the adapter saw the stream terminator. Internal
// to the streaming loop, never returned to callers.
var errStreamDone = errors.New("stream done")

// ConfigurationError reports missing or malformed provider settings.
// The orchestrator surfaces it as an error frame and aborts the turn.
type ConfigurationError struct {
	Provider string
	Field    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("provider %s: missing or invalid setting %q", e.Provider, e.Field)
}

// ConnectionError reports an upstream that could not be reached or
// answered with an unexpected status.
type ConnectionError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ConnectionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: upstream returned status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("provider %s: connection failed: %v", e.Provider, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError reports an HTTP 401 from the upstream.
type AuthenticationError struct {
	Provider string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("provider %s: authentication failed", e.Provider)
}
