package backend

import "fmt"

// ConfigurationError means a session cannot be opened with the given
// configuration: missing credential, missing executable or model file, or an
// unknown backend. It is never retried.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

func configErrorf(format string, args ...interface{}) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// TransportError covers connection failures, handshake timeouts and aborted streams.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProcessError means the local model process failed to start or exited.
// The session that owned it is unusable afterwards.
type ProcessError struct {
	Op  string
	Err error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("process error: %s: %v", e.Op, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }
