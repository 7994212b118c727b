package tbs

import "fmt"

// ConfigError reports an invalid subscription declaration or setup
// configuration. It is fatal at setup time and is never recovered.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "subscription config: " + e.Reason }

// NewConfigError builds a ConfigError from a format string.
func NewConfigError(format string, args ...interface{}) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// ProtocolError reports a notification payload that violates the
// subscription protocol contract. It is fatal for the enclosing request and
// is never recovered.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "subscription protocol: " + e.Reason }

// NewProtocolError builds a ProtocolError from a format string.
func NewProtocolError(format string, args ...interface{}) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}
