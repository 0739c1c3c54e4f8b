package registry

import "fmt"

// ConfigurationError reports a malformed group or constraint specification.
// It is raised synchronously by the call that detects it and never retried.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

func configErrorf(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}
