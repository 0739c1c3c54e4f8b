package remote

import (
	"errors"
	"fmt"
)

// ErrAuthentication marks connection errors caused by failed authentication.
// Transport implementations wrap it so callers can errors.Is against it
// after the host annotation is applied.
var ErrAuthentication = errors.New("authentication failed")

// ConnectError is a failure to establish a transport session, annotated
// with the offending host.
type ConnectError struct {
	Host string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Host, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
