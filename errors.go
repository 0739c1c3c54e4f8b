package armada

import (
	"armada/channel"
	"armada/registry"
	"armada/remote"
)

// The error taxonomy, re-exported so callers can match against one package.
//
// ConfigurationError is raised synchronously by malformed group or
// constraint declarations. ConnectError wraps any failure to establish a
// transport and names the host; ErrAuthentication is detectable under it
// with errors.Is. RemoteRejectionError means the remote side refused to
// start a command.
type (
	ConfigurationError   = registry.ConfigurationError
	ConnectError         = remote.ConnectError
	RemoteRejectionError = channel.RemoteRejectionError
)

var ErrAuthentication = remote.ErrAuthentication
