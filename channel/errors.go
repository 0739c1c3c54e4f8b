package channel

import "fmt"

// RemoteRejectionError reports that a remote side refused to start a
// requested command. It always propagates to the caller of the aggregated
// action and is never retried.
type RemoteRejectionError struct {
	Host    string
	Command string
}

func (e *RemoteRejectionError) Error() string {
	return fmt.Sprintf("could not start command %q on %s", e.Command, e.Host)
}
