package remote

// Handle is a readiness signal for one direction of one connection's I/O.
// The owning connection sends on the underlying channel (non-blocking, the
// channel is buffered) when it has pending work; the event loop waits on the
// union of all handles and hands each connection back the subset that fired.
type Handle <-chan struct{}

// NewHandle returns a handle and the signal function that marks it ready.
// Signalling an already-ready handle is a no-op.
func NewHandle() (Handle, func()) {
	ch := make(chan struct{}, 1)
	signal := func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return ch, signal
}

// ReadySet is the set of handles that fired during one event-loop wait.
type ReadySet map[Handle]struct{}

func (s ReadySet) Has(h Handle) bool {
	if s == nil {
		return false
	}
	_, ok := s[h]
	return ok
}

func (s ReadySet) Add(h Handle) {
	if s == nil || h == nil {
		return
	}
	s[h] = struct{}{}
}

// Conn is one logical transport session to one server. Implementations are
// the SSH session (sshgw), the admission-control placeholder, and the test
// fake. All methods are invoked from the event-loop goroutine except
// Properties, which is safe from anywhere.
type Conn interface {
	// Busy reports whether the connection still has work in flight. When
	// includeInvisible is false, channels flagged invisible (housekeeping
	// channels callers never asked for) do not count.
	Busy(includeInvisible bool) bool

	// Preprocess runs the connection's own per-iteration step, e.g.
	// flushing buffered outbound writes. A non-nil error stops the loop.
	Preprocess() error

	// Postprocess delivers the subset of globally-ready handles that belong
	// to this connection. The connection must ignore handles it does not
	// own; the loop already intersects, but defensively filtering is cheap
	// for implementations that share code paths.
	Postprocess(readers, writers ReadySet) error

	// Listeners returns the handles that signal readable data.
	Listeners() []Handle

	// Writers returns the handles that signal buffered outbound data.
	Writers() []Handle

	// OpenChannel opens a channel of the given type. onConfirm, when
	// non-nil, runs once the remote side confirms the channel.
	OpenChannel(kind string, extra []byte, onConfirm func(Channel)) Channel

	// SendGlobalRequest sends a connection-level request. onResult, when
	// non-nil, runs with the remote's reply.
	SendGlobalRequest(name string, payload []byte, onResult func(ok bool, payload []byte))

	Close() error

	// Properties carries at minimum the owning server back-reference and
	// host name (PropServer, PropHost).
	Properties() *Properties
}

// Reserved property keys on a Conn's bag.
const (
	PropServer = "server"
	PropHost   = "host"
)

// PtyOptions describes a pty-req.
type PtyOptions struct {
	Term string
	Cols int
	Rows int
}

// Channel is one command channel inside a Conn. Handler registration and
// operations fan out through channel.Aggregated and may be recorded by
// channel.Deferred before the underlying session exists.
type Channel interface {
	// Exec requests execution of command. onConfirm runs with success=false
	// when the remote side refuses to start the command.
	Exec(command string, onConfirm func(ch Channel, success bool))

	SendData(data []byte)

	RequestPty(opts PtyOptions, onConfirm func(ch Channel, success bool))

	Close()

	// Active reports whether the channel is still open.
	Active() bool

	OnData(fn func(ch Channel, data []byte))
	OnExtendedData(fn func(ch Channel, code int, data []byte))
	OnRequest(name string, fn func(ch Channel, payload []byte))
	OnExit(fn func(ch Channel, status int))
	OnClose(fn func(ch Channel))
	OnEOF(fn func(ch Channel))

	// Properties is the channel's own per-server bag, distinct from the
	// aggregate's shared bag.
	Properties() *Properties
}

// PropInvisible marks housekeeping channels excluded from the default
// busy predicate.
const PropInvisible = "invisible"

// Gateway establishes transport sessions.
type Gateway interface {
	Establish(host, user string, options map[string]any) (Conn, error)
	Shutdown() error
}
