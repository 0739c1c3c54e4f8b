package channel

import (
	"io"
	"sync"

	"armada/metrics"
	"armada/remote"
)

// OutputFunc receives routed command output. stream is "stdout" or
// "stderr". Supplying one to Exec supersedes the default capture-and-print
// behavior.
type OutputFunc func(ch remote.Channel, stream string, data []byte)

// LoopRunner drives the owning event loop until the predicate goes false.
// The loop package implements it.
type LoopRunner interface {
	RunUntil(predicate func() bool) error
}

// Recorder receives a copy of routed output, e.g. for on-disk transcripts.
type Recorder interface {
	Record(host, stream string, data []byte)
}

// Stream tags passed to OutputFunc and Recorder.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// OutputKey and ExitKey name the reserved aggregate-bag slots holding one
// host's captured output and exit status.
func OutputKey(host string) string { return "output:" + host }
func ExitKey(host string) string   { return "exit:" + host }

// AggregatedOptions configures an aggregate. Stdout/Stderr are the explicit
// sinks used when Exec runs without a custom OutputFunc; the outermost entry
// point decides whether they are the process streams.
type AggregatedOptions struct {
	Runner   LoopRunner
	Stdout   io.Writer
	Stderr   io.Writer
	Registry *metrics.Registry
	Recorder Recorder
	// FailCheck, when set, is polled alongside the aggregate's own error:
	// a non-nil result fails the aggregate. The session points it at the
	// admission controller so a deferred member's connection failure
	// surfaces from Wait instead of the host silently dropping out.
	FailCheck func() error
}

// Aggregated presents many per-server channels as one logical channel:
// operations fan out to every member, activity is the OR of member
// activity, and a shared property bag accumulates per-invocation results.
// It coordinates the members' close but owns no other part of their
// lifetime.
type Aggregated struct {
	mu        sync.Mutex
	channels  []remote.Channel
	props     *remote.Properties
	runner    LoopRunner
	stdout    io.Writer
	errout    io.Writer
	registry  *metrics.Registry
	recorder  Recorder
	failCheck func() error
	firstErr  error
}

func NewAggregated(channels []remote.Channel, opts AggregatedOptions) *Aggregated {
	registry := opts.Registry
	if registry == nil {
		registry = metrics.Default
	}
	return &Aggregated{
		channels:  channels,
		props:     remote.NewProperties(),
		runner:    opts.Runner,
		stdout:    opts.Stdout,
		errout:    opts.Stderr,
		registry:  registry,
		recorder:  opts.Recorder,
		failCheck: opts.FailCheck,
	}
}

// Channels returns the underlying per-server channels in order.
func (a *Aggregated) Channels() []remote.Channel {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]remote.Channel, len(a.channels))
	copy(out, a.channels)
	return out
}

// Properties is the bag shared across the aggregate, distinct from each
// member channel's own per-server bag.
func (a *Aggregated) Properties() *remote.Properties {
	return a.props
}

// Active reports whether any member channel is still open.
func (a *Aggregated) Active() bool {
	for _, ch := range a.Channels() {
		if ch.Active() {
			return true
		}
	}
	return false
}

// Err returns the first fatal error observed by the aggregate, consulting
// the external failure check when the aggregate itself has none.
func (a *Aggregated) Err() error {
	a.mu.Lock()
	err := a.firstErr
	check := a.failCheck
	a.mu.Unlock()
	if err != nil {
		return err
	}
	if check != nil {
		if err := check(); err != nil {
			a.fail(err)
			return err
		}
	}
	return nil
}

func (a *Aggregated) fail(err error) {
	a.mu.Lock()
	if a.firstErr == nil {
		a.firstErr = err
	}
	a.mu.Unlock()
}

// Exec requests command on every member channel. On confirmation it wires
// output routing: to onOutput when given, otherwise capture into the shared
// bag plus host-prefixed line printing to the configured sinks. An exit
// handler records each host's status under ExitKey. A member that refuses
// to start the command fails the aggregate with a RemoteRejectionError
// naming the host and command; the other members are not touched.
func (a *Aggregated) Exec(command string, onOutput OutputFunc) error {
	for _, ch := range a.Channels() {
		host := hostOf(ch)
		ch.Exec(command, func(confirmed remote.Channel, success bool) {
			if !success {
				a.registry.IncRemoteRejection()
				a.fail(&RemoteRejectionError{Host: host, Command: command})
				return
			}
			a.wireOutput(confirmed, host, onOutput)
		})
	}
	return a.Err()
}

func (a *Aggregated) wireOutput(ch remote.Channel, host string, onOutput OutputFunc) {
	ch.OnExit(func(c remote.Channel, status int) {
		a.props.Set(ExitKey(host), status)
	})

	if onOutput != nil {
		ch.OnData(func(c remote.Channel, data []byte) {
			a.record(host, StreamStdout, data)
			onOutput(c, StreamStdout, data)
		})
		ch.OnExtendedData(func(c remote.Channel, code int, data []byte) {
			a.record(host, StreamStderr, data)
			onOutput(c, StreamStderr, data)
		})
		return
	}

	outPrinter := newLinePrinter(a.stdout, host)
	errPrinter := newLinePrinter(a.errout, host)
	ch.OnData(func(c remote.Channel, data []byte) {
		a.props.AppendBytes(OutputKey(host), data)
		a.record(host, StreamStdout, data)
		outPrinter.Write(data)
	})
	ch.OnExtendedData(func(c remote.Channel, code int, data []byte) {
		a.record(host, StreamStderr, data)
		errPrinter.Write(data)
	})
	ch.OnClose(func(c remote.Channel) {
		outPrinter.Flush()
		errPrinter.Flush()
	})
}

func (a *Aggregated) record(host, stream string, data []byte) {
	if a.recorder == nil {
		return
	}
	a.recorder.Record(host, stream, data)
}

// Run is the synchronous convenience variant: exec, wait, and return the
// per-host captured output. It is only meaningful without a custom output
// callback, which would supersede capture.
func (a *Aggregated) Run(command string) (map[string][]byte, error) {
	if err := a.Exec(command, nil); err != nil {
		return nil, err
	}
	if err := a.Wait(); err != nil {
		return nil, err
	}
	return a.Outputs(), nil
}

// Wait drives the owning event loop until no member channel is active or
// the aggregate fails.
func (a *Aggregated) Wait() error {
	if a.runner != nil {
		if err := a.runner.RunUntil(func() bool {
			return a.Err() == nil && a.Active()
		}); err != nil {
			return err
		}
	}
	return a.Err()
}

// Outputs returns each host's captured output.
func (a *Aggregated) Outputs() map[string][]byte {
	out := make(map[string][]byte)
	for _, ch := range a.Channels() {
		host := hostOf(ch)
		if data, ok := a.props.Get(OutputKey(host)).([]byte); ok {
			out[host] = data
		}
	}
	return out
}

// ExitStatuses returns each host's captured exit status.
func (a *Aggregated) ExitStatuses() map[string]int {
	out := make(map[string]int)
	for _, ch := range a.Channels() {
		host := hostOf(ch)
		if status, ok := a.props.Get(ExitKey(host)).(int); ok {
			out[host] = status
		}
	}
	return out
}

// SendData fans data out to every member.
func (a *Aggregated) SendData(data []byte) *Aggregated {
	for _, ch := range a.Channels() {
		ch.SendData(data)
	}
	return a
}

// RequestPty fans a pty-req out to every member.
func (a *Aggregated) RequestPty(opts remote.PtyOptions, onConfirm func(remote.Channel, bool)) *Aggregated {
	for _, ch := range a.Channels() {
		ch.RequestPty(opts, onConfirm)
	}
	return a
}

// Close closes every member.
func (a *Aggregated) Close() *Aggregated {
	for _, ch := range a.Channels() {
		ch.Close()
	}
	return a
}

func (a *Aggregated) OnData(fn func(remote.Channel, []byte)) *Aggregated {
	for _, ch := range a.Channels() {
		ch.OnData(fn)
	}
	return a
}

func (a *Aggregated) OnExtendedData(fn func(remote.Channel, int, []byte)) *Aggregated {
	for _, ch := range a.Channels() {
		ch.OnExtendedData(fn)
	}
	return a
}

func (a *Aggregated) OnRequest(name string, fn func(remote.Channel, []byte)) *Aggregated {
	for _, ch := range a.Channels() {
		ch.OnRequest(name, fn)
	}
	return a
}

func (a *Aggregated) OnExit(fn func(remote.Channel, int)) *Aggregated {
	for _, ch := range a.Channels() {
		ch.OnExit(fn)
	}
	return a
}

func (a *Aggregated) OnClose(fn func(remote.Channel)) *Aggregated {
	for _, ch := range a.Channels() {
		ch.OnClose(fn)
	}
	return a
}

func (a *Aggregated) OnEOF(fn func(remote.Channel)) *Aggregated {
	for _, ch := range a.Channels() {
		ch.OnEOF(fn)
	}
	return a
}

func hostOf(ch remote.Channel) string {
	if host, ok := ch.Properties().Get(remote.PropHost).(string); ok {
		return host
	}
	return "unknown"
}
