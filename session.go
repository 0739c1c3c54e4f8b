package armada

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"armada/admission"
	"armada/channel"
	"armada/event"
	"armada/logging"
	"armada/loop"
	"armada/metrics"
	"armada/registry"
	"armada/remote"
	"armada/sshgw"
)

// Options configures a Session. The zero value gives an unlimited,
// fail-fast session dialing directly over the local network, printing
// command output to the process streams.
type Options struct {
	// Gateway dials servers without a named gateway reference. Nil means
	// direct SSH dialing.
	Gateway remote.Gateway
	// Gateways resolves per-server gateway references by name.
	Gateways map[string]remote.Gateway

	// ConcurrentConnections bounds simultaneously-open transports; 0 means
	// unlimited.
	ConcurrentConnections int
	// OnError is the connection-failure policy; ErrorHandler is consulted
	// for PolicyCustom.
	OnError      admission.Policy
	ErrorHandler admission.Handler
	// ConnectRate, when positive, bounds connection attempts per second.
	ConnectRate  rate.Limit
	ConnectBurst int

	// LoopTimeout bounds each event-loop iteration's readiness wait. Zero
	// or negative means unbounded.
	LoopTimeout time.Duration

	Logger  *logging.Logger
	Metrics *metrics.Registry
	// Stdout and Stderr receive host-prefixed command output when Exec
	// runs without a custom output callback. Nil means the process streams.
	Stdout io.Writer
	Stderr io.Writer
	// Recorder, when set, receives a copy of all routed command output.
	Recorder channel.Recorder
}

// Session is the orchestration façade: one handle addressing every
// registered server, narrowed by the active scope. All command issuance
// must happen from a single goroutine; the session's event loop is
// cooperative and single-threaded, with connection establishment as the
// only concurrent activity.
type Session struct {
	opts       Options
	registry   *registry.Registry
	controller *admission.Controller
	loop       *loop.Loop
	bus        *event.Bus[event.Event]
	metrics    *metrics.Registry

	gateway  remote.Gateway
	gateways map[string]remote.Gateway

	stdout   io.Writer
	errout   io.Writer
	recorder channel.Recorder

	mu         sync.Mutex
	scope      []registry.Selector
	aggregates []*channel.Aggregated

	closeOnce sync.Once
	closeErr  error
}

func New(opts Options) *Session {
	m := opts.Metrics
	if m == nil {
		m = metrics.Default
	}
	gateway := opts.Gateway
	if gateway == nil {
		gateway = sshgw.NewDirect(opts.Logger)
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	errout := opts.Stderr
	if errout == nil {
		errout = os.Stderr
	}

	s := &Session{
		opts:     opts,
		registry: registry.New(),
		bus:      event.NewBus[event.Event](context.Background(), event.BusOptions{Registry: m}),
		metrics:  m,
		gateway:  gateway,
		gateways: opts.Gateways,
		stdout:   stdout,
		errout:   errout,
		recorder: opts.Recorder,
	}
	s.controller = admission.NewController(admission.Options{
		Limit:        opts.ConcurrentConnections,
		Policy:       opts.OnError,
		Handler:      opts.ErrorHandler,
		GatewayFor:   s.gatewayFor,
		ConnectRate:  opts.ConnectRate,
		ConnectBurst: opts.ConnectBurst,
		Logger:       opts.Logger,
		Registry:     m,
		Bus:          s.bus,
	})
	s.loop = loop.New(loop.Options{
		Conns:          s.liveConns,
		Reconcile:      s.reconcile,
		Establishing:   func() bool { return s.controller.InFlight() > 0 },
		DefaultTimeout: opts.LoopTimeout,
		Registry:       m,
	})
	return s
}

func (s *Session) gatewayFor(server *registry.Server) remote.Gateway {
	if name := server.GatewayName(); name != "" {
		if gw, ok := s.gateways[name]; ok && gw != nil {
			return gw
		}
	}
	return s.gateway
}

// liveConns is the event loop's connection set: every established session
// plus every pending placeholder, so a deferred server keeps the busy
// predicate true until realized.
func (s *Session) liveConns() []remote.Conn {
	var out []remote.Conn
	for _, server := range s.registry.Servers() {
		if conn := server.Conn(); conn != nil {
			out = append(out, conn)
		}
	}
	return append(out, s.controller.PendingConns()...)
}

func (s *Session) reconcile() {
	s.controller.ReconcilePending(s.registry.Servers())
}

// Register adds a server to the session, idempotent on (host, user, port).
func (s *Session) Register(host, user string, options map[string]any) *registry.Server {
	return s.registry.Register(host, user, options)
}

// DefineGroup adds servers to the named groups, either explicitly or via a
// block during which every Register call joins them.
func (s *Session) DefineGroup(names []string, servers []*registry.Server, block func()) error {
	return s.registry.DefineGroup(names, servers, block)
}

// Registry exposes the underlying server registry.
func (s *Session) Registry() *registry.Registry { return s.registry }

// Events exposes the lifecycle event bus for subscription.
func (s *Session) Events() *event.Bus[event.Event] { return s.bus }

// With pushes selectors onto the active scope for the duration of fn. The
// prior scope is restored when fn returns, panic included.
func (s *Session) With(selectors []registry.Selector, fn func(*Session) error) error {
	s.mu.Lock()
	depth := len(s.scope)
	s.scope = append(s.scope, selectors...)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.scope = s.scope[:depth]
		s.mu.Unlock()
	}()
	return fn(s)
}

// WithGroups is the common-case With: scope to the named groups with no
// property constraints.
func (s *Session) WithGroups(names []string, fn func(*Session) error) error {
	selectors := make([]registry.Selector, len(names))
	for i, name := range names {
		selectors[i] = registry.Selector{Group: name}
	}
	return s.With(selectors, fn)
}

// On scopes fn to exactly the given servers via a synthetic single-use
// group, removed when fn returns.
func (s *Session) On(servers []*registry.Server, fn func(*Session) error) error {
	name := s.registry.AddSyntheticGroup(servers)
	defer s.registry.RemoveGroup(name)
	return s.With([]registry.Selector{{Group: name}}, fn)
}

func (s *Session) activeScope() []registry.Selector {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]registry.Selector, len(s.scope))
	copy(out, s.scope)
	return out
}

// Servers resolves the active scope to the concrete server set, excluding
// servers already marked failed.
func (s *Session) Servers() []*registry.Server {
	resolved := s.registry.Resolve(s.activeScope())
	out := resolved[:0]
	for _, server := range resolved {
		if !server.Failed() {
			out = append(out, server)
		}
	}
	return out
}

// OpenChannel opens one channel of the given kind per server in scope and
// wraps them in an aggregate. Servers over the admission limit contribute
// a recording channel whose operations replay once their connection is
// realized; servers whose connection fails under a non-fatal policy are
// skipped.
func (s *Session) OpenChannel(kind string, onConfirm func(remote.Channel)) (*channel.Aggregated, error) {
	var channels []remote.Channel
	for _, server := range s.Servers() {
		conn, err := s.controller.Acquire(server, false)
		if err != nil {
			return nil, err
		}
		if conn == nil {
			continue
		}
		ch := conn.OpenChannel(kind, nil, onConfirm)
		if ch == nil {
			continue
		}
		props := ch.Properties()
		if props.Get(remote.PropHost) == nil {
			props.Set(remote.PropHost, server.Host)
			props.Set(remote.PropServer, server)
		}
		channels = append(channels, ch)
	}

	agg := channel.NewAggregated(channels, channel.AggregatedOptions{
		Runner:    s.loop,
		Stdout:    s.stdout,
		Stderr:    s.errout,
		Registry:  s.metrics,
		Recorder:  s.recorder,
		FailCheck: s.controller.Err,
	})
	s.mu.Lock()
	s.aggregates = append(s.aggregates, agg)
	s.mu.Unlock()
	return agg, nil
}

// Exec opens a session channel per server in scope and requests command on
// each, routing output to onOutput or, when nil, capturing it and printing
// host-prefixed lines to the configured sinks. The returned aggregate is
// not yet complete; Wait on it (or run the loop) to drive it.
func (s *Session) Exec(command string, onOutput channel.OutputFunc) (*channel.Aggregated, error) {
	agg, err := s.OpenChannel("session", nil)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(event.NewCommandEvent(event.TypeCommandStarted, command, len(agg.Channels())))
	if err := agg.Exec(command, onOutput); err != nil {
		return agg, err
	}
	return agg, nil
}

// Run executes command on every server in scope and blocks until all of
// them finish, returning the captured output keyed by host.
func (s *Session) Run(command string) (map[string][]byte, error) {
	start := time.Now()
	agg, err := s.Exec(command, nil)
	if err != nil {
		return nil, err
	}
	waitErr := agg.Wait()
	servers := len(agg.Channels())
	s.metrics.RecordCommand(command, servers, time.Since(start))
	s.bus.Publish(event.NewCommandEvent(event.TypeCommandFinished, command, servers))
	if waitErr != nil {
		return nil, waitErr
	}
	return agg.Outputs(), nil
}

// SendGlobalRequest fans a transport-level global request out to every
// server in scope. Requests against deferred servers are recorded and sent
// on realization.
func (s *Session) SendGlobalRequest(name string, payload []byte, onResult func(bool, []byte)) error {
	for _, server := range s.Servers() {
		conn, err := s.controller.Acquire(server, false)
		if err != nil {
			return err
		}
		if conn == nil {
			continue
		}
		conn.SendGlobalRequest(name, payload, onResult)
	}
	return nil
}

// Loop drives the event loop until no connection reports busy.
func (s *Session) Loop() error {
	return s.loop.RunUntil(loop.BusyPredicate(s.liveConns))
}

// LoopUntil drives the event loop while predicate stays true.
func (s *Session) LoopUntil(predicate func() bool) error {
	return s.loop.RunUntil(predicate)
}

// Close shuts the session down: joins outstanding establishment work,
// closes every open aggregate's channels, drains pending I/O with a
// zero-timeout loop, closes every transport, and shuts each gateway down
// exactly once. Idempotent; later calls return the first close's error.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.controller.Wait()

		s.mu.Lock()
		aggregates := s.aggregates
		s.aggregates = nil
		s.mu.Unlock()
		for _, agg := range aggregates {
			agg.Close()
		}

		s.closeErr = s.drain()

		for _, server := range s.registry.Servers() {
			conn := server.Conn()
			if conn == nil {
				continue
			}
			if err := conn.Close(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
			s.controller.Release(server)
		}

		for _, gw := range s.gateways {
			if gw == nil {
				continue
			}
			if err := gw.Shutdown(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
		if err := s.gateway.Shutdown(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}

		s.bus.Close()
	})
	return s.closeErr
}

// drain spins the loop with a zero timeout while anything, invisible
// channels included, still has work. Deferred servers are realized (or
// abandoned) along the way, so the close an aggregate recorded against
// them gets replayed.
func (s *Session) drain() error {
	for {
		busy := false
		for _, conn := range s.liveConns() {
			if conn.Busy(true) {
				busy = true
				break
			}
		}
		if !busy {
			return nil
		}
		if _, err := s.loop.RunOnce(nil, 0); err != nil {
			return err
		}
	}
}
