package admission

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"armada/event"
	"armada/logging"
	"armada/metrics"
	"armada/registry"
	"armada/remote"
)

// Options configures a Controller.
type Options struct {
	// Limit bounds concurrently-open transport sessions; 0 means unlimited
	// and every connection is established synchronously on first request.
	Limit int
	// Policy governs connection failures; Handler is consulted for
	// PolicyCustom.
	Policy  Policy
	Handler Handler
	// GatewayFor resolves the gateway to dial a server through.
	GatewayFor func(server *registry.Server) remote.Gateway
	// ConnectRate, when positive, bounds connection attempts per second.
	ConnectRate  rate.Limit
	ConnectBurst int

	Logger   *logging.Logger
	Registry *metrics.Registry
	Bus      *event.Bus[event.Event]
}

// Controller bounds how many transport sessions are simultaneously open.
// When a selection exceeds the limit, callers get a PendingConn placeholder
// immediately and keep issuing operations against it; the real connection is
// realized later, oldest first, as slots free up. A single lock guards the
// open-session count and the pending queue; the network dial itself always
// happens outside it.
type Controller struct {
	mu         sync.Mutex
	open       int
	inFlight   int
	queue      []*PendingConn
	byServer   map[*registry.Server]*PendingConn
	realizeErr error

	wg      sync.WaitGroup
	opts    Options
	limiter *rate.Limiter
}

func NewController(opts Options) *Controller {
	if opts.Registry == nil {
		opts.Registry = metrics.Default
	}
	c := &Controller{
		opts:     opts,
		byServer: make(map[*registry.Server]*PendingConn),
	}
	if opts.ConnectRate > 0 {
		burst := opts.ConnectBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(opts.ConnectRate, burst)
	}
	return c
}

// Acquire returns a connection-shaped object for the server: the cached
// session when one exists, a PendingConn when the limit is reached and
// force is false, or a freshly-established session. A server already marked
// failed yields nil without a retry. Connection errors are subject to the
// configured policy; only PolicyFail (and a custom raise verdict) surface
// them.
func (c *Controller) Acquire(server *registry.Server, force bool) (remote.Conn, error) {
	if server == nil || server.Failed() {
		return nil, nil
	}
	if existing := server.Conn(); existing != nil {
		return existing, nil
	}

	c.mu.Lock()
	if pending, ok := c.byServer[server]; ok {
		c.mu.Unlock()
		return pending, nil
	}
	if !force && c.opts.Limit > 0 && c.open+c.inFlight >= c.opts.Limit {
		pending := newPendingConn(server)
		c.queue = append(c.queue, pending)
		c.byServer[server] = pending
		c.mu.Unlock()
		c.opts.Registry.IncPendingQueued()
		c.opts.Bus.Publish(event.NewServerEvent(event.TypePendingQueued, server.Host))
		c.opts.Logger.Debug("connection deferred", map[string]string{
			"host": server.Host,
		})
		return pending, nil
	}
	c.open++
	c.mu.Unlock()

	return c.establish(server)
}

// establish dials outside the lock and applies the error policy. A custom
// handler is consulted exactly once per failed attempt; the retry budget is
// one re-attempt, and a retry verdict after the re-attempt fails counts as
// raise.
func (c *Controller) establish(server *registry.Server) (remote.Conn, error) {
	conn, err := c.dial(server)
	verdict := VerdictRaise
	if err != nil && c.opts.Policy == PolicyCustom && c.opts.Handler != nil {
		verdict = c.opts.Handler(server, err)
		if verdict == VerdictRetry {
			conn, err = c.dial(server)
			if err != nil {
				verdict = c.opts.Handler(server, err)
				if verdict == VerdictRetry {
					verdict = VerdictRaise
				}
			}
		}
	}
	if err == nil {
		conn.Properties().Set(remote.PropServer, server)
		conn.Properties().Set(remote.PropHost, server.Host)
		server.SetConn(conn)
		c.opts.Registry.IncSessionOpened()
		c.opts.Bus.Publish(event.NewServerEvent(event.TypeServerConnected, server.Host))
		c.opts.Logger.Info("connected", map[string]string{
			"host": server.Host,
		})
		return conn, nil
	}

	server.MarkFailed()
	c.mu.Lock()
	c.open--
	c.mu.Unlock()
	c.opts.Registry.IncSessionFailed()
	c.opts.Bus.Publish(event.NewServerErrorEvent(event.TypeServerFailed, server.Host, err))

	switch c.opts.Policy {
	case PolicyIgnore:
		return nil, nil
	case PolicyWarn:
		c.opts.Logger.Warn("connection failed", map[string]string{
			"host":  server.Host,
			"error": err.Error(),
		})
		return nil, nil
	case PolicyCustom:
		if verdict == VerdictIgnore {
			return nil, nil
		}
		return nil, err
	default:
		return nil, err
	}
}

func (c *Controller) dial(server *registry.Server) (remote.Conn, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(context.Background()); err != nil {
			return nil, &remote.ConnectError{Host: server.Host, Err: err}
		}
	}
	var gateway remote.Gateway
	if c.opts.GatewayFor != nil {
		gateway = c.opts.GatewayFor(server)
	}
	if gateway == nil {
		return nil, &remote.ConnectError{Host: server.Host, Err: errors.New("no gateway configured")}
	}
	conn, err := gateway.Establish(server.Host, server.User, server.Options())
	if err != nil {
		var connectErr *remote.ConnectError
		if errors.As(err, &connectErr) {
			return nil, err
		}
		return nil, &remote.ConnectError{Host: server.Host, Err: err}
	}
	return conn, nil
}

// Release frees the server's slot after its session closed. When the server
// still has a queued PendingConn the placeholder is dropped and the slot
// transfers instead of being freed.
func (c *Controller) Release(server *registry.Server) {
	if server == nil {
		return
	}
	server.SetConn(nil)

	c.mu.Lock()
	if pending, ok := c.byServer[server]; ok {
		delete(c.byServer, server)
		c.removeQueuedLocked(pending)
		c.mu.Unlock()
		pending.abandon()
		c.opts.Registry.DecPendingDepth()
		return
	}
	c.open--
	c.mu.Unlock()
	c.opts.Registry.IncSessionReleased()
	c.opts.Bus.Publish(event.NewServerEvent(event.TypeServerReleased, server.Host))
}

func (c *Controller) removeQueuedLocked(pending *PendingConn) {
	for i, queued := range c.queue {
		if queued == pending {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

// ReconcilePending runs once per event-loop iteration. Without a limit it
// is a no-op. Otherwise it closes idle sessions to free slots, then spawns
// one establishment goroutine per free slot for the oldest queued pending
// connections; each performs a forced acquire and substitutes the real
// session, triggering the recorded-operation replay.
func (c *Controller) ReconcilePending(servers []*registry.Server) {
	if c.opts.Limit <= 0 {
		return
	}

	// Invisible channels count here: the reaper must not close a session
	// with housekeeping work in flight, even though the loop's default
	// busy predicate excludes them.
	for _, server := range servers {
		conn := server.Conn()
		if conn == nil || conn.Busy(true) {
			continue
		}
		conn.Close()
		c.Release(server)
	}

	c.mu.Lock()
	free := c.opts.Limit - c.open - c.inFlight
	var batch []*PendingConn
	for free > 0 && len(c.queue) > 0 {
		pending := c.queue[0]
		c.queue = c.queue[1:]
		batch = append(batch, pending)
		c.inFlight++
		free--
	}
	c.mu.Unlock()

	for _, pending := range batch {
		c.wg.Add(1)
		go c.realize(pending)
	}
}

func (c *Controller) realize(pending *PendingConn) {
	defer c.wg.Done()
	server := pending.Server()

	c.mu.Lock()
	c.inFlight--
	c.open++
	c.mu.Unlock()

	conn, err := c.establish(server)

	if conn == nil {
		// The error, when the policy propagates one, must be parked before
		// the abandon: abandoning ends the waiters' busy state, and they
		// read Err immediately after.
		if err != nil {
			c.mu.Lock()
			if c.realizeErr == nil {
				c.realizeErr = err
			}
			c.mu.Unlock()
		}
		pending.abandon()
		c.mu.Lock()
		delete(c.byServer, server)
		c.mu.Unlock()
		c.opts.Registry.DecPendingDepth()
		if err != nil {
			c.opts.Logger.Error("deferred connection failed", map[string]string{
				"host":  server.Host,
				"error": err.Error(),
			})
		}
		return
	}

	// One-shot substitution: the placeholder keeps standing in (and keeps
	// the loop busy) until the replayed operations exist on the real
	// session, then it is retired under the controller lock.
	pending.delegate(conn)
	c.mu.Lock()
	delete(c.byServer, server)
	c.mu.Unlock()
	c.opts.Registry.IncPendingRealized()
	c.opts.Bus.Publish(event.NewServerEvent(event.TypePendingRealized, server.Host))
}

// Err returns the first connection error from a deferred realization under
// an error-propagating policy. Synchronous acquisitions hand their errors to
// the caller directly, but realization runs off the caller's path, so its
// failure is parked here for waiters to pick up.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.realizeErr
}

// InFlight reports establishment goroutines still running; the event loop
// spins with a zero timeout while any are.
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// PendingConns snapshots the queued placeholders, oldest first. The event
// loop includes them among its connections so a deferred server keeps the
// default busy predicate true until it is realized.
func (c *Controller) PendingConns() []remote.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]remote.Conn, 0, len(c.byServer))
	for _, pending := range c.queue {
		out = append(out, pending)
	}
	for _, pending := range c.byServer {
		if !queued(c.queue, pending) {
			out = append(out, pending)
		}
	}
	return out
}

func queued(queue []*PendingConn, pending *PendingConn) bool {
	for _, entry := range queue {
		if entry == pending {
			return true
		}
	}
	return false
}

// PendingCount reports queued deferred connections.
func (c *Controller) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// OpenCount reports currently-open sessions.
func (c *Controller) OpenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Wait joins every outstanding establishment goroutine so counts are
// stable.
func (c *Controller) Wait() {
	c.wg.Wait()
}
