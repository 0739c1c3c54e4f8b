package remote

import "sync"

// FakeGateway is the in-memory Gateway used in tests. It hands out
// FakeConns and records what was established and shut down.
type FakeGateway struct {
	mu          sync.Mutex
	established []string
	conns       []*FakeConn
	shutdowns   int

	// FailWith, when it maps a host, makes Establish fail for that host.
	FailWith map[string]error
	// OnEstablish, when set, runs inside Establish before the conn is
	// created. Tests use it to observe concurrency.
	OnEstablish func(host string)
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{FailWith: make(map[string]error)}
}

func (g *FakeGateway) Establish(host, user string, options map[string]any) (Conn, error) {
	if g.OnEstablish != nil {
		g.OnEstablish(host)
	}
	g.mu.Lock()
	err := g.FailWith[host]
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}

	conn := NewFakeConn(host)
	g.mu.Lock()
	g.established = append(g.established, host)
	g.conns = append(g.conns, conn)
	g.mu.Unlock()
	return conn, nil
}

func (g *FakeGateway) Shutdown() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.shutdowns++
	return nil
}

func (g *FakeGateway) Established() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.established))
	copy(out, g.established)
	return out
}

func (g *FakeGateway) Conns() []*FakeConn {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*FakeConn, len(g.conns))
	copy(out, g.conns)
	return out
}

func (g *FakeGateway) Shutdowns() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.shutdowns
}

// FakeConn is an in-memory Conn. Tests enqueue deliveries (data, exit
// statuses, closes) which are dispatched when the event loop calls
// Postprocess with the conn's read handle ready, mirroring the timing of a
// real transport.
type FakeConn struct {
	mu       sync.Mutex
	host     string
	props    *Properties
	channels []*FakeChannel
	closed   bool

	readHandle  Handle
	signalRead  func()
	writeHandle Handle
	signalWrite func()

	pending  []func()
	outbound int
	flushes  int

	preprocessed  int
	postprocessed int
	globals       []string

	// PreprocessErr, when set, is returned from the next Preprocess call.
	PreprocessErr error
	// RefuseExec makes every exec confirmation report failure.
	RefuseExec bool
}

func NewFakeConn(host string) *FakeConn {
	conn := &FakeConn{host: host, props: NewProperties()}
	conn.readHandle, conn.signalRead = NewHandle()
	conn.writeHandle, conn.signalWrite = NewHandle()
	conn.props.Set(PropHost, host)
	return conn
}

func (c *FakeConn) Host() string { return c.host }

func (c *FakeConn) Busy(includeInvisible bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) > 0 {
		return true
	}
	for _, ch := range c.channels {
		if !ch.Active() {
			continue
		}
		if !includeInvisible && ch.Properties().Get(PropInvisible) == true {
			continue
		}
		return true
	}
	return false
}

func (c *FakeConn) Preprocess() error {
	c.mu.Lock()
	err := c.PreprocessErr
	c.PreprocessErr = nil
	c.preprocessed++
	if c.outbound > 0 {
		c.outbound = 0
		c.flushes++
	}
	c.mu.Unlock()
	return err
}

func (c *FakeConn) Postprocess(readers, writers ReadySet) error {
	c.mu.Lock()
	c.postprocessed++
	var batch []func()
	if readers.Has(c.readHandle) {
		batch = c.pending
		c.pending = nil
	}
	c.mu.Unlock()
	for _, deliver := range batch {
		deliver()
	}
	return nil
}

func (c *FakeConn) Listeners() []Handle {
	return []Handle{c.readHandle}
}

func (c *FakeConn) Writers() []Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outbound > 0 {
		return []Handle{c.writeHandle}
	}
	return nil
}

func (c *FakeConn) OpenChannel(kind string, extra []byte, onConfirm func(Channel)) Channel {
	ch := &FakeChannel{conn: c, kind: kind, active: true, props: NewProperties()}
	c.mu.Lock()
	c.channels = append(c.channels, ch)
	c.mu.Unlock()
	if onConfirm != nil {
		onConfirm(ch)
	}
	return ch
}

func (c *FakeConn) SendGlobalRequest(name string, payload []byte, onResult func(bool, []byte)) {
	c.mu.Lock()
	c.globals = append(c.globals, name)
	c.mu.Unlock()
	if onResult != nil {
		onResult(true, nil)
	}
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	channels := make([]*FakeChannel, len(c.channels))
	copy(channels, c.channels)
	c.mu.Unlock()
	for _, ch := range channels {
		ch.forceClose()
	}
	return nil
}

func (c *FakeConn) Properties() *Properties { return c.props }

func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *FakeConn) Channels() []*FakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*FakeChannel, len(c.channels))
	copy(out, c.channels)
	return out
}

func (c *FakeConn) GlobalRequests() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.globals))
	copy(out, c.globals)
	return out
}

func (c *FakeConn) Preprocessed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preprocessed
}

func (c *FakeConn) Postprocessed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.postprocessed
}

func (c *FakeConn) Flushes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushes
}

// QueueOutbound simulates buffered outbound bytes so the conn reports a
// pending writer until the next Preprocess flush.
func (c *FakeConn) QueueOutbound(n int) {
	c.mu.Lock()
	c.outbound += n
	c.mu.Unlock()
	c.signalWrite()
}

func (c *FakeConn) enqueue(deliver func()) {
	c.mu.Lock()
	c.pending = append(c.pending, deliver)
	c.mu.Unlock()
	c.signalRead()
}

// FakeChannel is an in-memory Channel.
type FakeChannel struct {
	mu     sync.Mutex
	conn   *FakeConn
	kind   string
	props  *Properties
	active bool

	execs []string
	sent  [][]byte
	ptys  []PtyOptions

	onData     func(Channel, []byte)
	onExtended func(Channel, int, []byte)
	onRequests map[string]func(Channel, []byte)
	onExit     func(Channel, int)
	onClose    func(Channel)
	onEOF      func(Channel)
}

func (ch *FakeChannel) Exec(command string, onConfirm func(Channel, bool)) {
	ch.mu.Lock()
	ch.execs = append(ch.execs, command)
	refuse := ch.conn != nil && ch.conn.RefuseExec
	ch.mu.Unlock()
	if onConfirm != nil {
		onConfirm(ch, !refuse)
	}
}

func (ch *FakeChannel) SendData(data []byte) {
	copied := make([]byte, len(data))
	copy(copied, data)
	ch.mu.Lock()
	ch.sent = append(ch.sent, copied)
	ch.mu.Unlock()
}

func (ch *FakeChannel) RequestPty(opts PtyOptions, onConfirm func(Channel, bool)) {
	ch.mu.Lock()
	ch.ptys = append(ch.ptys, opts)
	ch.mu.Unlock()
	if onConfirm != nil {
		onConfirm(ch, true)
	}
}

func (ch *FakeChannel) Close() {
	ch.forceClose()
}

func (ch *FakeChannel) forceClose() {
	ch.mu.Lock()
	wasActive := ch.active
	ch.active = false
	closeFn := ch.onClose
	ch.mu.Unlock()
	if wasActive && closeFn != nil {
		closeFn(ch)
	}
}

func (ch *FakeChannel) Active() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.active
}

func (ch *FakeChannel) OnData(fn func(Channel, []byte)) {
	ch.mu.Lock()
	ch.onData = fn
	ch.mu.Unlock()
}

func (ch *FakeChannel) OnExtendedData(fn func(Channel, int, []byte)) {
	ch.mu.Lock()
	ch.onExtended = fn
	ch.mu.Unlock()
}

func (ch *FakeChannel) OnRequest(name string, fn func(Channel, []byte)) {
	ch.mu.Lock()
	if ch.onRequests == nil {
		ch.onRequests = make(map[string]func(Channel, []byte))
	}
	ch.onRequests[name] = fn
	ch.mu.Unlock()
}

func (ch *FakeChannel) OnExit(fn func(Channel, int)) {
	ch.mu.Lock()
	ch.onExit = fn
	ch.mu.Unlock()
}

func (ch *FakeChannel) OnClose(fn func(Channel)) {
	ch.mu.Lock()
	ch.onClose = fn
	ch.mu.Unlock()
}

func (ch *FakeChannel) OnEOF(fn func(Channel)) {
	ch.mu.Lock()
	ch.onEOF = fn
	ch.mu.Unlock()
}

func (ch *FakeChannel) Properties() *Properties { return ch.props }

func (ch *FakeChannel) Kind() string { return ch.kind }

func (ch *FakeChannel) Execs() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]string, len(ch.execs))
	copy(out, ch.execs)
	return out
}

func (ch *FakeChannel) Sent() [][]byte {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([][]byte, len(ch.sent))
	copy(out, ch.sent)
	return out
}

func (ch *FakeChannel) PtyRequests() []PtyOptions {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]PtyOptions, len(ch.ptys))
	copy(out, ch.ptys)
	return out
}

// QueueData schedules a data delivery through the conn's read path.
func (ch *FakeChannel) QueueData(data []byte) {
	copied := make([]byte, len(data))
	copy(copied, data)
	ch.conn.enqueue(func() {
		ch.mu.Lock()
		fn := ch.onData
		ch.mu.Unlock()
		if fn != nil {
			fn(ch, copied)
		}
	})
}

// QueueExtended schedules an extended (stderr) data delivery.
func (ch *FakeChannel) QueueExtended(code int, data []byte) {
	copied := make([]byte, len(data))
	copy(copied, data)
	ch.conn.enqueue(func() {
		ch.mu.Lock()
		fn := ch.onExtended
		ch.mu.Unlock()
		if fn != nil {
			fn(ch, code, copied)
		}
	})
}

// QueueRequest schedules a named request delivery, e.g. "exit-status".
func (ch *FakeChannel) QueueRequest(name string, payload []byte) {
	ch.conn.enqueue(func() {
		ch.mu.Lock()
		fn := ch.onRequests[name]
		ch.mu.Unlock()
		if fn != nil {
			fn(ch, payload)
		}
	})
}

// QueueExit schedules process-completion delivery.
func (ch *FakeChannel) QueueExit(status int) {
	ch.conn.enqueue(func() {
		ch.mu.Lock()
		fn := ch.onExit
		ch.mu.Unlock()
		if fn != nil {
			fn(ch, status)
		}
	})
}

// QueueEOF schedules end-of-file delivery.
func (ch *FakeChannel) QueueEOF() {
	ch.conn.enqueue(func() {
		ch.mu.Lock()
		fn := ch.onEOF
		ch.mu.Unlock()
		if fn != nil {
			fn(ch)
		}
	})
}

// QueueClose schedules channel close delivery; the channel goes inactive
// when it is dispatched.
func (ch *FakeChannel) QueueClose() {
	ch.conn.enqueue(func() {
		ch.forceClose()
	})
}

var _ Conn = (*FakeConn)(nil)
var _ Channel = (*FakeChannel)(nil)
var _ Gateway = (*FakeGateway)(nil)
