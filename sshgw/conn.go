package sshgw

import (
	"sync"

	"golang.org/x/crypto/ssh"

	"armada/logging"
	"armada/remote"
)

// Conn adapts one *ssh.Client to the remote.Conn contract. Reader
// goroutines never run callbacks themselves: they queue dispatches and
// signal the read handle, and Postprocess runs the queue on the event-loop
// goroutine, so all handler code stays single-threaded.
type Conn struct {
	mu       sync.Mutex
	client   *ssh.Client
	host     string
	logger   *logging.Logger
	props    *remote.Properties
	channels []*Channel
	closed   bool

	readHandle  remote.Handle
	signalRead  func()
	writeHandle remote.Handle
	signalWrite func()

	dispatch []func()
}

func newConn(client *ssh.Client, host string, logger *logging.Logger) *Conn {
	conn := &Conn{
		client: client,
		host:   host,
		logger: logger,
		props:  remote.NewProperties(),
	}
	conn.readHandle, conn.signalRead = remote.NewHandle()
	conn.writeHandle, conn.signalWrite = remote.NewHandle()
	conn.props.Set(remote.PropHost, host)
	return conn
}

func (c *Conn) enqueue(run func()) {
	c.mu.Lock()
	closed := c.closed
	if !closed {
		c.dispatch = append(c.dispatch, run)
	}
	c.mu.Unlock()
	if !closed {
		c.signalRead()
	}
}

func (c *Conn) Busy(includeInvisible bool) bool {
	c.mu.Lock()
	pending := len(c.dispatch) > 0
	channels := make([]*Channel, len(c.channels))
	copy(channels, c.channels)
	c.mu.Unlock()
	if pending {
		return true
	}
	for _, ch := range channels {
		if !ch.Active() {
			continue
		}
		if !includeInvisible && ch.Properties().Get(remote.PropInvisible) == true {
			continue
		}
		return true
	}
	return false
}

// Preprocess flushes every channel's buffered outbound data.
func (c *Conn) Preprocess() error {
	c.mu.Lock()
	channels := make([]*Channel, len(c.channels))
	copy(channels, c.channels)
	c.mu.Unlock()
	for _, ch := range channels {
		if err := ch.flush(); err != nil {
			return err
		}
	}
	return nil
}

// Postprocess runs queued handler dispatches when the conn's read handle is
// among the ready set.
func (c *Conn) Postprocess(readers, writers remote.ReadySet) error {
	if !readers.Has(c.readHandle) {
		return nil
	}
	c.mu.Lock()
	batch := c.dispatch
	c.dispatch = nil
	c.mu.Unlock()
	for _, run := range batch {
		run()
	}
	return nil
}

func (c *Conn) Listeners() []remote.Handle {
	return []remote.Handle{c.readHandle}
}

func (c *Conn) Writers() []remote.Handle {
	c.mu.Lock()
	channels := make([]*Channel, len(c.channels))
	copy(channels, c.channels)
	c.mu.Unlock()
	for _, ch := range channels {
		if ch.hasOutbound() {
			return []remote.Handle{c.writeHandle}
		}
	}
	return nil
}

func (c *Conn) OpenChannel(kind string, extra []byte, onConfirm func(remote.Channel)) remote.Channel {
	raw, reqs, err := c.client.OpenChannel(kind, extra)
	ch := newChannel(c, raw, reqs)
	if err != nil {
		c.logger.Warn("open channel failed", map[string]string{
			"host":  c.host,
			"kind":  kind,
			"error": err.Error(),
		})
		ch.markFailed()
	} else {
		ch.start()
	}
	ch.Properties().Set(remote.PropHost, c.host)

	c.mu.Lock()
	c.channels = append(c.channels, ch)
	c.mu.Unlock()

	if err == nil && onConfirm != nil {
		onConfirm(ch)
	}
	return ch
}

func (c *Conn) SendGlobalRequest(name string, payload []byte, onResult func(bool, []byte)) {
	go func() {
		ok, reply, err := c.client.SendRequest(name, onResult != nil, payload)
		if err != nil {
			ok = false
		}
		if onResult != nil {
			c.enqueue(func() { onResult(ok, reply) })
		}
	}()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channels := make([]*Channel, len(c.channels))
	copy(channels, c.channels)
	c.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	return c.client.Close()
}

func (c *Conn) Properties() *remote.Properties { return c.props }

var _ remote.Conn = (*Conn)(nil)
