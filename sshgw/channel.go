package sshgw

import (
	"encoding/binary"
	"sync"

	"golang.org/x/crypto/ssh"

	"armada/remote"
)

const readBufferSize = 32 * 1024

// stderr is SSH extended stream 1.
const extendedStderr = 1

type execMsg struct {
	Command string
}

type ptyReqMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

// Channel adapts one ssh.Channel. Reads run on background goroutines that
// queue handler dispatches through the owning Conn; writes are buffered and
// flushed by the conn's Preprocess.
type Channel struct {
	mu   sync.Mutex
	conn *Conn
	raw  ssh.Channel
	reqs <-chan *ssh.Request

	props    *remote.Properties
	active   bool
	failed   bool
	finished bool
	outbound [][]byte

	onData     func(remote.Channel, []byte)
	onExtended func(remote.Channel, int, []byte)
	onRequests map[string]func(remote.Channel, []byte)
	onExit     func(remote.Channel, int)
	onClose    func(remote.Channel)
	onEOF      func(remote.Channel)
}

func newChannel(conn *Conn, raw ssh.Channel, reqs <-chan *ssh.Request) *Channel {
	return &Channel{
		conn:   conn,
		raw:    raw,
		reqs:   reqs,
		props:  remote.NewProperties(),
		active: true,
	}
}

func (ch *Channel) markFailed() {
	ch.mu.Lock()
	ch.failed = true
	ch.active = false
	ch.mu.Unlock()
}

// start launches the stdout, stderr and request pumps. When all three
// drain, the channel transitions to closed on the loop goroutine.
func (ch *Channel) start() {
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		ch.pump(ch.raw.Read, func(data []byte) {
			ch.mu.Lock()
			fn := ch.onData
			ch.mu.Unlock()
			if fn != nil {
				fn(ch, data)
			}
		})
		ch.conn.enqueue(func() {
			ch.mu.Lock()
			fn := ch.onEOF
			ch.mu.Unlock()
			if fn != nil {
				fn(ch)
			}
		})
	}()

	go func() {
		defer wg.Done()
		ch.pump(ch.raw.Stderr().Read, func(data []byte) {
			ch.mu.Lock()
			fn := ch.onExtended
			ch.mu.Unlock()
			if fn != nil {
				fn(ch, extendedStderr, data)
			}
		})
	}()

	go func() {
		defer wg.Done()
		for req := range ch.reqs {
			ch.handleRequest(req)
		}
	}()

	go func() {
		wg.Wait()
		ch.conn.enqueue(ch.finish)
	}()
}

// pump reads until error and queues each chunk's dispatch in arrival order.
func (ch *Channel) pump(read func([]byte) (int, error), deliver func([]byte)) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			ch.conn.enqueue(func() { deliver(data) })
		}
		if err != nil {
			return
		}
	}
}

func (ch *Channel) handleRequest(req *ssh.Request) {
	name := req.Type
	payload := req.Payload

	if name == "exit-status" && len(payload) >= 4 {
		status := int(binary.BigEndian.Uint32(payload[:4]))
		ch.conn.enqueue(func() {
			ch.mu.Lock()
			fn := ch.onExit
			ch.mu.Unlock()
			if fn != nil {
				fn(ch, status)
			}
		})
	}

	ch.mu.Lock()
	handler := ch.onRequests[name]
	ch.mu.Unlock()
	if handler != nil {
		ch.conn.enqueue(func() { handler(ch, payload) })
	}
	if req.WantReply {
		req.Reply(handler != nil || name == "exit-status", nil)
	}
}

// finish runs on the loop goroutine once every pump drained.
func (ch *Channel) finish() {
	ch.mu.Lock()
	if ch.finished {
		ch.mu.Unlock()
		return
	}
	ch.finished = true
	ch.active = false
	fn := ch.onClose
	ch.mu.Unlock()
	if fn != nil {
		fn(ch)
	}
}

func (ch *Channel) Exec(command string, onConfirm func(remote.Channel, bool)) {
	ch.mu.Lock()
	failed := ch.failed
	ch.mu.Unlock()
	if failed {
		if onConfirm != nil {
			onConfirm(ch, false)
		}
		return
	}
	ok, err := ch.raw.SendRequest("exec", true, ssh.Marshal(&execMsg{Command: command}))
	if onConfirm != nil {
		onConfirm(ch, ok && err == nil)
	}
}

func (ch *Channel) SendData(data []byte) {
	copied := make([]byte, len(data))
	copy(copied, data)
	ch.mu.Lock()
	ch.outbound = append(ch.outbound, copied)
	ch.mu.Unlock()
	ch.conn.signalWrite()
}

func (ch *Channel) hasOutbound() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.outbound) > 0
}

func (ch *Channel) flush() error {
	ch.mu.Lock()
	batch := ch.outbound
	ch.outbound = nil
	failed := ch.failed
	ch.mu.Unlock()
	if failed {
		return nil
	}
	for _, data := range batch {
		if _, err := ch.raw.Write(data); err != nil {
			return err
		}
	}
	return nil
}

func (ch *Channel) RequestPty(opts remote.PtyOptions, onConfirm func(remote.Channel, bool)) {
	ch.mu.Lock()
	failed := ch.failed
	ch.mu.Unlock()
	if failed {
		if onConfirm != nil {
			onConfirm(ch, false)
		}
		return
	}
	term := opts.Term
	if term == "" {
		term = "xterm"
	}
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	msg := ptyReqMsg{
		Term:     term,
		Columns:  uint32(cols),
		Rows:     uint32(rows),
		Modelist: string([]byte{0}),
	}
	ok, err := ch.raw.SendRequest("pty-req", true, ssh.Marshal(&msg))
	if onConfirm != nil {
		onConfirm(ch, ok && err == nil)
	}
}

func (ch *Channel) Close() {
	ch.mu.Lock()
	failed := ch.failed
	ch.mu.Unlock()
	if !failed {
		ch.raw.Close()
	}
	ch.mu.Lock()
	ch.active = false
	ch.mu.Unlock()
}

func (ch *Channel) Active() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.active
}

func (ch *Channel) OnData(fn func(remote.Channel, []byte)) {
	ch.mu.Lock()
	ch.onData = fn
	ch.mu.Unlock()
}

func (ch *Channel) OnExtendedData(fn func(remote.Channel, int, []byte)) {
	ch.mu.Lock()
	ch.onExtended = fn
	ch.mu.Unlock()
}

func (ch *Channel) OnRequest(name string, fn func(remote.Channel, []byte)) {
	ch.mu.Lock()
	if ch.onRequests == nil {
		ch.onRequests = make(map[string]func(remote.Channel, []byte))
	}
	ch.onRequests[name] = fn
	ch.mu.Unlock()
}

func (ch *Channel) OnExit(fn func(remote.Channel, int)) {
	ch.mu.Lock()
	ch.onExit = fn
	ch.mu.Unlock()
}

func (ch *Channel) OnClose(fn func(remote.Channel)) {
	ch.mu.Lock()
	ch.onClose = fn
	ch.mu.Unlock()
}

func (ch *Channel) OnEOF(fn func(remote.Channel)) {
	ch.mu.Lock()
	ch.onEOF = fn
	ch.mu.Unlock()
}

func (ch *Channel) Properties() *remote.Properties { return ch.props }

var _ remote.Channel = (*Channel)(nil)
