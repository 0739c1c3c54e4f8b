package channel

import (
	"sync"

	"armada/remote"
)

// opKind closes over every channel operation a Deferred can record. Replay
// dispatches on it; there is no open-ended interception.
type opKind int

const (
	opExec opKind = iota
	opSendData
	opRequestPty
	opClose
	opOnData
	opOnExtendedData
	opOnRequest
	opOnExit
	opOnClose
	opOnEOF
)

type recordedOp struct {
	kind    opKind
	command string
	data    []byte
	pty     remote.PtyOptions
	name    string

	confirmFn func(remote.Channel, bool)
	dataFn    func(remote.Channel, []byte)
	extFn     func(remote.Channel, int, []byte)
	payloadFn func(remote.Channel, []byte)
	exitFn    func(remote.Channel, int)
	chanFn    func(remote.Channel)
}

// Deferred is a channel-shaped recorder usable before its real channel
// exists. Every operation invoked while undelegated is appended to an
// ordered log; DelegateTo replays the log against the real channel exactly
// once, in order, and forwards everything afterwards.
type Deferred struct {
	mu        sync.Mutex
	ops       []recordedOp
	props     *remote.Properties
	target    remote.Channel
	delegated bool
	abandoned bool
}

func NewDeferred() *Deferred {
	return &Deferred{props: remote.NewProperties()}
}

// DelegateTo replays the recording against target and switches to
// forwarding. The transition is one-way and one-time; a second call is a
// programming error.
func (d *Deferred) DelegateTo(target remote.Channel) {
	d.mu.Lock()
	if d.abandoned {
		d.mu.Unlock()
		return
	}
	if d.delegated {
		d.mu.Unlock()
		panic("deferred channel delegated twice")
	}
	d.delegated = true
	d.target = target
	ops := d.ops
	d.ops = nil
	snapshot := d.props.Snapshot()
	d.mu.Unlock()

	for key, value := range snapshot {
		target.Properties().Set(key, value)
	}
	for _, op := range ops {
		replay(target, op)
	}
}

func replay(target remote.Channel, op recordedOp) {
	switch op.kind {
	case opExec:
		target.Exec(op.command, op.confirmFn)
	case opSendData:
		target.SendData(op.data)
	case opRequestPty:
		target.RequestPty(op.pty, op.confirmFn)
	case opClose:
		target.Close()
	case opOnData:
		target.OnData(op.dataFn)
	case opOnExtendedData:
		target.OnExtendedData(op.extFn)
	case opOnRequest:
		target.OnRequest(op.name, op.payloadFn)
	case opOnExit:
		target.OnExit(op.exitFn)
	case opOnClose:
		target.OnClose(op.chanFn)
	case opOnEOF:
		target.OnEOF(op.chanFn)
	}
}

// Abandon drops the recording: the server this channel was destined for
// failed to connect, so the channel goes permanently inactive and every
// later operation is a no-op.
func (d *Deferred) Abandon() {
	d.mu.Lock()
	d.abandoned = true
	d.ops = nil
	d.mu.Unlock()
}

// record appends op, or reports the delegate to forward to instead. Both
// results are nil/false for an abandoned channel.
func (d *Deferred) record(op recordedOp) (remote.Channel, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.abandoned {
		return nil, true
	}
	if d.delegated {
		return d.target, false
	}
	d.ops = append(d.ops, op)
	return nil, true
}

func (d *Deferred) Exec(command string, onConfirm func(remote.Channel, bool)) {
	if target, recorded := d.record(recordedOp{kind: opExec, command: command, confirmFn: onConfirm}); !recorded {
		target.Exec(command, onConfirm)
	}
}

func (d *Deferred) SendData(data []byte) {
	copied := make([]byte, len(data))
	copy(copied, data)
	if target, recorded := d.record(recordedOp{kind: opSendData, data: copied}); !recorded {
		target.SendData(copied)
	}
}

func (d *Deferred) RequestPty(opts remote.PtyOptions, onConfirm func(remote.Channel, bool)) {
	if target, recorded := d.record(recordedOp{kind: opRequestPty, pty: opts, confirmFn: onConfirm}); !recorded {
		target.RequestPty(opts, onConfirm)
	}
}

func (d *Deferred) Close() {
	if target, recorded := d.record(recordedOp{kind: opClose}); !recorded {
		target.Close()
	}
}

// Active is true while undelegated: the caller holds an open handle whose
// work has not run yet, so the aggregate must keep waiting for it.
func (d *Deferred) Active() bool {
	d.mu.Lock()
	target, delegated, abandoned := d.target, d.delegated, d.abandoned
	d.mu.Unlock()
	if abandoned {
		return false
	}
	if !delegated {
		return true
	}
	return target.Active()
}

func (d *Deferred) OnData(fn func(remote.Channel, []byte)) {
	if target, recorded := d.record(recordedOp{kind: opOnData, dataFn: fn}); !recorded {
		target.OnData(fn)
	}
}

func (d *Deferred) OnExtendedData(fn func(remote.Channel, int, []byte)) {
	if target, recorded := d.record(recordedOp{kind: opOnExtendedData, extFn: fn}); !recorded {
		target.OnExtendedData(fn)
	}
}

func (d *Deferred) OnRequest(name string, fn func(remote.Channel, []byte)) {
	if target, recorded := d.record(recordedOp{kind: opOnRequest, name: name, payloadFn: fn}); !recorded {
		target.OnRequest(name, fn)
	}
}

func (d *Deferred) OnExit(fn func(remote.Channel, int)) {
	if target, recorded := d.record(recordedOp{kind: opOnExit, exitFn: fn}); !recorded {
		target.OnExit(fn)
	}
}

func (d *Deferred) OnClose(fn func(remote.Channel)) {
	if target, recorded := d.record(recordedOp{kind: opOnClose, chanFn: fn}); !recorded {
		target.OnClose(fn)
	}
}

func (d *Deferred) OnEOF(fn func(remote.Channel)) {
	if target, recorded := d.record(recordedOp{kind: opOnEOF, chanFn: fn}); !recorded {
		target.OnEOF(fn)
	}
}

// Properties returns the deferred bag until delegation, the real channel's
// bag after; recorded entries are copied over during DelegateTo.
func (d *Deferred) Properties() *remote.Properties {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.delegated {
		return d.target.Properties()
	}
	return d.props
}

// Delegated reports whether the one-way transition already happened.
func (d *Deferred) Delegated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delegated
}

var _ remote.Channel = (*Deferred)(nil)
