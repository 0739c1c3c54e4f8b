package admission

import (
	"sync"

	"armada/channel"
	"armada/registry"
	"armada/remote"
)

type pendingOpKind int

const (
	pendingOpenChannel pendingOpKind = iota
	pendingGlobalRequest
)

type pendingOp struct {
	kind     pendingOpKind
	chanKind string
	extra    []byte
	confirm  func(remote.Channel)
	deferred *channel.Deferred

	name     string
	payload  []byte
	onResult func(bool, []byte)
}

// PendingConn stands in for a server whose connection establishment was
// deferred by admission control. It satisfies the full Conn surface so
// calling code cannot tell a deferred server from a connected one: channel
// opens hand back recording Deferred channels, global requests are queued,
// it reports itself permanently busy, and preprocess/postprocess/close are
// no-ops. Once the real session exists, delegate replays the queue in
// recorded order, exactly once.
type PendingConn struct {
	mu        sync.Mutex
	server    *registry.Server
	ops       []pendingOp
	props     *remote.Properties
	realized  bool
	abandoned bool
	target    remote.Conn
}

func newPendingConn(server *registry.Server) *PendingConn {
	p := &PendingConn{server: server, props: remote.NewProperties()}
	p.props.Set(remote.PropServer, server)
	p.props.Set(remote.PropHost, server.Host)
	return p
}

func (p *PendingConn) Server() *registry.Server { return p.server }

// Busy is always true: a deferred server has work by definition. It goes
// false only after realization (deferring to the real session) or after
// the establishment attempt fails and the queue is abandoned.
func (p *PendingConn) Busy(includeInvisible bool) bool {
	p.mu.Lock()
	target, realized, abandoned := p.target, p.realized, p.abandoned
	p.mu.Unlock()
	if abandoned {
		return false
	}
	if realized {
		return target.Busy(includeInvisible)
	}
	return true
}

func (p *PendingConn) Preprocess() error { return nil }

func (p *PendingConn) Postprocess(readers, writers remote.ReadySet) error { return nil }

func (p *PendingConn) Listeners() []remote.Handle { return nil }

func (p *PendingConn) Writers() []remote.Handle { return nil }

func (p *PendingConn) OpenChannel(kind string, extra []byte, onConfirm func(remote.Channel)) remote.Channel {
	p.mu.Lock()
	if p.realized {
		target := p.target
		p.mu.Unlock()
		return target.OpenChannel(kind, extra, onConfirm)
	}
	deferred := channel.NewDeferred()
	deferred.Properties().Set(remote.PropHost, p.server.Host)
	deferred.Properties().Set(remote.PropServer, p.server)
	if p.abandoned {
		p.mu.Unlock()
		deferred.Abandon()
		return deferred
	}
	p.ops = append(p.ops, pendingOp{
		kind:     pendingOpenChannel,
		chanKind: kind,
		extra:    extra,
		confirm:  onConfirm,
		deferred: deferred,
	})
	p.mu.Unlock()
	return deferred
}

func (p *PendingConn) SendGlobalRequest(name string, payload []byte, onResult func(bool, []byte)) {
	p.mu.Lock()
	if p.realized {
		target := p.target
		p.mu.Unlock()
		target.SendGlobalRequest(name, payload, onResult)
		return
	}
	if p.abandoned {
		p.mu.Unlock()
		return
	}
	p.ops = append(p.ops, pendingOp{
		kind:     pendingGlobalRequest,
		name:     name,
		payload:  payload,
		onResult: onResult,
	})
	p.mu.Unlock()
}

func (p *PendingConn) Close() error { return nil }

func (p *PendingConn) Properties() *remote.Properties { return p.props }

// delegate replays every recorded operation, in order, against the real
// connection, then forwards all subsequent calls. One-way and one-time.
func (p *PendingConn) delegate(target remote.Conn) {
	p.mu.Lock()
	if p.realized {
		p.mu.Unlock()
		panic("pending connection delegated twice")
	}
	p.realized = true
	p.target = target
	ops := p.ops
	p.ops = nil
	p.mu.Unlock()

	for _, op := range ops {
		switch op.kind {
		case pendingOpenChannel:
			real := target.OpenChannel(op.chanKind, op.extra, op.confirm)
			op.deferred.DelegateTo(real)
		case pendingGlobalRequest:
			target.SendGlobalRequest(op.name, op.payload, op.onResult)
		}
	}
}

// abandon discards the recorded queue after a failed establishment. Every
// deferred channel handed out so far goes permanently inactive so waiters
// do not block on a server that will never connect.
func (p *PendingConn) abandon() {
	p.mu.Lock()
	p.abandoned = true
	ops := p.ops
	p.ops = nil
	p.mu.Unlock()

	for _, op := range ops {
		if op.kind == pendingOpenChannel {
			op.deferred.Abandon()
		}
	}
}

// Realized reports whether the real session was substituted.
func (p *PendingConn) Realized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.realized
}

var _ remote.Conn = (*PendingConn)(nil)
