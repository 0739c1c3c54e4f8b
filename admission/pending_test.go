package admission

import (
	"testing"

	"armada/registry"
	"armada/remote"
)

func pendingFixture() (*PendingConn, *registry.Server) {
	r := registry.New()
	server := r.Register("a.example.com", "deploy", nil)
	return newPendingConn(server), server
}

func TestPendingConnSurface(t *testing.T) {
	pending, server := pendingFixture()

	if !pending.Busy(false) || !pending.Busy(true) {
		t.Fatal("a pending placeholder must report busy")
	}
	if err := pending.Preprocess(); err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	if err := pending.Postprocess(nil, nil); err != nil {
		t.Fatalf("Postprocess: %v", err)
	}
	if pending.Listeners() != nil || pending.Writers() != nil {
		t.Fatal("a pending placeholder has no I/O handles")
	}
	if err := pending.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if pending.Properties().Get(remote.PropHost) != "a.example.com" {
		t.Fatal("expected the host in the property bag")
	}
	if pending.Properties().Get(remote.PropServer) != server {
		t.Fatal("expected the server back-reference in the property bag")
	}
}

func TestPendingConnReplaysQueueInOrder(t *testing.T) {
	pending, _ := pendingFixture()

	var results []bool
	pending.SendGlobalRequest("keepalive@openssh.com", nil, func(ok bool, _ []byte) {
		results = append(results, ok)
	})
	ch := pending.OpenChannel("session", nil, nil)
	ch.Exec("uptime", nil)

	target := remote.NewFakeConn("a.example.com")
	pending.delegate(target)

	if got := target.GlobalRequests(); len(got) != 1 || got[0] != "keepalive@openssh.com" {
		t.Fatalf("expected the global request replayed first, got %v", got)
	}
	if len(results) != 1 || !results[0] {
		t.Fatalf("expected the queued result callback to fire, got %v", results)
	}
	channels := target.Channels()
	if len(channels) != 1 {
		t.Fatalf("expected one replayed channel, got %d", len(channels))
	}
	if execs := channels[0].Execs(); len(execs) != 1 || execs[0] != "uptime" {
		t.Fatalf("expected the recorded exec replayed, got %v", execs)
	}
	if !pending.Realized() {
		t.Fatal("expected realized after delegation")
	}
}

func TestPendingConnForwardsAfterRealization(t *testing.T) {
	pending, _ := pendingFixture()
	target := remote.NewFakeConn("a.example.com")
	pending.delegate(target)

	pending.SendGlobalRequest("no-more-sessions@openssh.com", nil, nil)
	if got := target.GlobalRequests(); len(got) != 1 {
		t.Fatalf("expected the request forwarded, got %v", got)
	}

	pending.OpenChannel("session", nil, nil)
	if got := target.Channels(); len(got) != 1 {
		t.Fatalf("expected the open forwarded, got %d", len(got))
	}

	// Busy now defers to the real connection.
	if !pending.Busy(false) {
		t.Fatal("expected busy while the forwarded channel is open")
	}
}

func TestPendingConnDoubleDelegatePanics(t *testing.T) {
	pending, _ := pendingFixture()
	target := remote.NewFakeConn("a.example.com")
	pending.delegate(target)

	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic on double delegation")
		}
	}()
	pending.delegate(target)
}

func TestPendingConnAbandon(t *testing.T) {
	pending, _ := pendingFixture()
	ch := pending.OpenChannel("session", nil, nil)
	pending.abandon()

	if pending.Busy(true) {
		t.Fatal("an abandoned placeholder must not report busy")
	}
	if ch.Active() {
		t.Fatal("channels recorded before the abandon must go inactive")
	}

	// Operations after the abandon are inert.
	late := pending.OpenChannel("session", nil, nil)
	if late.Active() {
		t.Fatal("channels opened after the abandon must be inactive")
	}
	pending.SendGlobalRequest("keepalive@openssh.com", nil, nil)
}
