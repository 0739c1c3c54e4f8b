package channel

import (
	"testing"

	"armada/remote"
)

func TestDeferredReplaysInOrder(t *testing.T) {
	conn := remote.NewFakeConn("a.example.com")
	target := conn.OpenChannel("session", nil, nil).(*remote.FakeChannel)

	d := NewDeferred()
	d.Exec("uptime", nil)
	d.SendData([]byte("stdin"))
	d.Close()

	d.DelegateTo(target)

	execs := target.Execs()
	if len(execs) != 1 || execs[0] != "uptime" {
		t.Fatalf("expected exec replay, got %v", execs)
	}
	sent := target.Sent()
	if len(sent) != 1 || string(sent[0]) != "stdin" {
		t.Fatalf("expected data replay, got %v", sent)
	}
	if target.Active() {
		t.Fatal("expected the recorded close to be replayed last")
	}
}

func TestDeferredForwardsAfterDelegation(t *testing.T) {
	conn := remote.NewFakeConn("a.example.com")
	target := conn.OpenChannel("session", nil, nil).(*remote.FakeChannel)

	d := NewDeferred()
	d.DelegateTo(target)
	d.Exec("date", nil)

	execs := target.Execs()
	if len(execs) != 1 || execs[0] != "date" {
		t.Fatalf("expected forwarded exec, got %v", execs)
	}
}

func TestDeferredHandlerReplay(t *testing.T) {
	conn := remote.NewFakeConn("a.example.com")
	target := conn.OpenChannel("session", nil, nil).(*remote.FakeChannel)

	d := NewDeferred()
	var got []byte
	d.OnData(func(ch remote.Channel, data []byte) { got = data })
	d.DelegateTo(target)

	target.QueueData([]byte("hello"))
	readers := make(remote.ReadySet)
	for _, h := range conn.Listeners() {
		readers.Add(h)
	}
	if err := conn.Postprocess(readers, nil); err != nil {
		t.Fatalf("Postprocess: %v", err)
	}

	if string(got) != "hello" {
		t.Fatalf("expected replayed handler to fire, got %q", got)
	}
}

func TestDeferredActiveTracksDelegation(t *testing.T) {
	conn := remote.NewFakeConn("a.example.com")
	target := conn.OpenChannel("session", nil, nil).(*remote.FakeChannel)

	d := NewDeferred()
	if !d.Active() {
		t.Fatal("undelegated deferred channel must report active")
	}
	d.DelegateTo(target)
	if !d.Active() {
		t.Fatal("expected active while the target is open")
	}
	target.Close()
	if d.Active() {
		t.Fatal("expected inactive after the target closed")
	}
}

func TestDeferredDoubleDelegatePanics(t *testing.T) {
	conn := remote.NewFakeConn("a.example.com")
	target := conn.OpenChannel("session", nil, nil).(*remote.FakeChannel)

	d := NewDeferred()
	d.DelegateTo(target)

	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic on double delegation")
		}
	}()
	d.DelegateTo(target)
}

func TestDeferredAbandon(t *testing.T) {
	d := NewDeferred()
	d.Exec("uptime", nil)
	d.Abandon()

	if d.Active() {
		t.Fatal("abandoned deferred channel must be inactive")
	}

	// Late operations and even a late delegation are no-ops.
	d.SendData([]byte("x"))
	conn := remote.NewFakeConn("a.example.com")
	target := conn.OpenChannel("session", nil, nil).(*remote.FakeChannel)
	d.DelegateTo(target)

	if got := target.Execs(); len(got) != 0 {
		t.Fatalf("abandoned recording must not replay, got %v", got)
	}
}

func TestDeferredPropertiesCopyToTarget(t *testing.T) {
	conn := remote.NewFakeConn("a.example.com")
	target := conn.OpenChannel("session", nil, nil).(*remote.FakeChannel)

	d := NewDeferred()
	d.Properties().Set("tag", "canary")
	d.DelegateTo(target)

	if target.Properties().Get("tag") != "canary" {
		t.Fatal("expected recorded properties on the target after delegation")
	}
	if d.Properties().Get("tag") != "canary" {
		t.Fatal("expected property reads to forward after delegation")
	}
}
