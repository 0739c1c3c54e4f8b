package loop

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"armada/remote"
)

func connsFunc(conns ...*remote.FakeConn) func() []remote.Conn {
	return func() []remote.Conn {
		out := make([]remote.Conn, len(conns))
		for i, conn := range conns {
			out[i] = conn
		}
		return out
	}
}

func TestRunUntilDeliversQueuedEvents(t *testing.T) {
	conn := remote.NewFakeConn("a.example.com")
	ch := conn.OpenChannel("session", nil, nil).(*remote.FakeChannel)

	var got []byte
	ch.OnData(func(c remote.Channel, data []byte) { got = data })
	ch.QueueData([]byte("ready"))
	ch.QueueClose()

	l := New(Options{Conns: connsFunc(conn)})
	if err := l.RunUntil(BusyPredicate(connsFunc(conn))); err != nil {
		t.Fatalf("RunUntil: %v", err)
	}

	if string(got) != "ready" {
		t.Fatalf("expected delivered data, got %q", got)
	}
	if ch.Active() {
		t.Fatal("expected the queued close delivered")
	}
}

func TestRunUntilStopsWhenNothingBusy(t *testing.T) {
	conn := remote.NewFakeConn("a.example.com")

	l := New(Options{Conns: connsFunc(conn)})
	done := make(chan error, 1)
	go func() { done <- l.RunUntil(BusyPredicate(connsFunc(conn))) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunUntil: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("loop did not stop with nothing busy")
	}
}

func TestPredicateRunsBeforeConnectionsAreTouched(t *testing.T) {
	conn := remote.NewFakeConn("a.example.com")
	l := New(Options{Conns: connsFunc(conn)})

	again, err := l.RunOnce(func() bool { return false }, Unbounded)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if again {
		t.Fatal("expected the loop to stop on a false predicate")
	}
	if conn.Preprocessed() != 0 {
		t.Fatal("a false predicate must stop before preprocess")
	}
}

func TestPreprocessErrorStopsIteration(t *testing.T) {
	conn := remote.NewFakeConn("a.example.com")
	conn.PreprocessErr = errors.New("flush failed")
	conn.OpenChannel("session", nil, nil)

	l := New(Options{Conns: connsFunc(conn)})
	_, err := l.RunOnce(nil, 0)
	if err == nil || err.Error() != "flush failed" {
		t.Fatalf("expected the preprocess error, got %v", err)
	}
}

func TestReconcileRunsFirstEachIteration(t *testing.T) {
	var reconciles atomic.Int64
	l := New(Options{
		Reconcile: func() { reconciles.Add(1) },
	})

	if _, err := l.RunOnce(nil, 0); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if reconciles.Load() != 1 {
		t.Fatalf("expected one reconcile pass, got %d", reconciles.Load())
	}
}

func TestDegenerateUnboundedWaitStops(t *testing.T) {
	l := New(Options{})

	again, err := l.RunOnce(nil, Unbounded)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if again {
		t.Fatal("nothing to watch and unbounded timeout must stop the loop")
	}
}

func TestEstablishingForcesZeroTimeout(t *testing.T) {
	conn := remote.NewFakeConn("a.example.com")
	conn.OpenChannel("session", nil, nil)

	l := New(Options{
		Conns:        connsFunc(conn),
		Establishing: func() bool { return true },
	})

	done := make(chan struct{})
	go func() {
		// An unbounded wait would block forever with nothing queued; the
		// establishing flag must turn it into a poll.
		l.RunOnce(nil, Unbounded)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("iteration blocked despite an in-flight establishment")
	}
}

func TestWriterHandlesObserved(t *testing.T) {
	conn := remote.NewFakeConn("a.example.com")
	conn.OpenChannel("session", nil, nil)
	conn.QueueOutbound(5)

	l := New(Options{Conns: connsFunc(conn)})
	if _, err := l.RunOnce(nil, 0); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	// Preprocess flushes the outbound queue.
	if conn.Flushes() != 1 {
		t.Fatalf("expected one flush, got %d", conn.Flushes())
	}
}

func TestReadinessDoesNotLeakAcrossConnections(t *testing.T) {
	a := remote.NewFakeConn("a.example.com")
	chA := a.OpenChannel("session", nil, nil).(*remote.FakeChannel)
	b := remote.NewFakeConn("b.example.com")
	chB := b.OpenChannel("session", nil, nil).(*remote.FakeChannel)

	var deliveredA, deliveredB bool
	chA.OnData(func(remote.Channel, []byte) { deliveredA = true })
	chB.OnData(func(remote.Channel, []byte) { deliveredB = true })
	chA.QueueData([]byte("x"))

	l := New(Options{Conns: connsFunc(a, b)})
	if _, err := l.RunOnce(nil, 0); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if !deliveredA {
		t.Fatal("expected a's delivery")
	}
	if deliveredB {
		t.Fatal("b had nothing queued and must not observe a's readiness")
	}
}
