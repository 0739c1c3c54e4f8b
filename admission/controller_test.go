package admission

import (
	"errors"
	"testing"
	"time"

	"armada/registry"
	"armada/remote"
)

func testController(t *testing.T, gateway remote.Gateway, opts Options) (*Controller, *registry.Registry) {
	t.Helper()
	opts.GatewayFor = func(*registry.Server) remote.Gateway { return gateway }
	return NewController(opts), registry.New()
}

func TestAcquireEstablishesSynchronouslyWithoutLimit(t *testing.T) {
	gateway := remote.NewFakeGateway()
	c, r := testController(t, gateway, Options{})
	server := r.Register("a.example.com", "deploy", nil)

	conn, err := c.Acquire(server, false)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if conn == nil {
		t.Fatal("expected a connection")
	}
	if server.Conn() != conn {
		t.Fatal("expected the session slot to hold the connection")
	}
	if got := gateway.Established(); len(got) != 1 || got[0] != "a.example.com" {
		t.Fatalf("unexpected establishments %v", got)
	}
	if c.OpenCount() != 1 {
		t.Fatalf("expected open count 1, got %d", c.OpenCount())
	}
}

func TestAcquireReturnsCachedConnection(t *testing.T) {
	gateway := remote.NewFakeGateway()
	c, r := testController(t, gateway, Options{})
	server := r.Register("a.example.com", "deploy", nil)

	first, _ := c.Acquire(server, false)
	second, _ := c.Acquire(server, false)
	if first != second {
		t.Fatal("expected the cached connection on re-acquire")
	}
	if len(gateway.Established()) != 1 {
		t.Fatal("expected only one establishment")
	}
}

func TestAcquireSkipsFailedServer(t *testing.T) {
	gateway := remote.NewFakeGateway()
	c, r := testController(t, gateway, Options{})
	server := r.Register("a.example.com", "deploy", nil)
	server.MarkFailed()

	conn, err := c.Acquire(server, false)
	if err != nil || conn != nil {
		t.Fatalf("expected nil, nil for a failed server, got %v, %v", conn, err)
	}
	if len(gateway.Established()) != 0 {
		t.Fatal("a failed server must never be dialed")
	}
}

func TestAcquireQueuesPastLimit(t *testing.T) {
	gateway := remote.NewFakeGateway()
	c, r := testController(t, gateway, Options{Limit: 1})
	a := r.Register("a.example.com", "deploy", nil)
	b := r.Register("b.example.com", "deploy", nil)

	connA, err := c.Acquire(a, false)
	if err != nil || connA == nil {
		t.Fatalf("Acquire a: %v, %v", connA, err)
	}
	connB, err := c.Acquire(b, false)
	if err != nil {
		t.Fatalf("Acquire b: %v", err)
	}
	pending, ok := connB.(*PendingConn)
	if !ok {
		t.Fatalf("expected a pending placeholder, got %T", connB)
	}
	if !pending.Busy(false) {
		t.Fatal("a pending placeholder must report busy")
	}
	if c.PendingCount() != 1 {
		t.Fatalf("expected 1 queued, got %d", c.PendingCount())
	}
	if len(gateway.Established()) != 1 {
		t.Fatal("the deferred server must not be dialed yet")
	}

	// Re-acquiring the queued server returns the same placeholder.
	again, _ := c.Acquire(b, false)
	if again != connB {
		t.Fatal("expected the existing placeholder")
	}
}

func TestForcedAcquireBypassesLimit(t *testing.T) {
	gateway := remote.NewFakeGateway()
	c, r := testController(t, gateway, Options{Limit: 1})
	a := r.Register("a.example.com", "deploy", nil)
	b := r.Register("b.example.com", "deploy", nil)

	if _, err := c.Acquire(a, false); err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	conn, err := c.Acquire(b, true)
	if err != nil {
		t.Fatalf("forced Acquire: %v", err)
	}
	if _, ok := conn.(*PendingConn); ok {
		t.Fatal("forced acquire must not defer")
	}
}

func TestReconcileRealizesOldestFirst(t *testing.T) {
	gateway := remote.NewFakeGateway()
	c, r := testController(t, gateway, Options{Limit: 1})
	a := r.Register("a.example.com", "deploy", nil)
	b := r.Register("b.example.com", "deploy", nil)
	d := r.Register("d.example.com", "deploy", nil)

	if _, err := c.Acquire(a, false); err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	pendingB, _ := c.Acquire(b, false)
	if _, err := c.Acquire(d, false); err != nil {
		t.Fatalf("Acquire d: %v", err)
	}

	// A recorded exec on the deferred server replays on realization.
	chB := pendingB.OpenChannel("session", nil, nil)
	chB.Exec("uptime", nil)

	// a is idle, so the reconcile pass frees its slot and realizes b.
	c.ReconcilePending(r.Servers())
	c.Wait()

	if a.Conn() != nil {
		t.Fatal("expected the idle connection to be released")
	}
	established := gateway.Established()
	if len(established) != 2 || established[1] != "b.example.com" {
		t.Fatalf("expected b realized before d, got %v", established)
	}
	if b.Conn() == nil {
		t.Fatal("expected b's session slot to be set")
	}
	realChannels := gateway.Conns()[1].Channels()
	if len(realChannels) != 1 {
		t.Fatalf("expected the recorded open-channel to replay, got %d", len(realChannels))
	}
	if execs := realChannels[0].Execs(); len(execs) != 1 || execs[0] != "uptime" {
		t.Fatalf("expected the recorded exec to replay, got %v", execs)
	}
	if c.PendingCount() != 1 {
		t.Fatalf("expected d still queued, got %d", c.PendingCount())
	}
}

func TestLimitNeverExceeded(t *testing.T) {
	gateway := remote.NewFakeGateway()
	const limit = 2
	c, r := testController(t, gateway, Options{Limit: limit})

	var servers []*registry.Server
	for _, host := range []string{"a", "b", "c", "d", "e"} {
		servers = append(servers, r.Register(host+".example.com", "deploy", nil))
	}
	for _, server := range servers {
		if _, err := c.Acquire(server, false); err != nil {
			t.Fatalf("Acquire %s: %v", server.Host, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.PendingCount() > 0 || c.InFlight() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("pendings never drained: %d queued, %d in flight", c.PendingCount(), c.InFlight())
		}
		if c.OpenCount() > limit {
			t.Fatalf("open count %d exceeded limit %d", c.OpenCount(), limit)
		}
		c.ReconcilePending(r.Servers())
		c.Wait()
	}
	if len(gateway.Established()) != 5 {
		t.Fatalf("expected all 5 servers established eventually, got %v", gateway.Established())
	}
}

func TestReleaseTransfersSlotToQueuedPending(t *testing.T) {
	gateway := remote.NewFakeGateway()
	c, r := testController(t, gateway, Options{Limit: 1})
	a := r.Register("a.example.com", "deploy", nil)
	b := r.Register("b.example.com", "deploy", nil)

	if _, err := c.Acquire(a, false); err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	pending, _ := c.Acquire(b, false)

	// Releasing the deferred server drops its placeholder without freeing
	// the slot a holds.
	c.Release(b)
	if c.PendingCount() != 0 {
		t.Fatalf("expected the queue to empty, got %d", c.PendingCount())
	}
	if c.OpenCount() != 1 {
		t.Fatalf("expected a's slot unaffected, got %d", c.OpenCount())
	}
	if pending.(*PendingConn).Busy(false) {
		t.Fatal("a dropped placeholder must stop reporting busy")
	}
}

func TestConnectionFailurePolicyFail(t *testing.T) {
	gateway := remote.NewFakeGateway()
	gateway.FailWith["a.example.com"] = errors.New("boom")
	c, r := testController(t, gateway, Options{})
	server := r.Register("a.example.com", "deploy", nil)

	_, err := c.Acquire(server, false)
	if err == nil {
		t.Fatal("expected the connect error to propagate")
	}
	var connectErr *remote.ConnectError
	if !errors.As(err, &connectErr) || connectErr.Host != "a.example.com" {
		t.Fatalf("expected a host-annotated ConnectError, got %v", err)
	}
	if !server.Failed() {
		t.Fatal("expected the server marked failed")
	}
	if c.OpenCount() != 0 {
		t.Fatalf("expected the slot freed, got %d", c.OpenCount())
	}
}

func TestConnectionFailurePolicyIgnore(t *testing.T) {
	gateway := remote.NewFakeGateway()
	gateway.FailWith["a.example.com"] = errors.New("boom")
	c, r := testController(t, gateway, Options{Policy: PolicyIgnore})
	server := r.Register("a.example.com", "deploy", nil)

	conn, err := c.Acquire(server, false)
	if err != nil || conn != nil {
		t.Fatalf("expected nil, nil under ignore, got %v, %v", conn, err)
	}
	if !server.Failed() {
		t.Fatal("expected the server marked failed even when ignored")
	}

	// A later acquire must not silently retry.
	if _, err := c.Acquire(server, false); err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if len(gateway.Established()) != 0 {
		t.Fatal("expected no establishment attempts after the failure")
	}
}

func TestCustomHandlerRetriesOnce(t *testing.T) {
	gateway := remote.NewFakeGateway()
	gateway.FailWith["a.example.com"] = errors.New("flaky")
	var calls int
	handler := func(server *registry.Server, err error) Verdict {
		calls++
		// Clear the fault so the single re-attempt succeeds.
		gateway.FailWith = map[string]error{}
		return VerdictRetry
	}
	c, r := testController(t, gateway, Options{Policy: PolicyCustom, Handler: handler})
	server := r.Register("a.example.com", "deploy", nil)

	conn, err := c.Acquire(server, false)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if conn == nil {
		t.Fatal("expected the retry to succeed")
	}
	if calls != 1 {
		t.Fatalf("expected one handler consultation, got %d", calls)
	}
	if server.Failed() {
		t.Fatal("a successful retry must not mark the server failed")
	}
}

func TestCustomHandlerRetryBudgetIsOne(t *testing.T) {
	gateway := remote.NewFakeGateway()
	gateway.FailWith["a.example.com"] = errors.New("down")
	var calls int
	handler := func(server *registry.Server, err error) Verdict {
		calls++
		return VerdictRetry
	}
	c, r := testController(t, gateway, Options{Policy: PolicyCustom, Handler: handler})
	server := r.Register("a.example.com", "deploy", nil)

	_, err := c.Acquire(server, false)
	if err == nil {
		t.Fatal("expected the error after the retry budget is spent")
	}
	if calls != 2 {
		t.Fatalf("expected handler consulted for attempt and retry outcome, got %d", calls)
	}
	if !server.Failed() {
		t.Fatal("expected the server marked failed after the final failure")
	}
}

func TestCustomHandlerConsultedOncePerFailedAttempt(t *testing.T) {
	gateway := remote.NewFakeGateway()
	gateway.FailWith["a.example.com"] = errors.New("down")
	var calls int
	handler := func(server *registry.Server, err error) Verdict {
		calls++
		return VerdictIgnore
	}
	c, r := testController(t, gateway, Options{Policy: PolicyCustom, Handler: handler})
	server := r.Register("a.example.com", "deploy", nil)

	conn, err := c.Acquire(server, false)
	if err != nil || conn != nil {
		t.Fatalf("expected nil, nil under an ignore verdict, got %v, %v", conn, err)
	}
	if calls != 1 {
		t.Fatalf("expected one handler consultation for one failed attempt, got %d", calls)
	}
	if !server.Failed() {
		t.Fatal("expected the server marked failed")
	}
}

func TestRealizeFailureSurfacesUnderFailPolicy(t *testing.T) {
	gateway := remote.NewFakeGateway()
	c, r := testController(t, gateway, Options{Limit: 1})
	a := r.Register("a.example.com", "deploy", nil)
	b := r.Register("b.example.com", "deploy", nil)

	if _, err := c.Acquire(a, false); err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	if _, err := c.Acquire(b, false); err != nil {
		t.Fatalf("Acquire b: %v", err)
	}

	gateway.FailWith["b.example.com"] = errors.New("unreachable")
	c.ReconcilePending(r.Servers())
	c.Wait()

	err := c.Err()
	if err == nil {
		t.Fatal("expected the deferred connection error parked on the controller")
	}
	var connectErr *remote.ConnectError
	if !errors.As(err, &connectErr) || connectErr.Host != "b.example.com" {
		t.Fatalf("expected a host-annotated ConnectError, got %v", err)
	}
}

func TestReconcileSparesConnWithInvisibleChannel(t *testing.T) {
	gateway := remote.NewFakeGateway()
	c, r := testController(t, gateway, Options{Limit: 1})
	a := r.Register("a.example.com", "deploy", nil)
	b := r.Register("b.example.com", "deploy", nil)

	connA, err := c.Acquire(a, false)
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	housekeeping := connA.OpenChannel("session", nil, nil)
	housekeeping.Properties().Set(remote.PropInvisible, true)

	if _, err := c.Acquire(b, false); err != nil {
		t.Fatalf("Acquire b: %v", err)
	}
	c.ReconcilePending(r.Servers())
	c.Wait()

	if a.Conn() == nil {
		t.Fatal("a session with an invisible channel in flight must not be reaped")
	}
	if c.PendingCount() != 1 {
		t.Fatalf("expected b still deferred, got %d queued", c.PendingCount())
	}
}

func TestRealizeFailureAbandonsPending(t *testing.T) {
	gateway := remote.NewFakeGateway()
	c, r := testController(t, gateway, Options{Limit: 1, Policy: PolicyWarn})
	a := r.Register("a.example.com", "deploy", nil)
	b := r.Register("b.example.com", "deploy", nil)

	if _, err := c.Acquire(a, false); err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	pending, _ := c.Acquire(b, false)
	ch := pending.OpenChannel("session", nil, nil)

	gateway.FailWith["b.example.com"] = errors.New("unreachable")
	c.ReconcilePending(r.Servers())
	c.Wait()

	if !b.Failed() {
		t.Fatal("expected b marked failed")
	}
	if pending.Busy(false) {
		t.Fatal("an abandoned placeholder must stop reporting busy")
	}
	if ch.Active() {
		t.Fatal("channels recorded against an abandoned placeholder must go inactive")
	}
	if len(c.PendingConns()) != 0 {
		t.Fatal("expected no pending placeholders left")
	}
}

func TestPendingConnsIncludesInFlightRealizations(t *testing.T) {
	gateway := remote.NewFakeGateway()
	release := make(chan struct{})
	gateway.OnEstablish = func(host string) {
		if host == "b.example.com" {
			<-release
		}
	}
	c, r := testController(t, gateway, Options{Limit: 1})
	a := r.Register("a.example.com", "deploy", nil)
	b := r.Register("b.example.com", "deploy", nil)

	if _, err := c.Acquire(a, false); err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	if _, err := c.Acquire(b, false); err != nil {
		t.Fatalf("Acquire b: %v", err)
	}

	c.ReconcilePending(r.Servers())

	// While b's establishment is blocked, its placeholder must still be
	// visible to the loop's busy predicate.
	if got := len(c.PendingConns()); got != 1 {
		close(release)
		t.Fatalf("expected the in-flight placeholder visible, got %d", got)
	}
	close(release)
	c.Wait()
	if got := len(c.PendingConns()); got != 0 {
		t.Fatalf("expected no placeholders after realization, got %d", got)
	}
}
