package loop

import (
	"reflect"
	"time"

	"armada/metrics"
	"armada/remote"
)

// Unbounded makes the readiness wait block until a handle fires.
const Unbounded time.Duration = -1

const establishSpinPause = time.Millisecond

// Options configures a Loop. Conns must return every open connection,
// pending placeholders included; Reconcile runs the admission pass at the
// top of each iteration; Establishing reports whether any connection setup
// is in flight, which forces a zero readiness timeout so the loop picks the
// new session up promptly.
type Options struct {
	Conns        func() []remote.Conn
	Reconcile    func()
	Establishing func() bool
	// DefaultTimeout bounds each RunUntil iteration's wait. Zero or
	// negative means unbounded.
	DefaultTimeout time.Duration
	Registry       *metrics.Registry
}

// Loop is the single-threaded cooperative driver: reconcile, evaluate the
// controlling predicate, preprocess every connection, wait on the union of
// all readiness handles, then hand each connection its own ready subset.
type Loop struct {
	opts Options
}

func New(opts Options) *Loop {
	if opts.Registry == nil {
		opts.Registry = metrics.Default
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = Unbounded
	}
	return &Loop{opts: opts}
}

// BusyPredicate is the default controlling predicate: keep looping while
// any connection reports busy, invisible channels excluded.
func BusyPredicate(conns func() []remote.Conn) func() bool {
	return func() bool {
		for _, conn := range conns() {
			if conn.Busy(false) {
				return true
			}
		}
		return false
	}
}

// RunOnce executes one iteration. It reports false when the loop should
// stop: the predicate said so, preprocessing or postprocessing failed, or
// an unbounded wait had nothing to watch.
func (l *Loop) RunOnce(predicate func() bool, timeout time.Duration) (bool, error) {
	l.opts.Registry.IncLoopIteration()

	if l.opts.Reconcile != nil {
		l.opts.Reconcile()
	}

	// The predicate runs before any connection is touched.
	if predicate != nil && !predicate() {
		return false, nil
	}

	conns := l.conns()
	for _, conn := range conns {
		if err := conn.Preprocess(); err != nil {
			return false, err
		}
	}

	var readers, writers []remote.Handle
	for _, conn := range conns {
		readers = append(readers, conn.Listeners()...)
		writers = append(writers, conn.Writers()...)
	}

	establishing := l.opts.Establishing != nil && l.opts.Establishing()
	if establishing {
		timeout = 0
	}

	if len(readers)+len(writers) == 0 && timeout < 0 {
		// Nothing to watch and nowhere to get new work from: degenerate.
		return false, nil
	}

	readyReaders, readyWriters, fired := waitReady(readers, writers, timeout)

	if !fired && establishing {
		// Zero-timeout spin while a connection is being set up; yield so
		// the establishment goroutine can make progress.
		time.Sleep(establishSpinPause)
	}

	for _, conn := range conns {
		connReaders := intersect(readyReaders, conn.Listeners())
		connWriters := intersect(readyWriters, conn.Writers())
		if err := conn.Postprocess(connReaders, connWriters); err != nil {
			return false, err
		}
	}
	return true, nil
}

// RunUntil iterates until the predicate goes false or an iteration fails.
// A nil predicate runs exactly one iteration.
func (l *Loop) RunUntil(predicate func() bool) error {
	if predicate == nil {
		_, err := l.RunOnce(nil, l.opts.DefaultTimeout)
		return err
	}
	for {
		again, err := l.RunOnce(predicate, l.opts.DefaultTimeout)
		if err != nil {
			return err
		}
		if !again {
			return nil
		}
	}
}

func (l *Loop) conns() []remote.Conn {
	if l.opts.Conns == nil {
		return nil
	}
	return l.opts.Conns()
}

// waitReady blocks on the union of all handles (bounded by timeout, zero
// means poll, negative means unbounded), then sweeps every handle
// non-blocking so one wakeup collects the full ready set.
func waitReady(readers, writers []remote.Handle, timeout time.Duration) (remote.ReadySet, remote.ReadySet, bool) {
	readyReaders := make(remote.ReadySet)
	readyWriters := make(remote.ReadySet)

	all := make([]remote.Handle, 0, len(readers)+len(writers))
	all = append(all, readers...)
	all = append(all, writers...)

	if len(all) > 0 && timeout != 0 {
		cases := make([]reflect.SelectCase, 0, len(all)+1)
		for _, handle := range all {
			cases = append(cases, reflect.SelectCase{
				Dir:  reflect.SelectRecv,
				Chan: reflect.ValueOf(handle),
			})
		}
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			cases = append(cases, reflect.SelectCase{
				Dir:  reflect.SelectRecv,
				Chan: reflect.ValueOf(timer.C),
			})
		}
		chosen, _, _ := reflect.Select(cases)
		if chosen < len(all) {
			markReady(all[chosen], readers, readyReaders, readyWriters)
		}
	}

	for _, handle := range readers {
		if polled(handle) {
			readyReaders.Add(handle)
		}
	}
	for _, handle := range writers {
		if polled(handle) {
			readyWriters.Add(handle)
		}
	}

	return readyReaders, readyWriters, len(readyReaders)+len(readyWriters) > 0
}

func markReady(handle remote.Handle, readers []remote.Handle, readyReaders, readyWriters remote.ReadySet) {
	for _, reader := range readers {
		if reader == handle {
			readyReaders.Add(handle)
			return
		}
	}
	readyWriters.Add(handle)
}

func polled(handle remote.Handle) bool {
	select {
	case <-handle:
		return true
	default:
		return false
	}
}

func intersect(ready remote.ReadySet, own []remote.Handle) remote.ReadySet {
	subset := make(remote.ReadySet)
	for _, handle := range own {
		if ready.Has(handle) {
			subset.Add(handle)
		}
	}
	return subset
}
