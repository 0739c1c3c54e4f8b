package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Registry counts connection-orchestration activity. All methods are safe
// for concurrent use and tolerate a nil receiver so instrumented code never
// has to guard.
type Registry struct {
	sessionsOpened   atomic.Int64
	sessionsFailed   atomic.Int64
	sessionsReleased atomic.Int64
	pendingQueued    atomic.Int64
	pendingRealized  atomic.Int64
	pendingDepth     atomic.Int64
	remoteRejections atomic.Int64
	loopIterations   atomic.Int64
	eventsPublished  atomic.Int64
	eventsDropped    atomic.Int64
	commands         sync.Map
}

type commandStats struct {
	count         atomic.Int64
	servers       atomic.Int64
	durationNanos atomic.Int64
}

var Default = &Registry{}

func (r *Registry) IncSessionOpened() {
	if r == nil {
		return
	}
	r.sessionsOpened.Add(1)
}

func (r *Registry) IncSessionFailed() {
	if r == nil {
		return
	}
	r.sessionsFailed.Add(1)
}

func (r *Registry) IncSessionReleased() {
	if r == nil {
		return
	}
	r.sessionsReleased.Add(1)
}

func (r *Registry) IncPendingQueued() {
	if r == nil {
		return
	}
	r.pendingQueued.Add(1)
	r.pendingDepth.Add(1)
}

func (r *Registry) IncPendingRealized() {
	if r == nil {
		return
	}
	r.pendingRealized.Add(1)
	r.pendingDepth.Add(-1)
}

func (r *Registry) DecPendingDepth() {
	if r == nil {
		return
	}
	r.pendingDepth.Add(-1)
}

func (r *Registry) IncRemoteRejection() {
	if r == nil {
		return
	}
	r.remoteRejections.Add(1)
}

func (r *Registry) IncLoopIteration() {
	if r == nil {
		return
	}
	r.loopIterations.Add(1)
}

func (r *Registry) IncEventPublished() {
	if r == nil {
		return
	}
	r.eventsPublished.Add(1)
}

func (r *Registry) IncEventDropped() {
	if r == nil {
		return
	}
	r.eventsDropped.Add(1)
}

// RecordCommand records one aggregated command run against a scope.
func (r *Registry) RecordCommand(command string, servers int, duration time.Duration) {
	if r == nil {
		return
	}
	if strings.TrimSpace(command) == "" {
		command = "unknown"
	}
	stats := r.commandStats(command)
	stats.count.Add(1)
	stats.servers.Add(int64(servers))
	stats.durationNanos.Add(duration.Nanoseconds())
}

func (r *Registry) PendingDepth() int64 {
	if r == nil {
		return 0
	}
	return r.pendingDepth.Load()
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeCounter(writer, "armada_sessions_opened_total", "Total transport sessions opened", r.sessionsOpened.Load())
	writeCounter(writer, "armada_sessions_failed_total", "Total transport sessions that failed to establish", r.sessionsFailed.Load())
	writeCounter(writer, "armada_sessions_released_total", "Total transport sessions released", r.sessionsReleased.Load())
	writeCounter(writer, "armada_pending_queued_total", "Total connections deferred by admission control", r.pendingQueued.Load())
	writeCounter(writer, "armada_pending_realized_total", "Total deferred connections realized", r.pendingRealized.Load())
	writeGauge(writer, "armada_pending_depth", "Deferred connections currently queued", r.pendingDepth.Load())
	writeCounter(writer, "armada_remote_rejections_total", "Total commands refused by a remote side", r.remoteRejections.Load())
	writeCounter(writer, "armada_loop_iterations_total", "Total event loop iterations", r.loopIterations.Load())
	writeCounter(writer, "armada_events_published_total", "Total lifecycle events published", r.eventsPublished.Load())
	writeCounter(writer, "armada_events_dropped_total", "Total lifecycle events dropped", r.eventsDropped.Load())

	commandNames := r.commandNames()
	sort.Strings(commandNames)

	writeHelp(writer, "armada_command_duration_seconds", "Aggregated command duration in seconds")
	fmt.Fprintln(writer, "# TYPE armada_command_duration_seconds summary")
	writeHelp(writer, "armada_command_servers_total", "Servers targeted per command")
	fmt.Fprintln(writer, "# TYPE armada_command_servers_total counter")

	for _, name := range commandNames {
		stats := r.commandStats(name)
		label := formatLabel(name)
		durationSeconds := float64(stats.durationNanos.Load()) / float64(time.Second)
		fmt.Fprintf(writer, "armada_command_duration_seconds_sum{command=%s} %.6f\n", label, durationSeconds)
		fmt.Fprintf(writer, "armada_command_duration_seconds_count{command=%s} %d\n", label, stats.count.Load())
		fmt.Fprintf(writer, "armada_command_servers_total{command=%s} %d\n", label, stats.servers.Load())
	}

	return nil
}

func (r *Registry) commandStats(name string) *commandStats {
	value, _ := r.commands.LoadOrStore(name, &commandStats{})
	return value.(*commandStats)
}

func (r *Registry) commandNames() []string {
	if r == nil {
		return nil
	}
	var names []string
	r.commands.Range(func(key, value interface{}) bool {
		if name, ok := key.(string); ok {
			names = append(names, name)
		}
		return true
	})
	return names
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func writeGauge(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s gauge\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
