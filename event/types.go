package event

import "time"

// Event represents a typed event with an occurrence timestamp.
type Event interface {
	Type() string
	Timestamp() time.Time
}

// Lifecycle event types published while a multi-server action runs.
const (
	TypeServerConnected = "server_connected"
	TypeServerFailed    = "server_failed"
	TypeServerReleased  = "server_released"
	TypePendingQueued   = "pending_queued"
	TypePendingRealized = "pending_realized"
	TypeCommandStarted  = "command_started"
	TypeCommandFinished = "command_finished"
)

// ServerEvent captures a connection lifecycle change for one server.
type ServerEvent struct {
	EventType  string
	Host       string
	Err        string
	OccurredAt time.Time
}

func NewServerEvent(eventType, host string) ServerEvent {
	return ServerEvent{
		EventType:  eventType,
		Host:       host,
		OccurredAt: time.Now().UTC(),
	}
}

func NewServerErrorEvent(eventType, host string, err error) ServerEvent {
	e := NewServerEvent(eventType, host)
	if err != nil {
		e.Err = err.Error()
	}
	return e
}

func (e ServerEvent) Type() string {
	return e.EventType
}

func (e ServerEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// CommandEvent captures the start or finish of an aggregated command.
type CommandEvent struct {
	EventType  string
	Command    string
	Servers    int
	OccurredAt time.Time
}

func NewCommandEvent(eventType, command string, servers int) CommandEvent {
	return CommandEvent{
		EventType:  eventType,
		Command:    command,
		Servers:    servers,
		OccurredAt: time.Now().UTC(),
	}
}

func (e CommandEvent) Type() string {
	return e.EventType
}

func (e CommandEvent) Timestamp() time.Time {
	return e.OccurredAt
}
