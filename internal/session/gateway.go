// Package session adapts the raw event bus into the typed subscriber
// interface a transport layer (WebSocket, SSE) consumes.
package session

import (
	"github.com/obadiaha/veritas-kanban/internal/eventbus"
)

// Subscriber event types.
const (
	TypeSubscribed = "subscribed"
	TypeOutput     = "agent:output"
	TypeComplete   = "agent:complete"
	TypeError      = "agent:error"
)

// Event is one typed subscriber event. Fields outside the common pair are
// populated per type.
type Event struct {
	Type   string `json:"type"`
	TaskID string `json:"taskId"`

	// subscribed
	Running bool `json:"running,omitempty"`

	// agent:output
	OutputType string `json:"outputType,omitempty"`
	Content    string `json:"content,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`

	// agent:complete
	ExitCode *int   `json:"exitCode,omitempty"`
	Signal   string `json:"signal,omitempty"`
	Status   string `json:"status,omitempty"`

	// agent:error
	Message string `json:"message,omitempty"`
}

// RunningFunc reports whether a task's agent is currently live. Wire the
// supervisor's Status here.
type RunningFunc func(taskID string) bool

// Gateway bridges bus subscriptions to typed events.
type Gateway struct {
	bus     *eventbus.Bus
	running RunningFunc
}

// NewGateway creates a Gateway. running may be nil, in which case the hello
// always reports not running.
func NewGateway(bus *eventbus.Bus, running RunningFunc) *Gateway {
	return &Gateway{bus: bus, running: running}
}

// Subscribe opens a typed event stream for one task. The returned hello event
// reflects the agent's live state at subscription time; the channel carries
// only events published after this call. Cancel is idempotent and closes the
// channel.
func (g *Gateway) Subscribe(taskID string) (<-chan Event, func(), Event) {
	raw, cancelRaw := g.bus.Subscribe(taskID)

	out := make(chan Event, eventbus.SubscriberBuffer)
	go func() {
		defer close(out)
		for ev := range raw {
			// mirror the bus: a stalled consumer loses events, the
			// translator never blocks
			select {
			case out <- translate(taskID, ev):
			default:
			}
		}
	}()

	hello := Event{Type: TypeSubscribed, TaskID: taskID}
	if g.running != nil {
		hello.Running = g.running(taskID)
	}
	return out, cancelRaw, hello
}

func translate(taskID string, ev eventbus.Event) Event {
	switch ev.Type {
	case eventbus.TypeOutput:
		return Event{
			Type:       TypeOutput,
			TaskID:     taskID,
			OutputType: ev.Kind,
			Content:    ev.Content,
			Timestamp:  ev.Timestamp,
		}
	case eventbus.TypeComplete:
		code := ev.ExitCode
		return Event{
			Type:     TypeComplete,
			TaskID:   taskID,
			ExitCode: &code,
			Signal:   ev.Signal,
			Status:   ev.Status,
		}
	case eventbus.TypeError:
		return Event{Type: TypeError, TaskID: taskID, Message: ev.Message}
	default:
		return Event{Type: ev.Type, TaskID: taskID}
	}
}
