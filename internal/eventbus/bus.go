// Package eventbus fans agent events out to per-task subscriber sets. No
// history, no replay: a late subscriber sees only future events.
package eventbus

import (
	"log"
	"os"
	"sync"
)

// Event types on the bus.
const (
	TypeOutput   = "output"
	TypeComplete = "complete"
	TypeError    = "error"
)

// SubscriberBuffer is the per-subscriber channel capacity. A subscriber whose
// channel is full loses the event; the publisher never blocks.
const SubscriberBuffer = 64

// Event is one agent event delivered to subscribers.
type Event struct {
	Type      string
	Kind      string // output: stdout, stderr, stdin, system
	Content   string
	Timestamp string
	ExitCode  int
	Signal    string
	Status    string
	Message   string
}

type topic struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
}

// Bus is the process-wide broadcast hub, keyed per task.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
	logger *log.Logger
}

// New creates an empty Bus.
func New(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.New(os.Stderr, "[veritas-bus] ", log.LstdFlags)
	}
	return &Bus{topics: make(map[string]*topic), logger: logger}
}

func (b *Bus) topicFor(taskID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	tp, ok := b.topics[taskID]
	if !ok {
		tp = &topic{subs: make(map[uint64]chan Event)}
		b.topics[taskID] = tp
	}
	return tp
}

// Subscribe registers a new subscriber for a task and returns its channel and
// a cancel function. Cancel closes the channel and is safe to call twice.
func (b *Bus) Subscribe(taskID string) (<-chan Event, func()) {
	tp := b.topicFor(taskID)
	tp.mu.Lock()
	defer tp.mu.Unlock()
	ch := make(chan Event, SubscriberBuffer)
	id := tp.nextID
	tp.nextID++
	tp.subs[id] = ch
	cancel := func() {
		tp.mu.Lock()
		defer tp.mu.Unlock()
		if _, ok := tp.subs[id]; ok {
			delete(tp.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every current subscriber of the task. A full
// subscriber drops the event; other subscribers are unaffected.
func (b *Bus) Publish(taskID string, ev Event) {
	b.mu.Lock()
	tp, ok := b.topics[taskID]
	b.mu.Unlock()
	if !ok {
		return
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()
	for _, ch := range tp.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Printf("slow subscriber for task %s, dropping %s event", taskID, ev.Type)
		}
	}
}

// SubscriberCount reports the current number of subscribers for a task.
func (b *Bus) SubscriberCount(taskID string) int {
	b.mu.Lock()
	tp, ok := b.topics[taskID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return len(tp.subs)
}
