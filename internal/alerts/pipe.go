// Package alerts turns failed telemetry events into notifications. The Pipe
// hangs off the telemetry store as an emit-time tap, deduplicates per task
// within a window, and hands the shaped payload to a Notifier sink.
package alerts

import (
	"context"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/obadiaha/veritas-kanban/internal/board"
	"github.com/obadiaha/veritas-kanban/internal/telemetry"
)

// DefaultWindow is the per-task deduplication window.
const DefaultWindow = 5 * time.Minute

// maxErrorLen caps the error excerpt in a notification message.
const maxErrorLen = 200

// The dedup map is swept once it grows past this many entries.
const dedupSweepThreshold = 100

// TypeAgentFailure is the notification type the pipe produces.
const TypeAgentFailure = "agent_failure"

// Notification is one alert record.
type Notification struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	TaskID    string `json:"taskId"`
	TaskTitle string `json:"taskTitle,omitempty"`
	Project   string `json:"project,omitempty"`
	Agent     string `json:"agent,omitempty"`
}

// Notifier delivers notifications. CreateNotification is the durable sink;
// PostWebhook is best-effort fan-out to an external receiver.
type Notifier interface {
	CreateNotification(n Notification) error
	PostWebhook(url string, payload any) error
}

// Config controls the pipe.
type Config struct {
	OnAgentFailure bool
	WebhookURL     string
	Window         time.Duration // 0 means DefaultWindow
}

// Pipe watches the telemetry stream for failures.
type Pipe struct {
	cfg      Config
	tasks    board.Store
	notifier Notifier
	logger   *log.Logger
	now      func() time.Time

	mu        sync.Mutex
	lastAlert map[string]time.Time
}

// NewPipe creates a failure-alert pipe over the task store and sink.
func NewPipe(cfg Config, tasks board.Store, notifier Notifier) *Pipe {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Pipe{
		cfg:       cfg,
		tasks:     tasks,
		notifier:  notifier,
		logger:    log.New(os.Stderr, "[veritas-alerts] ", log.LstdFlags),
		now:       time.Now,
		lastAlert: map[string]time.Time{},
	}
}

// Register hooks the pipe into the store's emit path.
func (p *Pipe) Register(ts *telemetry.Store) {
	ts.Tap(p.Handle)
}

// Handle inspects one emitted event. It runs synchronously on the emit path,
// so everything here is quick and nothing propagates an error.
func (p *Pipe) Handle(ev telemetry.Event) {
	if !p.cfg.OnAgentFailure || !ev.Failed() {
		return
	}
	if !p.shouldAlert(ev.TaskID) {
		return
	}

	n := Notification{
		ID:        NewNotificationID(),
		Timestamp: telemetry.FormatTime(p.now()),
		Type:      TypeAgentFailure,
		Title:     "Agent failure",
		TaskID:    ev.TaskID,
		Project:   ev.Project,
		Agent:     ev.Agent,
	}
	n.TaskTitle = p.taskTitle(ev.TaskID)
	n.Message = p.message(ev, n.TaskTitle)
	if err := p.notifier.CreateNotification(n); err != nil {
		p.logger.Printf("notification for task %s failed: %v", ev.TaskID, err)
	}
	if p.cfg.WebhookURL != "" {
		if err := p.notifier.PostWebhook(p.cfg.WebhookURL, n); err != nil {
			p.logger.Printf("webhook for task %s failed: %v", ev.TaskID, err)
		}
	}
}

// shouldAlert applies the per-task dedup window and records the alert time.
func (p *Pipe) shouldAlert(taskID string) bool {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.lastAlert[taskID]; ok && now.Sub(last) < p.cfg.Window {
		return false
	}
	p.lastAlert[taskID] = now
	if len(p.lastAlert) > dedupSweepThreshold {
		for id, t := range p.lastAlert {
			if now.Sub(t) >= p.cfg.Window {
				delete(p.lastAlert, id)
			}
		}
	}
	return true
}

// taskTitle resolves the task's title, empty when the task is unknown.
func (p *Pipe) taskTitle(taskID string) string {
	task, err := p.tasks.Get(context.Background(), taskID)
	if err != nil {
		return ""
	}
	return task.Title
}

// message shapes "agent failed on <title>: <error>", falling back to the
// task id when the task cannot be resolved.
func (p *Pipe) message(ev telemetry.Event, taskTitle string) string {
	title := taskTitle
	if title == "" {
		title = ev.TaskID
	}
	var b strings.Builder
	b.WriteString(ev.Agent)
	b.WriteString(" failed on ")
	b.WriteString(title)
	if msg := truncateError(ev.Error); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	return b.String()
}

// truncateError caps the excerpt at maxErrorLen runes so multi-byte text is
// never cut mid-character.
func truncateError(msg string) string {
	r := []rune(msg)
	if len(r) <= maxErrorLen {
		return msg
	}
	return string(r[:maxErrorLen]) + "…"
}

// NewNotificationID returns "ntf_" plus 12 random lowercase characters drawn
// from ULID entropy.
func NewNotificationID() string {
	id := strings.ToLower(ulid.Make().String())
	return "ntf_" + id[len(id)-12:]
}
