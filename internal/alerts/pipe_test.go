package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/obadiaha/veritas-kanban/internal/board"
	"github.com/obadiaha/veritas-kanban/internal/telemetry"
)

type captureNotifier struct {
	mu            sync.Mutex
	notifications []Notification
	webhooks      []string
	failCreate    bool
}

func (c *captureNotifier) CreateNotification(n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failCreate {
		return fmt.Errorf("sink unavailable")
	}
	c.notifications = append(c.notifications, n)
	return nil
}

func (c *captureNotifier) PostWebhook(url string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.webhooks = append(c.webhooks, url)
	return nil
}

func failedEvent(taskID, agent, msg string) telemetry.Event {
	success := false
	return telemetry.Event{
		ID:        telemetry.NewEventID(),
		Timestamp: telemetry.FormatTime(time.Now()),
		Type:      telemetry.TypeRunCompleted,
		TaskID:    taskID,
		Agent:     agent,
		Success:   &success,
		Error:     msg,
	}
}

func newTestPipe(t *testing.T, cfg Config) (*Pipe, *captureNotifier, *board.MemStore) {
	t.Helper()
	store := board.NewMemStore()
	sink := &captureNotifier{}
	p := NewPipe(cfg, store, sink)
	return p, sink, store
}

func TestDedupWindow(t *testing.T) {
	p, sink, _ := newTestPipe(t, Config{OnAgentFailure: true})
	base := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	clock := base
	p.now = func() time.Time { return clock }

	p.Handle(failedEvent("task-1", "claude-code", "boom"))
	p.Handle(failedEvent("task-1", "claude-code", "boom again"))
	if len(sink.notifications) != 1 {
		t.Fatalf("notifications within window = %d, want 1", len(sink.notifications))
	}

	// a different task alerts independently
	p.Handle(failedEvent("task-2", "amp", "crash"))
	if len(sink.notifications) != 2 {
		t.Fatalf("notifications after second task = %d, want 2", len(sink.notifications))
	}

	// past the window the same task alerts again
	clock = base.Add(DefaultWindow)
	p.Handle(failedEvent("task-1", "claude-code", "boom 3"))
	if len(sink.notifications) != 3 {
		t.Fatalf("notifications after window = %d, want 3", len(sink.notifications))
	}
}

func TestDisabledAndNonFailures(t *testing.T) {
	p, sink, _ := newTestPipe(t, Config{OnAgentFailure: false})
	p.Handle(failedEvent("task-1", "claude-code", "boom"))
	if len(sink.notifications) != 0 {
		t.Fatalf("disabled pipe produced %d notifications", len(sink.notifications))
	}

	p, sink, _ = newTestPipe(t, Config{OnAgentFailure: true})
	ok := true
	p.Handle(telemetry.Event{Type: telemetry.TypeRunCompleted, TaskID: "task-1", Success: &ok})
	p.Handle(telemetry.Event{Type: telemetry.TypeRunStarted, TaskID: "task-1"})
	if len(sink.notifications) != 0 {
		t.Fatalf("non-failures produced %d notifications", len(sink.notifications))
	}
}

func TestMessageUsesTaskTitle(t *testing.T) {
	p, sink, store := newTestPipe(t, Config{OnAgentFailure: true})
	if err := store.Create(context.Background(), board.Task{ID: "task-1", Title: "Fix login flow"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	p.Handle(failedEvent("task-1", "claude-code", "exit status 1"))
	p.Handle(failedEvent("task-404", "amp", "gone"))
	if len(sink.notifications) != 2 {
		t.Fatalf("notifications = %d, want 2", len(sink.notifications))
	}
	if got := sink.notifications[0].Message; got != "claude-code failed on Fix login flow: exit status 1" {
		t.Fatalf("message = %q", got)
	}
	if sink.notifications[0].Type != TypeAgentFailure || sink.notifications[0].TaskTitle != "Fix login flow" {
		t.Fatalf("notification = %+v", sink.notifications[0])
	}
	// unknown task falls back to the id
	if got := sink.notifications[1].Message; !strings.Contains(got, "task-404") {
		t.Fatalf("fallback message = %q", got)
	}
	if !strings.HasPrefix(sink.notifications[0].ID, "ntf_") {
		t.Fatalf("notification id = %q", sink.notifications[0].ID)
	}
}

func TestErrorTruncation(t *testing.T) {
	p, sink, _ := newTestPipe(t, Config{OnAgentFailure: true})
	long := strings.Repeat("x", 500)
	p.Handle(failedEvent("task-1", "claude-code", long))
	if len(sink.notifications) != 1 {
		t.Fatalf("notifications = %d, want 1", len(sink.notifications))
	}
	msg := sink.notifications[0].Message
	if !strings.HasSuffix(msg, "…") {
		t.Fatalf("truncated message missing ellipsis: %q", msg[len(msg)-20:])
	}
	if strings.Count(msg, "x") != maxErrorLen {
		t.Fatalf("excerpt length = %d, want %d", strings.Count(msg, "x"), maxErrorLen)
	}
}

func TestErrorTruncationKeepsRunesIntact(t *testing.T) {
	p, sink, _ := newTestPipe(t, Config{OnAgentFailure: true})
	long := strings.Repeat("界", 300)
	p.Handle(failedEvent("task-1", "claude-code", long))
	if len(sink.notifications) != 1 {
		t.Fatalf("notifications = %d, want 1", len(sink.notifications))
	}
	msg := sink.notifications[0].Message
	if !utf8.ValidString(msg) {
		t.Fatalf("truncation produced invalid UTF-8: %q", msg)
	}
	if !strings.HasSuffix(msg, "…") {
		t.Fatalf("truncated message missing ellipsis")
	}
	if strings.Count(msg, "界") != maxErrorLen {
		t.Fatalf("excerpt runes = %d, want %d", strings.Count(msg, "界"), maxErrorLen)
	}
}

func TestDedupSweep(t *testing.T) {
	p, _, _ := newTestPipe(t, Config{OnAgentFailure: true})
	base := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	clock := base
	p.now = func() time.Time { return clock }

	for i := 0; i < dedupSweepThreshold+1; i++ {
		p.Handle(failedEvent(fmt.Sprintf("task-%d", i), "amp", "boom"))
	}
	// everything is inside the window, nothing swept yet
	if len(p.lastAlert) != dedupSweepThreshold+1 {
		t.Fatalf("lastAlert = %d entries, want %d", len(p.lastAlert), dedupSweepThreshold+1)
	}

	clock = base.Add(DefaultWindow + time.Second)
	p.Handle(failedEvent("task-fresh", "amp", "boom"))
	// stale entries dropped, only the fresh alert remains
	if len(p.lastAlert) != 1 {
		t.Fatalf("lastAlert after sweep = %d entries, want 1", len(p.lastAlert))
	}
}

func TestCreateFailureIsSwallowed(t *testing.T) {
	store := board.NewMemStore()
	sink := &captureNotifier{failCreate: true}
	p := NewPipe(Config{OnAgentFailure: true, WebhookURL: "http://example.invalid/hook"}, store, sink)

	// must not panic, and the webhook still fires
	p.Handle(failedEvent("task-1", "claude-code", "boom"))
	if len(sink.webhooks) != 1 {
		t.Fatalf("webhooks = %d, want 1", len(sink.webhooks))
	}
}

func TestRegisterTapsEmit(t *testing.T) {
	dir := t.TempDir()
	ts := telemetry.NewStore(dir, telemetry.Config{Enabled: false}, nil)
	p, sink, _ := newTestPipe(t, Config{OnAgentFailure: true})
	p.Register(ts)

	ts.Emit(context.Background(), failedEvent("task-1", "claude-code", "boom"))
	if len(sink.notifications) != 1 {
		t.Fatalf("tap notifications = %d, want 1", len(sink.notifications))
	}
}

func TestFileSinkAppendsNDJSON(t *testing.T) {
	dir := t.TempDir()
	sink := NewFileSink(dir)
	for i := 0; i < 2; i++ {
		n := Notification{
			ID:        NewNotificationID(),
			Timestamp: telemetry.FormatTime(time.Now()),
			TaskID:    fmt.Sprintf("task-%d", i),
			Agent:     "claude-code",
			Message:   "claude-code failed on task",
		}
		if err := sink.CreateNotification(n); err != nil {
			t.Fatalf("CreateNotification: %v", err)
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, "notifications.ndjson"))
	if err != nil {
		t.Fatalf("read sink file: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	var n Notification
	if err := json.Unmarshal([]byte(lines[1]), &n); err != nil {
		t.Fatalf("line 2 not JSON: %v", err)
	}
	if n.TaskID != "task-1" {
		t.Fatalf("taskId = %q, want task-1", n.TaskID)
	}
}

func TestFileSinkWebhook(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewFileSink(t.TempDir())
	n := Notification{ID: "ntf_abc", TaskID: "task-1", Message: "m"}
	if err := sink.PostWebhook(srv.URL, n); err != nil {
		t.Fatalf("PostWebhook: %v", err)
	}
	var round Notification
	if err := json.Unmarshal(got, &round); err != nil {
		t.Fatalf("webhook body not JSON: %v", err)
	}
	if round.ID != "ntf_abc" {
		t.Fatalf("webhook payload = %+v", round)
	}

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	if err := sink.PostWebhook(bad.URL, n); err == nil {
		t.Fatalf("PostWebhook on 500 returned nil error")
	}
}
