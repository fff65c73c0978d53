package alerts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const webhookTimeout = 10 * time.Second

// FileSink is the shipped Notifier. Notifications append as JSON lines to
// <dir>/notifications.ndjson; webhooks post JSON over plain HTTP.
type FileSink struct {
	path   string
	client *http.Client

	mu sync.Mutex
}

// NewFileSink creates a sink writing under dir. The directory is created on
// first use, not here.
func NewFileSink(dir string) *FileSink {
	return &FileSink{
		path:   filepath.Join(dir, "notifications.ndjson"),
		client: &http.Client{Timeout: webhookTimeout},
	}
}

// CreateNotification appends one JSON line.
func (s *FileSink) CreateNotification(n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create notification dir: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append notification: %w", err)
	}
	return nil
}

// PostWebhook sends the payload as JSON. Non-2xx responses are errors; the
// caller decides whether to swallow them.
func (s *FileSink) PostWebhook(url string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	resp, err := s.client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
