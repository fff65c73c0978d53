// Package trace records per-attempt phase traces in memory and persists them
// as pretty-printed JSON under <root>/.veritas-kanban/traces on completion.
package trace

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Trace statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusError     = "error"
)

// Step types.
const (
	StepInit     = "init"
	StepExecute  = "execute"
	StepComplete = "complete"
	StepError    = "error"
)

// Step is one phase inside an attempt.
type Step struct {
	Type       string         `json:"type"`
	StartedAt  time.Time      `json:"startedAt"`
	EndedAt    *time.Time     `json:"endedAt,omitempty"`
	DurationMs *int64         `json:"durationMs,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Trace is the structured record of one attempt. TraceID equals the attempt
// id.
type Trace struct {
	TraceID         string     `json:"traceId"`
	TaskID          string     `json:"taskId"`
	Agent           string     `json:"agent"`
	Project         string     `json:"project,omitempty"`
	StartedAt       time.Time  `json:"startedAt"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	TotalDurationMs *int64     `json:"totalDurationMs,omitempty"`
	Status          string     `json:"status"`
	Steps           []Step     `json:"steps"`
}

// Recorder keeps running traces in memory and moves them to disk when the
// attempt finishes. A disabled recorder turns all mutations into no-ops;
// reads still return persisted traces.
type Recorder struct {
	dir     string
	enabled bool
	logger  *log.Logger
	now     func() time.Time

	mu     sync.Mutex
	active map[string]*Trace
}

// NewRecorder creates a Recorder rooted at dir.
func NewRecorder(dir string, enabled bool, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.New(os.Stderr, "[veritas-trace] ", log.LstdFlags)
	}
	return &Recorder{
		dir:     dir,
		enabled: enabled,
		logger:  logger,
		now:     time.Now,
		active:  make(map[string]*Trace),
	}
}

// StartTrace opens a running trace for the attempt.
func (r *Recorder) StartTrace(attemptID, taskID, agent, project string) {
	if !r.enabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[attemptID] = &Trace{
		TraceID:   attemptID,
		TaskID:    taskID,
		Agent:     agent,
		Project:   project,
		StartedAt: r.now().UTC(),
		Status:    StatusRunning,
		Steps:     []Step{},
	}
}

// StartStep appends an open step to the attempt's trace.
func (r *Recorder) StartStep(attemptID, stepType string, metadata map[string]any) {
	if !r.enabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tr, ok := r.active[attemptID]
	if !ok {
		return
	}
	tr.Steps = append(tr.Steps, Step{
		Type:      stepType,
		StartedAt: r.now().UTC(),
		Metadata:  metadata,
	})
}

// EndStep closes the most recent open step of the given type. A missing open
// step is a no-op.
func (r *Recorder) EndStep(attemptID, stepType string) {
	if !r.enabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tr, ok := r.active[attemptID]
	if !ok {
		return
	}
	// Reverse scan: the most recent open step of this type wins.
	for i := len(tr.Steps) - 1; i >= 0; i-- {
		st := &tr.Steps[i]
		if st.Type == stepType && st.EndedAt == nil {
			end := r.now().UTC()
			st.EndedAt = &end
			d := end.Sub(st.StartedAt).Milliseconds()
			st.DurationMs = &d
			return
		}
	}
}

// CompleteTrace closes any still-open steps, sets the total duration,
// persists the trace to traces/<attemptID>.json and drops it from memory.
// Persistence failures are logged and swallowed.
func (r *Recorder) CompleteTrace(attemptID, status string) {
	if !r.enabled {
		return
	}
	r.mu.Lock()
	tr, ok := r.active[attemptID]
	if ok {
		delete(r.active, attemptID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	end := r.now().UTC()
	tr.EndedAt = &end
	total := end.Sub(tr.StartedAt).Milliseconds()
	tr.TotalDurationMs = &total
	tr.Status = status
	// Open steps inherit the trace end time.
	for i := range tr.Steps {
		st := &tr.Steps[i]
		if st.EndedAt == nil {
			st.EndedAt = &end
			d := end.Sub(st.StartedAt).Milliseconds()
			st.DurationMs = &d
		}
	}

	if err := r.persist(tr); err != nil {
		r.logger.Printf("trace write failed for %s: %v", attemptID, err)
	}
}

func (r *Recorder) persist(tr *Trace) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(tr, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(r.dir, tr.TraceID+".json"), append(b, '\n'), 0o644)
}

// Get returns the trace for an attempt, preferring the in-memory copy over
// the persisted file.
func (r *Recorder) Get(attemptID string) (*Trace, error) {
	r.mu.Lock()
	if tr, ok := r.active[attemptID]; ok {
		cp := cloneTrace(tr)
		r.mu.Unlock()
		return cp, nil
	}
	r.mu.Unlock()
	return r.readFile(filepath.Join(r.dir, attemptID+".json"))
}

// List returns all traces for a task, in-memory and persisted, sorted by
// startedAt descending. Persisted duplicates of in-memory traces are skipped.
func (r *Recorder) List(taskID string) ([]*Trace, error) {
	r.mu.Lock()
	inMemory := make(map[string]bool)
	var out []*Trace
	for id, tr := range r.active {
		if tr.TaskID == taskID {
			out = append(out, cloneTrace(tr))
		}
		inMemory[id] = true
	}
	r.mu.Unlock()

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			entries = nil
		} else {
			return nil, err
		}
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if inMemory[id] {
			continue
		}
		tr, err := r.readFile(filepath.Join(r.dir, name))
		if err != nil {
			r.logger.Printf("trace: skipping unreadable %s: %v", name, err)
			continue
		}
		if tr.TaskID == taskID {
			out = append(out, tr)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (r *Recorder) readFile(path string) (*Trace, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("trace not found: %s", filepath.Base(path))
		}
		return nil, err
	}
	var tr Trace
	if err := json.Unmarshal(b, &tr); err != nil {
		return nil, fmt.Errorf("decode trace %s: %w", filepath.Base(path), err)
	}
	return &tr, nil
}

func cloneTrace(tr *Trace) *Trace {
	cp := *tr
	cp.Steps = make([]Step, len(tr.Steps))
	copy(cp.Steps, tr.Steps)
	return &cp
}
