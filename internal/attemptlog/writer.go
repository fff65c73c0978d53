// Package attemptlog appends per-attempt agent output to markdown files under
// the board's dot directory. One file per (task, attempt); writes are
// serialized per file so concurrent appends never interleave bytes.
package attemptlog

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/obadiaha/veritas-kanban/internal/board"
)

// Output kinds accepted by Append.
const (
	KindStdout = "stdout"
	KindStderr = "stderr"
	KindStdin  = "stdin"
	KindSystem = "system"
)

// ErrLogNotFound is returned by Read when no log exists for the attempt.
var ErrLogNotFound = errors.New("attempt log not found")

// Writer owns the logs directory. Append and Init are best-effort: I/O errors
// are logged and swallowed so the supervisor's main path never fails on a log
// write.
type Writer struct {
	dir    string
	logger *log.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Writer rooted at dir. The directory is created lazily on
// first write.
func New(dir string, logger *log.Logger) *Writer {
	if logger == nil {
		logger = log.New(os.Stderr, "[veritas-log] ", log.LstdFlags)
	}
	return &Writer{dir: dir, logger: logger, locks: make(map[string]*sync.Mutex)}
}

func (w *Writer) path(taskID, attemptID string) string {
	return filepath.Join(w.dir, taskID+"_"+attemptID+".md")
}

func (w *Writer) fileLock(path string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.locks[path]
	if !ok {
		l = &sync.Mutex{}
		w.locks[path] = l
	}
	return l
}

// Init writes the fixed markdown header for a new attempt log.
func (w *Writer) Init(task board.Task, attemptID, agent, prompt string, started time.Time) {
	var b strings.Builder
	fmt.Fprintf(&b, "# Task: %s\n\n", task.Title)
	fmt.Fprintf(&b, "- **Task ID:** %s\n", task.ID)
	fmt.Fprintf(&b, "- **Agent:** %s\n", agent)
	fmt.Fprintf(&b, "- **Started:** %s\n", started.UTC().Format("2006-01-02T15:04:05.000Z"))
	fmt.Fprintf(&b, "- **Worktree:** %s\n\n", task.WorktreePath)
	fmt.Fprintf(&b, "## Prompt\n\n```\n%s\n```\n\n## Output\n\n", prompt)
	w.write(task.ID, attemptID, []byte(b.String()))
}

// Append appends content to the attempt log, formatted by kind: stdout and
// stderr raw, stdin wrapped in a "**You:**" block, system raw.
func (w *Writer) Append(taskID, attemptID, kind string, content []byte) {
	switch kind {
	case KindStdin:
		content = []byte("\n**You:**\n" + string(content) + "\n")
	case KindStdout, KindStderr, KindSystem:
		// raw
	}
	w.write(taskID, attemptID, content)
}

func (w *Writer) write(taskID, attemptID string, content []byte) {
	path := w.path(taskID, attemptID)
	l := w.fileLock(path)
	l.Lock()
	defer l.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		w.logger.Printf("attempt log mkdir %s: %v", w.dir, err)
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		w.logger.Printf("attempt log open %s: %v", path, err)
		return
	}
	if _, err := f.Write(content); err != nil {
		w.logger.Printf("attempt log write %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		w.logger.Printf("attempt log close %s: %v", path, err)
	}
}

// Read returns the full log file for an attempt.
func (w *Writer) Read(taskID, attemptID string) (string, error) {
	b, err := os.ReadFile(w.path(taskID, attemptID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s/%s", ErrLogNotFound, taskID, attemptID)
		}
		return "", err
	}
	return string(b), nil
}

// ListAttempts returns the attempt ids that have logs for a task, newest
// first. Attempt ids sort descending lexicographically because their random
// tails come from ULID entropy.
func (w *Writer) ListAttempts(taskID string) ([]string, error) {
	matches, err := doublestar.FilepathGlob(filepath.Join(w.dir, taskID+"_*.md"))
	if err != nil {
		return nil, err
	}
	prefix := taskID + "_"
	var ids []string
	for _, m := range matches {
		name := filepath.Base(m)
		id := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".md")
		if id != "" {
			ids = append(ids, id)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}
