package attemptlog

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/obadiaha/veritas-kanban/internal/board"
)

func TestWriter_InitAndAppend(t *testing.T) {
	w := New(t.TempDir(), nil)
	task := board.Task{ID: "T1", Title: "Fix login", WorktreePath: "/tmp/wt"}
	started := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	w.Init(task, "attempt_aabbccdd", "claude-code", "do the thing", started)
	w.Append("T1", "attempt_aabbccdd", KindStdout, []byte("hello\n"))
	w.Append("T1", "attempt_aabbccdd", KindStdin, []byte("try again"))
	w.Append("T1", "attempt_aabbccdd", KindSystem, []byte("---\nAgent exited with code 0\n"))

	got, err := w.Read("T1", "attempt_aabbccdd")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, want := range []string{
		"# Task: Fix login",
		"- **Task ID:** T1",
		"- **Agent:** claude-code",
		"- **Started:** 2024-06-01T12:00:00.000Z",
		"- **Worktree:** /tmp/wt",
		"```\ndo the thing\n```",
		"## Output",
		"hello\n",
		"\n**You:**\ntry again\n",
		"---\nAgent exited with code 0\n",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("log missing %q:\n%s", want, got)
		}
	}
	// stdin block comes after stdout output.
	if strings.Index(got, "hello\n") > strings.Index(got, "**You:**") {
		t.Fatalf("unexpected ordering:\n%s", got)
	}
}

func TestWriter_ReadNotFound(t *testing.T) {
	w := New(t.TempDir(), nil)
	if _, err := w.Read("T1", "attempt_none"); !errors.Is(err, ErrLogNotFound) {
		t.Fatalf("expected ErrLogNotFound, got %v", err)
	}
}

func TestWriter_ConcurrentAppendsDoNotInterleave(t *testing.T) {
	w := New(t.TempDir(), nil)
	const line = "0123456789abcdef\n"
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < n; j++ {
				w.Append("T1", "attempt_x", KindStdout, []byte(line))
			}
		}()
	}
	wg.Wait()

	got, err := w.Read("T1", "attempt_x")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(got, "\n"), "\n")
	if len(lines) != 4*n {
		t.Fatalf("expected %d lines, got %d", 4*n, len(lines))
	}
	for _, l := range lines {
		if l != strings.TrimSuffix(line, "\n") {
			t.Fatalf("interleaved write detected: %q", l)
		}
	}
}

func TestWriter_ListAttempts(t *testing.T) {
	w := New(t.TempDir(), nil)
	task := board.Task{ID: "T1", Title: "t"}
	w.Init(task, "attempt_aaaa1111", "amp", "p", time.Now())
	w.Init(task, "attempt_bbbb2222", "amp", "p", time.Now())
	w.Init(board.Task{ID: "T2", Title: "t"}, "attempt_cccc3333", "amp", "p", time.Now())

	ids, err := w.ListAttempts("T1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != "attempt_bbbb2222" || ids[1] != "attempt_aaaa1111" {
		t.Fatalf("unexpected attempts: %v", ids)
	}

	ids, _ = w.ListAttempts("T3")
	if len(ids) != 0 {
		t.Fatalf("expected no attempts for T3, got %v", ids)
	}
}
