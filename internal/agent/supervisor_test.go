package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/obadiaha/veritas-kanban/internal/attemptlog"
	"github.com/obadiaha/veritas-kanban/internal/board"
	"github.com/obadiaha/veritas-kanban/internal/eventbus"
	"github.com/obadiaha/veritas-kanban/internal/telemetry"
	"github.com/obadiaha/veritas-kanban/internal/trace"
)

type testRig struct {
	sup       *Supervisor
	tasks     *board.MemStore
	bus       *eventbus.Bus
	traces    *trace.Recorder
	telemetry *telemetry.Store
}

func newTestRig(t *testing.T, agents ...Spec) *testRig {
	t.Helper()
	root := t.TempDir()
	ts := telemetry.NewStore(filepath.Join(root, "telemetry"), telemetry.DefaultConfig(), nil)
	if err := ts.Init(); err != nil {
		t.Fatalf("telemetry init: %v", err)
	}
	t.Cleanup(func() { _ = ts.Close() })

	rig := &testRig{
		tasks:     board.NewMemStore(),
		bus:       eventbus.New(nil),
		traces:    trace.NewRecorder(filepath.Join(root, "traces"), true, nil),
		telemetry: ts,
	}
	rig.sup = NewSupervisor(Deps{
		Tasks:     rig.tasks,
		Agents:    StaticConfig{Cfg: Config{DefaultAgent: agents[0].Type, Agents: agents}},
		Bus:       rig.bus,
		Traces:    rig.traces,
		Telemetry: ts,
		Logs:      attemptlog.New(filepath.Join(root, "logs"), nil),
	})
	return rig
}

func codeTask(id, worktree string) board.Task {
	return board.Task{ID: id, Title: "task " + id, Type: board.TypeCode, Status: board.StatusTodo, WorktreePath: worktree}
}

// waitTerminal drains the subscription until the complete or error event.
func waitTerminal(t *testing.T, ch <-chan eventbus.Event) (eventbus.Event, []eventbus.Event) {
	t.Helper()
	var outputs []eventbus.Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-ch:
			switch ev.Type {
			case eventbus.TypeComplete, eventbus.TypeError:
				return ev, outputs
			default:
				outputs = append(outputs, ev)
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal event")
		}
	}
}

func TestSupervisor_HappyPath(t *testing.T) {
	// claude-code agents receive the prompt on stdin; the child consumes it
	// and prints a single line.
	rig := newTestRig(t, Spec{
		Type: "claude-code", Name: "Claude Code", Enabled: true,
		Command: "/bin/sh", Args: []string{"-c", "cat >/dev/null; printf 'hello\\n'"},
	})
	ctx := context.Background()
	wt := t.TempDir()
	if err := rig.tasks.Create(ctx, codeTask("T1", wt)); err != nil {
		t.Fatal(err)
	}

	ch, cancel := rig.bus.Subscribe("T1")
	defer cancel()

	st, err := rig.sup.Start(ctx, "T1", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !st.Running || !strings.HasPrefix(st.AttemptID, "attempt_") {
		t.Fatalf("unexpected status: %+v", st)
	}

	terminal, outputs := waitTerminal(t, ch)
	if terminal.Type != eventbus.TypeComplete || terminal.ExitCode != 0 || terminal.Status != board.AttemptComplete {
		t.Fatalf("unexpected terminal event: %+v", terminal)
	}
	var stdout strings.Builder
	for _, ev := range outputs {
		if ev.Kind == attemptlog.KindStdout {
			stdout.WriteString(ev.Content)
		}
	}
	if stdout.String() != "hello\n" {
		t.Fatalf("unexpected stdout: %q", stdout.String())
	}

	// Task landed in review with a complete attempt.
	task, _ := rig.tasks.Get(ctx, "T1")
	if task.Status != board.StatusReview || task.Attempt == nil || task.Attempt.Status != board.AttemptComplete {
		t.Fatalf("unexpected task state: %+v", task)
	}
	if task.Attempt.ExitCode == nil || *task.Attempt.ExitCode != 0 {
		t.Fatalf("exit code not recorded: %+v", task.Attempt)
	}

	// Log contains the child's bytes and the exit trailer.
	logText, err := rig.sup.AttemptLog("T1", st.AttemptID)
	if err != nil {
		t.Fatalf("attempt log: %v", err)
	}
	if !strings.Contains(logText, "hello\n") || !strings.Contains(logText, "Agent exited with code 0") {
		t.Fatalf("log missing content:\n%s", logText)
	}

	// Telemetry: run.started then run.completed with success=true.
	if err := rig.telemetry.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	events, err := rig.telemetry.Query(ctx, telemetry.QueryFilter{TaskID: "T1"})
	if err != nil {
		t.Fatal(err)
	}
	types := map[string]telemetry.Event{}
	for _, ev := range events {
		types[ev.Type] = ev
	}
	completed, ok := types[telemetry.TypeRunCompleted]
	if !ok || completed.Success == nil || !*completed.Success || completed.ExitCode == nil || *completed.ExitCode != 0 {
		t.Fatalf("run.completed missing or wrong: %+v", completed)
	}
	if _, ok := types[telemetry.TypeRunStarted]; !ok {
		t.Fatal("run.started not emitted")
	}

	// Trace persisted with a closed execute step.
	tr, err := rig.traces.Get(st.AttemptID)
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	if tr.Status != trace.StatusCompleted || tr.EndedAt == nil {
		t.Fatalf("trace not finalized: %+v", tr)
	}
}

func TestSupervisor_StartPreconditions(t *testing.T) {
	rig := newTestRig(t,
		Spec{Type: "claude-code", Enabled: true, Command: "/bin/true"},
		Spec{Type: "off", Enabled: false, Command: "/bin/true"},
	)
	ctx := context.Background()
	wt := t.TempDir()
	_ = rig.tasks.Create(ctx, board.Task{ID: "doc", Type: "doc", Status: board.StatusTodo, WorktreePath: wt})
	_ = rig.tasks.Create(ctx, board.Task{ID: "nowt", Type: board.TypeCode, Status: board.StatusTodo})
	_ = rig.tasks.Create(ctx, codeTask("ok", wt))

	cases := []struct {
		name    string
		taskID  string
		agent   string
		wantErr error
	}{
		{"missing task", "nope", "", ErrTaskNotFound},
		{"non-code task", "doc", "", ErrTaskNotCode},
		{"no worktree", "nowt", "", ErrNoWorktree},
		{"unknown agent", "ok", "ghost", ErrAgentNotConfigured},
		{"disabled agent", "ok", "off", ErrAgentDisabled},
	}
	for _, c := range cases {
		if _, err := rig.sup.Start(ctx, c.taskID, c.agent); !errors.Is(err, c.wantErr) {
			t.Fatalf("%s: got %v, want %v", c.name, err, c.wantErr)
		}
	}
}

func TestSupervisor_AtMostOnePerTask(t *testing.T) {
	rig := newTestRig(t, Spec{
		Type: "runner", Enabled: true,
		Command: "/bin/sh", Args: []string{"-c", "sleep 5"},
	})
	ctx := context.Background()
	if err := rig.tasks.Create(ctx, codeTask("T1", t.TempDir())); err != nil {
		t.Fatal(err)
	}

	ch, cancel := rig.bus.Subscribe("T1")
	defer cancel()

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = rig.sup.Start(ctx, "T1", "")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrAgentAlreadyRunning):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}

	rig.sup.killGrace = 500 * time.Millisecond
	if err := rig.sup.Stop(ctx, "T1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	terminal, _ := waitTerminal(t, ch)
	if terminal.Type != eventbus.TypeComplete && terminal.Type != eventbus.TypeError {
		t.Fatalf("unexpected terminal: %+v", terminal)
	}
}

func TestSupervisor_StopTerminatesAndFails(t *testing.T) {
	rig := newTestRig(t, Spec{
		Type: "runner", Enabled: true,
		Command: "/bin/sh", Args: []string{"-c", "sleep 30"},
	})
	rig.sup.killGrace = time.Second
	ctx := context.Background()
	if err := rig.tasks.Create(ctx, codeTask("T1", t.TempDir())); err != nil {
		t.Fatal(err)
	}
	ch, cancel := rig.bus.Subscribe("T1")
	defer cancel()

	st, err := rig.sup.Start(ctx, "T1", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := rig.sup.Stop(ctx, "T1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// Stop returns immediately; the exit handler still finalizes.
	terminal, _ := waitTerminal(t, ch)
	if terminal.Type != eventbus.TypeComplete || terminal.Status != board.AttemptFailed {
		t.Fatalf("unexpected terminal after stop: %+v", terminal)
	}
	if terminal.Signal == "" {
		t.Fatalf("expected a termination signal, got %+v", terminal)
	}

	if status := rig.sup.Status("T1"); status != nil {
		t.Fatalf("agent still registered after stop: %+v", status)
	}
	logText, _ := rig.sup.AttemptLog("T1", st.AttemptID)
	if !strings.Contains(logText, "Agent stopped by user") {
		t.Fatalf("log missing stop line:\n%s", logText)
	}
	if err := rig.sup.Stop(ctx, "T1"); !errors.Is(err, ErrNoLiveAgent) {
		t.Fatalf("second stop: got %v, want ErrNoLiveAgent", err)
	}
}

func TestSupervisor_StopAllWaitsForFinalization(t *testing.T) {
	rig := newTestRig(t, Spec{
		Type: "stubborn", Enabled: true,
		Command: "/bin/sh", Args: []string{"-c", "trap '' TERM; while :; do sleep 1; done"},
	})
	ctx := context.Background()
	if err := rig.tasks.Create(ctx, codeTask("T1", t.TempDir())); err != nil {
		t.Fatal(err)
	}
	if _, err := rig.sup.Start(ctx, "T1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	rig.sup.StopAll(500 * time.Millisecond)

	if status := rig.sup.Status("T1"); status != nil {
		t.Fatalf("agent still registered after StopAll: %+v", status)
	}
	// The exit handler finished before StopAll returned, so closing the
	// store now is safe and the completion event is already durable.
	if err := rig.telemetry.Close(); err != nil {
		t.Fatalf("telemetry close: %v", err)
	}
	events, err := rig.telemetry.Query(ctx, telemetry.QueryFilter{
		Types:  []string{telemetry.TypeRunCompleted},
		TaskID: "T1",
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one completion event after StopAll, got %d", len(events))
	}
}

func TestSupervisor_SendMessage(t *testing.T) {
	rig := newTestRig(t, Spec{
		Type: "interactive", Enabled: true,
		Command: "/bin/sh", Args: []string{"-c", "read line; printf 'got:%s\\n' \"$line\""},
	})
	ctx := context.Background()
	if err := rig.tasks.Create(ctx, codeTask("T1", t.TempDir())); err != nil {
		t.Fatal(err)
	}
	ch, cancel := rig.bus.Subscribe("T1")
	defer cancel()

	st, err := rig.sup.Start(ctx, "T1", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := rig.sup.SendMessage("T1", "ping"); err != nil {
		t.Fatalf("send: %v", err)
	}

	terminal, outputs := waitTerminal(t, ch)
	if terminal.ExitCode != 0 {
		t.Fatalf("unexpected exit: %+v", terminal)
	}
	var sawEcho, sawStdin bool
	for _, ev := range outputs {
		if ev.Kind == attemptlog.KindStdout && strings.Contains(ev.Content, "got:ping") {
			sawEcho = true
		}
		if ev.Kind == attemptlog.KindStdin && ev.Content == "ping" {
			sawStdin = true
		}
	}
	if !sawEcho || !sawStdin {
		t.Fatalf("missing events: echo=%v stdin=%v %+v", sawEcho, sawStdin, outputs)
	}

	logText, _ := rig.sup.AttemptLog("T1", st.AttemptID)
	if !strings.Contains(logText, "\n**You:**\nping\n") {
		t.Fatalf("log missing stdin block:\n%s", logText)
	}

	if err := rig.sup.SendMessage("T1", "late"); err != nil && !errors.Is(err, ErrNoLiveAgent) && !errors.Is(err, ErrStdinNotWritable) {
		t.Fatalf("late send: unexpected error %v", err)
	}
}

func TestSupervisor_SendMessageErrors(t *testing.T) {
	rig := newTestRig(t, Spec{
		Type: "claude-code", Enabled: true,
		Command: "/bin/sh", Args: []string{"-c", "cat >/dev/null; sleep 2"},
	})
	ctx := context.Background()
	if err := rig.tasks.Create(ctx, codeTask("T1", t.TempDir())); err != nil {
		t.Fatal(err)
	}
	if err := rig.sup.SendMessage("T1", "x"); !errors.Is(err, ErrNoLiveAgent) {
		t.Fatalf("expected ErrNoLiveAgent, got %v", err)
	}

	ch, cancel := rig.bus.Subscribe("T1")
	defer cancel()
	if _, err := rig.sup.Start(ctx, "T1", ""); err != nil {
		t.Fatal(err)
	}
	// claude-code closes stdin after the prompt.
	if err := rig.sup.SendMessage("T1", "x"); !errors.Is(err, ErrStdinNotWritable) {
		t.Fatalf("expected ErrStdinNotWritable, got %v", err)
	}
	rig.sup.killGrace = 500 * time.Millisecond
	_ = rig.sup.Stop(ctx, "T1")
	waitTerminal(t, ch)
}

func TestSupervisor_SpawnFailure(t *testing.T) {
	rig := newTestRig(t, Spec{
		Type: "broken", Enabled: true,
		Command: "/nonexistent/agent-binary",
	})
	ctx := context.Background()
	if err := rig.tasks.Create(ctx, codeTask("T1", t.TempDir())); err != nil {
		t.Fatal(err)
	}
	ch, cancel := rig.bus.Subscribe("T1")
	defer cancel()

	_, err := rig.sup.Start(ctx, "T1", "")
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("expected ErrSpawnFailed, got %v", err)
	}
	// The registry is cleaned up and subscribers see an error event.
	select {
	case ev := <-ch:
		if ev.Type != eventbus.TypeError || ev.Message == "" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error event after spawn failure")
	}
	if status := rig.sup.Status("T1"); status != nil {
		t.Fatalf("registry not cleaned after spawn failure: %+v", status)
	}
	// The task can be started again immediately.
	if _, err := rig.sup.Start(ctx, "T1", ""); !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("restart after spawn failure: %v", err)
	}

	_ = rig.telemetry.Flush(ctx)
	events, _ := rig.telemetry.Query(ctx, telemetry.QueryFilter{Types: []string{telemetry.TypeRunError}})
	if len(events) != 2 {
		t.Fatalf("expected 2 run.error events, got %d", len(events))
	}
}

func TestExpandPath(t *testing.T) {
	t.Setenv("VERITAS_TEST_DIR", "/opt/work")
	if got := ExpandPath("$VERITAS_TEST_DIR/repo"); got != "/opt/work/repo" {
		t.Fatalf("env expansion: got %q", got)
	}
	if got := ExpandPath("~/repo"); !strings.HasSuffix(got, "/repo") || strings.HasPrefix(got, "~") {
		t.Fatalf("tilde expansion: got %q", got)
	}
	if got := ExpandPath("/plain/path"); got != "/plain/path" {
		t.Fatalf("plain path changed: %q", got)
	}
}

func TestBuildPrompt(t *testing.T) {
	p := buildPrompt(board.Task{Title: "Fix login", Description: "Users cannot sign in."})
	if !strings.HasPrefix(p, "Fix login\n") {
		t.Fatalf("prompt missing title: %q", p)
	}
	if !strings.Contains(p, "Users cannot sign in.") {
		t.Fatalf("prompt missing description: %q", p)
	}
	if !strings.Contains(p, "Instructions:") {
		t.Fatalf("prompt missing instructions: %q", p)
	}

	noDesc := buildPrompt(board.Task{Title: "Just a title"})
	if strings.Contains(noDesc, "\n\n\n") {
		t.Fatalf("empty description left a gap: %q", noDesc)
	}
}
