// Package agent supervises external coding-agent processes: one live attempt
// per task, stdio captured into the attempt log, live output fanned out on
// the event bus, telemetry and traces recorded along the way.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/obadiaha/veritas-kanban/internal/attemptlog"
	"github.com/obadiaha/veritas-kanban/internal/board"
	"github.com/obadiaha/veritas-kanban/internal/eventbus"
	"github.com/obadiaha/veritas-kanban/internal/telemetry"
	"github.com/obadiaha/veritas-kanban/internal/trace"
)

// DefaultKillGrace is how long Stop waits after SIGTERM before sending
// SIGKILL to a process that is still registered.
const DefaultKillGrace = 5 * time.Second

const promptInstructions = "Instructions: work in the current directory. " +
	"Make the changes described above, run the relevant tests, and print a " +
	"short summary of what you changed when you are done."

// AgentStatus is the externally visible state of a task's agent.
type AgentStatus struct {
	TaskID    string    `json:"taskId"`
	AttemptID string    `json:"attemptId"`
	Agent     string    `json:"agent"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"startedAt"`
}

type runningAgent struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser // nil once closed or for stdin-prompt agents
	taskID    string
	attemptID string
	agent     string
	project   string
	startedAt time.Time
}

// Deps are the supervisor's collaborators. All are required except Logger.
type Deps struct {
	Tasks     board.Store
	Agents    ConfigProvider
	Bus       *eventbus.Bus
	Traces    *trace.Recorder
	Telemetry *telemetry.Store
	Logs      *attemptlog.Writer
	Logger    *log.Logger
}

// Supervisor owns the process-wide running-agent registry. The registry is
// the at-most-one-per-task source of truth: insert on start, remove on
// terminal transitions.
type Supervisor struct {
	tasks     board.Store
	agents    ConfigProvider
	bus       *eventbus.Bus
	traces    *trace.Recorder
	telemetry *telemetry.Store
	logs      *attemptlog.Writer
	logger    *log.Logger
	killGrace time.Duration

	mu      sync.Mutex
	running map[string]*runningAgent
}

// NewSupervisor builds a Supervisor from its dependencies.
func NewSupervisor(deps Deps) *Supervisor {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[veritas-agent] ", log.LstdFlags)
	}
	return &Supervisor{
		tasks:     deps.Tasks,
		agents:    deps.Agents,
		bus:       deps.Bus,
		traces:    deps.Traces,
		telemetry: deps.Telemetry,
		logs:      deps.Logs,
		logger:    logger,
		killGrace: DefaultKillGrace,
		running:   make(map[string]*runningAgent),
	}
}

// NewAttemptID returns "attempt_" plus 8 random lowercase characters drawn
// from ULID entropy.
func NewAttemptID() string {
	id := strings.ToLower(ulid.Make().String())
	return "attempt_" + id[len(id)-8:]
}

// Start spawns the configured agent against the task's worktree. Exactly one
// attempt may be live per task; concurrent starts lose with
// ErrAgentAlreadyRunning.
func (s *Supervisor) Start(ctx context.Context, taskID, agentType string) (AgentStatus, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return AgentStatus{}, err
	}
	if task.Type != board.TypeCode {
		return AgentStatus{}, fmt.Errorf("%w: %s is %q", ErrTaskNotCode, taskID, task.Type)
	}
	if strings.TrimSpace(task.WorktreePath) == "" {
		return AgentStatus{}, fmt.Errorf("%w: %s", ErrNoWorktree, taskID)
	}
	cfg, err := s.agents.Config()
	if err != nil {
		return AgentStatus{}, fmt.Errorf("load agent config: %w", err)
	}
	if agentType == "" {
		agentType = cfg.DefaultAgent
	}
	spec, ok := cfg.Find(agentType)
	if !ok {
		return AgentStatus{}, fmt.Errorf("%w: %s", ErrAgentNotConfigured, agentType)
	}
	if !spec.Enabled {
		return AgentStatus{}, fmt.Errorf("%w: %s", ErrAgentDisabled, agentType)
	}

	attemptID := NewAttemptID()
	startedAt := time.Now().UTC()
	ra := &runningAgent{
		taskID:    taskID,
		attemptID: attemptID,
		agent:     spec.Type,
		project:   task.Project,
		startedAt: startedAt,
	}

	// Compare-and-insert into the registry before spawning; this is what
	// enforces at-most-one under concurrent starts.
	s.mu.Lock()
	if _, exists := s.running[taskID]; exists {
		s.mu.Unlock()
		return AgentStatus{}, fmt.Errorf("%w: %s", ErrAgentAlreadyRunning, taskID)
	}
	s.running[taskID] = ra
	s.mu.Unlock()

	s.traces.StartTrace(attemptID, taskID, spec.Type, task.Project)
	s.traces.StartStep(attemptID, trace.StepInit, map[string]any{"worktreePath": task.WorktreePath})

	prompt := buildPrompt(task)

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = ExpandPath(task.WorktreePath)
	cmd.Env = append(os.Environ(), "FORCE_COLOR=1", "TERM=xterm-256color")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err == nil {
		var stdout, stderr io.ReadCloser
		stdout, err = cmd.StdoutPipe()
		if err == nil {
			stderr, err = cmd.StderrPipe()
			if err == nil {
				err = cmd.Start()
			}
		}
		if err == nil {
			ra.cmd = cmd
			if stdinPromptAgents[spec.Type] {
				// Full prompt on stdin, then close. Large prompts can
				// outgrow the pipe buffer, so write off the start path.
				go func() {
					_, _ = io.WriteString(stdin, prompt)
					_ = stdin.Close()
				}()
			} else {
				ra.stdin = stdin
			}

			s.logs.Init(task, attemptID, spec.Type, prompt, startedAt)
			s.telemetry.Emit(ctx, telemetry.Event{
				Type:    telemetry.TypeRunStarted,
				TaskID:  taskID,
				Project: task.Project,
				Agent:   spec.Type,
			})
			s.traces.EndStep(attemptID, trace.StepInit)
			s.traces.StartStep(attemptID, trace.StepExecute, map[string]any{"pid": cmd.Process.Pid})

			var readers sync.WaitGroup
			readers.Add(2)
			go s.pipeOutput(ra, stdout, attemptlog.KindStdout, &readers)
			go s.pipeOutput(ra, stderr, attemptlog.KindStderr, &readers)
			go s.waitAndFinalize(ra, &readers)

			if _, err := s.tasks.Update(ctx, taskID, ProjectStarted(attemptID, spec.Type, startedAt)); err != nil {
				s.logger.Printf("task update on start failed for %s: %v", taskID, err)
			}
			return AgentStatus{
				TaskID:    taskID,
				AttemptID: attemptID,
				Agent:     spec.Type,
				Running:   true,
				StartedAt: startedAt,
			}, nil
		}
	}

	// Spawn failed after registration: convert to a terminal error
	// transition so the registry is cleaned up and subscribers see an
	// error event.
	spawnErr := fmt.Errorf("%w: %s: %v", ErrSpawnFailed, spec.Command, err)
	s.finalizeError(ra, spawnErr)
	return AgentStatus{}, spawnErr
}

// SendMessage writes a line to the agent's stdin and records it as a stdin
// block in the attempt log.
func (s *Supervisor) SendMessage(taskID, message string) error {
	s.mu.Lock()
	ra, ok := s.running[taskID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoLiveAgent, taskID)
	}
	if ra.stdin == nil {
		return fmt.Errorf("%w: %s", ErrStdinNotWritable, taskID)
	}
	if _, err := io.WriteString(ra.stdin, message+"\n"); err != nil {
		return fmt.Errorf("%w: %v", ErrStdinNotWritable, err)
	}
	s.logs.Append(taskID, ra.attemptID, attemptlog.KindStdin, []byte(message))
	s.bus.Publish(taskID, eventbus.Event{
		Type:      eventbus.TypeOutput,
		Kind:      attemptlog.KindStdin,
		Content:   message,
		Timestamp: telemetry.FormatTime(time.Now()),
	})
	return nil
}

// Stop sends SIGTERM to the agent's process group and arms a SIGKILL timer
// that fires only if the attempt is still registered after the grace period.
// It does not wait for the exit handler; that still runs and finalizes state.
func (s *Supervisor) Stop(ctx context.Context, taskID string) error {
	s.mu.Lock()
	ra, ok := s.running[taskID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoLiveAgent, taskID)
	}

	if err := killProcessGroup(ra.cmd, syscall.SIGTERM); err != nil {
		s.logger.Printf("SIGTERM for task %s: %v", taskID, err)
	}
	time.AfterFunc(s.killGrace, func() {
		s.mu.Lock()
		still, ok := s.running[taskID]
		s.mu.Unlock()
		if ok && still == ra {
			s.logger.Printf("agent for task %s ignored SIGTERM, sending SIGKILL", taskID)
			_ = killProcessGroup(ra.cmd, syscall.SIGKILL)
		}
	})

	now := time.Now().UTC()
	if _, err := s.tasks.Update(ctx, taskID, ProjectStopped(ra.attemptID, ra.agent, ra.startedAt, now)); err != nil {
		s.logger.Printf("task update on stop failed for %s: %v", taskID, err)
	}
	s.logs.Append(taskID, ra.attemptID, attemptlog.KindSystem, []byte("Agent stopped by user\n"))
	return nil
}

// Status returns the live agent status for a task, or nil when idle.
func (s *Supervisor) Status(taskID string) *AgentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	ra, ok := s.running[taskID]
	if !ok {
		return nil
	}
	return &AgentStatus{
		TaskID:    ra.taskID,
		AttemptID: ra.attemptID,
		Agent:     ra.agent,
		Running:   true,
		StartedAt: ra.startedAt,
	}
}

// AttemptLog returns the full attempt log file.
func (s *Supervisor) AttemptLog(taskID, attemptID string) (string, error) {
	return s.logs.Read(taskID, attemptID)
}

// ListAttempts returns the attempt ids with logs for a task, newest first.
func (s *Supervisor) ListAttempts(taskID string) ([]string, error) {
	return s.logs.ListAttempts(taskID)
}

// StopAll terminates every running agent: SIGTERM each, then SIGKILL
// whatever is still registered after the grace period, then wait for the
// exit handlers to unregister so their final telemetry and trace writes
// land before shutdown proceeds. Used on shutdown.
func (s *Supervisor) StopAll(grace time.Duration) {
	s.mu.Lock()
	agents := make([]*runningAgent, 0, len(s.running))
	for _, ra := range s.running {
		agents = append(agents, ra)
	}
	s.mu.Unlock()
	if len(agents) == 0 {
		return
	}
	for _, ra := range agents {
		_ = killProcessGroup(ra.cmd, syscall.SIGTERM)
	}
	if s.waitIdle(grace) {
		return
	}
	s.mu.Lock()
	for _, ra := range s.running {
		_ = killProcessGroup(ra.cmd, syscall.SIGKILL)
	}
	s.mu.Unlock()
	s.waitIdle(grace)
}

// waitIdle polls until no agent is registered or the deadline passes.
func (s *Supervisor) waitIdle(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		s.mu.Lock()
		n := len(s.running)
		s.mu.Unlock()
		if n == 0 {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// pipeOutput copies one stdio stream chunk-by-chunk onto the bus and into
// the attempt log, preserving OS delivery order for the stream.
func (s *Supervisor) pipeOutput(ra *runningAgent, r io.Reader, kind string, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.bus.Publish(ra.taskID, eventbus.Event{
				Type:      eventbus.TypeOutput,
				Kind:      kind,
				Content:   string(buf[:n]),
				Timestamp: telemetry.FormatTime(time.Now()),
			})
			s.logs.Append(ra.taskID, ra.attemptID, kind, buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (s *Supervisor) waitAndFinalize(ra *runningAgent, readers *sync.WaitGroup) {
	// Both pipes must be drained before Wait closes them.
	readers.Wait()
	err := ra.cmd.Wait()
	state := ra.cmd.ProcessState
	if state == nil {
		// Wait itself failed; the process state is unknown.
		s.finalizeError(ra, err)
		return
	}
	exitCode := state.ExitCode()
	signal := ""
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		signal = ws.Signal().String()
	}
	s.finalizeExit(ra, exitCode, signal)
}

// finalizeExit is the exit handler. The ordering here is contractual:
// telemetry run.completed is emitted before the execute trace step ends, so
// a trace observer reading telemetry can never race ahead of the trace being
// closed.
func (s *Supervisor) finalizeExit(ra *runningAgent, exitCode int, signal string) {
	ctx := context.Background()
	now := time.Now().UTC()
	success := exitCode == 0
	durationMs := now.Sub(ra.startedAt).Milliseconds()

	patch := ProjectExited(ra.attemptID, ra.agent, ra.startedAt, exitCode, now)
	if _, err := s.tasks.Update(ctx, ra.taskID, patch); err != nil {
		s.logger.Printf("task update on exit failed for %s: %v", ra.taskID, err)
	}

	code := exitCode
	ok := success
	s.telemetry.Emit(ctx, telemetry.Event{
		Type:       telemetry.TypeRunCompleted,
		TaskID:     ra.taskID,
		Project:    ra.project,
		Agent:      ra.agent,
		DurationMs: durationMs,
		ExitCode:   &code,
		Success:    &ok,
	})

	s.traces.EndStep(ra.attemptID, trace.StepExecute)
	s.traces.StartStep(ra.attemptID, trace.StepComplete, map[string]any{"exitCode": exitCode})
	s.traces.EndStep(ra.attemptID, trace.StepComplete)
	traceStatus := trace.StatusFailed
	attemptStatus := board.AttemptFailed
	if success {
		traceStatus = trace.StatusCompleted
		attemptStatus = board.AttemptComplete
	}
	s.traces.CompleteTrace(ra.attemptID, traceStatus)

	s.bus.Publish(ra.taskID, eventbus.Event{
		Type:     eventbus.TypeComplete,
		ExitCode: exitCode,
		Signal:   signal,
		Status:   attemptStatus,
	})

	trailer := fmt.Sprintf("---\nAgent exited with code %d", exitCode)
	if signal != "" {
		trailer += fmt.Sprintf(" (signal: %s)", signal)
	}
	s.logs.Append(ra.taskID, ra.attemptID, attemptlog.KindSystem, []byte(trailer+"\n"))

	s.unregister(ra)
}

// finalizeError is the error handler for spawn failures and runtime errors.
func (s *Supervisor) finalizeError(ra *runningAgent, cause error) {
	ctx := context.Background()
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	s.telemetry.Emit(ctx, telemetry.Event{
		Type:    telemetry.TypeRunError,
		TaskID:  ra.taskID,
		Project: ra.project,
		Agent:   ra.agent,
		Error:   msg,
	})
	s.traces.StartStep(ra.attemptID, trace.StepError, map[string]any{"error": msg})
	s.traces.EndStep(ra.attemptID, trace.StepError)
	s.traces.CompleteTrace(ra.attemptID, trace.StatusError)
	s.bus.Publish(ra.taskID, eventbus.Event{Type: eventbus.TypeError, Message: msg})
	s.logs.Append(ra.taskID, ra.attemptID, attemptlog.KindSystem, []byte("---\nAgent error: "+msg+"\n"))
	s.unregister(ra)
}

func (s *Supervisor) unregister(ra *runningAgent) {
	s.mu.Lock()
	if cur, ok := s.running[ra.taskID]; ok && cur == ra {
		delete(s.running, ra.taskID)
	}
	s.mu.Unlock()
}

func buildPrompt(task board.Task) string {
	var b strings.Builder
	b.WriteString(task.Title)
	b.WriteString("\n")
	if task.Description != "" {
		b.WriteString("\n")
		b.WriteString(task.Description)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(promptInstructions)
	b.WriteString("\n")
	return b.String()
}

// ExpandPath expands a leading "~" to the home directory and $VAR references
// to their environment values.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return os.ExpandEnv(path)
}

func killProcessGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	if err := syscall.Kill(-pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}
