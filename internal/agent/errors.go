package agent

import (
	"errors"

	"github.com/obadiaha/veritas-kanban/internal/board"
)

// Start-time precondition and runtime errors. Callers match with errors.Is.
var (
	ErrTaskNotFound        = board.ErrNotFound
	ErrTaskNotCode         = errors.New("task is not a code task")
	ErrNoWorktree          = errors.New("task has no worktree")
	ErrAgentAlreadyRunning = errors.New("agent already running for task")
	ErrAgentNotConfigured  = errors.New("agent not configured")
	ErrAgentDisabled       = errors.New("agent disabled")
	ErrNoLiveAgent         = errors.New("no live agent for task")
	ErrStdinNotWritable    = errors.New("agent stdin is not writable")
	ErrSpawnFailed         = errors.New("agent spawn failed")
)
