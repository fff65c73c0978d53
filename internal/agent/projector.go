package agent

import (
	"time"

	"github.com/obadiaha/veritas-kanban/internal/board"
)

// The projector maps supervisor lifecycle points to task patches. Pure
// functions, so the state transitions are testable without spawning a
// process.

// ProjectStarted moves the task to in-progress with a fresh running attempt.
func ProjectStarted(attemptID, agent string, started time.Time) board.TaskPatch {
	status := board.StatusInProgress
	return board.TaskPatch{
		Status: &status,
		Attempt: &board.Attempt{
			ID:      attemptID,
			Agent:   agent,
			Status:  board.AttemptRunning,
			Started: started,
		},
	}
}

// ProjectExited finalizes the attempt on child exit and moves the task to
// review regardless of exit code. (Success and failure both land in review;
// the board owner decides what happens next.)
func ProjectExited(attemptID, agent string, started time.Time, exitCode int, ended time.Time) board.TaskPatch {
	status := board.StatusReview
	attemptStatus := board.AttemptFailed
	if exitCode == 0 {
		attemptStatus = board.AttemptComplete
	}
	code := exitCode
	end := ended
	return board.TaskPatch{
		Status: &status,
		Attempt: &board.Attempt{
			ID:       attemptID,
			Agent:    agent,
			Status:   attemptStatus,
			Started:  started,
			Ended:    &end,
			ExitCode: &code,
		},
	}
}

// ProjectStopped marks the attempt failed when the user stops the agent. The
// task status is left alone; the exit handler still runs and lands it in
// review.
func ProjectStopped(attemptID, agent string, started, ended time.Time) board.TaskPatch {
	end := ended
	return board.TaskPatch{
		Attempt: &board.Attempt{
			ID:      attemptID,
			Agent:   agent,
			Status:  board.AttemptFailed,
			Started: started,
			Ended:   &end,
		},
	}
}
