package agent

import (
	"testing"
	"time"

	"github.com/obadiaha/veritas-kanban/internal/board"
)

func TestProjectStarted(t *testing.T) {
	started := time.Now().UTC()
	patch := ProjectStarted("attempt_1", "claude-code", started)
	if patch.Status == nil || *patch.Status != board.StatusInProgress {
		t.Fatalf("expected in-progress status, got %+v", patch.Status)
	}
	a := patch.Attempt
	if a == nil || a.ID != "attempt_1" || a.Status != board.AttemptRunning || !a.Started.Equal(started) {
		t.Fatalf("unexpected attempt: %+v", a)
	}
	if a.Ended != nil || a.ExitCode != nil {
		t.Fatalf("running attempt must have no end state: %+v", a)
	}
}

func TestProjectExited(t *testing.T) {
	started := time.Now().UTC()
	ended := started.Add(time.Second)

	ok := ProjectExited("attempt_1", "amp", started, 0, ended)
	if *ok.Status != board.StatusReview || ok.Attempt.Status != board.AttemptComplete {
		t.Fatalf("exit 0: %+v", ok)
	}
	failed := ProjectExited("attempt_1", "amp", started, 2, ended)
	// Failure lands in review too; the board owner triages from there.
	if *failed.Status != board.StatusReview || failed.Attempt.Status != board.AttemptFailed {
		t.Fatalf("exit 2: %+v", failed)
	}
	if failed.Attempt.ExitCode == nil || *failed.Attempt.ExitCode != 2 {
		t.Fatalf("exit code not recorded: %+v", failed.Attempt)
	}
	if failed.Attempt.Ended == nil || failed.Attempt.Ended.Before(failed.Attempt.Started) {
		t.Fatalf("ended must be >= started: %+v", failed.Attempt)
	}
}

func TestProjectStopped(t *testing.T) {
	started := time.Now().UTC()
	patch := ProjectStopped("attempt_1", "amp", started, started.Add(time.Second))
	if patch.Status != nil {
		t.Fatalf("stop must not change task status, got %v", *patch.Status)
	}
	if patch.Attempt.Status != board.AttemptFailed || patch.Attempt.Ended == nil {
		t.Fatalf("unexpected attempt: %+v", patch.Attempt)
	}
}
