package process

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestRun_CapturesStdoutAndStderr(t *testing.T) {
	ctx := context.Background()
	cmd := Command(ctx, "sh", "-c", "echo problem >&2; echo ok")

	stdout, stderr, err := Run(ctx, cmd, nil)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !strings.Contains(string(stdout), "ok") {
		t.Errorf("stdout = %q, want it to contain %q", stdout, "ok")
	}
	if !strings.Contains(string(stderr), "problem") {
		t.Errorf("stderr = %q, want it to contain %q", stderr, "problem")
	}
}

// Output well above the 64KB pipe buffer must not deadlock.
func TestRun_LargeOutputDoesNotDeadlock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := Command(ctx, "sh", "-c", `i=0; while [ $i -lt 20000 ]; do echo "line $i padding padding"; echo "err $i" >&2; i=$((i+1)); done`)

	stdout, stderr, err := Run(ctx, cmd, nil)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if lines := strings.Count(string(stdout), "\n"); lines != 20000 {
		t.Errorf("stdout lines = %d, want 20000", lines)
	}
	if len(stderr) == 0 {
		t.Error("expected stderr to be captured")
	}
}

func TestRun_NonZeroExitKeepsOutput(t *testing.T) {
	ctx := context.Background()
	cmd := Command(ctx, "sh", "-c", "echo partial; echo broken >&2; exit 3")

	stdout, _, err := Run(ctx, cmd, nil)
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected *ExitError, got %T: %v", err, err)
	}
	if exitErr.Code != 3 {
		t.Errorf("exit code = %d, want 3", exitErr.Code)
	}
	if ExitCode(err) != 3 {
		t.Errorf("ExitCode() = %d, want 3", ExitCode(err))
	}
	if !strings.Contains(exitErr.Error(), "broken") {
		t.Errorf("error %q should carry stderr", exitErr.Error())
	}
	if !strings.Contains(string(stdout), "partial") {
		t.Errorf("stdout = %q, want captured output despite failure", stdout)
	}
}

func TestRun_MissingBinaryIsStartError(t *testing.T) {
	ctx := context.Background()
	cmd := Command(ctx, "definitely-not-a-real-binary-4242")

	_, _, err := Run(ctx, cmd, nil)

	var startErr *StartError
	if !errors.As(err, &startErr) {
		t.Fatalf("expected *StartError, got %T: %v", err, err)
	}
	if !IsNotFound(err) {
		t.Errorf("IsNotFound(%v) = false, want true", err)
	}
}

func TestRun_ContextCancellationKillsProcess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	cmd := Command(ctx, "sh", "-c", "sleep 30")
	_, _, err := Run(ctx, cmd, nil)

	if err == nil {
		t.Fatal("expected error due to context deadline")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("process was not terminated promptly")
	}
}

func TestRun_TracksWhileRunning(t *testing.T) {
	pm := NewManager()
	ctx := context.Background()

	cmd := Command(ctx, "sh", "-c", "echo tracked")
	if _, _, err := Run(ctx, cmd, pm); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if pm.Count() != 0 {
		t.Errorf("tracked processes = %d after exit, want 0", pm.Count())
	}
}

func TestManager_KillAll(t *testing.T) {
	pm := NewManager()

	cmd := Command(context.Background(), "sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start subprocess: %v", err)
	}
	pm.Track(cmd)

	if pm.Count() != 1 {
		t.Fatalf("tracked processes = %d, want 1", pm.Count())
	}

	if err := pm.KillAll(); err != nil {
		t.Errorf("KillAll() failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			t.Fatalf("expected *exec.ExitError, got %v", err)
		}
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && !status.Signaled() {
			t.Errorf("expected process to be signaled, got %v", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("process did not terminate after KillAll()")
	}

	pm.Untrack(cmd)
	if pm.Count() != 0 {
		t.Errorf("tracked processes = %d after Untrack, want 0", pm.Count())
	}
}
