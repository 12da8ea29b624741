package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
	"github.com/hochfrequenz/batch-orchestrator/internal/logging"
	"github.com/hochfrequenz/batch-orchestrator/internal/sessions"
)

func testLocal(t *testing.T) (*Local, *sessions.Registry) {
	t.Helper()
	reg := sessions.NewRegistry()
	policy := NewPolicy([]string{"sh", "sleep"}, []string{"rm"})
	return NewLocal(policy, reg, logging.Discard()), reg
}

func TestLocal_Execute(t *testing.T) {
	l, reg := testLocal(t)
	res, err := l.Execute(context.Background(), Request{
		Command: []string{"sh", "-c", "echo hello"},
		Workdir: t.TempDir(),
		BatchID: "b1", AttemptID: "a1",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("Stdout = %q, want hello", res.Stdout)
	}
	if res.Mode != domain.ModeLocal {
		t.Errorf("Mode = %v, want %v", res.Mode, domain.ModeLocal)
	}
	if reg.Count() != 0 {
		t.Errorf("sessions left after execute = %d, want 0", reg.Count())
	}
}

func TestLocal_Execute_Workdir(t *testing.T) {
	l, _ := testLocal(t)
	dir := t.TempDir()
	res, err := l.Execute(context.Background(), Request{
		Command: []string{"sh", "-c", "pwd"},
		Workdir: dir,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if strings.TrimSpace(res.Stdout) != dir {
		t.Errorf("pwd = %q, want %q", strings.TrimSpace(res.Stdout), dir)
	}
}

func TestLocal_Execute_Env(t *testing.T) {
	l, _ := testLocal(t)
	res, err := l.Execute(context.Background(), Request{
		Command: []string{"sh", "-c", "echo $BATCH_GREETING"},
		Workdir: t.TempDir(),
		Env:     map[string]string{"BATCH_GREETING": "hi"},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "hi" {
		t.Errorf("Stdout = %q, want hi", res.Stdout)
	}
}

func TestLocal_Execute_NonZeroExit(t *testing.T) {
	l, _ := testLocal(t)
	res, err := l.Execute(context.Background(), Request{
		Command: []string{"sh", "-c", "echo oops >&2; exit 3"},
		Workdir: t.TempDir(),
	})
	if domain.KindOf(err) != domain.KindExecution {
		t.Fatalf("Execute() error kind = %v, want %v", domain.KindOf(err), domain.KindExecution)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "oops") {
		t.Errorf("Stderr = %q, want to contain oops", res.Stderr)
	}
}

func TestLocal_Execute_Timeout(t *testing.T) {
	l, _ := testLocal(t)
	start := time.Now()
	res, err := l.Execute(context.Background(), Request{
		Command: []string{"sleep", "30"},
		Workdir: t.TempDir(),
		Timeout: 100 * time.Millisecond,
	})
	if domain.KindOf(err) != domain.KindExecution {
		t.Fatalf("Execute() error kind = %v, want %v", domain.KindOf(err), domain.KindExecution)
	}
	if res.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1", res.ExitCode)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %s, process was not killed", elapsed)
	}
}

func TestLocal_Execute_PolicyGate(t *testing.T) {
	l, reg := testLocal(t)
	_, err := l.Execute(context.Background(), Request{
		Command: []string{"rm", "-rf", "x"},
		Workdir: t.TempDir(),
	})
	if domain.KindOf(err) != domain.KindPolicy {
		t.Fatalf("Execute() error kind = %v, want %v", domain.KindOf(err), domain.KindPolicy)
	}
	if reg.Count() != 0 {
		t.Errorf("sessions registered = %d, want 0", reg.Count())
	}
}
