package sandbox

import (
	"context"
	"slices"
	"testing"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
	"github.com/hochfrequenz/batch-orchestrator/internal/logging"
	"github.com/hochfrequenz/batch-orchestrator/internal/sessions"
)

func testContainer(t *testing.T) (*Container, *sessions.Registry) {
	t.Helper()
	reg := sessions.NewRegistry()
	policy := NewPolicy([]string{"sh", "git"}, []string{"rm"})
	c := NewContainer("docker", "debian:bookworm-slim", "2g", 256, policy, reg, logging.Discard())
	return c, reg
}

func TestContainer_BuildArgs(t *testing.T) {
	c, _ := testContainer(t)
	args := c.buildArgs("batch-orch-b1-a1", Request{
		Command: []string{"sh", "-c", "true"},
		Workdir: "/tmp/work",
		Env:     map[string]string{"B": "2", "A": "1"},
	})

	want := []string{
		"run", "--name", "batch-orch-b1-a1", "--rm",
		"--network", "none",
		"--memory", "2g",
		"--pids-limit", "256",
		"--cap-drop", "ALL",
		"-v", "/tmp/work:/workspace:rw",
		"-w", "/workspace",
		"-e", "A=1",
		"-e", "B=2",
		"debian:bookworm-slim",
		"sh", "-c", "true",
	}
	if !slices.Equal(args, want) {
		t.Errorf("buildArgs() =\n  %v\nwant\n  %v", args, want)
	}
}

func TestContainer_BuildArgs_KeepOnExit(t *testing.T) {
	c, _ := testContainer(t)
	args := c.buildArgs("n", Request{
		Command:    []string{"sh"},
		Workdir:    "/tmp/work",
		KeepOnExit: true,
	})
	if slices.Contains(args, "--rm") {
		t.Error("buildArgs() with KeepOnExit should not include --rm")
	}
}

func TestContainer_BuildArgs_WorkdirInsideMount(t *testing.T) {
	c, _ := testContainer(t)
	args := c.buildArgs("n", Request{
		Command: []string{"sh"},
		Workdir: "/tmp/work/sub/dir",
		Mount:   "/tmp/work",
	})
	if !slices.Contains(args, "/tmp/work:/workspace:rw") {
		t.Errorf("buildArgs() missing mount, got %v", args)
	}
	if !slices.Contains(args, "/workspace/sub/dir") {
		t.Errorf("buildArgs() missing mapped workdir, got %v", args)
	}
}

func TestContainerWorkdir(t *testing.T) {
	tests := []struct {
		mount   string
		workdir string
		want    string
	}{
		{"/tmp/work", "/tmp/work", "/workspace"},
		{"/tmp/work", "", "/workspace"},
		{"/tmp/work", "/tmp/work/sub", "/workspace/sub"},
		{"/tmp/work", "/elsewhere", "/workspace"},
	}
	for _, tt := range tests {
		if got := containerWorkdir(tt.mount, tt.workdir); got != tt.want {
			t.Errorf("containerWorkdir(%q, %q) = %q, want %q", tt.mount, tt.workdir, got, tt.want)
		}
	}
}

// A policy rejection happens before any container or session is allocated.
func TestContainer_PolicyGatePrecedesAllocation(t *testing.T) {
	c, reg := testContainer(t)
	_, err := c.Execute(context.Background(), Request{
		Command: []string{"rm", "-rf", "/"},
		Workdir: t.TempDir(),
		BatchID: "b1", AttemptID: "a1",
	})
	if domain.KindOf(err) != domain.KindPolicy {
		t.Fatalf("Execute() error kind = %v, want %v", domain.KindOf(err), domain.KindPolicy)
	}
	if reg.Count() != 0 {
		t.Errorf("sessions registered = %d, want 0", reg.Count())
	}
}
