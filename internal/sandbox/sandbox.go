// Package sandbox runs commands inside an isolated, resource-limited
// container, or through a local fallback with the identical interface.
// Which path a run uses is a single explicit capability decision made by
// Selector.Select, never a per-call substitution.
package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
	"github.com/hochfrequenz/batch-orchestrator/internal/sessions"
)

// MountPath is the fixed in-container location of the workspace
const MountPath = "/workspace"

// Request describes one command execution
type Request struct {
	Command    []string
	Workdir    string            // host directory the command runs in
	Mount      string            // host directory mounted at MountPath; defaults to Workdir
	Env        map[string]string // extra environment
	Timeout    time.Duration     // 0 means no ceiling
	KeepOnExit bool              // retain the execution context for debugging

	// Session bookkeeping
	RunID     string
	BatchID   string
	AttemptID string
}

// Result reports a finished execution
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Mode     domain.ExecutionMode
}

// Executor is the sandbox boundary. Execute returns a nil error exactly
// when the command ran to completion with exit code zero; non-zero exits
// and timeouts carry an execution-kind error alongside the result.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
	Mode() domain.ExecutionMode
}

// Available probes a container runtime client
func Available(ctx context.Context, runtime string) error {
	cmd := exec.CommandContext(ctx, runtime, "version")
	if err := cmd.Run(); err != nil {
		return domain.WrapError(domain.KindConfiguration, "sandbox probe", err, "%s is not available", runtime)
	}
	return nil
}

// Selector makes the per-run capability decision
type Selector struct {
	Runtime    string // auto, docker, podman or none
	Image      string
	Memory     string
	PidsLimit  int
	AllowLocal bool
	Policy     *Policy
	Sessions   *sessions.Registry
	Logger     *slog.Logger

	// Probe overrides the runtime health check, for tests
	Probe func(ctx context.Context, runtime string) error
}

// Select decides the execution path for a whole run and logs the
// decision. Local execution is only ever chosen here: explicitly via the
// "none" runtime, or as a logged fallback when no runtime is healthy.
func (s *Selector) Select(ctx context.Context) (Executor, error) {
	probe := s.Probe
	if probe == nil {
		probe = Available
	}

	if s.Runtime == "none" {
		s.Logger.Warn("sandbox disabled by configuration, executing on the host")
		return NewLocal(s.Policy, s.Sessions, s.Logger), nil
	}

	candidates := []string{s.Runtime}
	if s.Runtime == "auto" || s.Runtime == "" {
		candidates = []string{"docker", "podman"}
	}

	var probeErr error
	for _, runtime := range candidates {
		if err := probe(ctx, runtime); err != nil {
			probeErr = err
			continue
		}
		s.Logger.Info("sandbox runtime selected",
			"runtime", runtime, "image", s.Image, "memory", s.Memory)
		return NewContainer(runtime, s.Image, s.Memory, s.PidsLimit, s.Policy, s.Sessions, s.Logger), nil
	}

	if s.AllowLocal {
		s.Logger.Warn("isolation runtime unavailable, falling back to local execution",
			"tried", candidates, "error", probeErr)
		return NewLocal(s.Policy, s.Sessions, s.Logger), nil
	}

	return nil, domain.WrapError(domain.KindConfiguration, "sandbox select", probeErr,
		"no isolation runtime available and local fallback is disabled")
}

func randomSuffix() string {
	b := make([]byte, 3)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func sessionName(prefix string, req Request) string {
	if req.BatchID != "" && req.AttemptID != "" {
		return fmt.Sprintf("%s-%s-%s", prefix, req.BatchID, req.AttemptID)
	}
	return fmt.Sprintf("%s-%s", prefix, randomSuffix())
}
