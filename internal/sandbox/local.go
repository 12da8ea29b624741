package sandbox

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
	"github.com/hochfrequenz/batch-orchestrator/internal/sessions"
)

// Local executes commands directly on the host. It applies the same
// policy gate and timeout handling as the container path but provides no
// isolation, so it is only reachable through the explicit capability
// decision in Selector.Select.
type Local struct {
	policy   *Policy
	sessions *sessions.Registry
	logger   *slog.Logger
}

func NewLocal(policy *Policy, reg *sessions.Registry, logger *slog.Logger) *Local {
	return &Local{policy: policy, sessions: reg, logger: logger}
}

func (l *Local) Mode() domain.ExecutionMode { return domain.ModeLocal }

func (l *Local) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := l.policy.Check(req.Command); err != nil {
		return nil, err
	}

	name := sessionName("local", req)
	l.sessions.Create(&sessions.Session{
		ID:        name,
		Kind:      sessions.KindProcess,
		RunID:     req.RunID,
		BatchID:   req.BatchID,
		AttemptID: req.AttemptID,
	})
	defer l.sessions.Destroy(name)

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, req.Command[0], req.Command[1:]...)
	cmd.Dir = req.Workdir
	cmd.Env = os.Environ()
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	l.logger.Debug("local execute", "command", req.Command, "workdir", req.Workdir)

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		Mode:     domain.ModeLocal,
	}

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			res.ExitCode = -1
			return res, domain.WrapError(domain.KindExecution, "sandbox run", err,
				"timed out after %s", req.Timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, domain.Errorf(domain.KindExecution, "sandbox run",
				"command exited with code %d", res.ExitCode)
		}
		return res, domain.WrapError(domain.KindResource, "sandbox run", err,
			"failed to start command")
	}
	return res, nil
}
