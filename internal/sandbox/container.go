package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
	"github.com/hochfrequenz/batch-orchestrator/internal/sessions"
)

// Container executes commands inside a docker or podman container with the
// network disabled and memory/pid ceilings applied. Each execution gets a
// named container registered as a session for the lifetime of the call.
type Container struct {
	runtime   string
	image     string
	memory    string
	pidsLimit int
	policy    *Policy
	sessions  *sessions.Registry
	logger    *slog.Logger
}

func NewContainer(runtime, image, memory string, pidsLimit int, policy *Policy, reg *sessions.Registry, logger *slog.Logger) *Container {
	return &Container{
		runtime:   runtime,
		image:     image,
		memory:    memory,
		pidsLimit: pidsLimit,
		policy:    policy,
		sessions:  reg,
		logger:    logger,
	}
}

func (c *Container) Mode() domain.ExecutionMode { return domain.ModeContainer }

func (c *Container) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := c.policy.Check(req.Command); err != nil {
		return nil, err
	}

	name := sessionName("batch-orch", req)
	c.sessions.Create(&sessions.Session{
		ID:        name,
		Kind:      sessions.KindContainer,
		RunID:     req.RunID,
		BatchID:   req.BatchID,
		AttemptID: req.AttemptID,
	})
	defer func() {
		if req.KeepOnExit {
			c.logger.Info("keeping container for inspection", "container", name)
			return
		}
		c.remove(name)
		c.sessions.Destroy(name)
	}()

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := c.buildArgs(name, req)
	c.logger.Debug("container execute", "runtime", c.runtime, "container", name, "command", req.Command)

	cmd := exec.CommandContext(runCtx, c.runtime, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		Mode:     domain.ModeContainer,
	}

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			// CommandContext kills the client; the container itself may
			// outlive it and has to be stopped explicitly.
			c.kill(name)
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
			"failed to start %s container", c.runtime)
	}
	return res, nil
}

// buildArgs assembles the run invocation: no network, hard memory and pid
// ceilings, all capabilities dropped, and the workspace bind-mounted
// read-write at a fixed path.
func (c *Container) buildArgs(name string, req Request) []string {
	mount := req.Mount
	if mount == "" {
		mount = req.Workdir
	}

	args := []string{"run", "--name", name}
	if !req.KeepOnExit {
		args = append(args, "--rm")
	}
	args = append(args,
		"--network", "none",
		"--memory", c.memory,
		"--pids-limit", strconv.Itoa(c.pidsLimit),
		"--cap-drop", "ALL",
		"-v", fmt.Sprintf("%s:%s:rw", mount, MountPath),
		"-w", containerWorkdir(mount, req.Workdir),
	)

	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+req.Env[k])
	}

	args = append(args, c.image)
	args = append(args, req.Command...)
	return args
}

// containerWorkdir maps the host working directory into the mount. A
// workdir outside the mount falls back to the mount root.
func containerWorkdir(mount, workdir string) string {
	if workdir == "" || workdir == mount {
		return MountPath
	}
	rel, err := filepath.Rel(mount, workdir)
	if err != nil || rel == "." || len(rel) >= 2 && rel[:2] == ".." {
		return MountPath
	}
	return filepath.Join(MountPath, rel)
}

func (c *Container) kill(name string) {
	if err := exec.Command(c.runtime, "kill", name).Run(); err != nil {
		c.logger.Debug("container kill", "container", name, "error", err)
	}
}

func (c *Container) remove(name string) {
	if err := exec.Command(c.runtime, "rm", "-f", name).Run(); err != nil {
		c.logger.Debug("container remove", "container", name, "error", err)
	}
}
