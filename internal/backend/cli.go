package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hochfrequenz/batch-orchestrator/internal/config"
	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
	"github.com/hochfrequenz/batch-orchestrator/internal/sandbox"
	"github.com/hochfrequenz/batch-orchestrator/internal/sessions"
)

// backendNamespace seeds deterministic session ids so a retried batch in
// the same run reuses its backend session
var backendNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// SessionID derives the stable backend session id for a batch within a run
func SessionID(runID, batchID string) string {
	return uuid.NewSHA1(backendNamespace, []byte(runID+"/"+batchID)).String()
}

// CLI invokes a backend through its configured command line, executed
// inside the selected sandbox. The encoded prompt is appended as the final
// argument of the command template.
type CLI struct {
	cfg      config.BackendConfig
	executor sandbox.Executor
	sessions *sessions.Registry
	logger   *slog.Logger
}

func NewCLI(cfg config.BackendConfig, exec sandbox.Executor, reg *sessions.Registry, logger *slog.Logger) *CLI {
	return &CLI{cfg: cfg, executor: exec, sessions: reg, logger: logger}
}

func (c *CLI) Invoke(ctx context.Context, req Request, inv Invocation) (*sandbox.Result, error) {
	name := inv.Backend
	if name == "" {
		name = c.cfg.Default
	}
	template := c.cfg.Commands[name]
	if len(template) == 0 {
		return nil, domain.Errorf(domain.KindConfiguration, "backend invoke",
			"no command configured for backend %q", name)
	}

	sessionID := SessionID(inv.RunID, inv.BatchID)
	c.sessions.Create(&sessions.Session{
		ID:        sessionID,
		Kind:      sessions.KindBackend,
		RunID:     inv.RunID,
		BatchID:   inv.BatchID,
		AttemptID: inv.AttemptID,
	})
	defer c.sessions.Destroy(sessionID)

	command := make([]string, len(template), len(template)+1)
	copy(command, template)
	command = append(command, req.Encode())

	c.logger.Info("invoking backend",
		"backend", name, "batch", inv.BatchID, "session", sessionID, "workdir", inv.Workdir)

	res, err := c.executor.Execute(ctx, sandbox.Request{
		Command:   command,
		Workdir:   inv.Workdir,
		Mount:     inv.Mount,
		Env:       c.cfg.Env,
		Timeout:   c.cfg.Timeout(),
		RunID:     inv.RunID,
		BatchID:   inv.BatchID,
		AttemptID: inv.AttemptID,
	})
	if err != nil {
		return res, fmt.Errorf("backend %s: %w", name, err)
	}

	c.logger.Info("backend finished",
		"backend", name, "batch", inv.BatchID, "duration", res.Duration)
	return res, nil
}
