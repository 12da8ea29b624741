package sandbox

import (
	"path/filepath"
	"strings"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
)

// Policy gates every command before any execution context is allocated.
// Blocked patterns always win over the allowlist.
type Policy struct {
	allowed []string
	blocked []string
}

func NewPolicy(allowed, blocked []string) *Policy {
	return &Policy{allowed: allowed, blocked: blocked}
}

// Check rejects a command whose program matches a blocked pattern or, when
// an allowlist is configured, fails to match it. Matching is on the
// program only, never its arguments.
func (p *Policy) Check(command []string) error {
	if len(command) == 0 {
		return domain.Errorf(domain.KindPolicy, "sandbox policy", "empty command")
	}

	program := command[0]
	base := filepath.Base(program)

	for _, pattern := range p.blocked {
		if matchesPattern(base, pattern) {
			return domain.Errorf(domain.KindPolicy, "sandbox policy",
				"program %q matches blocked pattern %q", program, pattern)
		}
	}

	if len(p.allowed) == 0 {
		return nil
	}
	for _, entry := range p.allowed {
		if base == entry || strings.HasSuffix(program, "/"+entry) {
			return nil
		}
	}
	return domain.Errorf(domain.KindPolicy, "sandbox policy",
		"program %q is not in the allowed list", program)
}

// matchesPattern compares a program base name against a blocked pattern,
// supporting a trailing * wildcard ("nc*" matches ncat).
func matchesPattern(base, pattern string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(base, prefix)
	}
	return base == pattern
}
