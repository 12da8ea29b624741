package domain

import (
	"errors"
	"fmt"
	"os"
	"testing"
)

func TestError_Message(t *testing.T) {
	err := WrapError(KindResource, "worktree create", os.ErrNotExist, "repo %s", "demo")
	want := "worktree create: resource: repo demo: file does not exist"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := WrapError(KindExecution, "sandbox run", cause, "command failed")

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
}

func TestKindOf(t *testing.T) {
	err := Errorf(KindPolicy, "sandbox policy", "program %q not allowed", "rm")
	wrapped := fmt.Errorf("executing batch: %w", err)

	if got := KindOf(wrapped); got != KindPolicy {
		t.Errorf("KindOf() = %q, want %q", got, KindPolicy)
	}
	if got := KindOf(errors.New("plain")); got != "" {
		t.Errorf("KindOf(plain) = %q, want empty", got)
	}
}

func TestIsKind(t *testing.T) {
	inner := Errorf(KindExecution, "sandbox run", "exit 1")
	outer := WrapError(KindIntegration, "merge", inner, "escalation failed")

	if !IsKind(outer, KindIntegration) {
		t.Error("expected integration kind on outer error")
	}
	if !IsKind(outer, KindExecution) {
		t.Error("expected execution kind through the chain")
	}
	if IsKind(outer, KindGraph) {
		t.Error("did not expect graph kind")
	}
}
