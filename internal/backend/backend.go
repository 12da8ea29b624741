// Package backend invokes the configured coding backend on one unit of
// work. Requests are structured and rendered to the wire prompt by a pure
// encoder, so the exact text a backend receives is testable without
// executing anything.
package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
	"github.com/hochfrequenz/batch-orchestrator/internal/sandbox"
)

// Request is the structured input for one backend invocation
type Request struct {
	Instructions string   // the work itself
	Context      string   // plan and dependency background
	Constraints  []string // rules appended verbatim
}

// Encode renders the wire prompt. It is pure: equal requests always
// produce identical text.
func (r Request) Encode() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(r.Instructions))

	if ctx := strings.TrimSpace(r.Context); ctx != "" {
		b.WriteString("\n\nContext:\n")
		b.WriteString(ctx)
	}

	if len(r.Constraints) > 0 {
		b.WriteString("\n\nConstraints:\n")
		for _, c := range r.Constraints {
			b.WriteString("- ")
			b.WriteString(c)
			b.WriteString("\n")
		}
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}

// Invocation locates one backend call
type Invocation struct {
	Backend   string // named command set; empty selects the default
	Workdir   string
	Mount     string
	RunID     string
	BatchID   string
	AttemptID string
}

// Invoker runs an encoded request to completion
type Invoker interface {
	Invoke(ctx context.Context, req Request, inv Invocation) (*sandbox.Result, error)
}

var batchConstraints = []string{
	"Work only inside the current directory.",
	"Commit every change you make with a descriptive message.",
	"Run the project's tests before finishing and make them pass.",
	"Do not ask for clarification; make reasonable decisions and note them in commit messages.",
}

// BatchRequest builds the request for implementing one batch. Task lines
// come pre-resolved so the encoder stays independent of the task store.
func BatchRequest(spec string, batch *domain.Batch, tasks []string, completedDeps []string) Request {
	var ins strings.Builder
	fmt.Fprintf(&ins, "Implement the batch %q from plan %q.\n", batch.Name, spec)
	if len(tasks) > 0 {
		ins.WriteString("\nTasks:\n")
		for i, task := range tasks {
			fmt.Fprintf(&ins, "%d. %s\n", i+1, task)
		}
	}

	var ctx strings.Builder
	fmt.Fprintf(&ctx, "Batch id: %s.", batch.ID)
	if batch.Rationale != "" {
		fmt.Fprintf(&ctx, "\nRationale: %s", batch.Rationale)
	}
	deps := "none"
	if len(completedDeps) > 0 {
		deps = strings.Join(completedDeps, ", ")
	}
	fmt.Fprintf(&ctx, "\nCompleted dependencies: %s.", deps)

	return Request{
		Instructions: ins.String(),
		Context:      ctx.String(),
		Constraints:  batchConstraints,
	}
}

// ConflictRequest builds the request for resolving merge conflicts left in
// the working tree after a failed integration. specText describes the work
// the branch carries so the resolver knows which side's intent to keep.
func ConflictRequest(branch, target string, files []string, specText string) Request {
	var ins strings.Builder
	fmt.Fprintf(&ins, "Resolve the merge conflicts from merging branch %q into %q.\n", branch, target)
	ins.WriteString("\nConflicted files:\n")
	for _, f := range files {
		fmt.Fprintf(&ins, "- %s\n", f)
	}

	ctx := "The merge has been started and stopped on conflicts. " +
		"Conflict markers are present in the files listed above."
	if specText = strings.TrimSpace(specText); specText != "" {
		ctx += "\n\nWork carried by the branch:\n" + specText
	}

	return Request{
		Instructions: ins.String(),
		Context:      ctx,
		Constraints: []string{
			"Edit only the conflicted files.",
			"Remove every conflict marker and keep both sides' intent.",
			"Stage the resolved files with git add; do not commit.",
			"Do not abort the merge.",
		},
	}
}
