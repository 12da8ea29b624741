// Package notify reports finished runs to the operator through desktop
// and webhook channels. Sending is best effort: errors are surfaced for
// logging and never affect the run that triggered them.
package notify

import (
	"fmt"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
)

// Level classifies a notification for channel-specific rendering
type Level int

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelSuccess:
		return "success"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Notification is one message about a run
type Notification struct {
	Title   string
	Message string
	Level   Level
	Spec    string
	RunID   string
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// Multi sends to several notifiers, attempting all of them
type Multi struct {
	notifiers []Notifier
}

func NewMulti(notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers}
}

func (m *Multi) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Noop drops every notification
type Noop struct{}

func (Noop) Send(Notification) error { return nil }

// FromRun renders the standard notification for a finished run
func FromRun(run *domain.Run) Notification {
	n := Notification{Spec: run.Spec, RunID: run.ID}

	switch run.Status {
	case domain.RunCompleted:
		n.Level = LevelSuccess
		n.Title = "Run completed: " + run.Spec
		if run.DryRun {
			n.Message = fmt.Sprintf("walked %d batches (dry run)", run.Summary.Total)
		} else {
			n.Message = fmt.Sprintf("%d of %d batches merged", run.Summary.Completed, run.Summary.Total)
		}
	case domain.RunAborted:
		n.Level = LevelWarning
		n.Title = "Run aborted: " + run.Spec
		n.Message = fmt.Sprintf("%d of %d batches finished before the abort", run.Summary.Completed, run.Summary.Total)
	default:
		n.Level = LevelError
		n.Title = "Run failed: " + run.Spec
		n.Message = run.Error
		if n.Message == "" {
			n.Message = fmt.Sprintf("%d of %d batches failed", run.Summary.Failed, run.Summary.Total)
		}
	}
	return n
}
