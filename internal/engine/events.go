package engine

import "time"

// EventType names a progress notification
type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventBatchStarted   EventType = "batch_started"
	EventBatchCompleted EventType = "batch_completed"
	EventBatchFailed    EventType = "batch_failed"
	EventRunFinished    EventType = "run_finished"
)

// Event is a progress notification emitted from the coordination loop.
// Emission order follows the run's serialized completion handling, so
// subscribers observe transitions in a consistent order.
type Event struct {
	Type    EventType `json:"type"`
	RunID   string    `json:"runId"`
	Spec    string    `json:"spec"`
	BatchID string    `json:"batchId,omitempty"`
	Status  string    `json:"status,omitempty"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}
