package domain

// BatchStatus represents the lifecycle state of a batch
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// RunStatus represents the execution state of a run
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskComplete TaskStatus = "complete"
)

// WorktreeStatus represents the lifecycle state of an isolated working copy
type WorktreeStatus string

const (
	WorktreeCreating WorktreeStatus = "creating"
	WorktreeReady    WorktreeStatus = "ready"
	WorktreeInUse    WorktreeStatus = "in_use"
	WorktreeCleanup  WorktreeStatus = "cleanup"
	WorktreeDeleted  WorktreeStatus = "deleted"
)

// ExecutionMode is the trust boundary a run executes under. It is decided
// once per run and recorded on the Run, never switched per call.
type ExecutionMode string

const (
	ModeContainer ExecutionMode = "container"
	ModeLocal     ExecutionMode = "local"
	ModeNone      ExecutionMode = "none"
)

// Strategy hints how aggressively unblocked batches may overlap
type Strategy string

const (
	StrategyParallel Strategy = "parallel"
	StrategySerial   Strategy = "serial"
)
