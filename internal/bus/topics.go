package bus

// Worker runtime event topics.
const (
	// TopicTaskCountChanged is published by the worker runtime whenever the
	// number of in-flight tasks changes. The local agent daemon subscribes to
	// this instead of receiving a synchronous callback from the runtime.
	TopicTaskCountChanged = "worker.task_count_changed"
)

// Task lifecycle topics, published by the Task Store on every transition
// (§4.1) so servers and daemons can push live board updates without polling.
const (
	TopicTaskClaimed   = "task.claimed"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
	TopicTaskCancelled = "task.cancelled"
)

// TaskStateChangedEvent carries a single task transition.
type TaskStateChangedEvent struct {
	TaskID    string
	BoardID   string
	CardID    string
	OldStatus string
	NewStatus string
}

// TopicWorkerOffline is published by the staleness sweep when a worker
// crosses the offline threshold (§4.4).
const TopicWorkerOffline = "worker.offline"

// WorkerStatusEvent carries a worker liveness transition.
type WorkerStatusEvent struct {
	WorkerID string
	Status   string
}

// Automation event topics.
const (
	// TopicAutomationTriggered is published when the automation trigger
	// synthesizes a new task for a card arriving in a column.
	TopicAutomationTriggered = "automation.triggered"
	// TopicAutomationSkipped is published when the circuit breaker or a
	// missing agent_type suppresses synthesis.
	TopicAutomationSkipped = "automation.skipped"
)

// TaskCountChangedEvent carries the worker runtime's current in-flight count.
type TaskCountChangedEvent struct {
	WorkerID string
	Running  int
}

// AutomationEvent describes the outcome of evaluating maybe_trigger for a
// card arriving in a column.
type AutomationEvent struct {
	CardID   string
	ColumnID string
	TaskID   string // empty when skipped
	Reason   string // set when skipped: "not_auto_run", "circuit_breaker"
}
