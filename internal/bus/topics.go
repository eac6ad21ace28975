package bus

// Run lifecycle topics.
const (
	TopicRunStarted   = "run.started"
	TopicRunLog       = "run.log"
	TopicRunCompleted = "run.completed"
	TopicRunFailed    = "run.failed"
	TopicRunCancelled = "run.cancelled"
)

// Queue lifecycle topics.
const (
	TopicQueueStarted      = "queue.started"
	TopicQueuePhaseStarted = "queue.phase_started"
	TopicQueueTaskMerged   = "queue.task_merged"
	TopicQueueCompleted    = "queue.completed"
	TopicQueueFailed       = "queue.failed"
	TopicQueueAborted      = "queue.aborted"
)

// RunEvent is published on every run state transition.
type RunEvent struct {
	RunID  string // Run ID
	PlanID string // Owning plan ID
	TaskID string // Owning task ID
	Status string // New run status
	Reason string // Human-readable reason for the transition
}

// RunLogEvent carries one log line emitted by the execution service.
type RunLogEvent struct {
	RunID  string
	PlanID string
	TaskID string
	Line   string
}

// QueueEvent is published on queue milestones (start, phase, merge, exit).
type QueueEvent struct {
	PlanID string // Plan the queue run belongs to
	Phase  int    // Phase ordinal, starting at 1; 0 when not phase-scoped
	TaskID string // Task ID for per-task milestones, "" otherwise
	Detail string // Human-readable milestone detail
}
