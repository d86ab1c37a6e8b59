package store

import "time"

// TaskStatus is the canonical task lifecycle state (spec §4.1).
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskClaimed   TaskStatus = "claimed"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// allowedTransitions is the task state DAG (I1): pending -> claimed -> running
// -> {completed, failed, cancelled}; pending -> cancelled and claimed -> failed
// are also legal (S2/S4); terminal states have no outgoing edges.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskPending: {
		TaskClaimed:   {},
		TaskCancelled: {},
	},
	TaskClaimed: {
		TaskRunning:   {},
		TaskFailed:    {}, // worker claimed but never reported progress
		TaskCancelled: {},
	},
	TaskRunning: {
		TaskCompleted: {},
		TaskFailed:    {},
		TaskCancelled: {},
	},
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// WorkerStatus mirrors the three-state liveness model of §4.4.
type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "online"
	WorkerStale   WorkerStatus = "stale"
	WorkerOffline WorkerStatus = "offline"
)

// TaskType enumerates the dynamic task payload variant (§9 "Dynamic task
// payloads"). Unknown values are preserved verbatim and dispatched to the
// Unknown executor path rather than rejected at the store layer — only the
// worker runtime needs to recognize the type.
type TaskType string

const (
	TaskAgentRun           TaskType = "agent_run"
	TaskBoardPlan          TaskType = "board_plan"
	TaskCardGen            TaskType = "card_gen"
	TaskJiraImport         TaskType = "jira_import"
	TaskJiraPush           TaskType = "jira_push"
	TaskJiraSync           TaskType = "jira_sync"
	TaskGitLabCreateProject TaskType = "gitlab_create_project"
	TaskGitLabPush         TaskType = "gitlab_push"
)

// AgentStatus is the card's denormalized mirror of its latest task (I3).
type AgentStatus string

const (
	AgentStatusNone      AgentStatus = ""
	AgentStatusPending   AgentStatus = "pending"
	AgentStatusRunning   AgentStatus = "running"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusFailed    AgentStatus = "failed"
)

// Board holds the settings bag described in spec §3: nested keys under
// workspace/gitlab, stored as a flat struct for typed access but persisted as
// JSON so unknown keys round-trip.
type Board struct {
	ID          string
	Name        string
	Description string
	OwnerID     string
	Settings    BoardSettings
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BoardSettings is the typed projection of the board's JSON settings bag.
// Absence of a field is meaningful (spec §3): the zero value of each pointer
// or bool signals "not configured", never a default automation policy.
type BoardSettings struct {
	WorkspaceLocalPath    string `json:"workspace.local_path,omitempty"`
	WorkspaceGitLabProject string `json:"workspace.gitlab_project,omitempty"`

	GitLabProjectID      int    `json:"gitlab.project_id,omitempty"`
	GitLabProjectPath    string `json:"gitlab.project_path,omitempty"`
	GitLabDefaultBranch  string `json:"gitlab.default_branch,omitempty"`
	GitLabAutoPush       bool   `json:"gitlab.auto_push,omitempty"`
	GitLabPushOnComplete bool   `json:"gitlab.push_on_complete,omitempty"`
	GitLabMRPrefix       string `json:"gitlab.mr_prefix,omitempty"`
}

// Column is a board column with automation fields (spec §3).
type Column struct {
	ID               string
	BoardID          string
	Name             string
	Color            string
	Position         int
	AutoRun          bool
	AgentType        string
	AgentModel       string
	AgentSkill       string
	PromptTemplate   string
	MaxLoopCount     int
	OnSuccessColumnID string
	OnFailureColumnID string
}

// Terminal reports whether a column never triggers automation (auto_run = false).
func (c Column) Terminal() bool {
	return !c.AutoRun
}

// Card is a Kanban card with a denormalized agent-status mirror (I3).
type Card struct {
	ID          string
	BoardID     string
	ColumnID    string
	Title       string
	Description string
	Priority    string
	Labels      []string
	Assignee    string
	AgentStatus AgentStatus
	Position    int
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Task is a unit of work dispatched to a worker (spec §3).
type Task struct {
	ID       string
	BoardID  string
	CardID   string // empty when the task has no associated card
	TaskType TaskType
	Status   TaskStatus

	AgentType  string
	AgentModel string
	AgentSkill string
	PromptText string
	PayloadJSON string

	SourceColumnID  string
	TargetColumnID  string
	FailureColumnID string

	Priority   int
	CreatedBy  string
	AssignedTo string
	WorkerID   string

	OutputText     string
	ErrorSummary   string
	ResultDataJSON string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	ProgressText  string
	ProgressStep  int
	ProgressTotal int
	ProgressPhase string
}

// Worker is a registered worker process, unique per user (I5).
type Worker struct {
	ID            string
	UserID        string
	Hostname      string
	Version       string
	Status        WorkerStatus
	LastHeartbeat time.Time
	Capabilities  []string

	PollIntervalSeconds int
	MaxConcurrentTasks  int
}

// HeartbeatDirectives is returned from Heartbeat to tell the worker what to do.
type HeartbeatDirectives struct {
	CancelTaskIDs      []string
	MaxConcurrentTasks int // 0 means "no override"
}
