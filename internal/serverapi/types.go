// Package serverapi defines the typed wire contract between a worker process
// and the board server (component C5), plus a minimal in-process reference
// implementation over internal/store + internal/automation. HTTP transport
// itself is out of scope for the Kanban domain proper (spec §1), but workers
// still need a concrete, testable contract to poll/claim/report against, so
// this package gives that contract a home instead of leaving it implicit in
// internal/worker.
package serverapi

import "github.com/kira-run/kira/internal/store"

// TaskDTO is the wire shape of a task as seen by a worker (§6, client.py's
// poll_tasks/claim_task response bodies).
type TaskDTO struct {
	ID              string `json:"id"`
	BoardID         string `json:"board_id"`
	CardID          string `json:"card_id,omitempty"`
	TaskType        string `json:"task_type"`
	Status          string `json:"status"`
	AgentType       string `json:"agent_type,omitempty"`
	AgentModel      string `json:"agent_model,omitempty"`
	AgentSkill      string `json:"agent_skill,omitempty"`
	PromptText      string `json:"prompt_text,omitempty"`
	PayloadJSON     string `json:"payload_json,omitempty"`
	SourceColumnID  string `json:"source_column_id,omitempty"`
	TargetColumnID  string `json:"target_column_id,omitempty"`
	FailureColumnID string `json:"failure_column_id,omitempty"`
	Priority        int    `json:"priority"`
	AssignedTo      string `json:"assigned_to,omitempty"`
	WorkerID        string `json:"worker_id,omitempty"`
}

func taskToDTO(t *store.Task) TaskDTO {
	return TaskDTO{
		ID: t.ID, BoardID: t.BoardID, CardID: t.CardID, TaskType: string(t.TaskType),
		Status: string(t.Status), AgentType: t.AgentType, AgentModel: t.AgentModel,
		AgentSkill: t.AgentSkill, PromptText: t.PromptText, PayloadJSON: t.PayloadJSON,
		SourceColumnID: t.SourceColumnID, TargetColumnID: t.TargetColumnID,
		FailureColumnID: t.FailureColumnID, Priority: t.Priority,
		AssignedTo: t.AssignedTo, WorkerID: t.WorkerID,
	}
}

// LoginRequest/LoginResponse — POST /api/auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

type LoginResponse struct {
	Token string `json:"token"`
	User  string `json:"user"`
}

// AuthConfigResponse — GET /api/auth/config.
type AuthConfigResponse struct {
	AuthMode  string   `json:"auth_mode"`
	DemoUsers []string `json:"demo_users,omitempty"`
}

// RegisterWorkerRequest/Response — POST /api/workers/register.
type RegisterWorkerRequest struct {
	Hostname     string   `json:"hostname"`
	WorkerVersion string  `json:"worker_version"`
	Capabilities []string `json:"capabilities"`
}

type RegisterWorkerResponse struct {
	WorkerID            string `json:"worker_id"`
	PollIntervalSeconds int    `json:"poll_interval_seconds,omitempty"`
	MaxConcurrentTasks  int    `json:"max_concurrent_tasks,omitempty"`
}

// HeartbeatRequest/Response — POST /api/workers/heartbeat.
type HeartbeatRequest struct {
	WorkerID       string   `json:"worker_id"`
	RunningTaskIDs []string `json:"running_task_ids"`
	SystemLoad     float64  `json:"system_load"`
}

type HeartbeatResponse struct {
	Status     string     `json:"status"`
	Directives Directives `json:"directives"`
}

type Directives struct {
	CancelTaskIDs      []string `json:"cancel_task_ids,omitempty"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks,omitempty"`
}

// PollTasksResponse — GET /api/workers/tasks/poll.
type PollTasksResponse struct {
	Tasks []TaskDTO `json:"tasks"`
}

// ClaimTaskRequest/Response — POST /api/workers/tasks/{id}/claim.
type ClaimTaskRequest struct {
	WorkerID string `json:"worker_id"`
}

type ClaimTaskResponse struct {
	Status string  `json:"status"`
	Task   TaskDTO `json:"task"`
}

// ReportProgressRequest — POST /api/workers/tasks/{id}/progress.
type ReportProgressRequest struct {
	WorkerID     string `json:"worker_id"`
	Status       string `json:"status"`
	ProgressText string `json:"progress_text"`
	Step         int    `json:"step,omitempty"`
	TotalSteps   int    `json:"total_steps,omitempty"`
	Phase        string `json:"phase,omitempty"`
}

type ReportProgressResponse struct {
	Status string `json:"status"`
}

// CompleteTaskRequest/Response — POST /api/workers/tasks/{id}/complete.
type CompleteTaskRequest struct {
	WorkerID   string         `json:"worker_id"`
	OutputText string         `json:"output_text"`
	ResultData map[string]any `json:"result_data,omitempty"`
}

type CompleteTaskResponse struct {
	Status     string `json:"status"`
	NextAction string `json:"next_action,omitempty"`
}

// FailTaskRequest/Response — POST /api/workers/tasks/{id}/fail.
type FailTaskRequest struct {
	WorkerID     string `json:"worker_id"`
	ErrorSummary string `json:"error_summary"`
	OutputText   string `json:"output_text,omitempty"`
}

type FailTaskResponse struct {
	Status     string `json:"status"`
	NextAction string `json:"next_action,omitempty"`
}

// BoardSettingsResponse — GET /api/boards/{id}/settings.
type BoardSettingsResponse struct {
	WorkspaceLocalPath     string `json:"workspace.local_path,omitempty"`
	WorkspaceGitLabProject string `json:"workspace.gitlab_project,omitempty"`
	GitLabProjectID        int    `json:"gitlab.project_id,omitempty"`
	GitLabProjectPath      string `json:"gitlab.project_path,omitempty"`
	GitLabDefaultBranch    string `json:"gitlab.default_branch,omitempty"`
	GitLabAutoPush         bool   `json:"gitlab.auto_push,omitempty"`
	GitLabPushOnComplete   bool   `json:"gitlab.push_on_complete,omitempty"`
	GitLabMRPrefix         string `json:"gitlab.mr_prefix,omitempty"`
}

// CreateCardRequest/Response — POST /api/cards.
type CreateCardRequest struct {
	ColumnID    string `json:"column_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
	Labels      string `json:"labels,omitempty"` // JSON-encoded array, matching client.py's wire shape
}

type CardResponse struct {
	ID       string `json:"id"`
	BoardID  string `json:"board_id"`
	ColumnID string `json:"column_id"`
	Title    string `json:"title"`
}

// CreateColumnRequest/Response — POST /api/boards/{id}/columns.
type CreateColumnRequest struct {
	Name              string `json:"name"`
	Color             string `json:"color,omitempty"`
	Position          int    `json:"position,omitempty"`
	AutoRun           bool   `json:"auto_run,omitempty"`
	AgentType         string `json:"agent_type,omitempty"`
	AgentModel        string `json:"agent_model,omitempty"`
	AgentSkill        string `json:"agent_skill,omitempty"`
	PromptTemplate    string `json:"prompt_template,omitempty"`
	MaxLoopCount      int    `json:"max_loop_count,omitempty"`
	OnSuccessColumnID string `json:"on_success_column_id,omitempty"`
	OnFailureColumnID string `json:"on_failure_column_id,omitempty"`
}

type ColumnResponse struct {
	ID      string `json:"id"`
	BoardID string `json:"board_id"`
	Name    string `json:"name"`
}

// UpdateBoardRequest — PATCH /api/boards/{id}.
type UpdateBoardRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

// UpdateColumnRequest — PATCH /api/columns/{id}.
type UpdateColumnRequest struct {
	OnSuccessColumnID *string `json:"on_success_column_id,omitempty"`
	OnFailureColumnID *string `json:"on_failure_column_id,omitempty"`
	AutoRun           *bool   `json:"auto_run,omitempty"`
}

// APIError is the JSON body returned for 4xx/5xx responses (matches
// client.py's expectation of a "detail" key on error bodies).
type APIError struct {
	StatusCode int    `json:"-"`
	Detail     string `json:"detail"`
}

func (e *APIError) Error() string { return e.Detail }
