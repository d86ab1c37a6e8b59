package automation

// Outcome classifies a task's terminal transition for cascade routing (§4.3).
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeRejected // a reviewer agent whose output began with RejectionPrefix
)

// CascadeInput is the (task, card, dest_column, board.settings) tuple of the
// §9 design note, flattened to the fields the cascade needs. It excludes the
// destination column's own automation fields and prior-task count — those
// belong to a follow-up TriggerInput the caller builds after applying
// MoveToColumnID, since whether automation re-fires depends on the column the
// card actually lands in, which this function decides.
type CascadeInput struct {
	Outcome         Outcome
	TargetColumnID  string
	FailureColumnID string

	// Integration chaining (§4.3 point 4): only evaluated when the
	// completed task was a coder agent run.
	TaskAgentType        string
	DestColumnIsTerminal bool // auto_run = false on the column the card lands in

	GitLabAutoPush       bool
	GitLabPushOnComplete bool
	GitLabProjectID      int
	GitLabProjectPath    string
	GitLabDefaultBranch  string
	GitLabMRPrefix       string
}

// GitLabPushSpec is the payload for the single gitlab_push task the cascade
// may enqueue.
type GitLabPushSpec struct {
	ProjectID     int
	ProjectPath   string
	DefaultBranch string
	MRPrefix      string
	CreateMR      bool
}

// CascadeResult is what the Completion Cascade decided; the store applies it
// atomically in the same transaction as the task's terminal write (I6).
type CascadeResult struct {
	MoveToColumnID string // empty: no routing configured for this outcome
	SkipAutomation bool   // true on failure/rejection (§4.3 point 2)

	EnqueueGitLabPush bool
	GitLabPush        GitLabPushSpec
}

// EvaluateCascade implements the Completion Cascade (§4.3) for a single
// terminal task transition. It does not itself re-evaluate the automation
// trigger for the destination column — the caller does that as a second,
// independent EvaluateTrigger call once it knows the destination column's
// live configuration and prior-task count, per the composition described in
// DESIGN.md.
func EvaluateCascade(in CascadeInput) CascadeResult {
	var result CascadeResult

	switch in.Outcome {
	case OutcomeSuccess:
		result.MoveToColumnID = in.TargetColumnID
		result.SkipAutomation = false
	case OutcomeFailure, OutcomeRejected:
		result.MoveToColumnID = in.FailureColumnID
		result.SkipAutomation = true
	}

	// Integration chaining: dedupe auto_push and push_on_complete into at
	// most one gitlab_push (§4.3 point 4, §9 open question).
	if in.TaskAgentType == "coder" && in.Outcome == OutcomeSuccess {
		firePush := false
		if in.GitLabAutoPush {
			firePush = true
		}
		if in.GitLabPushOnComplete && in.DestColumnIsTerminal {
			firePush = true
		}
		if firePush {
			result.EnqueueGitLabPush = true
			result.GitLabPush = GitLabPushSpec{
				ProjectID:     in.GitLabProjectID,
				ProjectPath:   in.GitLabProjectPath,
				DefaultBranch: in.GitLabDefaultBranch,
				MRPrefix:      in.GitLabMRPrefix,
				CreateMR:      true,
			}
		}
	}

	return result
}
