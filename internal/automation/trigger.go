// Package automation implements the Automation Trigger (C2), Completion
// Cascade (C3), and worker staleness sweep (C4) as pure functions over plain
// data plus a narrow store interface for the sweep. Keeping Evaluate* free of
// any store/DB dependency makes the cascade and trigger logic unit-testable
// without a live database (spec §9 design note).
package automation

import "strings"

// RejectionPrefix is the configurable policy constant for detecting a
// reviewer rejection from free-text output. Spec §9 flags the original's bare
// "REJECTED" string match as something to name rather than inline; this is
// that name. Replace at construction time (not supported yet) if a board
// needs a different convention.
const RejectionPrefix = "REJECTED"

// IsRejection reports whether a reviewer's output_text signals rejection
// (case-insensitive prefix match per §4.3 point 2).
func IsRejection(outputText string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(outputText)), RejectionPrefix)
}

// TriggerInput is the (card, dest_column, actor) tuple of spec §4.2's
// maybe_trigger contract, flattened into plain fields. PriorTaskCount is
// computed by the caller inside its own transaction so this function stays
// pure.
type TriggerInput struct {
	DestColumnID         string
	DestColumnAutoRun    bool
	DestColumnAgentType  string
	DestColumnAgentModel string
	DestColumnAgentSkill string
	DestColumnMaxLoop    int // defaults applied by caller; 0 here means "no loop cap configured"
	PromptTemplate       string
	PriorTaskCount       int

	BoardID         string
	CardID          string
	CardAssignee    string
	CardTitle       string
	CardDescription string
	Actor           string

	OnSuccessColumnID string
	OnFailureColumnID string
}

// NewTaskSpec is the task the caller should insert when a trigger fires.
type NewTaskSpec struct {
	BoardID         string
	CardID          string
	TaskType        string
	AgentType       string
	AgentModel      string
	AgentSkill      string
	PromptText      string
	SourceColumnID  string
	TargetColumnID  string
	FailureColumnID string
	AssignedTo      string
}

// TriggerResult is the outcome of evaluating maybe_trigger.
type TriggerResult struct {
	Fire    bool
	Reason  string // set when !Fire: "not_auto_run" | "circuit_breaker"
	NewTask NewTaskSpec
}

const defaultMaxLoopCount = 3

// EvaluateTrigger implements maybe_trigger(card, dest_column, actor) (§4.2).
func EvaluateTrigger(in TriggerInput) TriggerResult {
	if !in.DestColumnAutoRun || in.DestColumnAgentType == "" {
		return TriggerResult{Reason: "not_auto_run"}
	}
	maxLoop := in.DestColumnMaxLoop
	if maxLoop == 0 {
		maxLoop = defaultMaxLoopCount
	}
	if in.PriorTaskCount >= maxLoop {
		return TriggerResult{Reason: "circuit_breaker"}
	}

	assignedTo := in.CardAssignee
	if assignedTo == "" {
		assignedTo = in.Actor
	}

	return TriggerResult{
		Fire: true,
		NewTask: NewTaskSpec{
			BoardID:         in.BoardID,
			CardID:          in.CardID,
			TaskType:        "agent_run",
			AgentType:       in.DestColumnAgentType,
			AgentModel:      in.DestColumnAgentModel,
			AgentSkill:      in.DestColumnAgentSkill,
			PromptText:      RenderPromptTemplate(in.PromptTemplate, in),
			SourceColumnID:  in.DestColumnID,
			TargetColumnID:  in.OnSuccessColumnID,
			FailureColumnID: in.OnFailureColumnID,
			AssignedTo:      assignedTo,
		},
	}
}

const defaultPromptTemplate = "Work on card: {title}\n\n{description}"

// RenderPromptTemplate performs the simple {field} substitution of §4.2:
// unknown fields are left literal, and a default template is used when tmpl
// is blank.
func RenderPromptTemplate(tmpl string, in TriggerInput) string {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = defaultPromptTemplate
	}
	fields := map[string]string{
		"title":       in.CardTitle,
		"description": in.CardDescription,
		"card_id":     in.CardID,
		"board_id":    in.BoardID,
		"column":      in.DestColumnID,
		"actor":       in.Actor,
	}
	out := tmpl
	for k, v := range fields {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}
