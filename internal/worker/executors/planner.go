package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kira-run/kira/internal/modelclient"
	"github.com/kira-run/kira/internal/serverapi"
	"github.com/kira-run/kira/internal/worker"
)

// pipelineColumn is one entry of the fixed pipeline the planner wires every
// board plan into. The AI controls cards, never column structure
// (planner.py's PIPELINE_COLUMNS comment).
type pipelineColumn struct {
	Name      string
	Color     string
	AgentType string
	AutoRun   bool
}

// PipelineColumns is the standard Plan -> Architect -> Code -> Review -> Done
// pipeline created for every board_plan task, ported verbatim from
// planner.py's PIPELINE_COLUMNS.
var PipelineColumns = []pipelineColumn{
	{Name: "Plan", Color: "#6B7280", AgentType: "", AutoRun: false},
	{Name: "Architect", Color: "#8B5CF6", AgentType: "architect", AutoRun: true},
	{Name: "Code", Color: "#3B82F6", AgentType: "coder", AutoRun: true},
	{Name: "Review", Color: "#F59E0B", AgentType: "reviewer", AutoRun: true},
	{Name: "Done", Color: "#10B981", AgentType: "", AutoRun: false},
}

// planCard is one entry of the AI-produced card list.
type planCard struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    string   `json:"priority"`
	Labels      []string `json:"labels"`
}

// plan is the parsed JSON board_plan output (planner.py's _parse_plan result).
type plan struct {
	BoardName   string     `json:"board_name"`
	BoardDesc   string     `json:"board_description"`
	Plan        string     `json:"plan"`
	Cards       []planCard `json:"cards"`
	hasCardsKey bool
}

// PlannerExecutor decomposes a natural-language prompt into kanban board
// structure ("board_plan") or into cards on an existing board ("card_gen"),
// ported from worker/executors/planner.py's PlannerExecutor.
type PlannerExecutor struct {
	Model    modelclient.Client
	Server   *worker.ServerClient
	WorkerID string
	Logger   *slog.Logger
}

func NewPlannerExecutor(model modelclient.Client, server *worker.ServerClient, workerID string) *PlannerExecutor {
	return &PlannerExecutor{Model: model, Server: server, WorkerID: workerID, Logger: slog.Default()}
}

func (e *PlannerExecutor) Execute(ctx context.Context, task serverapi.TaskDTO, workingDir string) error {
	if task.TaskType == "card_gen" {
		return e.executeCardGen(ctx, task, workingDir)
	}
	return e.executeBoardPlan(ctx, task, workingDir)
}

func (e *PlannerExecutor) executeBoardPlan(ctx context.Context, task serverapi.TaskDTO, workingDir string) error {
	if task.PromptText == "" {
		return e.Server.FailTask(ctx, task.ID, e.WorkerID, "Task has no prompt_text", "")
	}

	e.reportProgress(ctx, task.ID, "Analyzing your request...", 1, 5, "analyzing")

	planPrompt := buildPlanPrompt(task.PromptText)
	e.reportProgress(ctx, task.ID, "AI is creating a project plan...", 2, 5, "thinking")
	output, err := e.runAgent(ctx, task, planPrompt, workingDir)
	if err != nil {
		return e.fail(ctx, task.ID, "board_plan", err)
	}

	parsed, err := parsePlan(output)
	if err != nil {
		return e.fail(ctx, task.ID, "board_plan", err)
	}
	numCards := len(parsed.Cards)

	e.reportProgress(ctx, task.ID, "Setting up board columns...", 3, 5, "structuring")

	if err := e.createBoardStructure(ctx, task.BoardID, parsed, task.ID); err != nil {
		return e.fail(ctx, task.ID, "board_plan", err)
	}

	return e.Server.CompleteTask(ctx, task.ID, e.WorkerID,
		fmt.Sprintf("Board plan created: %d task cards in Plan column", numCards), nil)
}

func (e *PlannerExecutor) fail(ctx context.Context, taskID, kind string, err error) error {
	e.Logger.Error("task failed", "task_id", taskID, "kind", kind, "error", err)
	return e.Server.FailTask(ctx, taskID, e.WorkerID, err.Error(), "")
}

func buildPlanPrompt(prompt string) string {
	return fmt.Sprintf(`You are a project planning agent. Analyze the following request and create a detailed project plan.

## Request
%s

## Instructions
Create a project plan with a high-level summary and individual task cards.
Output ONLY valid JSON with this exact structure:

`+"```json"+`
{
  "board_name": "Short descriptive board name",
  "board_description": "One-line description of the project",
  "plan": "A detailed high-level plan describing the overall approach, architecture decisions, key components, dependencies, and implementation strategy. This should be 2-5 paragraphs that give a clear picture of how the project will be built.",
  "cards": [
    {
      "title": "Short task title",
      "description": "Detailed description of what needs to be done including:\n- Acceptance criteria\n- Technical details\n- Dependencies on other cards",
      "priority": "high",
      "labels": ["backend", "auth"]
    }
  ]
}
`+"```"+`

## Rules
- The "plan" field should be a thorough high-level plan (2-5 paragraphs)
- Each card should be a single, well-defined unit of work
- Card descriptions must be detailed enough for an AI coding agent to implement without ambiguity
- Include acceptance criteria in every card description
- Use appropriate labels: "backend", "frontend", "database", "api", "auth", "testing", "infra", "docs"
- Set priority: "critical" for blockers, "high" for core features, "medium" for supporting work, "low" for polish
- Create 5-15 cards depending on project complexity
- Order cards by dependency -- foundational work first, then features that build on it
- Cards will be placed in a Plan column and flow through: Plan -> Architect -> Code -> Review -> Done`, prompt)
}

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)\\n```")

// parsePlan extracts the JSON plan from AI output: a fenced code block
// first, then a balanced-brace scan over the raw text, both requiring a
// "cards" key — ported from planner.py's _parse_plan.
func parsePlan(output string) (plan, error) {
	if m := fencedJSONRe.FindStringSubmatch(output); m != nil {
		if p, ok := tryParsePlanJSON(m[1]); ok {
			return p, nil
		}
	}

	depth := 0
	start := -1
	for i, ch := range output {
		switch ch {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start >= 0 {
				candidate := output[start : i+len(string(ch))]
				if p, ok := tryParsePlanJSON(candidate); ok {
					return p, nil
				}
				start = -1
			}
		}
	}

	return plan{}, fmt.Errorf("could not parse board plan from AI output. No valid JSON with 'cards' key found")
}

func tryParsePlanJSON(candidate string) (plan, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
		return plan{}, false
	}
	if _, ok := raw["cards"]; !ok {
		return plan{}, false
	}
	var p plan
	if err := json.Unmarshal([]byte(candidate), &p); err != nil {
		return plan{}, false
	}
	p.hasCardsKey = true
	return p, true
}

type createdColumn struct {
	spec pipelineColumn
	id   string
}

func (e *PlannerExecutor) createBoardStructure(ctx context.Context, boardID string, p plan, taskID string) error {
	if p.BoardName != "" || p.BoardDesc != "" {
		req := serverapi.UpdateBoardRequest{}
		if p.BoardName != "" {
			req.Name = &p.BoardName
		}
		if p.BoardDesc != "" {
			req.Description = &p.BoardDesc
		}
		if err := e.Server.UpdateBoard(ctx, boardID, req); err != nil {
			e.Logger.Warn("failed to update board name/description", "error", err)
		}
	}

	var created []createdColumn
	for _, spec := range PipelineColumns {
		col, err := e.Server.CreateColumn(ctx, boardID, serverapi.CreateColumnRequest{
			Name: spec.Name, Color: spec.Color, AgentType: spec.AgentType, AutoRun: spec.AutoRun,
		})
		if err != nil {
			e.Logger.Warn("failed to create column", "name", spec.Name, "error", err)
			continue
		}
		created = append(created, createdColumn{spec: spec, id: col.ID})
	}

	planColID := ""
	if len(created) > 0 {
		planColID = created[0].id
	}

	if taskID != "" {
		e.reportProgress(ctx, taskID, fmt.Sprintf("Creating %d task cards...", len(p.Cards)), 4, 5, "creating")
	}

	if p.Plan != "" && planColID != "" {
		labelsJSON, _ := json.Marshal([]string{"plan"})
		if _, err := e.Server.CreateCard(ctx, serverapi.CreateCardRequest{
			ColumnID: planColID, Title: "Project Plan", Description: p.Plan, Priority: "critical", Labels: string(labelsJSON),
		}); err != nil {
			e.Logger.Warn("failed to create plan summary card", "error", err)
		}
	}

	for _, card := range p.Cards {
		if planColID == "" {
			break
		}
		e.createCard(ctx, planColID, card)
	}

	if taskID != "" {
		e.reportProgress(ctx, taskID, "Wiring automation between columns...", 5, 5, "wiring")
	}

	for i, info := range created {
		if !info.spec.AutoRun || info.spec.AgentType == "" {
			continue
		}
		successColID := ""
		if i+1 < len(created) {
			successColID = created[i+1].id
		}
		if successColID == "" && planColID == "" {
			continue
		}
		if err := e.Server.UpdateColumn(ctx, info.id, serverapi.UpdateColumnRequest{
			OnSuccessColumnID: &successColID, OnFailureColumnID: &planColID,
		}); err != nil {
			e.Logger.Warn("failed to set routing for column", "column_id", info.id, "error", err)
		}
	}
	return nil
}

func (e *PlannerExecutor) createCard(ctx context.Context, columnID string, card planCard) {
	title := card.Title
	if title == "" {
		title = "Untitled"
	}
	priority := card.Priority
	if priority == "" {
		priority = "medium"
	}
	labelsJSON, _ := json.Marshal(card.Labels)
	if _, err := e.Server.CreateCard(ctx, serverapi.CreateCardRequest{
		ColumnID: columnID, Title: title, Description: card.Description, Priority: priority, Labels: string(labelsJSON),
	}); err != nil {
		e.Logger.Warn("failed to create card", "title", title, "error", err)
	}
}

func (e *PlannerExecutor) executeCardGen(ctx context.Context, task serverapi.TaskDTO, workingDir string) error {
	if task.PromptText == "" {
		return e.Server.FailTask(ctx, task.ID, e.WorkerID, "Task has no prompt_text", "")
	}

	e.reportProgress(ctx, task.ID, "Analyzing your request...", 1, 3, "analyzing")

	var payload struct {
		TargetColumnID string `json:"target_column_id"`
	}
	if task.PayloadJSON != "" {
		_ = json.Unmarshal([]byte(task.PayloadJSON), &payload)
	}

	e.reportProgress(ctx, task.ID, "AI is generating task cards...", 2, 3, "thinking")
	cardPrompt := buildCardGenPrompt(task.PromptText)
	output, err := e.runAgent(ctx, task, cardPrompt, workingDir)
	if err != nil {
		return e.fail(ctx, task.ID, "card_gen", err)
	}

	parsed, err := parsePlan(output)
	if err != nil {
		return e.fail(ctx, task.ID, "card_gen", err)
	}
	numCards := len(parsed.Cards)

	e.reportProgress(ctx, task.ID, fmt.Sprintf("Creating %d cards...", numCards), 3, 3, "creating")

	for _, card := range parsed.Cards {
		if payload.TargetColumnID == "" {
			break
		}
		e.createCard(ctx, payload.TargetColumnID, card)
	}

	return e.Server.CompleteTask(ctx, task.ID, e.WorkerID, fmt.Sprintf("Generated %d cards", numCards), nil)
}

func buildCardGenPrompt(prompt string) string {
	return fmt.Sprintf(`You are a task planning agent. Analyze the following request and create task cards.

## Request
%s

## Instructions
Create task cards for an existing project board.
Output ONLY valid JSON with this exact structure:

`+"```json"+`
{
  "cards": [
    {
      "title": "Short task title",
      "description": "Detailed description with acceptance criteria",
      "priority": "high",
      "labels": ["backend", "api"]
    }
  ]
}
`+"```"+`

## Rules
- Each card should be a single, well-defined unit of work
- Card descriptions must be detailed enough for an AI agent to implement
- Include acceptance criteria in every card description
- Use labels from: backend, frontend, database, api, auth, testing, infra, docs
- Priority: critical (blockers), high (core), medium (supporting), low (polish)
- Create 3-10 cards depending on complexity
- Order cards by dependency -- foundational work first`, prompt)
}

// runAgent drives the model stream to completion and returns the full
// output, the planner's narrower cousin of AgentExecutor.Execute (no
// periodic progress reporting — planner.py's _run_agent collects chunks
// without a progress interval of its own).
func (e *PlannerExecutor) runAgent(ctx context.Context, task serverapi.TaskDTO, prompt, workingDir string) (string, error) {
	model := modelclient.ResolveModel(task.AgentModel)
	stream, err := e.Model.Run(ctx, modelclient.Request{Prompt: prompt, Model: model, WorkingDir: workingDir})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var out strings.Builder
	for {
		chunk, done, err := stream.Next(ctx)
		if err != nil {
			return out.String(), err
		}
		if done {
			break
		}
		out.WriteString(chunk.Text)
	}
	return out.String(), nil
}

func (e *PlannerExecutor) reportProgress(ctx context.Context, taskID, text string, step, total int, phase string) {
	if err := e.Server.ReportProgress(ctx, taskID, e.WorkerID, text, worker.ReportProgressOpts{
		Step: step, TotalSteps: total, Phase: phase,
	}); err != nil {
		e.Logger.Debug("progress report failed", "task_id", taskID, "error", err)
	}
}
