package automation

import "testing"

func TestEvaluateTrigger_NotAutoRun(t *testing.T) {
	res := EvaluateTrigger(TriggerInput{DestColumnAutoRun: false, DestColumnAgentType: "coder"})
	if res.Fire {
		t.Fatal("expected no fire when column is not auto_run")
	}
	if res.Reason != "not_auto_run" {
		t.Fatalf("expected not_auto_run reason, got %q", res.Reason)
	}
}

func TestEvaluateTrigger_NoAgentType(t *testing.T) {
	res := EvaluateTrigger(TriggerInput{DestColumnAutoRun: true, DestColumnAgentType: ""})
	if res.Fire {
		t.Fatal("expected no fire when agent_type is empty")
	}
}

func TestEvaluateTrigger_CircuitBreaker(t *testing.T) {
	in := TriggerInput{
		DestColumnAutoRun:   true,
		DestColumnAgentType: "coder",
		DestColumnMaxLoop:   3,
		PriorTaskCount:      3,
	}
	res := EvaluateTrigger(in)
	if res.Fire {
		t.Fatal("expected circuit breaker to suppress firing at prior_count == max_loop")
	}
	if res.Reason != "circuit_breaker" {
		t.Fatalf("expected circuit_breaker reason, got %q", res.Reason)
	}
}

func TestEvaluateTrigger_DefaultMaxLoopWhenUnset(t *testing.T) {
	in := TriggerInput{
		DestColumnAutoRun:   true,
		DestColumnAgentType: "coder",
		PriorTaskCount:      2,
	}
	res := EvaluateTrigger(in)
	if !res.Fire {
		t.Fatal("expected fire: 2 prior runs is under the default cap of 3")
	}
}

func TestEvaluateTrigger_FiresAndInheritsColumnFields(t *testing.T) {
	in := TriggerInput{
		DestColumnID:         "col-2",
		DestColumnAutoRun:    true,
		DestColumnAgentType:  "coder",
		DestColumnAgentModel: "sonnet",
		DestColumnAgentSkill: "refactor",
		DestColumnMaxLoop:    3,
		PromptTemplate:       "",
		BoardID:              "b-1",
		CardID:               "c-1",
		CardTitle:            "Fix the bug",
		CardDescription:      "it crashes",
		Actor:                "alice",
		OnSuccessColumnID:    "col-3",
		OnFailureColumnID:    "col-1",
	}
	res := EvaluateTrigger(in)
	if !res.Fire {
		t.Fatal("expected fire")
	}
	task := res.NewTask
	if task.AgentType != "coder" || task.AgentModel != "sonnet" || task.AgentSkill != "refactor" {
		t.Fatalf("expected inherited agent fields, got %+v", task)
	}
	if task.SourceColumnID != "col-2" || task.TargetColumnID != "col-3" || task.FailureColumnID != "col-1" {
		t.Fatalf("expected column routing inherited, got %+v", task)
	}
	if task.AssignedTo != "alice" {
		t.Fatalf("expected assignment to fall back to actor, got %q", task.AssignedTo)
	}
}

func TestEvaluateTrigger_AssignsToCardAssigneeOverActor(t *testing.T) {
	in := TriggerInput{
		DestColumnAutoRun:   true,
		DestColumnAgentType: "coder",
		CardAssignee:        "bob",
		Actor:               "alice",
	}
	res := EvaluateTrigger(in)
	if res.NewTask.AssignedTo != "bob" {
		t.Fatalf("expected card assignee to win, got %q", res.NewTask.AssignedTo)
	}
}

func TestRenderPromptTemplate_DefaultWhenBlank(t *testing.T) {
	out := RenderPromptTemplate("", TriggerInput{CardTitle: "T", CardDescription: "D"})
	if out != "Work on card: T\n\nD" {
		t.Fatalf("unexpected default render: %q", out)
	}
}

func TestRenderPromptTemplate_SubstitutesKnownFields(t *testing.T) {
	in := TriggerInput{CardTitle: "Title", CardDescription: "Desc", CardID: "c-1", BoardID: "b-1", DestColumnID: "col-1", Actor: "alice"}
	out := RenderPromptTemplate("{title} by {actor} on {board_id}/{column} ({card_id}): {description}", in)
	want := "Title by alice on b-1/col-1 (c-1): Desc"
	if out != want {
		t.Fatalf("got %q want %q", out, want)
	}
}

func TestRenderPromptTemplate_LeavesUnknownFieldsLiteral(t *testing.T) {
	out := RenderPromptTemplate("keep {bogus_field} as-is", TriggerInput{})
	if out != "keep {bogus_field} as-is" {
		t.Fatalf("unexpected mutation of unknown field: %q", out)
	}
}

func TestIsRejection(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"REJECTED: missing tests", true},
		{"rejected because it's broken", true},
		{"  Rejected\nneeds work", true},
		{"Looks good, approved", false},
		{"", false},
	}
	for _, c := range cases {
		if got := IsRejection(c.text); got != c.want {
			t.Errorf("IsRejection(%q) = %v, want %v", c.text, got, c.want)
		}
	}
}
