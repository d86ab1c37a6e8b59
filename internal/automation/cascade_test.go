package automation

import "testing"

func TestEvaluateCascade_SuccessRoutesToTarget(t *testing.T) {
	res := EvaluateCascade(CascadeInput{Outcome: OutcomeSuccess, TargetColumnID: "col-done", FailureColumnID: "col-plan"})
	if res.MoveToColumnID != "col-done" {
		t.Fatalf("expected move to target column, got %q", res.MoveToColumnID)
	}
	if res.SkipAutomation {
		t.Fatal("success should not skip automation")
	}
}

func TestEvaluateCascade_FailureRoutesToFailureColumnAndSkipsAutomation(t *testing.T) {
	res := EvaluateCascade(CascadeInput{Outcome: OutcomeFailure, TargetColumnID: "col-done", FailureColumnID: "col-plan"})
	if res.MoveToColumnID != "col-plan" {
		t.Fatalf("expected move to failure column, got %q", res.MoveToColumnID)
	}
	if !res.SkipAutomation {
		t.Fatal("failure should skip automation on the destination")
	}
}

func TestEvaluateCascade_RejectionTreatedLikeFailure(t *testing.T) {
	res := EvaluateCascade(CascadeInput{Outcome: OutcomeRejected, TargetColumnID: "col-done", FailureColumnID: "col-plan"})
	if res.MoveToColumnID != "col-plan" {
		t.Fatalf("expected reviewer rejection to route to failure column, got %q", res.MoveToColumnID)
	}
	if !res.SkipAutomation {
		t.Fatal("rejection should skip automation")
	}
}

func TestEvaluateCascade_AutoPushFiresOnCoderSuccess(t *testing.T) {
	res := EvaluateCascade(CascadeInput{
		Outcome:         OutcomeSuccess,
		TaskAgentType:   "coder",
		GitLabAutoPush:  true,
		GitLabProjectID: 42,
	})
	if !res.EnqueueGitLabPush {
		t.Fatal("expected gitlab push to be enqueued")
	}
	if res.GitLabPush.ProjectID != 42 || !res.GitLabPush.CreateMR {
		t.Fatalf("unexpected push spec: %+v", res.GitLabPush)
	}
}

func TestEvaluateCascade_PushOnCompleteRequiresTerminalDestination(t *testing.T) {
	res := EvaluateCascade(CascadeInput{
		Outcome:              OutcomeSuccess,
		TaskAgentType:        "coder",
		GitLabPushOnComplete: true,
		DestColumnIsTerminal: false,
	})
	if res.EnqueueGitLabPush {
		t.Fatal("push_on_complete should not fire before the card lands in a terminal column")
	}

	res = EvaluateCascade(CascadeInput{
		Outcome:              OutcomeSuccess,
		TaskAgentType:        "coder",
		GitLabPushOnComplete: true,
		DestColumnIsTerminal: true,
	})
	if !res.EnqueueGitLabPush {
		t.Fatal("push_on_complete should fire once the card reaches a terminal column")
	}
}

func TestEvaluateCascade_BothPushConditionsDedupeToOnePush(t *testing.T) {
	res := EvaluateCascade(CascadeInput{
		Outcome:              OutcomeSuccess,
		TaskAgentType:        "coder",
		GitLabAutoPush:       true,
		GitLabPushOnComplete: true,
		DestColumnIsTerminal: true,
	})
	if !res.EnqueueGitLabPush {
		t.Fatal("expected exactly one push to fire")
	}
	// The result carries a single GitLabPushSpec regardless of how many
	// conditions fired; there is nowhere for a second push to hide.
}

func TestEvaluateCascade_NonCoderAgentNeverPushes(t *testing.T) {
	res := EvaluateCascade(CascadeInput{
		Outcome:        OutcomeSuccess,
		TaskAgentType:  "reviewer",
		GitLabAutoPush: true,
	})
	if res.EnqueueGitLabPush {
		t.Fatal("only coder agent runs should trigger a push")
	}
}

func TestEvaluateCascade_FailureNeverPushesEvenWithAutoPush(t *testing.T) {
	res := EvaluateCascade(CascadeInput{
		Outcome:        OutcomeFailure,
		TaskAgentType:  "coder",
		GitLabAutoPush: true,
	})
	if res.EnqueueGitLabPush {
		t.Fatal("a failed run has nothing to push")
	}
}
