package jira

import "testing"

func TestIssueTypeFromString(t *testing.T) {
	cases := map[string]IssueType{
		"bug":     IssueTypeBug,
		"Story":   IssueTypeStory,
		"EPIC":    IssueTypeEpic,
		"unknown": IssueTypeTask,
	}
	for in, want := range cases {
		if got := IssueTypeFromString(in); got != want {
			t.Errorf("IssueTypeFromString(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestToAPIPayloadV2IncludesOptionalFields(t *testing.T) {
	issue := Issue{
		Summary:     "Fix the bug",
		Description: "Details here",
		Project:     "PROJ",
		IssueType:   IssueTypeBug,
		Labels:      []string{"urgent"},
		Assignee:    "alice",
		Priority:    "High",
	}
	payload := issue.ToAPIPayloadV2()
	fields, ok := payload["fields"].(map[string]any)
	if !ok {
		t.Fatalf("expected fields map in payload")
	}
	if fields["summary"] != "Fix the bug" {
		t.Errorf("unexpected summary: %v", fields["summary"])
	}
	if _, ok := fields["labels"]; !ok {
		t.Errorf("expected labels to be included")
	}
	if _, ok := fields["assignee"]; !ok {
		t.Errorf("expected assignee to be included")
	}
}

func TestIsConfiguredRequiresAllFields(t *testing.T) {
	if (Config{Server: "s", Username: "u"}).IsConfigured() {
		t.Fatalf("expected IsConfigured false without a password")
	}
	if !(Config{Server: "s", Username: "u", Password: "p"}).IsConfigured() {
		t.Fatalf("expected IsConfigured true with all fields set")
	}
}
