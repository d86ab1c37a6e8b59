package bus

import "testing"

func TestEventTopics_Constants(t *testing.T) {
	if TopicTaskCountChanged == "" {
		t.Fatal("TopicTaskCountChanged is empty")
	}
	if TopicAutomationTriggered == "" {
		t.Fatal("TopicAutomationTriggered is empty")
	}
	if TopicAutomationSkipped == "" {
		t.Fatal("TopicAutomationSkipped is empty")
	}

	topics := map[string]bool{
		TopicTaskCountChanged:    true,
		TopicAutomationTriggered: true,
		TopicAutomationSkipped:   true,
		TopicTaskClaimed:         true,
		TopicTaskCompleted:       true,
		TopicTaskFailed:          true,
		TopicTaskCancelled:       true,
	}
	if len(topics) != 7 {
		t.Fatalf("expected 7 unique topics, got %d", len(topics))
	}
}

func TestWorkerStatusEvent_Fields(t *testing.T) {
	if TopicWorkerOffline == "" {
		t.Fatal("TopicWorkerOffline is empty")
	}
	event := WorkerStatusEvent{WorkerID: "w-1", Status: "offline"}
	if event.Status != "offline" {
		t.Fatalf("Status mismatch: got %s", event.Status)
	}
}

func TestTaskStateChangedEvent_Fields(t *testing.T) {
	event := TaskStateChangedEvent{TaskID: "t-1", BoardID: "b-1", CardID: "c-1", OldStatus: "claimed", NewStatus: "running"}
	if event.NewStatus != "running" {
		t.Fatalf("NewStatus mismatch: got %s", event.NewStatus)
	}
	if event.OldStatus != "claimed" {
		t.Fatalf("OldStatus mismatch: got %s", event.OldStatus)
	}
}

func TestTaskCountChangedEvent_Fields(t *testing.T) {
	event := TaskCountChangedEvent{WorkerID: "w-1", Running: 3}
	if event.WorkerID != "w-1" {
		t.Fatalf("WorkerID mismatch: got %s", event.WorkerID)
	}
	if event.Running != 3 {
		t.Fatalf("Running mismatch: got %d", event.Running)
	}
}

func TestAutomationEvent_Skipped(t *testing.T) {
	event := AutomationEvent{CardID: "c-1", ColumnID: "col-1", Reason: "circuit_breaker"}
	if event.TaskID != "" {
		t.Fatal("TaskID must be empty for a skipped trigger")
	}
	if event.Reason == "" {
		t.Fatal("Reason must be set for a skipped trigger")
	}
}
