package executors

import "testing"

func TestJiraPriorityMap(t *testing.T) {
	cases := map[string]string{
		"Highest": "critical",
		"High":    "high",
		"Medium":  "medium",
		"Low":     "low",
		"Lowest":  "low",
	}
	for jiraPriority, want := range cases {
		if got := jiraPriorityMap[jiraPriority]; got != want {
			t.Errorf("jiraPriorityMap[%q] = %q, want %q", jiraPriority, got, want)
		}
	}
	if _, ok := jiraPriorityMap["Unknown"]; ok {
		t.Fatalf("expected no mapping for an unrecognized priority")
	}
}
