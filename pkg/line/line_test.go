package line

import "testing"

func TestNewTasks(t *testing.T) {
	inputs := []map[string]any{
		{"question": "a"},
		{"question": "b"},
		{"question": "c"},
	}

	tasks := NewTasks(inputs, "variant_0")
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	for i, task := range tasks {
		if task.Index != i {
			t.Errorf("task %d: expected index %d, got %d", i, i, task.Index)
		}
		if task.VariantID != "variant_0" {
			t.Errorf("task %d: expected variant_0, got %q", i, task.VariantID)
		}
		if task.Inputs["question"] != inputs[i]["question"] {
			t.Errorf("task %d: inputs not preserved", i)
		}
	}
}

func TestNewTasksEmpty(t *testing.T) {
	tasks := NewTasks(nil, "")
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks, got %d", len(tasks))
	}
}

func TestStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusTimeout, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("%s: expected terminal=%v, got %v", tt.status, tt.terminal, got)
		}
	}
}

func TestResultFailed(t *testing.T) {
	if (Result{Status: StatusCompleted}).Failed() {
		t.Error("completed result should not count as failed")
	}
	if !(Result{Status: StatusFailed}).Failed() {
		t.Error("failed result should count as failed")
	}
	if !(Result{Status: StatusTimeout}).Failed() {
		t.Error("timed out result should count as failed")
	}
}

func TestSortByIndex(t *testing.T) {
	results := []Result{
		{Index: 2, Status: StatusCompleted},
		{Index: 0, Status: StatusFailed},
		{Index: 1, Status: StatusCompleted},
	}

	SortByIndex(results)

	for i, r := range results {
		if r.Index != i {
			t.Fatalf("position %d: expected index %d, got %d", i, i, r.Index)
		}
	}
}

func TestSummarize(t *testing.T) {
	results := []Result{
		{Index: 0, Status: StatusCompleted},
		{Index: 1, Status: StatusFailed},
		{Index: 2, Status: StatusTimeout},
		{Index: 3, Status: StatusCompleted},
	}

	completed, failed := Summarize(results)
	if completed != 2 {
		t.Errorf("expected 2 completed, got %d", completed)
	}
	if failed != 2 {
		t.Errorf("expected 2 failed, got %d", failed)
	}
}
