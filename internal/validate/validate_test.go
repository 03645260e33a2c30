package validate

import (
	"testing"
	"time"
)

func TestTaskTransitionTable(t *testing.T) {
	statuses := []TaskStatus{TaskPending, TaskInProgress, TaskCompleted, TaskFailed}
	legal := map[TaskStatus]map[TaskStatus]bool{
		TaskPending:    {TaskInProgress: true, TaskFailed: true},
		TaskInProgress: {TaskCompleted: true, TaskFailed: true},
		TaskCompleted:  {},
		TaskFailed:     {TaskPending: true},
	}

	for _, current := range statuses {
		for _, target := range statuses {
			want := legal[current][target]
			if got := TaskTransition(current, target); got != want {
				t.Errorf("TaskTransition(%s, %s) = %v, want %v", current, target, got, want)
			}
		}
	}
}

func TestTaskTransitionUnknownStatus(t *testing.T) {
	if TaskTransition("bogus", TaskInProgress) {
		t.Fatal("unknown current status must never transition")
	}
	if TaskTransition(TaskPending, "bogus") {
		t.Fatal("unknown target status must never be reachable")
	}
}

func TestIsValidTaskStatus(t *testing.T) {
	for _, status := range []TaskStatus{TaskPending, TaskInProgress, TaskCompleted, TaskFailed} {
		if !IsValidTaskStatus(status) {
			t.Errorf("expected %s to be valid", status)
		}
	}
	if IsValidTaskStatus("running") {
		t.Error("running is not part of the enum")
	}
}

func TestMessageSequence(t *testing.T) {
	base := time.Now()

	cases := []struct {
		name   string
		stamps []time.Time
		want   bool
	}{
		{"empty", nil, true},
		{"single", []time.Time{base}, true},
		{"ordered", []time.Time{base, base.Add(time.Second), base.Add(2 * time.Second)}, true},
		{"equal timestamps", []time.Time{base, base, base}, true},
		{"regression", []time.Time{base, base.Add(time.Second), base}, false},
	}

	for _, tc := range cases {
		if got := MessageSequence(tc.stamps); got != tc.want {
			t.Errorf("%s: MessageSequence = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestAgentStatePatch(t *testing.T) {
	if AgentStatePatch(nil) {
		t.Error("nil patch must be rejected")
	}
	if AgentStatePatch(map[string]any{"progress": 0.5}) {
		t.Error("patch without status must be rejected")
	}
	if !AgentStatePatch(map[string]any{"status": "busy"}) {
		t.Error("patch with status must be accepted")
	}
	if !AgentStatePatch(map[string]any{"status": "idle", "progress": 1.0}) {
		t.Error("extra keys alongside status must be accepted")
	}
}
