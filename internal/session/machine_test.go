package session

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"
)

func TestAddMessageAppendsAndPersists(t *testing.T) {
	store, err := NewMemoryMessageStore("")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	machine := NewMachine("s1", store)
	ctx := context.Background()

	msg, err := machine.AddMessage(ctx, RoleUser, "hello", map[string]any{"turn": 1})
	if err != nil {
		t.Fatalf("add message: %v", err)
	}
	if msg.Role != RoleUser || msg.Content != "hello" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	if _, err := machine.AddMessage(ctx, RoleAssistant, "hi there", nil); err != nil {
		t.Fatalf("add second message: %v", err)
	}

	messages := machine.Messages()
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[1].Timestamp.Before(messages[0].Timestamp) {
		t.Fatal("timestamps must be non-decreasing")
	}

	persisted, err := store.ListLatest(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list persisted: %v", err)
	}
	if len(persisted) != 2 {
		t.Fatalf("expected 2 persisted records, got %d", len(persisted))
	}
}

func TestAddMessageRejectsEmptyContent(t *testing.T) {
	machine := NewMachine("s1", nil)

	if _, err := machine.AddMessage(context.Background(), RoleUser, "   ", nil); !stdErrors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if len(machine.Messages()) != 0 {
		t.Fatal("rejected message must not be appended")
	}
}

func TestAddMessageRejectsUnknownRole(t *testing.T) {
	machine := NewMachine("s1", nil)
	if _, err := machine.AddMessage(context.Background(), Role("operator"), "hello", nil); !stdErrors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestAddMessageRejectsClockRegression(t *testing.T) {
	stamps := []time.Time{
		time.Unix(1000, 0),
		time.Unix(999, 0),
	}
	idx := 0
	machine := NewMachine("s1", nil, WithClock(func() time.Time {
		stamp := stamps[idx]
		if idx < len(stamps)-1 {
			idx++
		}
		return stamp
	}))
	ctx := context.Background()

	if _, err := machine.AddMessage(ctx, RoleUser, "first", nil); err != nil {
		t.Fatalf("first message: %v", err)
	}
	if _, err := machine.AddMessage(ctx, RoleUser, "second", nil); !stdErrors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation on regression, got %v", err)
	}
	if len(machine.Messages()) != 1 {
		t.Fatal("out-of-order message must not be appended")
	}
}

func TestAddMessagePersistenceFailureIsSwallowed(t *testing.T) {
	machine := NewMachine("s1", failingStore{})

	if _, err := machine.AddMessage(context.Background(), RoleUser, "hello", nil); err != nil {
		t.Fatalf("persistence failure must not surface: %v", err)
	}
	if len(machine.Messages()) != 1 {
		t.Fatal("in-memory append must succeed despite store failure")
	}
}

func TestStartTaskDoubleStartIsIllegal(t *testing.T) {
	machine := NewMachine("s1", nil)

	if err := machine.StartTask("A"); err != nil {
		t.Fatalf("start A: %v", err)
	}
	err := machine.StartTask("B")
	if !stdErrors.Is(err, ErrStateTransition) {
		t.Fatalf("expected ErrStateTransition, got %v", err)
	}
	task, status := machine.CurrentTask()
	if task != "A" || status != TaskInProgress {
		t.Fatalf("state must be unchanged, got %s/%s", task, status)
	}
}

func TestTaskRetryAfterFailure(t *testing.T) {
	machine := NewMachine("s1", nil)

	if err := machine.StartTask("A"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := machine.FailTask("boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, status := machine.CurrentTask(); status != TaskFailed {
		t.Fatalf("expected failed status, got %s", status)
	}
	if err := machine.StartTask("A"); err != nil {
		t.Fatalf("retry after failure must be legal: %v", err)
	}
	if _, status := machine.CurrentTask(); status != TaskInProgress {
		t.Fatalf("expected in_progress after retry, got %s", status)
	}
}

func TestCompleteTaskLifecycle(t *testing.T) {
	machine := NewMachine("s1", nil)

	if err := machine.CompleteTask("early"); !stdErrors.Is(err, ErrTaskMissing) {
		t.Fatalf("expected ErrTaskMissing, got %v", err)
	}
	if err := machine.StartTask("A"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := machine.CompleteTask("done"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := machine.CompleteTask("again"); !stdErrors.Is(err, ErrStateTransition) {
		t.Fatalf("completed is terminal, got %v", err)
	}
	if err := machine.StartTask("B"); err != nil {
		t.Fatalf("new task after completion must be legal: %v", err)
	}
}

func TestUpdateAgentStateMergesPatch(t *testing.T) {
	machine := NewMachine("s1", nil)

	if err := machine.UpdateAgentState("worker-1", map[string]any{"progress": 0.3}); !stdErrors.Is(err, ErrValidation) {
		t.Fatalf("patch without status must fail, got %v", err)
	}
	if err := machine.UpdateAgentState("worker-1", map[string]any{"status": "busy", "progress": 0.3}); err != nil {
		t.Fatalf("first patch: %v", err)
	}
	if err := machine.UpdateAgentState("worker-1", map[string]any{"status": "idle"}); err != nil {
		t.Fatalf("second patch: %v", err)
	}

	state := machine.Snapshot()
	sub := state.AgentStates["worker-1"]
	if sub["status"] != "idle" {
		t.Fatalf("expected merged status idle, got %v", sub["status"])
	}
	if sub["progress"] != 0.3 {
		t.Fatalf("merge must keep earlier keys, got %v", sub["progress"])
	}
}

func TestMutationGuardTripsOnBurst(t *testing.T) {
	machine := NewMachine("s1", nil, WithGuard(5, time.Second))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := machine.AddMessage(ctx, RoleUser, "m", nil); err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
	}
	if _, err := machine.AddMessage(ctx, RoleUser, "overflow", nil); !stdErrors.Is(err, ErrStateUpdate) {
		t.Fatalf("expected ErrStateUpdate once burst exceeded, got %v", err)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	machine := NewMachine("s1", nil)
	ctx := context.Background()

	if _, err := machine.AddMessage(ctx, RoleUser, "hello", map[string]any{"k": "v"}); err != nil {
		t.Fatalf("add message: %v", err)
	}
	snap := machine.Snapshot()
	snap.Messages[0].Content = "mutated"
	snap.Messages[0].Metadata["k"] = "mutated"

	messages := machine.Messages()
	if messages[0].Content != "hello" || messages[0].Metadata["k"] != "v" {
		t.Fatal("snapshot mutation leaked into machine state")
	}
}

type failingStore struct{}

func (failingStore) Append(context.Context, MessageRecord) error {
	return stdErrors.New("store unavailable")
}

func (failingStore) ListLatest(context.Context, string, int) ([]MessageRecord, error) {
	return nil, stdErrors.New("store unavailable")
}

func (failingStore) Close() error { return nil }
