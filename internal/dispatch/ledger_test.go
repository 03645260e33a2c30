package dispatch

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"
)

func TestMemoryLedgerLifecycle(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	record := &RequestRecord{
		RequestID:  "r1",
		Capability: "echo",
		Args:       map[string]any{"task": "hello"},
		Status:     StatusReceived,
	}
	if err := ledger.Create(ctx, record); err != nil {
		t.Fatalf("create record: %v", err)
	}
	if err := ledger.Create(ctx, record); !stdErrors.Is(err, ErrRequestConflict) {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}

	claimed, err := ledger.Claim(ctx, "r1")
	if err != nil {
		t.Fatalf("claim record: %v", err)
	}
	if claimed.Status != StatusInProgress {
		t.Fatalf("expected in_progress after claim, got %s", claimed.Status)
	}
	if _, err := ledger.Claim(ctx, "r1"); !stdErrors.Is(err, ErrRequestConflict) {
		t.Fatalf("expected conflict on double claim, got %v", err)
	}

	if err := ledger.MarkCompleted(ctx, "r1", "done"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	got, err := ledger.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if got.Status != StatusCompleted || got.Response != "done" {
		t.Fatalf("unexpected record after completion: %+v", got)
	}
	if got.CompletedAt == 0 {
		t.Fatalf("expected completed_at to be set")
	}

	if _, err := ledger.Claim(ctx, "r1"); !stdErrors.Is(err, ErrRequestFinished) {
		t.Fatalf("expected finished on claiming terminal record, got %v", err)
	}
}

func TestMemoryLedgerMarksAreIdempotent(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	if err := ledger.Create(ctx, &RequestRecord{RequestID: "r1", Capability: "echo", Status: StatusReceived}); err != nil {
		t.Fatalf("create record: %v", err)
	}
	if err := ledger.MarkError(ctx, "r1", "BOOM", "first failure"); err != nil {
		t.Fatalf("mark error: %v", err)
	}

	// A late success report must not overwrite the terminal outcome.
	if err := ledger.MarkCompleted(ctx, "r1", "late result"); err != nil {
		t.Fatalf("late mark completed should be a no-op, got %v", err)
	}
	if err := ledger.MarkError(ctx, "r1", "OTHER", "second failure"); err != nil {
		t.Fatalf("late mark error should be a no-op, got %v", err)
	}

	got, err := ledger.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if got.Status != StatusError || got.Error != "first failure" || got.ErrorCode != "BOOM" {
		t.Fatalf("terminal record changed by later marks: %+v", got)
	}

	if err := ledger.MarkCompleted(ctx, "missing", nil); !stdErrors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected not found for missing record, got %v", err)
	}
}

func TestMemoryLedgerPollCompletedExactlyOnce(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	for _, id := range []string{"r1", "r2", "r3"} {
		if err := ledger.Create(ctx, &RequestRecord{RequestID: id, Capability: "echo", Status: StatusReceived}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := ledger.MarkCompleted(ctx, "r1", "a"); err != nil {
		t.Fatalf("mark r1: %v", err)
	}
	if err := ledger.MarkError(ctx, "r2", "BOOM", "failed"); err != nil {
		t.Fatalf("mark r2: %v", err)
	}

	ledger.mu.Lock()
	ledger.records["r1"].CompletedAt = 100
	ledger.records["r2"].CompletedAt = 200
	ledger.mu.Unlock()

	first, err := ledger.PollCompleted(ctx)
	if err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if first == nil || first.RequestID != "r1" {
		t.Fatalf("expected earliest terminal record first, got %+v", first)
	}
	if !first.ProcessedByAgent {
		t.Fatalf("polled record should be marked processed")
	}

	second, err := ledger.PollCompleted(ctx)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if second == nil || second.RequestID != "r2" {
		t.Fatalf("expected r2 on second poll, got %+v", second)
	}

	// r3 is still pending execution, nothing left to hand out.
	third, err := ledger.PollCompleted(ctx)
	if err != nil {
		t.Fatalf("third poll: %v", err)
	}
	if third != nil {
		t.Fatalf("expected no record on third poll, got %+v", third)
	}
}

func TestMemoryLedgerListAndStats(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	base := time.Now().Add(-time.Minute).Unix()
	records := []*RequestRecord{
		{RequestID: "r1", Capability: "echo", Status: StatusReceived, CreatedAt: base},
		{RequestID: "r2", Capability: "echo", Status: StatusReceived, CreatedAt: base + 10},
		{RequestID: "r3", Capability: "echo", Status: StatusReceived, CreatedAt: base + 20},
	}
	for _, record := range records {
		if err := ledger.Create(ctx, record); err != nil {
			t.Fatalf("create %s: %v", record.RequestID, err)
		}
	}
	if err := ledger.MarkCompleted(ctx, "r2", "ok"); err != nil {
		t.Fatalf("mark r2: %v", err)
	}
	if err := ledger.MarkError(ctx, "r3", "BOOM", "failed"); err != nil {
		t.Fatalf("mark r3: %v", err)
	}

	all, err := ledger.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].RequestID != "r3" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	completed, err := ledger.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusCompleted)}))
	if err != nil {
		t.Fatalf("list completed: %v", err)
	}
	if len(completed) != 1 || completed[0].RequestID != "r2" {
		t.Fatalf("unexpected completed list: %+v", completed)
	}

	limited, err := ledger.List(ctx, buildListOptions([]ListOption{WithLimit(2)}))
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 records, got %d", len(limited))
	}

	stats, err := ledger.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Received != 1 || stats.Completed != 1 || stats.Errored != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Unclaimed != 2 {
		t.Fatalf("expected 2 unclaimed terminal records, got %d", stats.Unclaimed)
	}
}

func TestMemoryLedgerGetReturnsCopy(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	if err := ledger.Create(ctx, &RequestRecord{
		RequestID:  "r1",
		Capability: "echo",
		Args:       map[string]any{"task": "hello"},
		Status:     StatusReceived,
	}); err != nil {
		t.Fatalf("create record: %v", err)
	}

	got, err := ledger.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	got.Args["task"] = "tampered"
	got.Status = StatusError

	fresh, err := ledger.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get fresh record: %v", err)
	}
	if fresh.Args["task"] != "hello" || fresh.Status != StatusReceived {
		t.Fatalf("ledger state leaked through returned copy: %+v", fresh)
	}
}
