package dispatch

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	"AgentRelay/internal/capability"
)

func newTestRegistry(t *testing.T, autoApprove bool) *capability.Registry {
	t.Helper()
	return capability.NewRegistry(capability.WithAutoApprove(autoApprove))
}

func registerEcho(t *testing.T, registry *capability.Registry) {
	t.Helper()
	err := registry.Register(capability.Descriptor{
		Name:        "echo",
		Description: "returns the task argument",
		Parameters: []capability.Parameter{
			{Name: "task", Type: "string", Required: true},
		},
	}, func(_ context.Context, args map[string]any) (any, error) {
		return args["task"], nil
	})
	if err != nil {
		t.Fatalf("register echo: %v", err)
	}
}

func startDispatcher(t *testing.T, d *Dispatcher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = d.Start(ctx)
	}()
	return cancel
}

func TestDispatcherInvokeAndComplete(t *testing.T) {
	registry := newTestRegistry(t, true)
	registerEcho(t, registry)

	queue := NewMemoryQueue(8)
	d := NewDispatcher(registry, NewMemoryLedger(), queue, queue)
	cancel := startDispatcher(t, d)
	defer cancel()

	ctx := context.Background()
	requestID, err := d.Invoke(ctx, "echo", map[string]any{"task": "hello"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if requestID == "" {
		t.Fatalf("expected a request id")
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	record, err := d.WaitUntilTerminal(waitCtx, requestID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for terminal state: %v", err)
	}
	if record.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (error=%s)", record.Status, record.Error)
	}
	if record.Response != "hello" {
		t.Fatalf("unexpected response: %v", record.Response)
	}
}

func TestDispatcherUnknownCapability(t *testing.T) {
	registry := newTestRegistry(t, true)
	d := NewDispatcher(registry, NewMemoryLedger(), nil, nil)

	ctx := context.Background()
	requestID, err := d.Invoke(ctx, "ghost", map[string]any{"task": "hello"})
	if err != nil {
		t.Fatalf("invoke unknown capability should still be accepted: %v", err)
	}

	record, err := d.Get(ctx, requestID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if record.Status != StatusError {
		t.Fatalf("expected error state, got %s", record.Status)
	}
	if record.ErrorCode != string(capability.CodeCapabilityNotFound) {
		t.Fatalf("unexpected error code: %s", record.ErrorCode)
	}
}

func TestDispatcherUnapprovedCapability(t *testing.T) {
	registry := newTestRegistry(t, false)
	registerEcho(t, registry)

	d := NewDispatcher(registry, NewMemoryLedger(), nil, nil)

	ctx := context.Background()
	requestID, err := d.Invoke(ctx, "echo", map[string]any{"task": "hello"})
	if err != nil {
		t.Fatalf("invoke unapproved capability should still be accepted: %v", err)
	}

	record, err := d.Get(ctx, requestID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if record.Status != StatusError {
		t.Fatalf("expected error state, got %s", record.Status)
	}
	if record.ErrorCode != string(capability.CodeCapabilityUnapproved) {
		t.Fatalf("unexpected error code: %s", record.ErrorCode)
	}
}

func TestDispatcherInvokeDoesNotBlock(t *testing.T) {
	registry := newTestRegistry(t, true)
	release := make(chan struct{})
	err := registry.Register(capability.Descriptor{
		Name: "slow",
		Parameters: []capability.Parameter{
			{Name: "task", Type: "string", Required: true},
		},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		select {
		case <-release:
			return "released", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	if err != nil {
		t.Fatalf("register slow: %v", err)
	}

	queue := NewMemoryQueue(8)
	d := NewDispatcher(registry, NewMemoryLedger(), queue, queue)
	cancel := startDispatcher(t, d)
	defer cancel()

	ctx := context.Background()
	start := time.Now()
	requestID, err := d.Invoke(ctx, "slow", map[string]any{"task": "wait"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("invoke blocked for %v", elapsed)
	}

	record, err := d.Get(ctx, requestID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if IsTerminal(record.Status) {
		t.Fatalf("record should not be terminal before the capability returns, got %s", record.Status)
	}

	handle := d.Inflight(requestID)
	if handle == nil {
		t.Fatalf("expected an inflight handle")
	}
	close(release)

	select {
	case <-handle.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for completion signal")
	}

	record, err = d.Get(ctx, requestID)
	if err != nil {
		t.Fatalf("get record after completion: %v", err)
	}
	if record.Status != StatusCompleted || record.Response != "released" {
		t.Fatalf("unexpected final record: %+v", record)
	}
}

func TestDispatcherRecoversFromPanic(t *testing.T) {
	registry := newTestRegistry(t, true)
	err := registry.Register(capability.Descriptor{
		Name: "explode",
	}, func(_ context.Context, _ map[string]any) (any, error) {
		panic("boom")
	})
	if err != nil {
		t.Fatalf("register explode: %v", err)
	}

	queue := NewMemoryQueue(8)
	d := NewDispatcher(registry, NewMemoryLedger(), queue, queue)
	cancel := startDispatcher(t, d)
	defer cancel()

	ctx := context.Background()
	requestID, err := d.Invoke(ctx, "explode", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	record, err := d.WaitUntilTerminal(waitCtx, requestID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for terminal state: %v", err)
	}
	if record.Status != StatusError {
		t.Fatalf("expected error state after panic, got %s", record.Status)
	}
	if record.ErrorCode != string(CodeInvocationExecution) {
		t.Fatalf("unexpected error code: %s", record.ErrorCode)
	}
}

func TestDispatcherRejectsMissingRequiredArgs(t *testing.T) {
	registry := newTestRegistry(t, true)
	registerEcho(t, registry)

	d := NewDispatcher(registry, NewMemoryLedger(), nil, nil)

	ctx := context.Background()
	if _, err := d.Invoke(ctx, "echo", map[string]any{}); !stdErrors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected validation error for missing arg, got %v", err)
	}
	if _, err := d.Invoke(ctx, "echo", map[string]any{"task": "  "}); !stdErrors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected validation error for blank arg, got %v", err)
	}
	if _, err := d.Invoke(ctx, "", nil); !stdErrors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected validation error for empty capability name, got %v", err)
	}

	records, err := d.List(ctx)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("rejected invocations must not leave ledger entries, got %d", len(records))
	}
}

func TestDispatcherPollCompletedHandsOutEachRecordOnce(t *testing.T) {
	registry := newTestRegistry(t, true)
	registerEcho(t, registry)

	queue := NewMemoryQueue(8)
	d := NewDispatcher(registry, NewMemoryLedger(), queue, queue)
	cancel := startDispatcher(t, d)
	defer cancel()

	ctx := context.Background()
	first, err := d.Invoke(ctx, "echo", map[string]any{"task": "one"})
	if err != nil {
		t.Fatalf("invoke first: %v", err)
	}
	second, err := d.Invoke(ctx, "echo", map[string]any{"task": "two"})
	if err != nil {
		t.Fatalf("invoke second: %v", err)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	for _, id := range []string{first, second} {
		if _, err := d.WaitUntilTerminal(waitCtx, id, 10*time.Millisecond); err != nil {
			t.Fatalf("wait for %s: %v", id, err)
		}
	}

	seen := make(map[string]bool)
	for i := 0; i < 2; i++ {
		record, err := d.PollCompleted(ctx)
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		if record == nil {
			t.Fatalf("poll %d returned no record", i)
		}
		if seen[record.RequestID] {
			t.Fatalf("record %s handed out twice", record.RequestID)
		}
		seen[record.RequestID] = true
	}

	record, err := d.PollCompleted(ctx)
	if err != nil {
		t.Fatalf("final poll: %v", err)
	}
	if record != nil {
		t.Fatalf("expected no record after draining, got %+v", record)
	}
}

func TestSafeInvokeNilInvoker(t *testing.T) {
	if _, err := safeInvoke(context.Background(), nil, nil); err == nil {
		t.Fatalf("expected error for nil invoker")
	}
}
