package capability

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestDiscoverIsBestEffortAndIdempotent(t *testing.T) {
	good := Candidate{Descriptor: Descriptor{Name: "echo"}, Invoke: noopInvoke}
	bad := Candidate{Descriptor: Descriptor{Name: ""}, Invoke: noopInvoke}

	registry := NewRegistry(
		WithAutoApprove(true),
		WithSources(NewStaticSource("test", good, bad)),
	)
	ctx := context.Background()

	registry.Discover(ctx)
	if names := registry.List(ListOptions{}); len(names) != 1 || names[0] != "echo" {
		t.Fatalf("bad candidate must be skipped, got %v", names)
	}

	// 重复发现不应产生错误或副本。
	registry.Discover(ctx)
	if names := registry.List(ListOptions{}); len(names) != 1 {
		t.Fatalf("discovery must be idempotent, got %v", names)
	}
}

func TestManifestSourceBindsInvokers(t *testing.T) {
	dir := t.TempDir()
	manifestBody := `capabilities:
  - name: echo
    description: echo back the task
    version: 1.0.0
    capabilities: [utility]
    parameters:
      - name: task
        type: string
        required: true
  - name: unbound
    description: declared but no invoker provided
`
	if err := os.WriteFile(filepath.Join(dir, "tools.yaml"), []byte(manifestBody), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	// 非清单文件应当被忽略。
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("notes"), 0o644); err != nil {
		t.Fatalf("write readme: %v", err)
	}

	source := NewManifestSource(dir, map[string]Invoker{"echo": noopInvoke})
	candidates, err := source.Capabilities(context.Background())
	if err != nil {
		t.Fatalf("capabilities: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 bound candidate, got %d", len(candidates))
	}
	desc := candidates[0].Descriptor
	if desc.Name != "echo" || len(desc.Parameters) != 1 || desc.Parameters[0].Name != "task" {
		t.Fatalf("unexpected descriptor: %+v", desc)
	}
	if desc.Source == "" {
		t.Fatal("manifest source must stamp the descriptor origin")
	}
}

func TestManifestSourceMissingDir(t *testing.T) {
	source := NewManifestSource(filepath.Join(t.TempDir(), "absent"), nil)
	if _, err := source.Capabilities(context.Background()); err == nil {
		t.Fatal("expected error for missing manifest directory")
	}
}
