package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestCatalogReadWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	_, invokers := Catalog(Config{Workspace: dir})

	writeOut, err := invokers["files.write"](context.Background(), map[string]any{
		"path":    "notes/todo.txt",
		"content": "buy milk",
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if writeOut["bytes_written"].(int64) != int64(len("buy milk")) {
		t.Fatalf("unexpected bytes_written: %v", writeOut["bytes_written"])
	}

	readOut, err := invokers["files.read"](context.Background(), map[string]any{
		"path": "notes/todo.txt",
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if readOut["content"].(string) != "buy milk" {
		t.Fatalf("unexpected content: %q", readOut["content"])
	}
}

func TestReadToolRejectsWorkspaceEscape(t *testing.T) {
	dir := t.TempDir()
	_, invokers := Catalog(Config{Workspace: dir})

	_, err := invokers["files.read"](context.Background(), map[string]any{
		"path": "../../etc/passwd",
	})
	if err == nil {
		t.Fatal("expected error escaping workspace")
	}
}

func TestReadToolTruncates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.txt")
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, invokers := Catalog(Config{Workspace: dir, MaxReadBytes: 4})

	out, err := invokers["files.read"](context.Background(), map[string]any{"path": "big.txt"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out["content"].(string) != "0123" {
		t.Fatalf("unexpected content: %q", out["content"])
	}
	if !out["truncated"].(bool) {
		t.Fatal("expected truncated=true")
	}
}

func TestExecToolRunsWithoutShell(t *testing.T) {
	dir := t.TempDir()
	_, invokers := Catalog(Config{Workspace: dir})

	out, err := invokers["shell.exec"](context.Background(), map[string]any{
		"executable": "echo",
		"args":       []any{"hello"},
	})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if out["exit_code"].(int) != 0 {
		t.Fatalf("unexpected exit code: %v", out["exit_code"])
	}
	if got := out["stdout"].(string); got != "hello\n" {
		t.Fatalf("unexpected stdout: %q", got)
	}
}

func TestExecToolRejectsShellMetacharacters(t *testing.T) {
	dir := t.TempDir()
	_, invokers := Catalog(Config{Workspace: dir})

	_, err := invokers["shell.exec"](context.Background(), map[string]any{
		"executable": "echo; rm -rf /",
	})
	if err == nil {
		t.Fatal("expected error for unsafe executable")
	}
}

func TestCatalogToolSafetyLevels(t *testing.T) {
	toolList, _ := Catalog(DefaultConfig())
	byName := map[string]string{}
	for _, tl := range toolList {
		byName[tl.Name] = string(tl.SafetyLevel)
	}
	if byName["files.read"] != "safe" {
		t.Errorf("files.read safety = %s, want safe", byName["files.read"])
	}
	if byName["files.write"] != "gated" {
		t.Errorf("files.write safety = %s, want gated", byName["files.write"])
	}
	if byName["shell.exec"] != "hitl_required" {
		t.Errorf("shell.exec safety = %s, want hitl_required", byName["shell.exec"])
	}
}
