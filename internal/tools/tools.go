// Package tools provides a minimal concrete tool catalog — files.read,
// files.write, and shell.exec — that exercises the Tool Executor
// pipeline end-to-end: one pure/read tool, one write side-effect tool,
// and one hitl_required external-effect tool.
//
// Grounded on the teacher's internal/tools/files (read.go/write.go/
// resolver.go) and internal/tools/exec (manager.go/tools.go) packages:
// the workspace-relative path resolver is adapted near-directly from
// files.Resolver, and the command runner keeps exec.manager's
// timeout-context/output-capping shape. shell.exec itself departs from
// the teacher's "/bin/sh -c <string>" design: it takes an executable
// plus an argument list and runs it directly via exec.CommandContext
// with no shell, so the unwired internal/exec sanitization helpers
// (IsSafeExecutableValue, SanitizeArguments) have a real caller instead
// of sitting dead in the tree.
package tools

import (
	"context"
	"time"

	"github.com/convergio/core/internal/domain"
)

// Invoker performs one tool call against already schema-validated
// input, returning the tool's raw output fields.
type Invoker func(ctx context.Context, input map[string]any) (map[string]any, error)

// Config tunes the concrete tool implementations.
type Config struct {
	Workspace      string
	MaxReadBytes   int
	MaxOutputBytes int
	DefaultTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workspace:      ".",
		MaxReadBytes:   200_000,
		MaxOutputBytes: 64_000,
		DefaultTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxReadBytes <= 0 {
		c.MaxReadBytes = 200_000
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 64_000
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.Workspace == "" {
		c.Workspace = "."
	}
	return c
}

// Catalog builds the concrete domain.Tool entries and their Invokers,
// ready to be loaded into a catalog.ToolRegistry and dispatched by the
// Tool Executor.
func Catalog(cfg Config) ([]domain.Tool, map[string]Invoker) {
	cfg = cfg.withDefaults()
	resolver := Resolver{Root: cfg.Workspace}

	readTool, readInvoke := newReadTool(cfg, resolver)
	writeTool, writeInvoke := newWriteTool(cfg, resolver)
	execTool, execInvoke := newExecTool(cfg, resolver)

	return []domain.Tool{readTool, writeTool, execTool}, map[string]Invoker{
		readTool.Name:  readInvoke,
		writeTool.Name: writeInvoke,
		execTool.Name:  execInvoke,
	}
}
