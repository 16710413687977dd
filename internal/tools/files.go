package tools

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/convergio/core/internal/domain"
)

func newReadTool(cfg Config, resolver Resolver) (domain.Tool, Invoker) {
	limit := cfg.MaxReadBytes

	invoke := func(ctx context.Context, input map[string]any) (map[string]any, error) {
		path, _ := input["path"].(string)
		path = strings.TrimSpace(path)
		if path == "" {
			return nil, fmt.Errorf("path is required")
		}
		offset := int64(asFloat(input["offset"]))
		maxBytes := int(asFloat(input["max_bytes"]))
		if maxBytes <= 0 || maxBytes > limit {
			maxBytes = limit
		}

		abs, err := resolver.Resolve(path)
		if err != nil {
			return nil, err
		}
		f, err := os.Open(abs)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()

		if offset > 0 {
			if _, err := f.Seek(offset, io.SeekStart); err != nil {
				return nil, fmt.Errorf("seek %s: %w", path, err)
			}
		}

		buf := make([]byte, maxBytes)
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		content := buf[:n]

		truncated := false
		if _, peekErr := f.Read(make([]byte, 1)); peekErr == nil {
			truncated = true
		}

		return map[string]any{
			"content":    string(content),
			"bytes_read": int64(n),
			"truncated":  truncated,
		}, nil
	}

	tool := domain.Tool{
		Name:        "files.read",
		Description: "Read a file from the workspace with optional offset and byte limit.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":      map[string]any{"type": "string", "description": "Path relative to the workspace."},
				"offset":    map[string]any{"type": "integer", "minimum": 0},
				"max_bytes": map[string]any{"type": "integer", "minimum": 0},
			},
			"required": []string{"path"},
		},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content":    map[string]any{"type": "string"},
				"bytes_read": map[string]any{"type": "integer"},
				"truncated":  map[string]any{"type": "boolean"},
			},
			"required": []string{"content", "bytes_read", "truncated"},
		},
		SideEffects: domain.EffectRead,
		SafetyLevel: domain.SafetySafe,
		CostEstimator: func(input map[string]any) domain.CostEstimate {
			return domain.CostEstimate{Tokens: 64, USD: 0.0001}
		},
	}
	return tool, invoke
}

func newWriteTool(cfg Config, resolver Resolver) (domain.Tool, Invoker) {
	invoke := func(ctx context.Context, input map[string]any) (map[string]any, error) {
		path, _ := input["path"].(string)
		path = strings.TrimSpace(path)
		if path == "" {
			return nil, fmt.Errorf("path is required")
		}
		content, _ := input["content"].(string)
		appendMode, _ := input["append"].(bool)

		abs, err := resolver.Resolve(path)
		if err != nil {
			return nil, err
		}

		flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		if appendMode {
			flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		}
		f, err := os.OpenFile(abs, flags, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open %s for write: %w", path, err)
		}
		defer f.Close()

		n, err := f.WriteString(content)
		if err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}

		return map[string]any{
			"bytes_written": int64(n),
		}, nil
	}

	tool := domain.Tool{
		Name:        "files.write",
		Description: "Write content to a file in the workspace (overwrites by default).",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string", "description": "Path relative to the workspace."},
				"content": map[string]any{"type": "string"},
				"append":  map[string]any{"type": "boolean"},
			},
			"required": []string{"path", "content"},
		},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"bytes_written": map[string]any{"type": "integer"},
			},
			"required": []string{"bytes_written"},
		},
		SideEffects: domain.EffectWrite,
		SafetyLevel: domain.SafetyGated,
		CostEstimator: func(input map[string]any) domain.CostEstimate {
			content, _ := input["content"].(string)
			return domain.CostEstimate{Tokens: int64(len(content) / 4), USD: 0.0005}
		},
	}
	return tool, invoke
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}
