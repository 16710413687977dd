package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"strings"
	"time"

	"github.com/convergio/core/internal/domain"
	execsafety "github.com/convergio/core/internal/exec"
)

// limitedBuffer caps how much of a stream is retained, mirroring the
// teacher's exec.manager output cap.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.buf.Len() < b.limit {
		remaining := b.limit - b.buf.Len()
		if remaining > len(p) {
			remaining = len(p)
		}
		b.buf.Write(p[:remaining])
	}
	return len(p), nil
}

func newExecTool(cfg Config, resolver Resolver) (domain.Tool, Invoker) {
	invoke := func(ctx context.Context, input map[string]any) (map[string]any, error) {
		executable, _ := input["executable"].(string)
		executable, err := execsafety.SanitizeExecutableValue(executable)
		if err != nil {
			return nil, fmt.Errorf("unsafe executable: %w", err)
		}

		rawArgs, _ := input["args"].([]any)
		args := make([]string, 0, len(rawArgs))
		for _, a := range rawArgs {
			s, ok := a.(string)
			if !ok {
				return nil, fmt.Errorf("args must all be strings")
			}
			args = append(args, s)
		}
		args, err = execsafety.SanitizeArguments(args)
		if err != nil {
			return nil, fmt.Errorf("unsafe argument: %w", err)
		}

		cwd := ""
		if v, ok := input["cwd"].(string); ok {
			cwd = v
		}
		dir := ""
		if cwd != "" {
			abs, err := resolver.Resolve(cwd)
			if err != nil {
				return nil, err
			}
			dir = abs
		} else if root, err := resolver.Resolve("."); err == nil {
			dir = root
		}

		timeout := cfg.DefaultTimeout
		if secs := asFloat(input["timeout_seconds"]); secs > 0 {
			timeout = time.Duration(secs * float64(time.Second))
		}
		runCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		cmd := osexec.CommandContext(runCtx, executable, args...)
		cmd.Dir = dir

		if envAny, ok := input["env"].(map[string]any); ok && len(envAny) > 0 {
			base := os.Environ()
			for k, v := range envAny {
				if s, ok := v.(string); ok {
					base = append(base, k+"="+s)
				}
			}
			cmd.Env = base
		}

		if stdin, ok := input["input"].(string); ok && stdin != "" {
			cmd.Stdin = strings.NewReader(stdin)
		}

		stdout := &limitedBuffer{limit: cfg.MaxOutputBytes}
		stderr := &limitedBuffer{limit: cfg.MaxOutputBytes}
		cmd.Stdout = stdout
		cmd.Stderr = stderr

		start := time.Now()
		runErr := cmd.Run()
		duration := time.Since(start)

		exitCode := 0
		if runErr != nil {
			var exitErr *osexec.ExitError
			if errors.As(runErr, &exitErr) {
				exitCode = exitErr.ExitCode()
			} else if runCtx.Err() != nil {
				return nil, domain.NewError(domain.ErrKindToolTimeout, runCtx.Err())
			} else {
				return nil, fmt.Errorf("run %s: %w", executable, runErr)
			}
		}

		return map[string]any{
			"stdout":      stdout.buf.String(),
			"stderr":      stderr.buf.String(),
			"exit_code":   exitCode,
			"duration_ms": duration.Milliseconds(),
		}, nil
	}

	tool := domain.Tool{
		Name:        "shell.exec",
		Description: "Run an executable with arguments in the workspace, without a shell.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"executable":      map[string]any{"type": "string", "description": "Bare executable name or path."},
				"args":            map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"cwd":             map[string]any{"type": "string"},
				"env":             map[string]any{"type": "object"},
				"input":           map[string]any{"type": "string"},
				"timeout_seconds": map[string]any{"type": "integer", "minimum": 0},
			},
			"required": []string{"executable"},
		},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"stdout":      map[string]any{"type": "string"},
				"stderr":      map[string]any{"type": "string"},
				"exit_code":   map[string]any{"type": "integer"},
				"duration_ms": map[string]any{"type": "integer"},
			},
			"required": []string{"stdout", "stderr", "exit_code", "duration_ms"},
		},
		SideEffects: domain.EffectExternal,
		SafetyLevel: domain.SafetyHITLRequired,
		CostEstimator: func(input map[string]any) domain.CostEstimate {
			return domain.CostEstimate{Tokens: 512, USD: 0.002}
		},
	}
	return tool, invoke
}
