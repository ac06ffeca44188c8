package agent

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"opsbrain/pkg/protocol"
)

// Executor runs one task. It calls progress for every line of output worth
// streaming and returns the task's result text.
type Executor interface {
	Execute(ctx context.Context, task protocol.TaskPayload, progress func(line string)) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task protocol.TaskPayload, progress func(line string)) (string, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, task protocol.TaskPayload, progress func(line string)) (string, error) {
	return f(ctx, task, progress)
}

// maxResultLines bounds the stdout tail kept as the task result.
const maxResultLines = 40

// CommandExecutor runs a shell command per task. The prompt is written to
// stdin, every stdout line is streamed as progress, and the last lines of
// stdout become the result. A non-zero exit is a task error carrying the
// tail of stderr.
type CommandExecutor struct {
	Command string // passed to sh -c
	Dir     string // working directory, empty for the agent's own
}

// Execute implements Executor.
func (c *CommandExecutor) Execute(ctx context.Context, task protocol.TaskPayload, progress func(line string)) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", c.Command) //nolint:gosec // operator-configured command
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(),
		"OPSBRAIN_EVENT_ID="+task.EventID,
		"OPSBRAIN_ROLE="+string(task.Role),
	)
	cmd.Stdin = strings.NewReader(task.Prompt)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %q: %w", c.Command, err)
	}

	var tail []string
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		progress(line)
		tail = append(tail, line)
		if len(tail) > maxResultLines {
			tail = tail[1:]
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("command failed: %w: %s", err, lastLines(msg, 5))
		}
		return "", fmt.Errorf("command failed: %w", err)
	}
	return strings.Join(tail, "\n"), nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
