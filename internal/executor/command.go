package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/aristath/dreamteam/internal/scheduler"
	"github.com/bytedance/sonic"
)

// Exit codes with a fixed classification. Any other non-zero exit is a
// tool_error.
const (
	ExitValidation = 2 // The payload was rejected
	ExitAgent      = 3 // The agent gave up
	ExitExternal   = 4 // A downstream service failed
)

// CommandExecutor runs an external command per task. The payload is written
// to stdin; stdout becomes the result, kept as-is when it is valid JSON and
// wrapped as a JSON string otherwise.
type CommandExecutor struct {
	Argv []string
	Dir  string
	Env  []string // Extra KEY=VALUE pairs
	PM   *ProcessManager
}

// NewCommandExecutor creates a CommandExecutor for argv.
func NewCommandExecutor(argv []string, pm *ProcessManager) (*CommandExecutor, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("command executor needs a program")
	}
	return &CommandExecutor{Argv: append([]string(nil), argv...), PM: pm}, nil
}

func (c *CommandExecutor) Execute(ctx context.Context, task *scheduler.Task) (json.RawMessage, error) {
	cmd := newCommand(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Stdin = bytes.NewReader(task.Payload)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Env = append(cmd.Env,
		"DREAMTEAM_TASK_ID="+task.ID,
		"DREAMTEAM_ROLE="+task.Role,
		"DREAMTEAM_ATTEMPT="+strconv.Itoa(task.RetryCount+1),
	)

	stdout, stderr, err := runCommand(cmd, c.PM)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("command %s: %w", c.Argv[0], ctxErr)
	}
	if err != nil {
		return nil, classifyExit(err, stderr)
	}
	return toResult(bytes.TrimSpace(stdout))
}

func classifyExit(err error, stderr []byte) error {
	msg := err.Error()
	if s := bytes.TrimSpace(stderr); len(s) > 0 {
		msg = fmt.Sprintf("%s (stderr: %s)", msg, s)
	}
	wrapped := fmt.Errorf("command failed: %s", msg)

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return scheduler.WithType(wrapped, scheduler.ErrorTool)
	}
	switch exitErr.ExitCode() {
	case ExitValidation:
		return scheduler.WithType(wrapped, scheduler.ErrorValidation)
	case ExitAgent:
		return scheduler.WithType(wrapped, scheduler.ErrorAgent)
	case ExitExternal:
		return scheduler.WithType(wrapped, scheduler.ErrorExternalService)
	default:
		return scheduler.WithType(wrapped, scheduler.ErrorTool)
	}
}

func toResult(out []byte) (json.RawMessage, error) {
	if len(out) == 0 {
		return nil, nil
	}
	if sonic.Valid(out) {
		return json.RawMessage(out), nil
	}
	wrapped, err := sonic.Marshal(string(out))
	if err != nil {
		return nil, fmt.Errorf("encode command output: %w", err)
	}
	return json.RawMessage(wrapped), nil
}
