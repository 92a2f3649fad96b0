package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/aristath/dreamteam/internal/logging"
	"github.com/aristath/dreamteam/internal/orchestrator"
	"github.com/aristath/dreamteam/internal/scheduler"
)

// cliLogger logs warnings and errors only, so command output stays clean.
func cliLogger(w io.Writer) *slog.Logger {
	logger, _, err := logging.New(logging.Options{Level: "warn"}, w)
	if err != nil {
		return slog.New(slog.NewTextHandler(w, nil))
	}
	return logger
}

// withService opens the configured store for one command and runs fn.
func (a *app) withService(cmd *cobra.Command, fn func(ctx context.Context, svc *orchestrator.Service) error) error {
	ctx := cmd.Context()
	rt, err := openRuntime(ctx, a.cfg, cliLogger(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.svc)
}

// taskAction builds a command that applies fn to one task id and prints
// the result.
func (a *app) taskAction(use, short string, fn func(ctx context.Context, svc *orchestrator.Service, id string) (*scheduler.Task, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *orchestrator.Service) error {
				task, err := fn(ctx, svc, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), task)
			})
		},
	}
}

func newTaskCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create, inspect and act on tasks",
	}
	cmd.AddCommand(
		newTaskCreateCmd(a),
		newTaskBatchCmd(a),
		newTaskListCmd(a),
		newTaskClaimCmd(a),
		newTaskCompleteCmd(a),
		newTaskFailCmd(a),
		newTaskCancelCmd(a),
		newTaskApproveCmd(a),
		a.taskAction("get", "Show a task", func(ctx context.Context, svc *orchestrator.Service, id string) (*scheduler.Task, error) {
			return svc.GetTask(ctx, id)
		}),
		a.taskAction("retry", "Retry a failed task with retries left", func(ctx context.Context, svc *orchestrator.Service, id string) (*scheduler.Task, error) {
			return svc.Retry(ctx, id)
		}),
		a.taskAction("force-retry", "Retry a failed task, resetting its retry budget", func(ctx context.Context, svc *orchestrator.Service, id string) (*scheduler.Task, error) {
			return svc.ForceRetry(ctx, id)
		}),
		a.taskAction("heartbeat", "Record a heartbeat for an active task", func(ctx context.Context, svc *orchestrator.Service, id string) (*scheduler.Task, error) {
			return svc.Heartbeat(ctx, id)
		}),
	)
	return cmd
}

func newTaskCreateCmd(a *app) *cobra.Command {
	var (
		req        orchestrator.CreateRequest
		payload    string
		maxRetries int
		noRetry    bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		Example: `  dreamteam task create --role reviewer --payload '{"pr":42}'
  dreamteam task create --role deployer --depends-on build,test --approval`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if payload != "" {
				if !sonic.Valid([]byte(payload)) {
					return fmt.Errorf("--payload is not valid JSON")
				}
				req.Payload = json.RawMessage(payload)
			}
			if cmd.Flags().Changed("max-retries") {
				req.MaxRetries = &maxRetries
			}
			if noRetry {
				retryable := false
				req.Retryable = &retryable
			}
			return a.withService(cmd, func(ctx context.Context, svc *orchestrator.Service) error {
				task, err := svc.CreateTask(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), task)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.ID, "id", "", "task id (generated when empty)")
	f.StringVar(&req.Role, "role", "", "role that runs the task")
	f.StringVar(&payload, "payload", "", "JSON payload")
	f.IntVar(&req.Priority, "priority", 0, "higher runs first")
	f.StringSliceVar(&req.DependsOn, "depends-on", nil, "ids of tasks that must complete first")
	f.BoolVar(&req.ApprovalRequired, "approval", false, "hold the task until approved")
	f.IntVar(&maxRetries, "max-retries", 0, "retry budget (default from config)")
	f.BoolVar(&noRetry, "no-retry", false, "never retry this task")
	f.IntVar(&req.TimeoutSeconds, "timeout", 0, "execution timeout in seconds (default from config)")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func newTaskBatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "batch <file>",
		Short: "Create a batch of tasks from a JSON array",
		Long: `Create tasks atomically from a JSON array of items. Each item has a
"key" and the fields of a single task; depends_on may name other keys in
the batch or existing task ids. Use "-" to read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			var items []orchestrator.BatchItem
			if err := sonic.Unmarshal(data, &items); err != nil {
				return fmt.Errorf("failed to parse batch: %w", err)
			}
			return a.withService(cmd, func(ctx context.Context, svc *orchestrator.Service) error {
				tasks, err := svc.CreateBatch(ctx, items)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), tasks)
			})
		},
	}
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func newTaskListCmd(a *app) *cobra.Command {
	var (
		statuses []string
		role     string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks by priority",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := scheduler.TaskFilter{Role: role, Limit: limit}
			for _, s := range statuses {
				filter.Statuses = append(filter.Statuses, scheduler.TaskStatus(s))
			}
			return a.withService(cmd, func(ctx context.Context, svc *orchestrator.Service) error {
				tasks, err := svc.ListTasks(ctx, filter)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, t := range tasks {
					fmt.Fprintf(w, "%-36s  %-17s  %-12s  p%-3d  retries %d/%d\n",
						t.ID, t.Status, t.Role, t.Priority, t.RetryCount, t.MaxRetries)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only these statuses")
	cmd.Flags().StringVar(&role, "role", "", "only this role")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum tasks to list")
	return cmd
}

func newTaskClaimCmd(a *app) *cobra.Command {
	var (
		role string
		maxClaim int
	)
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim eligible tasks for an external worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *orchestrator.Service) error {
				tasks, err := svc.ClaimNext(ctx, role, maxClaim)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), tasks)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role to claim (empty claims any)")
	cmd.Flags().IntVar(&maxClaim, "max", 1, "maximum tasks to claim")
	return cmd
}

func newTaskCompleteCmd(a *app) *cobra.Command {
	var result string
	cmd := a.taskAction("complete", "Complete an active task", func(ctx context.Context, svc *orchestrator.Service, id string) (*scheduler.Task, error) {
		var raw json.RawMessage
		if result != "" {
			if !sonic.Valid([]byte(result)) {
				return nil, fmt.Errorf("--result is not valid JSON")
			}
			raw = json.RawMessage(result)
		}
		return svc.Complete(ctx, id, raw)
	})
	cmd.Flags().StringVar(&result, "result", "", "JSON result")
	return cmd
}

func newTaskFailCmd(a *app) *cobra.Command {
	var msg, errType string
	cmd := a.taskAction("fail", "Report an active task as failed", func(ctx context.Context, svc *orchestrator.Service, id string) (*scheduler.Task, error) {
		return svc.Fail(ctx, id, msg, scheduler.ParseErrorType(errType))
	})
	cmd.Flags().StringVar(&msg, "error", "", "failure message")
	cmd.Flags().StringVar(&errType, "type", string(scheduler.ErrorUnknown), "error type, e.g. timeout or tool_error")
	return cmd
}

func newTaskCancelCmd(a *app) *cobra.Command {
	var reason string
	cmd := a.taskAction("cancel", "Cancel a task", func(ctx context.Context, svc *orchestrator.Service, id string) (*scheduler.Task, error) {
		return svc.Cancel(ctx, id, reason)
	})
	cmd.Flags().StringVar(&reason, "reason", "", "why the task was cancelled")
	return cmd
}

func newTaskApproveCmd(a *app) *cobra.Command {
	var approver string
	cmd := a.taskAction("approve", "Approve a task awaiting approval", func(ctx context.Context, svc *orchestrator.Service, id string) (*scheduler.Task, error) {
		return svc.Approve(ctx, id, approver)
	})
	cmd.Flags().StringVar(&approver, "by", os.Getenv("USER"), "approver name")
	return cmd
}
