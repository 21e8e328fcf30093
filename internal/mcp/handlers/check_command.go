package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/nethopper/internal/task"
)

const (
	maxWaitSeconds     = 30
	defaultOutputLines = 20
)

// CheckCommand returns a handler that reports a command's current status.
// With wait_seconds the call blocks until the command ends or the wait runs
// out, whichever is first.
func CheckCommand(tm *task.Manager) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		id, _ := args["task_id"].(string)
		if id == "" {
			return mcp.NewToolResultError("task_id is required"), nil
		}

		var (
			snap task.TaskSnapshot
			err  error
		)
		if w, ok := args["wait_seconds"].(float64); ok && w > 0 {
			waitCtx, cancel := context.WithTimeout(ctx, time.Duration(min(int(w), maxWaitSeconds))*time.Second)
			snap, err = tm.Wait(waitCtx, id)
			cancel()
			if waitCtx.Err() != nil {
				// Running past the wait is a normal answer.
				err = nil
			}
		} else {
			var t *task.Task
			if t, err = tm.Get(id); err == nil {
				snap = t.Snapshot()
			}
		}
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Command not found: %s", err)), nil
		}

		lines := defaultOutputLines
		if n, ok := args["output_lines"].(float64); ok && n > 0 {
			lines = int(n)
		}
		includeOutput, _ := args["include_output"].(bool)
		if !includeOutput {
			lines = 0
		}

		return mcp.NewToolResultText(describeStatus(snap, lines)), nil
	}
}

// describeStatus renders snap for the check_command tool. tail is the number
// of trailing output lines to append; 0 leaves the output out.
func describeStatus(snap task.TaskSnapshot, tail int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Status: %s\nHost: %s\n", snap.Status, snap.Target)
	if !snap.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Duration: %s\n", snap.FormatDuration())
	}

	switch snap.Status {
	case task.StatusRunning:
		if snap.Progress != "" {
			fmt.Fprintf(&b, "Progress: %s\n", snap.Progress)
		}
		fmt.Fprintf(&b, "Output so far: %d bytes\n", snap.OutputTotal)
	case task.StatusCompleted:
		fmt.Fprintf(&b, "Exit code: %d\n", snap.ExitCode)
		b.WriteString("\nUse get_output for the full output.")
	case task.StatusFailed:
		if snap.Error != "" {
			fmt.Fprintf(&b, "Error: %s\n", snap.Error)
		}
	case task.StatusCancelled:
		if snap.Error != "" {
			fmt.Fprintf(&b, "Reason: %s\n", snap.Error)
		}
	}

	if tail > 0 && snap.Output != "" {
		b.WriteString("\n--- Last output ---\n")
		b.WriteString(tailLines(snap.Output, tail))
	}
	return b.String()
}

// tailLines returns the last n lines of s without the trailing newline.
func tailLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	idx := len(s)
	for range n {
		idx = strings.LastIndexByte(s[:idx], '\n')
		if idx < 0 {
			return s
		}
	}
	return s[idx+1:]
}
