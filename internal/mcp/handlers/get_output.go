package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/nethopper/internal/task"
)

// GetOutput returns a handler that provides the result of a finished command.
func GetOutput(tm *task.Manager) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		taskID, _ := args["task_id"].(string)
		if taskID == "" {
			return mcp.NewToolResultError("task_id is required"), nil
		}

		t, err := tm.Get(taskID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Command not found: %s", err)), nil
		}

		snap := t.Snapshot()
		if !snap.IsTerminal() {
			return mcp.NewToolResultText(
				fmt.Sprintf("Command %s is still %s. Use check_command to monitor progress.", taskID, snap.Status),
			), nil
		}

		format := "summary"
		if f, ok := args["format"].(string); ok && f != "" {
			format = f
		}

		switch format {
		case "json":
			return formatJSON(snap)
		case "full":
			return formatFull(snap), nil
		default:
			return formatSummary(snap), nil
		}
	}
}

func formatSummary(snap task.TaskSnapshot) *mcp.CallToolResult {
	var b strings.Builder

	fmt.Fprintf(&b, "Command %s\n\n", snap.Status)
	fmt.Fprintf(&b, "- ID: %s\n", snap.ID)
	fmt.Fprintf(&b, "- Host: %s\n", snap.Target)
	fmt.Fprintf(&b, "- Command: %s\n", snap.Command)
	fmt.Fprintf(&b, "- Duration: %s\n", snap.FormatDuration())
	if snap.ExitCode != -1 {
		fmt.Fprintf(&b, "- Exit code: %d\n", snap.ExitCode)
	}
	if snap.Error != "" {
		fmt.Fprintf(&b, "- Error: %s\n", snap.Error)
	}

	if snap.Output != "" {
		fmt.Fprintf(&b, "\nOutput:\n%s\n", truncateSummary(snap.Output, 1000))
	}

	return mcp.NewToolResultText(b.String())
}

func formatFull(snap task.TaskSnapshot) *mcp.CallToolResult {
	var b strings.Builder

	fmt.Fprintf(&b, "Command %s (%s)\n", snap.ID, snap.Status)
	fmt.Fprintf(&b, "Host: %s | Duration: %s | Exit code: %d\n\n", snap.Target, snap.FormatDuration(), snap.ExitCode)

	if snap.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n\n", snap.Error)
	}
	if snap.Truncated() {
		fmt.Fprintf(&b, "[first %d bytes dropped]\n", snap.OutputTotal-len(snap.Output))
	}
	if snap.Output != "" {
		fmt.Fprintf(&b, "--- Full output ---\n%s\n", snap.Output)
	}

	return mcp.NewToolResultText(b.String())
}

type outputJSON struct {
	ID          string  `json:"id"`
	Host        string  `json:"host"`
	Command     string  `json:"command"`
	Status      string  `json:"status"`
	ExitCode    int     `json:"exit_code"`
	Error       string  `json:"error,omitempty"`
	Output      string  `json:"output"`
	OutputTotal int     `json:"output_total_bytes"`
	Duration    float64 `json:"duration_seconds"`
}

func formatJSON(snap task.TaskSnapshot) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(outputJSON{
		ID:          snap.ID,
		Host:        snap.Target,
		Command:     snap.Command,
		Status:      string(snap.Status),
		ExitCode:    snap.ExitCode,
		Error:       snap.Error,
		Output:      snap.Output,
		OutputTotal: snap.OutputTotal,
		Duration:    snap.Duration().Seconds(),
	}, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("JSON encoding error: %s", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func truncateSummary(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n\n[... output truncated, use format='full' for complete output]"
}
