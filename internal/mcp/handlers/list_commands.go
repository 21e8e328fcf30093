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

// ListCommands returns a handler that lists commands with optional filters.
func ListCommands(tm *task.Manager) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		filter := task.Filter{Limit: 20}
		if status, ok := args["status"].(string); ok {
			filter.Status = status
		}
		if host, ok := args["host"].(string); ok {
			filter.Target = host
		}
		if limit, ok := args["limit"].(float64); ok && limit > 0 {
			filter.Limit = int(limit)
		}
		if since, ok := args["since"].(string); ok && since != "" {
			ts, err := time.Parse(time.RFC3339, since)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid since: %s", err)), nil
			}
			filter.Since = ts
		}

		tasks := tm.List(filter)
		if len(tasks) == 0 {
			return mcp.NewToolResultText("No commands found matching the given filters."), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Commands (%d found)\n\n", len(tasks))

		for _, t := range tasks {
			fmt.Fprintf(&sb, "%s %s (%s)\n", statusIcon(t.Status), t.ID, t.Status)
			fmt.Fprintf(&sb, "  Host: %s | Command: %s\n", t.Target, truncateCommand(t.Command, 80))

			switch t.Status {
			case task.StatusRunning:
				fmt.Fprintf(&sb, "  Duration: %s\n", t.FormatDuration())
			case task.StatusCompleted:
				fmt.Fprintf(&sb, "  Duration: %s | Exit code: %d\n", t.FormatDuration(), t.ExitCode)
			}
			if t.Error != "" {
				fmt.Fprintf(&sb, "  Error: %s\n", t.Error)
			}
			sb.WriteString("\n")
		}

		return mcp.NewToolResultText(sb.String()), nil
	}
}

func statusIcon(s task.Status) string {
	switch s {
	case task.StatusPending:
		return "⏳"
	case task.StatusRunning:
		return "🔄"
	case task.StatusCompleted:
		return "✅"
	case task.StatusFailed:
		return "❌"
	case task.StatusCancelled:
		return "🚫"
	default:
		return "❓"
	}
}

func truncateCommand(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
