package handlers

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/nethopper/internal/task"
)

// CancelCommand returns a handler that cancels a running command.
func CancelCommand(tm *task.Manager) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, _ := req.GetArguments()["task_id"].(string)
		if taskID == "" {
			return mcp.NewToolResultError("task_id is required"), nil
		}

		if err := tm.Cancel(ctx, taskID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel: %s", err)), nil
		}

		t, err := tm.Get(taskID)
		if err == nil && t.IsTerminal() {
			return mcp.NewToolResultText(fmt.Sprintf("Command %s is %s.", taskID, t.Snapshot().Status)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Cancellation requested for command %s.", taskID)), nil
	}
}
