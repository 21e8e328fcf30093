package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/nethopper/internal/task"
)

// SendInput returns a handler that writes to a running command's stdin.
func SendInput(tm *task.Manager, maxSize int) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		taskID, _ := args["task_id"].(string)
		if taskID == "" {
			return mcp.NewToolResultError("task_id is required"), nil
		}
		data, _ := args["data"].(string)
		eof, _ := args["eof"].(bool)
		if data == "" && !eof {
			return mcp.NewToolResultError("data is required unless eof is set"), nil
		}
		if len(data) > maxSize {
			return mcp.NewToolResultError(fmt.Sprintf("data exceeds %d bytes", maxSize)), nil
		}

		if err := tm.SendInput(ctx, taskID, []byte(data), eof); err != nil {
			if errors.Is(err, task.ErrTaskFinished) {
				return mcp.NewToolResultError(fmt.Sprintf("Command %s has already finished.", taskID)), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("Failed to send input: %s", err)), nil
		}

		msg := fmt.Sprintf("Sent %d bytes to command %s.", len(data), taskID)
		if eof {
			msg += " Input closed."
		}
		return mcp.NewToolResultText(msg), nil
	}
}
