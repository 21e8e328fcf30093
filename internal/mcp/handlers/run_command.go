package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/nethopper/internal/task"
)

// RunCommand returns a handler that submits a command for asynchronous
// execution on a host. defaultTimeout and maxTimeout bound timeout_seconds.
// maxCommandSize limits command length in bytes (0 = no limit).
func RunCommand(tm *task.Manager, defaultTimeout, maxTimeout time.Duration, maxCommandSize int) server.ToolHandlerFunc {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Minute
	}
	if maxTimeout <= 0 {
		maxTimeout = 2 * time.Hour
	}

	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		command, _ := args["command"].(string)
		if strings.TrimSpace(command) == "" {
			return mcp.NewToolResultError("command is required"), nil
		}
		if maxCommandSize > 0 && len(command) > maxCommandSize {
			return mcp.NewToolResultError(fmt.Sprintf("command too large: %d bytes (max %d)", len(command), maxCommandSize)), nil
		}

		host, _ := args["host"].(string)
		if host == "" {
			return mcp.NewToolResultError("host is required"), nil
		}

		timeout := defaultTimeout
		if s, ok := args["timeout_seconds"].(float64); ok && s > 0 {
			timeout = time.Duration(s) * time.Second
		}
		if timeout > maxTimeout {
			slog.Warn("timeout clamped to max",
				"requested", timeout,
				"max", maxTimeout)
			timeout = maxTimeout
		}

		submit := task.Request{
			Target:  host,
			Command: command,
			Timeout: timeout,
		}
		// Lifecycle notifications go back to the submitting session.
		if sess := server.ClientSessionFromContext(ctx); sess != nil {
			submit.MCPSessionID = sess.SessionID()
		}

		t, err := tm.Submit(ctx, submit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Cannot run command: %s", err)), nil
		}
		snap := t.Snapshot()

		var b strings.Builder
		b.WriteString("Command started\n\n")
		fmt.Fprintf(&b, "- ID: %s\n", snap.ID)
		fmt.Fprintf(&b, "- Host: %s\n", snap.Target)
		fmt.Fprintf(&b, "- Timeout: %s\n", snap.Timeout)
		fmt.Fprintf(&b, "\nUse check_command with ID '%s' to monitor progress.", snap.ID)

		return mcp.NewToolResultText(b.String()), nil
	}
}
