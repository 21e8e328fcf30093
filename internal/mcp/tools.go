package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/nethopper/internal/mcp/handlers"
)

func registerTools(s *server.MCPServer, deps *Deps) {
	// list_hosts: inventory of reachable hosts
	s.AddTool(
		mcp.NewTool("list_hosts",
			mcp.WithDescription("List the hosts commands can be run on, with their address, user and group."),
		),
		handlers.ListHosts(deps.Hosts, deps.Execution.AllowLocal),
	)

	// run_command: start a command over SSH
	s.AddTool(
		mcp.NewTool("run_command",
			mcp.WithDescription("Run a shell command on a host. Returns immediately with a command ID; the command runs asynchronously. Use check_command to monitor it."),
			mcp.WithString("host",
				mcp.Required(),
				mcp.Description("Host name (or id) from list_hosts"),
			),
			mcp.WithString("command",
				mcp.Required(),
				mcp.Description("The shell command to run"),
			),
			mcp.WithNumber("timeout_seconds",
				mcp.Description("Maximum execution time in seconds. The command is cancelled when it expires."),
			),
		),
		handlers.RunCommand(deps.Tasks, deps.Execution.DefaultTimeout, deps.Execution.MaxTimeout, maxCommandSize),
	)

	// check_command: status with optional long-poll
	s.AddTool(
		mcp.NewTool("check_command",
			mcp.WithDescription("Check the status of a command. Supports long-polling with wait_seconds to reduce polling overhead."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The command ID returned by run_command"),
			),
			mcp.WithNumber("wait_seconds",
				mcp.Description("Wait up to N seconds (max 30) for the status to change before responding. 0 for immediate response."),
			),
			mcp.WithBoolean("include_output",
				mcp.Description("Include the last lines of output"),
			),
			mcp.WithNumber("output_lines",
				mcp.Description("Number of output lines to include (default: 20)"),
			),
		),
		handlers.CheckCommand(deps.Tasks),
	)

	// get_output: result of a finished command
	s.AddTool(
		mcp.NewTool("get_output",
			mcp.WithDescription("Get the output and exit code of a finished command."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The command ID returned by run_command"),
			),
			mcp.WithString("format",
				mcp.Description("Output format: summary (first 1000 bytes), full (complete output), json (structured)"),
				mcp.Enum("summary", "full", "json"),
			),
		),
		handlers.GetOutput(deps.Tasks),
	)

	// list_commands: history
	s.AddTool(
		mcp.NewTool("list_commands",
			mcp.WithDescription("List commands with optional filters, newest first."),
			mcp.WithString("status",
				mcp.Description("Filter by status"),
				mcp.Enum("all", "pending", "running", "completed", "failed", "cancelled"),
			),
			mcp.WithString("host",
				mcp.Description("Filter by host name"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of commands to return (default: 20)"),
			),
			mcp.WithString("since",
				mcp.Description("RFC 3339 datetime; only commands started after this time"),
			),
		),
		handlers.ListCommands(deps.Tasks),
	)

	// cancel_command
	s.AddTool(
		mcp.NewTool("cancel_command",
			mcp.WithDescription("Cancel a running command. The remote process receives SIGTERM."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The command ID to cancel"),
			),
		),
		handlers.CancelCommand(deps.Tasks),
	)

	// send_input: feed a command's stdin
	s.AddTool(
		mcp.NewTool("send_input",
			mcp.WithDescription("Send text to the standard input of a running command, for commands that prompt or read from stdin. Include a trailing newline to submit a line."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The command ID returned by run_command"),
			),
			mcp.WithString("data",
				mcp.Description("Text to write to the command's input"),
			),
			mcp.WithBoolean("eof",
				mcp.Description("Close the input after writing, signalling end of file"),
			),
		),
		handlers.SendInput(deps.Tasks, maxInputSize),
	)
}
