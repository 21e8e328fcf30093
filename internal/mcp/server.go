// Package mcp exposes command execution over the Model Context Protocol.
//
// A client picks a host with list_hosts and starts a command with
// run_command, which answers at once with a command id. The id is then
// polled with check_command (optionally long-polling), read back with
// get_output, fed with send_input or stopped with cancel_command.
// list_commands browses recent commands.
package mcp

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/nethopper/internal/config"
	"github.com/btouchard/nethopper/internal/mcp/handlers"
	"github.com/btouchard/nethopper/internal/task"
)

// maxCommandSize bounds the command text accepted by run_command.
const maxCommandSize = 64 * 1024

// maxInputSize bounds a single send_input payload.
const maxInputSize = 64 * 1024

const instructions = `Nethopper runs shell commands on remote hosts over SSH.
Call list_hosts to find a host, then run_command. Commands run in the background:
poll them with check_command (wait_seconds avoids busy polling) and read the
result with get_output. Use send_input for commands that prompt, and
cancel_command to stop one.`

// Deps holds what the tool handlers need.
type Deps struct {
	Tasks     *task.Manager
	Hosts     handlers.Inventory
	Execution config.ExecutionConfig
	Version   string
}

// NewServer builds the MCP server with the command tools registered.
func NewServer(deps *Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"Nethopper",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithInstructions(instructions),
		server.WithLogging(),
	)
	registerTools(s, deps)
	return s
}
