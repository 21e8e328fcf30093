package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/nethopper/internal/store"
)

// Inventory is the host inventory read by list_hosts.
// Defined at the consumer side per Go convention.
type Inventory interface {
	ListHosts(groupID *int64) ([]store.Host, error)
	GetGroup(id int64) (*store.Group, error)
}

// ListHosts returns a handler that lists the configured hosts, grouped.
func ListHosts(inv Inventory, allowLocal bool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		hosts, err := inv.ListHosts(nil)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list hosts: %s", err)), nil
		}

		if len(hosts) == 0 && !allowLocal {
			return mcp.NewToolResultText("No hosts configured."), nil
		}

		names := make(map[int64]string)
		groupName := func(id int64) string {
			if name, ok := names[id]; ok {
				return name
			}
			name := fmt.Sprintf("#%d", id)
			if g, err := inv.GetGroup(id); err == nil {
				name = g.Name
			}
			names[id] = name
			return name
		}

		var b strings.Builder
		fmt.Fprintf(&b, "Hosts (%d)\n\n", len(hosts))
		for _, h := range hosts {
			fmt.Fprintf(&b, "- **%s**: %s@%s:%d (%s auth)", h.Name, h.Username, h.Address, h.Port, h.AuthType)
			if h.GroupID != nil {
				fmt.Fprintf(&b, " [group: %s]", groupName(*h.GroupID))
			}
			b.WriteString("\n")
		}
		if allowLocal {
			b.WriteString("- **local**: the server itself\n")
		}

		b.WriteString("\nUse run_command with a host name to execute a command.")
		return mcp.NewToolResultText(b.String()), nil
	}
}
