package permission

import (
	"strings"
)

// Resolver expands group and MCP-wildcard references in tool lists to
// concrete tool names. One Resolver backs each Manager; embedders with
// MCP servers register them so "mcp:server.*" entries expand to that
// server's actual tools.
type Resolver struct {
	groups     map[string][]string
	mcpServers map[string][]string // serverID -> tool names
}

// NewResolver creates a resolver seeded with the built-in ToolGroups.
func NewResolver() *Resolver {
	groups := make(map[string][]string, len(ToolGroups))
	for name, tools := range ToolGroups {
		groups[name] = tools
	}
	return &Resolver{
		groups:     groups,
		mcpServers: make(map[string][]string),
	}
}

// AddGroup adds a custom tool group.
func (r *Resolver) AddGroup(name string, tools []string) {
	r.groups[name] = tools
}

// RegisterMCPServer registers tools from an MCP server, making both
// "mcp:<server>" (as a group) and "mcp:<server>.*" (as a wildcard)
// resolvable in policy lists.
func (r *Resolver) RegisterMCPServer(serverID string, tools []string) {
	r.mcpServers[serverID] = tools
	r.groups["mcp:"+serverID] = prefixMCPTools(serverID, tools)
}

// ExpandGroups expands group references and MCP wildcards in a tool
// list, normalizing every entry and deduplicating the result. Entries
// naming no known group pass through as plain tool names.
func (r *Resolver) ExpandGroups(items []string) []string {
	var result []string
	seen := make(map[string]bool)

	add := func(tool string) {
		if !seen[tool] {
			seen[tool] = true
			result = append(result, tool)
		}
	}

	for _, item := range items {
		normalized := NormalizeTool(item)

		if tools, ok := r.groups[normalized]; ok {
			for _, tool := range tools {
				add(tool)
			}
			continue
		}

		if strings.HasPrefix(normalized, "mcp:") && strings.HasSuffix(normalized, ".*") {
			serverID := strings.TrimSuffix(strings.TrimPrefix(normalized, "mcp:"), ".*")
			for _, tool := range prefixMCPTools(serverID, r.mcpServers[serverID]) {
				add(tool)
			}
			continue
		}

		add(normalized)
	}

	return result
}

func prefixMCPTools(serverID string, tools []string) []string {
	out := make([]string, len(tools))
	for i, tool := range tools {
		out[i] = "mcp:" + serverID + "." + tool
	}
	return out
}
