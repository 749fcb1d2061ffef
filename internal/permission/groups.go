package permission

// ToolGroups defines named groups of tools for easier policy
// configuration. Group names use the "group:" prefix to distinguish
// them from tool names; any entry in Config's allow/deny/require lists
// may name a group instead of a single tool.
var ToolGroups = map[string][]string{
	// Runtime/execution tools - commands that run code or processes
	"group:runtime": {"exec", "bash", "process", "sandbox", "execute_code"},

	// Filesystem tools - read/write/modify files
	"group:fs": {"read", "write", "edit", "apply_patch"},

	// Memory/knowledge retrieval tools
	"group:memory": {"memory_search", "memory_get"},

	// Subagent tools
	"group:subagents": {"task_run"},

	// Web tools - search and fetch from the web
	"group:web": {"websearch", "webfetch", "web_search", "web_fetch"},

	// Read-only tools - safe tools that don't modify state
	"group:readonly": {
		"read",
		"websearch", "webfetch", "web_search", "web_fetch",
		"memory_search", "memory_get",
	},
}

// Profiles are pre-configured allow lists for common postures, applied
// via FromProfile. An empty list means "everything not denied" (the
// "full" profile).
var Profiles = map[string][]string{
	// Full development capabilities.
	"coding": {"group:fs", "group:runtime", "group:web", "group:memory", "group:subagents"},

	// Observation only, no modifications.
	"readonly": {"group:readonly"},

	// Everything allowed except explicit denies.
	"full": {},

	// Nothing beyond what the embedder explicitly allows on top.
	"minimal": {"status"},
}

// FromProfile returns a Config pre-seeded from a named profile: the
// profile's allow list becomes AllowTools (so anything outside it is
// denied outright), with mode deciding what happens to the tools the
// profile does reach. The second return is false for an unknown
// profile name.
func FromProfile(name string, mode Mode) (Config, bool) {
	allow, ok := Profiles[name]
	if !ok {
		return Config{}, false
	}
	cfg := Config{Mode: mode}
	if len(allow) > 0 {
		cfg.AllowTools = append([]string(nil), allow...)
	}
	return cfg, true
}
