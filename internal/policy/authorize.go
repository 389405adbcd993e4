package policy

import "strings"

// AutoAllow decides whether a permission request can be granted by the
// broker itself, without surfacing a Prompt to the operator. The exact
// allow-set is configuration, not core logic: ReadOnlyCommands lets an
// operator extend it with additional shell command prefixes known to be
// safe (e.g. "git status", "ls").
type AutoAllow struct {
	tools            map[string]struct{}
	readOnlyCommands []string
}

// DefaultAutoAllowTools is the static allow-set named by the component
// design: tools that never mutate state.
var DefaultAutoAllowTools = []string{"Read", "Glob", "Grep"}

// NewAutoAllow builds an AutoAllow policy. readOnlyCommands is an optional
// list of additional command prefixes (matched against a Bash tool's
// input_summary) that are also auto-allowed.
func NewAutoAllow(readOnlyCommands []string) *AutoAllow {
	tools := make(map[string]struct{}, len(DefaultAutoAllowTools))
	for _, t := range DefaultAutoAllowTools {
		tools[t] = struct{}{}
	}
	cleaned := make([]string, 0, len(readOnlyCommands))
	for _, c := range readOnlyCommands {
		c = strings.TrimSpace(c)
		if c != "" {
			cleaned = append(cleaned, c)
		}
	}
	return &AutoAllow{tools: tools, readOnlyCommands: cleaned}
}

// Allows reports whether a PermissionRequest for toolName with the given
// input summary can be resolved immediately without an operator decision.
func (a *AutoAllow) Allows(toolName, inputSummary string) bool {
	if a == nil {
		return false
	}
	if _, ok := a.tools[toolName]; ok {
		return true
	}
	if toolName != "Bash" {
		return false
	}
	trimmed := strings.TrimSpace(inputSummary)
	for _, prefix := range a.readOnlyCommands {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}
