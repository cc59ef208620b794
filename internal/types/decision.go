package types

// PolicyDecision is the outcome of policy evaluation for one message.
type PolicyDecision struct {
	AcceptMessage bool
	ShouldRespond bool
	AllowedTools  map[string]bool
	DeniedTools   map[string]bool
	PersonaFile   string
	Reason        string
}

// ToolAllowed reports whether a tool survived the allow/deny merge.
func (d *PolicyDecision) ToolAllowed(name string) bool {
	if d == nil {
		return false
	}
	return d.AllowedTools[name]
}
