package praxis

// Command directs the router to hand control to a named worker instead of
// returning a tool result. Emitted by handoff tools.
type Command struct {
	// Goto is the worker to hand control to.
	Goto string `json:"goto"`
	// Request is the task description forwarded to the worker. Empty means
	// the worker sees only the conversation history.
	Request string `json:"request,omitempty"`
}

// ToolOutcome is the result of dispatching one tool call: either a plain
// tool result or a routing command. Exactly one field is non-nil.
type ToolOutcome struct {
	Result  *ToolResult
	Command *Command
}

// ResultOutcome wraps r as a plain tool outcome.
func ResultOutcome(r ToolResult) ToolOutcome {
	return ToolOutcome{Result: &r}
}

// CommandOutcome wraps c as a routing outcome.
func CommandOutcome(c Command) ToolOutcome {
	return ToolOutcome{Command: &c}
}
