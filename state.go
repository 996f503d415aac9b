package praxis

// Meta keys the core reads from State.Meta. Callers may store additional
// keys; they ride along untouched.
const (
	MetaSessionID = "session_id"
	MetaUserID    = "user_id"
	MetaRole      = "role"
)

// State is a session's agent state: an append-only message history plus
// request metadata. Drivers never rewrite history; the only mutation is
// append (the compactor middleware replaces summarized spans, which is the
// one sanctioned exception and happens before the model call).
type State struct {
	Messages []ChatMessage     `json:"messages"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// NewState builds a State for one session with the given history.
func NewState(sessionID, userID, role string, messages []ChatMessage) State {
	return State{
		Messages: messages,
		Meta: map[string]string{
			MetaSessionID: sessionID,
			MetaUserID:    userID,
			MetaRole:      role,
		},
	}
}

func (s State) SessionID() string { return s.Meta[MetaSessionID] }
func (s State) UserID() string    { return s.Meta[MetaUserID] }
func (s State) Role() string      { return s.Meta[MetaRole] }

// Append adds messages to the history in order.
func (s *State) Append(msgs ...ChatMessage) {
	s.Messages = append(s.Messages, msgs...)
}

// LastMessage returns the newest message, if any.
func (s State) LastMessage() (ChatMessage, bool) {
	if len(s.Messages) == 0 {
		return ChatMessage{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// SetSystem replaces the leading system message, inserting one when the
// history has none. Directive rendering rewrites it on every cycle.
func (s *State) SetSystem(content string) {
	if len(s.Messages) > 0 && s.Messages[0].Role == "system" {
		s.Messages[0].Content = content
		return
	}
	s.Messages = append([]ChatMessage{SystemMessage(content)}, s.Messages...)
}

// Clone returns a snapshot safe to hand to checkpoint writers: the message
// slice and meta map are copied so later appends don't alias.
func (s State) Clone() State {
	msgs := make([]ChatMessage, len(s.Messages))
	copy(msgs, s.Messages)
	return State{Messages: msgs, Meta: cloneMeta(s.Meta)}
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// mergeMessages appends to base every incoming message whose ID it does not
// already hold. Restore paths use it to overlay a request's messages onto
// checkpointed history without replaying duplicates.
func mergeMessages(base, incoming []ChatMessage) []ChatMessage {
	merged := make([]ChatMessage, len(base), len(base)+len(incoming))
	copy(merged, base)
	seen := make(map[string]bool, len(base))
	for _, m := range base {
		if m.ID != "" {
			seen[m.ID] = true
		}
	}
	for _, m := range incoming {
		if m.ID != "" && seen[m.ID] {
			continue
		}
		merged = append(merged, m)
	}
	return merged
}
