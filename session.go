package praxis

import "context"

// Session is one conversation thread owned by a user. Sessions are created
// on first use and removed only by explicit deletion.
type Session struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
}

// SessionStore abstracts session persistence. Both SQL savers implement it
// alongside Saver.
type SessionStore interface {
	// EnsureSession inserts the session if its ID is unknown; an existing
	// row is left untouched.
	EnsureSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, bool, error)
	ListSessions(ctx context.Context, userID string) ([]Session, error)
	DeleteSession(ctx context.Context, id string) error
}
