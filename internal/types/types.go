package types

// Message is the wire shape shared by the backlog endpoint and the live
// channel. ID is set by the backend; frames sent by the client omit it.
// Timestamp is an ISO-8601 string, never a parsed time, so that backlog and
// live frames stay byte-comparable for de-duplication.
type Message struct {
	ID        string `json:"id,omitempty"`
	User      string `json:"user"`
	Text      string `json:"text"`
	Room      string `json:"room"`
	Timestamp string `json:"timestamp"`
}

// Session is the authenticated identity triple persisted across restarts.
type Session struct {
	Token    string `json:"token"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	UserID   int64  `json:"user_id"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
