package websocket

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAutosave Action = "autosave"
	ActionPing     Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// AutosaveRequest saves a single answer over the stream.
type AutosaveRequest struct {
	Action         Action  `json:"action"`
	QuestionNumber int     `json:"question_number"`
	SubPart        *string `json:"sub_part"`
	Answer         string  `json:"answer"`
}

// PingRequest keeps the link alive and lets the client measure it.
type PingRequest struct {
	Action Action `json:"action"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError     Event = "error"
	EventSuccess   Event = "success"
	EventPong      Event = "pong"
	EventSubmitted Event = "submitted"
)

// EventEnvelope is used by the client to peek at the event type.
type EventEnvelope struct {
	Event Event `json:"event"`
}

type AutosaveResponse struct {
	Event  Event  `json:"event"`
	Status string `json:"status"`
}

// SubmittedEvent tells the client the server closed the session, for
// example after the grace period ran out.
type SubmittedEvent struct {
	Event         Event `json:"event"`
	AutoSubmitted bool  `json:"auto_submitted"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
	// RemainingSeconds lets the client check its countdown against the server.
	RemainingSeconds float64 `json:"remaining_seconds"`
}
