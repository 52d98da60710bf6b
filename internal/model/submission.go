package model

// SubmissionState is the client-side submission lifecycle of a session.
// It only moves forward, except submitting -> editable after a failed submit.
type SubmissionState int32

const (
	StateEditable SubmissionState = iota
	StateSubmitting
	StateSubmitted
)

func (s SubmissionState) String() string {
	switch s {
	case StateEditable:
		return "editable"
	case StateSubmitting:
		return "submitting"
	case StateSubmitted:
		return "submitted"
	default:
		return "unknown"
	}
}
