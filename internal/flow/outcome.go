package flow

import "fmt"

// ErrorKind buckets the failures a turn can end with.
type ErrorKind string

const (
	// ErrorKindValidation marks rejected field values.
	ErrorKindValidation ErrorKind = "validation"
	// ErrorKindTool marks a failed stage action.
	ErrorKindTool ErrorKind = "tool"
	// ErrorKindTransition marks a next stage, handler target or tool that does not resolve.
	ErrorKindTransition ErrorKind = "transition"
	// ErrorKindUnhandled marks anything governed by the flow's onUnhandledError policy.
	ErrorKindUnhandled ErrorKind = "unhandled"
)

// StageError is a failure attached to the stage a turn settled on.
type StageError struct {
	Kind    ErrorKind `json:"kind"`
	FlowID  string    `json:"flow_id"`
	Stage   string    `json:"stage"`
	Tool    string    `json:"tool,omitempty"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`
	// UserActionable errors are shown to the user; the rest become a generic apology.
	UserActionable bool `json:"user_actionable"`
}

func (e *StageError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("%s error in %s/%s (tool %s): %s", e.Kind, e.FlowID, e.Stage, e.Tool, e.Message)
	}
	return fmt.Sprintf("%s error in %s/%s: %s", e.Kind, e.FlowID, e.Stage, e.Message)
}

// Outcome is where a turn of the state machine came to rest.
type Outcome struct {
	FlowID string
	Stage  string
	// Ended is set when the session was deleted.
	Ended bool
	// Completed is set when the flow ran out of stages.
	Completed bool
	// Missing lists the resting stage's fields that still need a valid value.
	Missing []string
	Error   *StageError
	// InternalError is an error raised inside a handoff. It is only surfaced when the
	// settled stage has nothing better to say.
	InternalError *StageError
	// Notice is the closing message of an endFlow handler.
	Notice string
	Steps  int
}
