// Package models defines state management structures for OnboardPipe flows.
package models

import "time"

// UserFlowState is the single live session row of a user.
type UserFlowState struct {
	UserID    string    `json:"user_id"`
	FlowID    string    `json:"flow_id"`
	Stage     string    `json:"stage"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserData is the per-(user, flow) field map. Values are strings, numbers or booleans.
type UserData map[string]any

// Clone returns a shallow copy so callers can mutate it freely.
func (d UserData) Clone() UserData {
	out := make(UserData, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// FlowHistoryEntry is an append-only record of a completed stage.
type FlowHistoryEntry struct {
	UserID    string    `json:"user_id"`
	FlowID    string    `json:"flow_id"`
	Stage     string    `json:"stage"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ActionError is the remembered context of the last failed stage action.
type ActionError struct {
	Tool           string    `json:"tool"`
	Stage          string    `json:"stage"`
	Message        string    `json:"message"`
	Code           string    `json:"code,omitempty"`
	UserActionable bool      `json:"user_actionable"`
	Timestamp      time.Time `json:"timestamp"`
}

// InvalidFieldMarker explains why a field must be entered again.
type InvalidFieldMarker struct {
	Reason     string    `json:"reason"`
	Suggestion string    `json:"suggestion,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// SessionDiagnostics is engine bookkeeping stored alongside, never inside, UserData.
type SessionDiagnostics struct {
	LastActionError *ActionError                  `json:"last_action_error,omitempty"`
	InvalidFields   map[string]InvalidFieldMarker `json:"invalid_fields,omitempty"`
}

// IsEmpty reports whether there is nothing worth persisting.
func (d *SessionDiagnostics) IsEmpty() bool {
	return d == nil || (d.LastActionError == nil && len(d.InvalidFields) == 0)
}

// RecentActionError returns the remembered failure for tool in stage if it is younger than window.
func (d *SessionDiagnostics) RecentActionError(tool, stage string, now time.Time, window time.Duration) *ActionError {
	if d == nil || d.LastActionError == nil {
		return nil
	}
	e := d.LastActionError
	if e.Tool != tool || e.Stage != stage {
		return nil
	}
	if now.Sub(e.Timestamp) > window {
		return nil
	}
	return e
}

// ActiveInvalidFields returns markers recorded within window.
func (d *SessionDiagnostics) ActiveInvalidFields(now time.Time, window time.Duration) map[string]InvalidFieldMarker {
	out := make(map[string]InvalidFieldMarker)
	if d == nil {
		return out
	}
	for field, marker := range d.InvalidFields {
		if now.Sub(marker.Timestamp) <= window {
			out[field] = marker
		}
	}
	return out
}
