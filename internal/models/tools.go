// Package models defines tool structures for stage actions.
package models

// Well-known tool error codes.
const (
	ToolErrorNotFound     = "TOOL_NOT_FOUND"
	ToolErrorPanic        = "TOOL_PANIC"
	ToolErrorInvalidInput = "INVALID_INPUT"
	ToolErrorUpstream     = "UPSTREAM_ERROR"
	ToolErrorNotFoundData = "NOT_FOUND"
)

// Handoff keys a tool may set in ToolResult.Data.
const (
	DataKeyTargetFlowSlug = "targetFlowSlug"
	DataKeyTargetStage    = "targetStage"
)

// ToolContext is the conversation context passed to a tool.
type ToolContext struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	FlowID         string `json:"flow_id"`
	Stage          string `json:"stage"`
}

// ToolResult is the only channel through which a tool can mutate UserData or hand off a session.
type ToolResult struct {
	Success     bool           `json:"success"`
	Data        map[string]any `json:"data,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorCode   string         `json:"errorCode,omitempty"`
	SaveResults map[string]any `json:"saveResults,omitempty"`
	// UserActionable marks a failure the user can fix, such as a business rule rejection.
	UserActionable *bool `json:"userActionable,omitempty"`
}

// Failure builds a failed result.
func Failure(code, message string) ToolResult {
	return ToolResult{Success: false, ErrorCode: code, Error: message}
}

// Handoff returns the cross-flow target carried in Data, if any.
func (r ToolResult) Handoff() (flowSlug, stage string, ok bool) {
	if r.Data == nil {
		return "", "", false
	}
	flowSlug, _ = r.Data[DataKeyTargetFlowSlug].(string)
	stage, _ = r.Data[DataKeyTargetStage].(string)
	return flowSlug, stage, flowSlug != ""
}
