package flow

import (
	"context"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// ExtractionRequest scopes field extraction to the fields a stage may fill.
type ExtractionRequest struct {
	Message          string
	FlowID           string
	Stage            string
	StageDescription string
	// StageFields are the fields the current stage asks for, in order.
	StageFields []string
	// Fields holds every extractable field: stage fields plus global memory fields.
	Fields map[string]*models.FieldDefinition
	// FirstTurn is set when the session was created by this message.
	FirstTurn bool
}

// Extractor pulls candidate field values out of a free-text message.
type Extractor interface {
	Extract(ctx context.Context, req ExtractionRequest) (map[string]any, error)
}

// FlowSummary describes a flow to a classifier.
type FlowSummary struct {
	Slug        string
	Name        string
	Description string
}

// Classifier picks a flow for a user that has no session and no default flow.
// An empty slug means nothing matched.
type Classifier interface {
	Classify(ctx context.Context, message string, flows []FlowSummary) (string, error)
}

// ReplyRequest is everything a Composer may use to phrase the reply of a turn.
type ReplyRequest struct {
	UserID  string
	FlowID  string
	Stage   string
	Def     *models.StageDefinition
	Fields  map[string]*models.FieldDefinition
	Message string
	// Missing lists stage fields still lacking a valid value.
	Missing []string
	// Invalid explains recently rejected values.
	Invalid map[string]models.InvalidFieldMarker
	// UserError is a failure the user can fix. Never set for technical errors.
	UserError string
	// Technical asks for a soft apology and a retry hint.
	Technical bool
	// Ended is set when the flow terminated this turn.
	Ended bool
	// Notice is a closing message configured on an endFlow handler.
	Notice string
	// Known holds collected values with sensitive fields removed.
	Known models.UserData
}

// Composer turns a ReplyRequest into user-facing text.
type Composer interface {
	Compose(ctx context.Context, req ReplyRequest) (string, error)
}

// ToolExecutor runs a named tool. Implementations never return Go errors; failures are
// encoded in the result.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, payload map[string]any, tc models.ToolContext) models.ToolResult
}
