// Package flow defines state management interfaces for onboarding flows.
package flow

import (
	"context"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// StateManager defines the interface for managing a user's live session, field data,
// diagnostics and stage history.
type StateManager interface {
	// GetSession returns the live session of a user, or nil when there is none
	GetSession(ctx context.Context, userID string) (*models.UserFlowState, error)

	// StartSession creates a fresh session positioned at stage
	StartSession(ctx context.Context, userID, flowID, stage string) (*models.UserFlowState, error)

	// SetStage moves the live session to flowID/stage, keeping its session ID
	SetStage(ctx context.Context, userID, flowID, stage string) error

	// EndSession deletes the live session; clearData also drops the flow's user data and diagnostics
	EndSession(ctx context.Context, userID, flowID string, clearData bool) error

	// GetUserData retrieves the accumulated field values of a user in a flow
	GetUserData(ctx context.Context, userID, flowID string) (models.UserData, error)

	// MergeUserData upserts field values without touching other keys
	MergeUserData(ctx context.Context, userID, flowID string, data models.UserData) error

	// DeleteUserData removes the given field keys
	DeleteUserData(ctx context.Context, userID, flowID string, keys []string) error

	// GetDiagnostics retrieves engine bookkeeping for a user in a flow
	GetDiagnostics(ctx context.Context, userID, flowID string) (*models.SessionDiagnostics, error)

	// SaveDiagnostics replaces engine bookkeeping for a user in a flow
	SaveDiagnostics(ctx context.Context, userID, flowID string, diag *models.SessionDiagnostics) error

	// RecordStage appends a completed stage to the history log
	RecordStage(ctx context.Context, entry models.FlowHistoryEntry) error

	// History returns the newest history entries of a user first
	History(ctx context.Context, userID string, limit int) ([]models.FlowHistoryEntry, error)
}
