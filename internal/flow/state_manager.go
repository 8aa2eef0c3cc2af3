// Package flow provides concrete implementations of state management.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/store"
	"github.com/BTreeMap/OnboardPipe/internal/util"
)

// StoreBasedStateManager implements StateManager using a Store backend.
type StoreBasedStateManager struct {
	store store.Store
	now   func() time.Time
}

// NewStoreBasedStateManager creates a new StateManager backed by a Store.
func NewStoreBasedStateManager(st store.Store) *StoreBasedStateManager {
	slog.Debug("Creating StoreBasedStateManager")
	return &StoreBasedStateManager{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// GetSession retrieves the live session of a user.
func (sm *StoreBasedStateManager) GetSession(ctx context.Context, userID string) (*models.UserFlowState, error) {
	session, err := sm.store.GetSession(ctx, userID)
	if err != nil {
		slog.Error("StateManager GetSession error", "error", err, "userID", userID)
		return nil, err
	}
	if session == nil {
		slog.Debug("StateManager GetSession not found", "userID", userID)
		return nil, nil
	}
	slog.Debug("StateManager GetSession found", "userID", userID, "flowID", session.FlowID, "stage", session.Stage)
	return session, nil
}

// StartSession creates a new session with a fresh session ID.
func (sm *StoreBasedStateManager) StartSession(ctx context.Context, userID, flowID, stage string) (*models.UserFlowState, error) {
	now := sm.now()
	session := models.UserFlowState{
		UserID:    userID,
		FlowID:    flowID,
		Stage:     stage,
		SessionID: util.NewSessionID(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := sm.store.SaveSession(ctx, session); err != nil {
		slog.Error("StateManager StartSession save error", "error", err, "userID", userID, "flowID", flowID, "stage", stage)
		return nil, err
	}
	slog.Info("StateManager StartSession succeeded", "userID", userID, "flowID", flowID, "stage", stage, "sessionID", session.SessionID)
	return &session, nil
}

// SetStage updates the session pointer, creating the session when it is missing.
func (sm *StoreBasedStateManager) SetStage(ctx context.Context, userID, flowID, stage string) error {
	slog.Debug("StateManager SetStage", "userID", userID, "flowID", flowID, "stage", stage)

	session, err := sm.store.GetSession(ctx, userID)
	if err != nil {
		slog.Error("StateManager SetStage get error", "error", err, "userID", userID)
		return err
	}
	if session == nil {
		_, err := sm.StartSession(ctx, userID, flowID, stage)
		return err
	}

	session.FlowID = flowID
	session.Stage = stage
	session.UpdatedAt = sm.now()
	if err := sm.store.SaveSession(ctx, *session); err != nil {
		slog.Error("StateManager SetStage save error", "error", err, "userID", userID, "flowID", flowID, "stage", stage)
		return err
	}
	return nil
}

// EndSession deletes the live session of a user.
func (sm *StoreBasedStateManager) EndSession(ctx context.Context, userID, flowID string, clearData bool) error {
	slog.Info("StateManager EndSession", "userID", userID, "flowID", flowID, "clearData", clearData)
	if err := sm.store.DeleteSession(ctx, userID); err != nil {
		slog.Error("StateManager EndSession delete error", "error", err, "userID", userID)
		return err
	}
	if !clearData || flowID == "" {
		return nil
	}
	if err := sm.store.ClearUserData(ctx, userID, flowID); err != nil {
		return fmt.Errorf("clear user data: %w", err)
	}
	if err := sm.store.SaveDiagnostics(ctx, userID, flowID, &models.SessionDiagnostics{}); err != nil {
		return fmt.Errorf("clear diagnostics: %w", err)
	}
	return nil
}

// GetUserData retrieves the accumulated field values.
func (sm *StoreBasedStateManager) GetUserData(ctx context.Context, userID, flowID string) (models.UserData, error) {
	data, err := sm.store.GetUserData(ctx, userID, flowID)
	if err != nil {
		slog.Error("StateManager GetUserData error", "error", err, "userID", userID, "flowID", flowID)
		return nil, err
	}
	if data == nil {
		data = models.UserData{}
	}
	return data, nil
}

// MergeUserData upserts field values. Only keys are logged; values may be sensitive.
func (sm *StoreBasedStateManager) MergeUserData(ctx context.Context, userID, flowID string, data models.UserData) error {
	if len(data) == 0 {
		return nil
	}
	if err := sm.store.MergeUserData(ctx, userID, flowID, data); err != nil {
		slog.Error("StateManager MergeUserData error", "error", err, "userID", userID, "flowID", flowID)
		return err
	}
	slog.Debug("StateManager MergeUserData succeeded", "userID", userID, "flowID", flowID, "fields", sortedKeys(data))
	return nil
}

// DeleteUserData removes field keys.
func (sm *StoreBasedStateManager) DeleteUserData(ctx context.Context, userID, flowID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := sm.store.DeleteUserDataKeys(ctx, userID, flowID, keys); err != nil {
		slog.Error("StateManager DeleteUserData error", "error", err, "userID", userID, "flowID", flowID)
		return err
	}
	slog.Debug("StateManager DeleteUserData succeeded", "userID", userID, "flowID", flowID, "fields", keys)
	return nil
}

// GetDiagnostics retrieves engine bookkeeping.
func (sm *StoreBasedStateManager) GetDiagnostics(ctx context.Context, userID, flowID string) (*models.SessionDiagnostics, error) {
	diag, err := sm.store.GetDiagnostics(ctx, userID, flowID)
	if err != nil {
		slog.Error("StateManager GetDiagnostics error", "error", err, "userID", userID, "flowID", flowID)
		return nil, err
	}
	if diag == nil {
		diag = &models.SessionDiagnostics{}
	}
	return diag, nil
}

// SaveDiagnostics replaces engine bookkeeping.
func (sm *StoreBasedStateManager) SaveDiagnostics(ctx context.Context, userID, flowID string, diag *models.SessionDiagnostics) error {
	if err := sm.store.SaveDiagnostics(ctx, userID, flowID, diag); err != nil {
		slog.Error("StateManager SaveDiagnostics error", "error", err, "userID", userID, "flowID", flowID)
		return err
	}
	return nil
}

// RecordStage appends to the history log.
func (sm *StoreBasedStateManager) RecordStage(ctx context.Context, entry models.FlowHistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = sm.now()
	}
	if err := sm.store.AppendHistory(ctx, entry); err != nil {
		slog.Error("StateManager RecordStage error", "error", err, "userID", entry.UserID, "flowID", entry.FlowID, "stage", entry.Stage)
		return err
	}
	return nil
}

// History returns the newest entries first.
func (sm *StoreBasedStateManager) History(ctx context.Context, userID string, limit int) ([]models.FlowHistoryEntry, error) {
	return sm.store.ListHistory(ctx, userID, limit)
}
