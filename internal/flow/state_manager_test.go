package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/store"
)

func TestStoreBasedStateManagerSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	sm := NewStoreBasedStateManager(store.NewInMemoryStore())

	session, err := sm.GetSession(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, session)

	started, err := sm.StartSession(ctx, "u1", "onboarding", "contact")
	require.NoError(t, err)
	assert.NotEmpty(t, started.SessionID)

	require.NoError(t, sm.SetStage(ctx, "u1", "survey", "rate"))
	session, err = sm.GetSession(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, started.SessionID, session.SessionID)
	assert.Equal(t, "survey", session.FlowID)
	assert.Equal(t, "rate", session.Stage)

	require.NoError(t, sm.MergeUserData(ctx, "u1", "survey", models.UserData{"rating": 5.0, "note": "ok"}))
	require.NoError(t, sm.DeleteUserData(ctx, "u1", "survey", []string{"note"}))
	data, err := sm.GetUserData(ctx, "u1", "survey")
	require.NoError(t, err)
	assert.Equal(t, models.UserData{"rating": 5.0}, data)

	diag := &models.SessionDiagnostics{LastActionError: &models.ActionError{Tool: "t", Stage: "rate", Timestamp: time.Now()}}
	require.NoError(t, sm.SaveDiagnostics(ctx, "u1", "survey", diag))

	require.NoError(t, sm.EndSession(ctx, "u1", "survey", true))
	session, err = sm.GetSession(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, session)
	data, err = sm.GetUserData(ctx, "u1", "survey")
	require.NoError(t, err)
	assert.Empty(t, data)
	got, err := sm.GetDiagnostics(ctx, "u1", "survey")
	require.NoError(t, err)
	assert.True(t, got.IsEmpty())
}

func TestStoreBasedStateManagerSetStageCreatesSession(t *testing.T) {
	ctx := context.Background()
	sm := NewStoreBasedStateManager(store.NewInMemoryStore())
	require.NoError(t, sm.SetStage(ctx, "u2", "onboarding", "contact"))
	session, err := sm.GetSession(ctx, "u2")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.NotEmpty(t, session.SessionID)

	require.NoError(t, sm.RecordStage(ctx, models.FlowHistoryEntry{UserID: "u2", FlowID: "onboarding", Stage: "contact"}))
	history, err := sm.History(ctx, "u2", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Timestamp.IsZero())
}
