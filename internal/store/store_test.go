package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

func TestDetectDSNType(t *testing.T) {
	tests := map[string]string{
		"":                                  BackendMemory,
		":memory:":                          BackendMemory,
		"postgres://u:p@localhost/db":       BackendPostgres,
		"postgresql://localhost/db":         BackendPostgres,
		"host=localhost dbname=onboardpipe": BackendPostgres,
		"/var/lib/onboardpipe/state.db":     BackendSQLite,
		"state.db":                          BackendSQLite,
	}
	for dsn, want := range tests {
		assert.Equal(t, want, DetectDSNType(dsn), dsn)
	}
}

func TestInMemoryStore(t *testing.T) {
	runStoreSuite(t, NewInMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "state.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	require.NoError(t, err)
	runStoreSuite(t, s)

	// Data survives reopening the same file.
	require.NoError(t, s.MergeUserData(context.Background(), "persist", "f", models.UserData{"k": "v"}))
	require.NoError(t, s.Close())
	reopened, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	require.NoError(t, err)
	defer reopened.Close()
	data, err := reopened.GetUserData(context.Background(), "persist", "f")
	require.NoError(t, err)
	assert.Equal(t, "v", data["k"])
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if DetectDSNType(dsn) != BackendPostgres {
		t.Skip("DATABASE_URL not set to a PostgreSQL DSN")
	}
	s, err := NewPostgresStore(WithPostgresDSN(dsn))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer s.Close()
	for _, table := range []string{"sessions", "user_data", "session_diagnostics", "flow_history", "flow_definitions"} {
		_, err := s.db.Exec("DELETE FROM " + table)
		require.NoError(t, err)
	}
	runStoreSuite(t, s)
}

func TestNewSQLiteStoreRequiresDSN(t *testing.T) {
	_, err := NewSQLiteStore()
	assert.Error(t, err)
	_, err = NewPostgresStore()
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	s := &sqlStore{numbered: true}
	assert.Equal(t, "a = $1 AND b = $2", s.rebind("a = ? AND b = ?"))
	s.numbered = false
	assert.Equal(t, "a = ?", s.rebind("a = ?"))
}

func runStoreSuite(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("sessions", func(t *testing.T) {
		got, err := s.GetSession(ctx, "u1")
		require.NoError(t, err)
		assert.Nil(t, got)

		created := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
		require.NoError(t, s.SaveSession(ctx, models.UserFlowState{UserID: "u1", FlowID: "onboarding", Stage: "contact", SessionID: "s1", CreatedAt: created, UpdatedAt: created}))
		require.NoError(t, s.SaveSession(ctx, models.UserFlowState{UserID: "u1", FlowID: "onboarding", Stage: "lookup", SessionID: "s1", CreatedAt: created, UpdatedAt: time.Now().UTC()}))

		got, err = s.GetSession(ctx, "u1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "lookup", got.Stage)
		assert.Equal(t, "s1", got.SessionID)
		assert.True(t, got.CreatedAt.Equal(created))

		require.NoError(t, s.DeleteSession(ctx, "u1"))
		got, err = s.GetSession(ctx, "u1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("user data merges", func(t *testing.T) {
		require.NoError(t, s.MergeUserData(ctx, "u2", "onboarding", models.UserData{"email": "a@b.com", "age": 30.0}))
		require.NoError(t, s.MergeUserData(ctx, "u2", "onboarding", models.UserData{"phone": "5551234567", "age": 31.0}))
		require.NoError(t, s.MergeUserData(ctx, "u2", "other", models.UserData{"email": "x@y.com"}))

		data, err := s.GetUserData(ctx, "u2", "onboarding")
		require.NoError(t, err)
		assert.Equal(t, models.UserData{"email": "a@b.com", "age": 31.0, "phone": "5551234567"}, data)

		require.NoError(t, s.DeleteUserDataKeys(ctx, "u2", "onboarding", []string{"email", "missing"}))
		data, _ = s.GetUserData(ctx, "u2", "onboarding")
		assert.NotContains(t, data, "email")

		require.NoError(t, s.ClearUserData(ctx, "u2", "onboarding"))
		data, _ = s.GetUserData(ctx, "u2", "onboarding")
		assert.Empty(t, data)
		other, _ := s.GetUserData(ctx, "u2", "other")
		assert.Equal(t, "x@y.com", other["email"])
	})

	t.Run("diagnostics", func(t *testing.T) {
		diag, err := s.GetDiagnostics(ctx, "u3", "onboarding")
		require.NoError(t, err)
		assert.True(t, diag.IsEmpty())

		now := time.Now().UTC().Truncate(time.Second)
		diag = &models.SessionDiagnostics{
			LastActionError: &models.ActionError{Tool: "lookup.registry", Stage: "lookup", Message: "down", Code: "UPSTREAM_ERROR", Timestamp: now},
			InvalidFields:   map[string]models.InvalidFieldMarker{"email": {Reason: "typo", Suggestion: "a@b.com", Timestamp: now}},
		}
		require.NoError(t, s.SaveDiagnostics(ctx, "u3", "onboarding", diag))
		got, err := s.GetDiagnostics(ctx, "u3", "onboarding")
		require.NoError(t, err)
		require.NotNil(t, got.LastActionError)
		assert.Equal(t, "lookup.registry", got.LastActionError.Tool)
		assert.Equal(t, "a@b.com", got.InvalidFields["email"].Suggestion)

		require.NoError(t, s.SaveDiagnostics(ctx, "u3", "onboarding", &models.SessionDiagnostics{}))
		got, _ = s.GetDiagnostics(ctx, "u3", "onboarding")
		assert.True(t, got.IsEmpty())
	})

	t.Run("history", func(t *testing.T) {
		for _, stage := range []string{"a", "b", "c"} {
			require.NoError(t, s.AppendHistory(ctx, models.FlowHistoryEntry{UserID: "u4", FlowID: "f", Stage: stage, SessionID: "s"}))
		}
		require.NoError(t, s.AppendHistory(ctx, models.FlowHistoryEntry{UserID: "other", FlowID: "f", Stage: "z", SessionID: "s"}))

		all, err := s.ListHistory(ctx, "u4", 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "c", all[0].Stage)
		assert.False(t, all[0].Timestamp.IsZero())

		limited, err := s.ListHistory(ctx, "u4", 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("flow definitions are versioned", func(t *testing.T) {
		_, err := s.GetFlowDefinition(ctx, "onboarding")
		assert.ErrorIs(t, err, models.ErrFlowNotFound)

		def := &models.FlowDefinition{Slug: "onboarding", Stages: map[string]*models.StageDefinition{"a": {Prompt: "v1"}}}
		v, err := s.SaveFlowDefinition(ctx, def)
		require.NoError(t, err)
		assert.Equal(t, 1, v)

		def2 := &models.FlowDefinition{Slug: "onboarding", Stages: map[string]*models.StageDefinition{"a": {Prompt: "v2", NextStage: models.NextStage{Target: "b"}}, "b": {}}}
		v, err = s.SaveFlowDefinition(ctx, def2)
		require.NoError(t, err)
		assert.Equal(t, 2, v)
		assert.Equal(t, 2, def2.Version)

		_, err = s.SaveFlowDefinition(ctx, &models.FlowDefinition{Slug: "another", Stages: map[string]*models.StageDefinition{"x": {}}})
		require.NoError(t, err)

		latest, err := s.GetFlowDefinition(ctx, "onboarding")
		require.NoError(t, err)
		assert.Equal(t, 2, latest.Version)
		assert.Equal(t, "b", latest.Stages["a"].NextStage.Target)

		list, err := s.ListFlowDefinitions(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "another", list[0].Slug)
		assert.Equal(t, 2, list[1].Version)
	})
}
