// Package store provides storage backends for OnboardPipe.
//
// A Store keeps the live session row of each user, the per-(user, flow) field data and
// engine diagnostics, the append-only flow history, and versioned flow definitions.
// In-memory, SQLite and PostgreSQL backends are provided.
package store

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// Store is the persistence contract used by the flow engine.
type Store interface {
	// GetSession returns the live session of userID, or nil when there is none.
	GetSession(ctx context.Context, userID string) (*models.UserFlowState, error)
	SaveSession(ctx context.Context, state models.UserFlowState) error
	DeleteSession(ctx context.Context, userID string) error

	GetUserData(ctx context.Context, userID, flowID string) (models.UserData, error)
	// MergeUserData upserts the given keys and leaves every other key untouched.
	MergeUserData(ctx context.Context, userID, flowID string, data models.UserData) error
	DeleteUserDataKeys(ctx context.Context, userID, flowID string, keys []string) error
	ClearUserData(ctx context.Context, userID, flowID string) error

	// GetDiagnostics returns an empty record when nothing is stored.
	GetDiagnostics(ctx context.Context, userID, flowID string) (*models.SessionDiagnostics, error)
	// SaveDiagnostics replaces the record; an empty record deletes it.
	SaveDiagnostics(ctx context.Context, userID, flowID string, diag *models.SessionDiagnostics) error

	AppendHistory(ctx context.Context, entry models.FlowHistoryEntry) error
	// ListHistory returns the newest entries first; limit <= 0 means no limit.
	ListHistory(ctx context.Context, userID string, limit int) ([]models.FlowHistoryEntry, error)

	// SaveFlowDefinition stores def as the next version of its slug and returns that version.
	SaveFlowDefinition(ctx context.Context, def *models.FlowDefinition) (int, error)
	// GetFlowDefinition returns the latest version of slug or models.ErrFlowNotFound.
	GetFlowDefinition(ctx context.Context, slug string) (*models.FlowDefinition, error)
	// ListFlowDefinitions returns the latest version of every slug.
	ListFlowDefinitions(ctx context.Context) ([]*models.FlowDefinition, error)

	Close() error
}

// Opts holds configuration options for SQL-backed stores.
type Opts struct {
	DSN string
}

// Option is a functional option for configuring a store.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option { return WithDSN(dsn) }

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option { return WithDSN(dsn) }

// Backend names returned by DetectDSNType.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite3"
	BackendPostgres = "postgres"
)

// DetectDSNType classifies a connection string.
func DetectDSNType(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "" || dsn == ":memory:" || dsn == "memory":
		return BackendMemory
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"),
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname="):
		return BackendPostgres
	default:
		return BackendSQLite
	}
}

// Open creates the store matching dsn: in-memory for an empty DSN, PostgreSQL for
// connection URLs or key=value strings, otherwise an SQLite file.
func Open(dsn string) (Store, error) {
	backend := DetectDSNType(dsn)
	slog.Info("store.Open: opening store", "backend", backend)
	switch backend {
	case BackendMemory:
		return NewInMemoryStore(), nil
	case BackendPostgres:
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}
