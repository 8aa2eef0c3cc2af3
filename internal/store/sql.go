package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL backends. Queries are
// written with '?' placeholders and rebound for drivers that use numbered placeholders.
type sqlStore struct {
	db       *sql.DB
	name     string
	numbered bool
}

func (s *sqlStore) rebind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) GetSession(ctx context.Context, userID string) (*models.UserFlowState, error) {
	query := s.rebind(`SELECT user_id, flow_id, stage, session_id, created_at, updated_at FROM sessions WHERE user_id = ?`)
	var st models.UserFlowState
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&st.UserID, &st.FlowID, &st.Stage, &st.SessionID, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug(s.name+".GetSession: no session", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+".GetSession failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("get session for %s: %w", userID, err)
	}
	return &st, nil
}

func (s *sqlStore) SaveSession(ctx context.Context, state models.UserFlowState) error {
	now := time.Now().UTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = now
	}
	query := s.rebind(`
		INSERT INTO sessions (user_id, flow_id, stage, session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			flow_id = excluded.flow_id,
			stage = excluded.stage,
			session_id = excluded.session_id,
			updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query, state.UserID, state.FlowID, state.Stage, state.SessionID, state.CreatedAt, state.UpdatedAt); err != nil {
		slog.Error(s.name+".SaveSession failed", "error", err, "userID", state.UserID, "flowID", state.FlowID)
		return fmt.Errorf("save session for %s: %w", state.UserID, err)
	}
	slog.Debug(s.name+".SaveSession succeeded", "userID", state.UserID, "flowID", state.FlowID, "stage", state.Stage)
	return nil
}

func (s *sqlStore) DeleteSession(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM sessions WHERE user_id = ?`), userID); err != nil {
		slog.Error(s.name+".DeleteSession failed", "error", err, "userID", userID)
		return fmt.Errorf("delete session for %s: %w", userID, err)
	}
	return nil
}

func (s *sqlStore) GetUserData(ctx context.Context, userID, flowID string) (models.UserData, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT field_key, value FROM user_data WHERE user_id = ? AND flow_id = ?`), userID, flowID)
	if err != nil {
		slog.Error(s.name+".GetUserData query failed", "error", err, "userID", userID, "flowID", flowID)
		return nil, fmt.Errorf("query user data: %w", err)
	}
	defer rows.Close()

	data := make(models.UserData)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan user data row: %w", err)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			slog.Warn(s.name+".GetUserData: undecodable value, skipping", "userID", userID, "flowID", flowID, "key", key, "error", err)
			continue
		}
		data[key] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user data rows: %w", err)
	}
	return data, nil
}

func (s *sqlStore) MergeUserData(ctx context.Context, userID, flowID string, data models.UserData) error {
	if len(data) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		query := s.rebind(`
			INSERT INTO user_data (user_id, flow_id, field_key, value, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (user_id, flow_id, field_key) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at`)
		now := time.Now().UTC()
		for key, v := range data {
			raw, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encode user data %s: %w", key, err)
			}
			if _, err := tx.ExecContext(ctx, query, userID, flowID, key, string(raw), now); err != nil {
				slog.Error(s.name+".MergeUserData failed", "error", err, "userID", userID, "flowID", flowID, "key", key)
				return fmt.Errorf("upsert user data %s: %w", key, err)
			}
		}
		slog.Debug(s.name+".MergeUserData succeeded", "userID", userID, "flowID", flowID, "keys", len(data))
		return nil
	})
}

func (s *sqlStore) DeleteUserDataKeys(ctx context.Context, userID, flowID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		query := s.rebind(`DELETE FROM user_data WHERE user_id = ? AND flow_id = ? AND field_key = ?`)
		for _, key := range keys {
			if _, err := tx.ExecContext(ctx, query, userID, flowID, key); err != nil {
				return fmt.Errorf("delete user data %s: %w", key, err)
			}
		}
		return nil
	})
}

func (s *sqlStore) ClearUserData(ctx context.Context, userID, flowID string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM user_data WHERE user_id = ? AND flow_id = ?`), userID, flowID); err != nil {
		slog.Error(s.name+".ClearUserData failed", "error", err, "userID", userID, "flowID", flowID)
		return fmt.Errorf("clear user data: %w", err)
	}
	return nil
}

func (s *sqlStore) GetDiagnostics(ctx context.Context, userID, flowID string) (*models.SessionDiagnostics, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT data FROM session_diagnostics WHERE user_id = ? AND flow_id = ?`), userID, flowID).Scan(&raw)
	diag := &models.SessionDiagnostics{}
	if errors.Is(err, sql.ErrNoRows) {
		return diag, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get diagnostics: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), diag); err != nil {
		slog.Warn(s.name+".GetDiagnostics: undecodable record, ignoring", "userID", userID, "flowID", flowID, "error", err)
		return &models.SessionDiagnostics{}, nil
	}
	return diag, nil
}

func (s *sqlStore) SaveDiagnostics(ctx context.Context, userID, flowID string, diag *models.SessionDiagnostics) error {
	if diag.IsEmpty() {
		if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM session_diagnostics WHERE user_id = ? AND flow_id = ?`), userID, flowID); err != nil {
			return fmt.Errorf("delete diagnostics: %w", err)
		}
		return nil
	}
	raw, err := json.Marshal(diag)
	if err != nil {
		return fmt.Errorf("encode diagnostics: %w", err)
	}
	query := s.rebind(`
		INSERT INTO session_diagnostics (user_id, flow_id, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, flow_id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query, userID, flowID, string(raw), time.Now().UTC()); err != nil {
		slog.Error(s.name+".SaveDiagnostics failed", "error", err, "userID", userID, "flowID", flowID)
		return fmt.Errorf("save diagnostics: %w", err)
	}
	return nil
}

func (s *sqlStore) AppendHistory(ctx context.Context, entry models.FlowHistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	query := s.rebind(`INSERT INTO flow_history (user_id, flow_id, stage, session_id, created_at) VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, entry.UserID, entry.FlowID, entry.Stage, entry.SessionID, entry.Timestamp); err != nil {
		slog.Error(s.name+".AppendHistory failed", "error", err, "userID", entry.UserID, "flowID", entry.FlowID, "stage", entry.Stage)
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *sqlStore) ListHistory(ctx context.Context, userID string, limit int) ([]models.FlowHistoryEntry, error) {
	query := `SELECT user_id, flow_id, stage, session_id, created_at FROM flow_history WHERE user_id = ? ORDER BY id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []models.FlowHistoryEntry
	for rows.Next() {
		var e models.FlowHistoryEntry
		if err := rows.Scan(&e.UserID, &e.FlowID, &e.Stage, &e.SessionID, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) SaveFlowDefinition(ctx context.Context, def *models.FlowDefinition) (int, error) {
	var version int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var current int
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COALESCE(MAX(version), 0) FROM flow_definitions WHERE slug = ?`), def.Slug).Scan(&current); err != nil {
			return fmt.Errorf("read current version: %w", err)
		}
		version = current + 1
		stored := *def
		stored.Version = version
		raw, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("encode flow definition: %w", err)
		}
		query := s.rebind(`INSERT INTO flow_definitions (slug, version, definition, created_at) VALUES (?, ?, ?, ?)`)
		if _, err := tx.ExecContext(ctx, query, def.Slug, version, string(raw), time.Now().UTC()); err != nil {
			return fmt.Errorf("insert flow definition: %w", err)
		}
		return nil
	})
	if err != nil {
		slog.Error(s.name+".SaveFlowDefinition failed", "error", err, "flowID", def.Slug)
		return 0, err
	}
	def.Version = version
	slog.Info(s.name+".SaveFlowDefinition succeeded", "flowID", def.Slug, "version", version)
	return version, nil
}

func (s *sqlStore) GetFlowDefinition(ctx context.Context, slug string) (*models.FlowDefinition, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT definition FROM flow_definitions WHERE slug = ? ORDER BY version DESC LIMIT 1`), slug).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrFlowNotFound, slug)
	}
	if err != nil {
		return nil, fmt.Errorf("get flow definition %s: %w", slug, err)
	}
	return decodeFlowDefinition([]byte(raw))
}

func (s *sqlStore) ListFlowDefinitions(ctx context.Context) ([]*models.FlowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.definition FROM flow_definitions d
		JOIN (SELECT slug, MAX(version) AS version FROM flow_definitions GROUP BY slug) latest
		  ON d.slug = latest.slug AND d.version = latest.version
		ORDER BY d.slug`)
	if err != nil {
		return nil, fmt.Errorf("query flow definitions: %w", err)
	}
	defer rows.Close()

	var out []*models.FlowDefinition
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan flow definition: %w", err)
		}
		def, err := decodeFlowDefinition([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *sqlStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	slog.Debug(s.name + ": closing database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error(s.name+": failed to close database", "error", err)
	}
	return err
}
