package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

type userFlowKey struct {
	userID string
	flowID string
}

// InMemoryStore keeps everything in process memory. It is used by tests and by the local
// chat REPL.
type InMemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]models.UserFlowState
	userData    map[userFlowKey]models.UserData
	diagnostics map[userFlowKey][]byte
	history     []models.FlowHistoryEntry
	flows       map[string][][]byte // slug -> versions, encoded
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:    make(map[string]models.UserFlowState),
		userData:    make(map[userFlowKey]models.UserData),
		diagnostics: make(map[userFlowKey][]byte),
		flows:       make(map[string][][]byte),
	}
}

func (s *InMemoryStore) GetSession(ctx context.Context, userID string) (*models.UserFlowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, found := s.sessions[userID]
	if !found {
		return nil, nil
	}
	return &st, nil
}

func (s *InMemoryStore) SaveSession(ctx context.Context, state models.UserFlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, found := s.sessions[state.UserID]; found && state.CreatedAt.IsZero() {
		state.CreatedAt = existing.CreatedAt
	}
	s.sessions[state.UserID] = state
	return nil
}

func (s *InMemoryStore) DeleteSession(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
	return nil
}

func (s *InMemoryStore) GetUserData(ctx context.Context, userID, flowID string) (models.UserData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userData[userFlowKey{userID, flowID}].Clone(), nil
}

func (s *InMemoryStore) MergeUserData(ctx context.Context, userID, flowID string, data models.UserData) error {
	if len(data) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userFlowKey{userID, flowID}
	current := s.userData[key]
	if current == nil {
		current = make(models.UserData, len(data))
		s.userData[key] = current
	}
	for k, v := range data {
		current[k] = v
	}
	return nil
}

func (s *InMemoryStore) DeleteUserDataKeys(ctx context.Context, userID, flowID string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.userData[userFlowKey{userID, flowID}]
	for _, k := range keys {
		delete(current, k)
	}
	return nil
}

func (s *InMemoryStore) ClearUserData(ctx context.Context, userID, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.userData, userFlowKey{userID, flowID})
	return nil
}

func (s *InMemoryStore) GetDiagnostics(ctx context.Context, userID, flowID string) (*models.SessionDiagnostics, error) {
	s.mu.RLock()
	raw, found := s.diagnostics[userFlowKey{userID, flowID}]
	s.mu.RUnlock()
	diag := &models.SessionDiagnostics{}
	if !found {
		return diag, nil
	}
	if err := json.Unmarshal(raw, diag); err != nil {
		return nil, fmt.Errorf("decode diagnostics: %w", err)
	}
	return diag, nil
}

func (s *InMemoryStore) SaveDiagnostics(ctx context.Context, userID, flowID string, diag *models.SessionDiagnostics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userFlowKey{userID, flowID}
	if diag.IsEmpty() {
		delete(s.diagnostics, key)
		return nil
	}
	raw, err := json.Marshal(diag)
	if err != nil {
		return fmt.Errorf("encode diagnostics: %w", err)
	}
	s.diagnostics[key] = raw
	return nil
}

func (s *InMemoryStore) AppendHistory(ctx context.Context, entry models.FlowHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	s.history = append(s.history, entry)
	return nil
}

func (s *InMemoryStore) ListHistory(ctx context.Context, userID string, limit int) ([]models.FlowHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.FlowHistoryEntry
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].UserID != userID {
			continue
		}
		out = append(out, s.history[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) SaveFlowDefinition(ctx context.Context, def *models.FlowDefinition) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	version := len(s.flows[def.Slug]) + 1
	stored := *def
	stored.Version = version
	raw, err := json.Marshal(&stored)
	if err != nil {
		return 0, fmt.Errorf("encode flow definition: %w", err)
	}
	s.flows[def.Slug] = append(s.flows[def.Slug], raw)
	def.Version = version
	return version, nil
}

func (s *InMemoryStore) GetFlowDefinition(ctx context.Context, slug string) (*models.FlowDefinition, error) {
	s.mu.RLock()
	versions := s.flows[slug]
	s.mu.RUnlock()
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", models.ErrFlowNotFound, slug)
	}
	return decodeFlowDefinition(versions[len(versions)-1])
}

func (s *InMemoryStore) ListFlowDefinitions(ctx context.Context) ([]*models.FlowDefinition, error) {
	s.mu.RLock()
	slugs := make([]string, 0, len(s.flows))
	for slug := range s.flows {
		slugs = append(slugs, slug)
	}
	s.mu.RUnlock()
	sort.Strings(slugs)

	out := make([]*models.FlowDefinition, 0, len(slugs))
	for _, slug := range slugs {
		def, err := s.GetFlowDefinition(ctx, slug)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

func decodeFlowDefinition(raw []byte) (*models.FlowDefinition, error) {
	var def models.FlowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode flow definition: %w", err)
	}
	return &def, nil
}
