// Package testutil provides shared fixtures for OnboardPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/OnboardPipe/internal/flow"
	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/schema"
	"github.com/BTreeMap/OnboardPipe/internal/store"
	"github.com/BTreeMap/OnboardPipe/internal/tools"
)

// Fixture is an engine wired to an in-memory store that doubles as the flow source.
type Fixture struct {
	Store   *store.InMemoryStore
	Tools   *tools.Registry
	Catalog *schema.Catalog
	Engine  *flow.Engine
}

// NewFixture decodes and stores each flow document and builds an engine over them.
// Tools must be registered on Fixture.Tools before the first message that runs them.
func NewFixture(t testing.TB, docs ...string) *Fixture {
	t.Helper()
	f := &Fixture{Store: store.NewInMemoryStore(), Tools: tools.NewRegistry()}
	for _, doc := range docs {
		SeedFlow(t, f.Store, doc)
	}
	f.Catalog = schema.NewCatalog(f.Store)
	router, err := flow.NewRouter(f.Catalog, flow.NewStoreBasedStateManager(f.Store), f.Tools)
	require.NoError(t, err)
	f.Engine = flow.NewEngine(router)
	return f
}

// SeedFlow decodes doc and saves it as the next version of its slug.
func SeedFlow(t testing.TB, st store.Store, doc string) *models.FlowDefinition {
	t.Helper()
	def, err := schema.Decode([]byte(doc))
	require.NoError(t, err)
	_, err = st.SaveFlowDefinition(context.Background(), def)
	require.NoError(t, err)
	return def
}

// Send runs one message through the engine and fails the test on error.
func (f *Fixture) Send(t testing.TB, userID, text string) *flow.Reply {
	t.Helper()
	reply, err := f.Engine.HandleMessage(context.Background(), models.InboundMessage{UserID: userID, Text: text})
	require.NoError(t, err)
	return reply
}

// DoRequest serves one request and decodes a JSON body when there is one.
func DoRequest(t testing.TB, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if strings.HasPrefix(strings.TrimSpace(body), "{") {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

// Result returns the "result" member of an API envelope as an object.
func Result(t testing.TB, envelope map[string]any) map[string]any {
	t.Helper()
	result, ok := envelope["result"].(map[string]any)
	require.True(t, ok, "result is not an object: %v", envelope["result"])
	return result
}
