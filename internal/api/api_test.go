package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/OnboardPipe/internal/messaging"
	"github.com/BTreeMap/OnboardPipe/internal/store"
	"github.com/BTreeMap/OnboardPipe/internal/testutil"
	"github.com/BTreeMap/OnboardPipe/internal/twiliowhatsapp"
)

const onboardingFlow = `
slug: onboarding
name: Onboarding
stages:
  contact:
    prompt: What is your email?
    fieldsToCollect: [email]
    nextStage: done
  done:
    prompt: Thanks!
fields:
  email: {type: string, format: email, sensitive: true}
config:
  initialStage: contact
  isDefaultForNewUsers: true
`

const surveyFlow = `{
  "slug": "survey",
  "stages": {"rate": {"prompt": "Rate us 1-5", "fieldsToCollect": ["rating"]}},
  "fields": {"rating": {"type": "number"}}
}`

func newTestServer(t *testing.T, opts ...Option) (*Server, *store.InMemoryStore) {
	t.Helper()
	f := testutil.NewFixture(t, onboardingFlow)
	return NewServer(f.Engine, opts...), f.Store
}

func do(t *testing.T, s *Server, method, path string, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	return testutil.DoRequest(t, s.Handler(), method, path, body)
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec, out := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", out["status"])
}

func TestRespondFallsBackWhenBodyCannotBeEncoded(t *testing.T) {
	rec := httptest.NewRecorder()
	respond(rec, http.StatusOK, map[string]any{"reply": make(chan int)})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"error","message":"Internal server error"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	respond(rec, http.StatusCreated, map[string]string{"slug": "survey"})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"slug":"survey"}`, rec.Body.String())
}

func TestMessageAndSessionLifecycle(t *testing.T) {
	s, _ := newTestServer(t)

	rec, out := do(t, s, http.MethodPost, "/messages", `{"user_id":"u1","text":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	result := testutil.Result(t, out)
	assert.Equal(t, "What is your email?", result["text"])
	assert.Equal(t, "contact", result["stage"])

	rec, out = do(t, s, http.MethodGet, "/sessions/u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := testutil.Result(t, out)
	assert.Equal(t, "contact", view["session"].(map[string]any)["stage"])
	assert.Equal(t, []any{"email"}, view["missing"])

	rec, out = do(t, s, http.MethodPost, "/messages", `{"user_id":"u1","text":"email: joe@example.com"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["result"].(map[string]any)["ended"])

	rec, out = do(t, s, http.MethodGet, "/sessions/u1/history?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	history := out["result"].([]any)
	require.NotEmpty(t, history)

	rec, _ = do(t, s, http.MethodGet, "/sessions/u1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = do(t, s, http.MethodDelete, "/sessions/u1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResetSession(t *testing.T) {
	s, _ := newTestServer(t)
	do(t, s, http.MethodPost, "/messages", `{"user_id":"u2","text":"hi"}`)

	rec, _ := do(t, s, http.MethodDelete, "/sessions/u2", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, s, http.MethodGet, "/sessions/u2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMessageValidation(t *testing.T) {
	s, _ := newTestServer(t)
	rec, _ := do(t, s, http.MethodPost, "/messages", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, s, http.MethodPost, "/messages", `{"user_id":"u1","text":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, s, http.MethodGet, "/messages", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	rec, _ = do(t, s, http.MethodGet, "/sessions/u1/history?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFlowsEndpoints(t *testing.T) {
	s, st := newTestServer(t)
	rec, _ := do(t, s, http.MethodPost, "/flows", surveyFlow)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	WithFlowWriter(st)(&s.opts)
	rec, out := do(t, s, http.MethodGet, "/flows", "")
	require.Equal(t, http.StatusOK, rec.Code)
	flows := out["result"].([]any)
	require.Len(t, flows, 1)
	assert.Equal(t, true, flows[0].(map[string]any)["default"])

	rec, out = do(t, s, http.MethodPost, "/flows", surveyFlow)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, float64(1), out["result"].(map[string]any)["version"])

	rec, out = do(t, s, http.MethodGet, "/flows", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["result"].([]any), 2)

	rec, out = do(t, s, http.MethodPost, "/flows", `{"slug":"broken","stages":{"a":{"nextStage":"missing"}}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "error", out["status"])

	rec, out = do(t, s, http.MethodPost, "/flows/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), out["result"].(map[string]any)["count"])
}

func TestTwilioWebhookRoute(t *testing.T) {
	s, _ := newTestServer(t)
	rec, _ := do(t, s, http.MethodPost, "/webhooks/twilio", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	mock := twiliowhatsapp.NewMockClient()
	svc := messaging.NewTwilioService(mock)
	s, _ = newTestServer(t, WithTwilioWebhook(svc))
	rh := messaging.NewResponseHandler(s.engine, svc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rh.Start(ctx)

	form := url.Values{"From": {"whatsapp:+15551234567"}, "Body": {"hello"}}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool { return len(mock.Sent()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "What is your email?", mock.Sent()[0].Body)
}
