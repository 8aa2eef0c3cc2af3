package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/OnboardPipe/internal/flow"
	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/twiliowhatsapp"
)

type fakeHandler struct {
	mu    sync.Mutex
	seen  []models.InboundMessage
	reply *flow.Reply
	err   error
}

func (f *fakeHandler) HandleMessage(ctx context.Context, msg models.InboundMessage) (*flow.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, msg)
	return f.reply, f.err
}

func (f *fakeHandler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

func TestCanonicalizePhone(t *testing.T) {
	got, err := CanonicalizePhone("+1 (555) 123-4567")
	require.NoError(t, err)
	assert.Equal(t, "15551234567", got)

	_, err = CanonicalizePhone("")
	assert.Error(t, err)
	_, err = CanonicalizePhone("abc")
	assert.Error(t, err)
	_, err = CanonicalizePhone("123")
	assert.Error(t, err)
}

func TestProcessResponseSendsReply(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	handler := &fakeHandler{reply: &flow.Reply{Text: "What's your email?", FlowID: "onboarding", Stage: "contact"}}
	rh := NewResponseHandler(handler, svc)

	require.NoError(t, rh.ProcessResponse(context.Background(), models.Response{From: "whatsapp:+15551234567", Body: "hi", Time: 1700000000}))
	require.Len(t, handler.seen, 1)
	assert.Equal(t, "15551234567", handler.seen[0].UserID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), handler.seen[0].ReceivedAt)

	sent := mock.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "+15551234567", sent[0].To)
	assert.Equal(t, "What's your email?", sent[0].Body)
}

func TestProcessResponseSilentAndErrors(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)

	rh := NewResponseHandler(&fakeHandler{reply: &flow.Reply{Silent: true}}, svc)
	require.NoError(t, rh.ProcessResponse(context.Background(), models.Response{From: "15551234567", Body: "ok"}))
	assert.Empty(t, mock.Sent())

	rh = NewResponseHandler(&fakeHandler{err: errors.New("boom")}, svc)
	assert.Error(t, rh.ProcessResponse(context.Background(), models.Response{From: "15551234567", Body: "ok"}))
	require.Len(t, mock.Sent(), 1)
	assert.Equal(t, flow.TechnicalApology, mock.Sent()[0].Body)

	assert.Error(t, rh.ProcessResponse(context.Background(), models.Response{From: "x", Body: "ok"}))
}

func TestTwilioWebhookFeedsResponseHandler(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	handler := &fakeHandler{reply: &flow.Reply{Text: "Welcome!"}}
	rh := NewResponseHandler(handler, svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rh.Start(ctx)

	form := url.Values{"From": {"whatsapp:+15551234567"}, "Body": {"hello"}}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	svc.TwilioWebhookHandler(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool { return len(mock.Sent()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "Welcome!", mock.Sent()[0].Body)
	assert.Equal(t, 1, handler.count())
}

func TestTwilioWebhookRejectsBadRequests(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())

	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader("From=%2B15551234567"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	svc.TwilioWebhookHandler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	signed := NewTwilioService(twiliowhatsapp.NewMockClient(), WithSignatureValidation("token", "https://example.com/webhooks/twilio"))
	form := url.Values{"From": {"+15551234567"}, "Body": {"hello"}}
	req = httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", "bogus")
	rec = httptest.NewRecorder()
	signed.TwilioWebhookHandler(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStoppedServiceRefusesToSend(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	require.NoError(t, svc.Stop())
	require.NoError(t, svc.Stop())
	assert.ErrorIs(t, svc.SendMessage(context.Background(), "15551234567", "hi"), ErrServiceStopped)

	wa := NewWhatsAppService(twiliowhatsapp.NewMockClient())
	require.NoError(t, wa.Start(context.Background()))
	require.NoError(t, wa.Stop())
	assert.ErrorIs(t, wa.SendMessage(context.Background(), "15551234567", "hi"), ErrServiceStopped)
}
