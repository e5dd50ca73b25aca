package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-delivery/internal/dispatch"
	appErrors "github.com/unclebandit/campaign-delivery/internal/errors"
	"github.com/unclebandit/campaign-delivery/internal/metrics"
	"github.com/unclebandit/campaign-delivery/internal/model"
	"github.com/unclebandit/campaign-delivery/internal/tracker"
)

type credentialStub map[model.Channel]*model.ChannelCredential

func (s credentialStub) Get(_ context.Context, userID int64, ch model.Channel) (*model.ChannelCredential, error) {
	c, ok := s[ch]
	if !ok || c.UserID != userID {
		return nil, appErrors.ErrCredentialNotFound
	}
	return c, nil
}

type webhookFixture struct {
	router  http.Handler
	store   *tracker.MemoryStore
	tracker *tracker.Tracker
	reg     *prometheus.Registry
}

const secret = "shh"

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	store := tracker.NewMemoryStore()
	trk := tracker.New(store, zerolog.Nop())
	ctx := context.Background()

	msg := &model.Message{ID: "m-1", CampaignID: 1, Recipient: "+6590000001", Channel: model.ChannelSMS}
	_, err := store.Create(ctx, msg)
	require.NoError(t, err)
	_, err = trk.ApplyOutcome(ctx, "m-1", tracker.Event{Status: model.MessageAccepted, ProviderMessageID: "SM1"})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	h := &WebhookHandler{
		Credentials: credentialStub{
			model.ChannelSMS: {UserID: 7, Channel: model.ChannelSMS, WebhookSecret: secret},
			model.ChannelWhatsApp: {UserID: 7, Channel: model.ChannelWhatsApp,
				Config: model.Params{"verify_token": "tok"}},
		},
		Decoders: dispatch.Registry{model.ChannelSMS: dispatch.NewMock(model.ChannelSMS)},
		Tracker:  trk,
		Metrics:  metrics.New(reg),
		Log:      zerolog.Nop(),
	}
	r := chi.NewRouter()
	h.Routes(r)
	return &webhookFixture{router: r, store: store, tracker: trk, reg: reg}
}

func (f *webhookFixture) post(path, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) WebhookResult {
	t.Helper()
	var res WebhookResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	return res
}

func TestWebhookAppliesSignedUpdate(t *testing.T) {
	f := newWebhookFixture(t)
	body := `{"provider_message_id":"SM1","status":"delivered"}`

	rec := f.post("/webhooks/sms/7", body, Sign(secret, []byte(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, WebhookResult{Applied: 1}, decodeResult(t, rec))

	m, err := f.store.Get(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, model.MessageDelivered, m.Status)

	n, err := testutil.GatherAndCount(f.reg, "campaign_delivery_webhook_events_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWebhookReplayIsIgnored(t *testing.T) {
	f := newWebhookFixture(t)
	body := `[{"provider_message_id":"SM1","status":"delivered"},{"provider_message_id":"SM1","status":"accepted"},{"provider_message_id":"nope","status":"delivered"}]`

	rec := f.post("/webhooks/sms/7", body, "sha256="+Sign(secret, []byte(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, WebhookResult{Applied: 1, Ignored: 1, Parked: 1}, decodeResult(t, rec))

	m, _ := f.store.Get(context.Background(), "m-1")
	assert.Equal(t, model.MessageDelivered, m.Status, "status never moves backwards")
}

func TestWebhookBeforeAcceptedIsAppliedLater(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := context.Background()
	_, err := f.store.Create(ctx, &model.Message{ID: "m-2", CampaignID: 1, Recipient: "+6590000002", Channel: model.ChannelSMS})
	require.NoError(t, err)

	body := `{"provider_message_id":"SM2","status":"delivered"}`
	rec := f.post("/webhooks/sms/7", body, Sign(secret, []byte(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, WebhookResult{Parked: 1}, decodeResult(t, rec))
	assert.Equal(t, 1, f.store.ParkedCount())

	// The dispatch result lands after the callback.
	res, err := f.tracker.ApplyOutcome(ctx, "m-2", tracker.Event{Status: model.MessageAccepted, ProviderMessageID: "SM2"})
	require.NoError(t, err)
	assert.True(t, res.Applied)

	m, err := f.store.Get(ctx, "m-2")
	require.NoError(t, err)
	assert.Equal(t, model.MessageDelivered, m.Status)
	assert.NotNil(t, m.DeliveredAt)
	assert.Zero(t, f.store.ParkedCount())
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newWebhookFixture(t)
	body := `{"provider_message_id":"SM1","status":"delivered"}`

	for _, sig := range []string{"", "zz", Sign("other", []byte(body))} {
		rec := f.post("/webhooks/sms/7", body, sig)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "signature %q", sig)
	}
	m, _ := f.store.Get(context.Background(), "m-1")
	assert.Equal(t, model.MessageAccepted, m.Status)
}

func TestWebhookRequestErrors(t *testing.T) {
	f := newWebhookFixture(t)
	bad := `{"status":"delivered"}`

	assert.Equal(t, http.StatusBadRequest, f.post("/webhooks/sms/7", bad, Sign(secret, []byte(bad))).Code)
	assert.Equal(t, http.StatusNotFound, f.post("/webhooks/fax/7", "{}", "").Code)
	assert.Equal(t, http.StatusNotFound, f.post("/webhooks/email/7", "{}", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.post("/webhooks/sms/abc", "{}", "").Code)
}

func TestWebhookVerifyHandshake(t *testing.T) {
	f := newWebhookFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp/7?hub.mode=subscribe&hub.verify_token=tok&hub.challenge=42", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "42", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp/7?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=42", nil)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
