package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-delivery/internal/dispatch"
	appErrors "github.com/unclebandit/campaign-delivery/internal/errors"
	"github.com/unclebandit/campaign-delivery/internal/metrics"
	"github.com/unclebandit/campaign-delivery/internal/model"
	"github.com/unclebandit/campaign-delivery/internal/repository"
	"github.com/unclebandit/campaign-delivery/internal/tracker"
)

const (
	SignatureHeader = "X-Signature"
	maxWebhookBody  = 1 << 20
)

// DecoderSource returns the callback parser of a channel. dispatch.Registry
// implements it.
type DecoderSource interface {
	Decoder(ch model.Channel) (dispatch.WebhookDecoder, error)
}

// WebhookHandler receives provider delivery callbacks and feeds them to the
// tracker. The URL carries the channel and the user whose credential signs the
// callbacks.
type WebhookHandler struct {
	Credentials repository.CredentialRepositoryInterface
	Decoders    DecoderSource
	Tracker     *tracker.Tracker
	Metrics     *metrics.Metrics
	Log         zerolog.Logger
}

// WebhookResult is the response body of a processed callback.
type WebhookResult struct {
	Applied int `json:"applied"`
	Ignored int `json:"ignored"`
	// Parked callbacks name a provider id not recorded yet. They are applied
	// once the dispatch that owns the id records it.
	Parked int `json:"parked"`
}

func (h *WebhookHandler) Routes(r chi.Router) {
	r.Post("/webhooks/{channel}/{userID}", h.Receive)
	r.Get("/webhooks/{channel}/{userID}", h.Verify)
}

func (h *WebhookHandler) credential(w http.ResponseWriter, r *http.Request) (*model.ChannelCredential, bool) {
	ch := model.Channel(chi.URLParam(r, "channel"))
	if !ch.Valid() {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return nil, false
	}
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return nil, false
	}
	cred, err := h.Credentials.Get(r.Context(), userID, ch)
	if err != nil {
		if appErrors.IsNotFound(err) {
			http.Error(w, "unknown credential", http.StatusNotFound)
			return nil, false
		}
		h.Log.Error().Err(err).Str("channel", string(ch)).Msg("credential lookup failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, false
	}
	return cred, true
}

// Receive handles POST callbacks.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	cred, ok := h.credential(w, r)
	if !ok {
		return
	}
	ch := cred.Channel
	log := h.Log.With().Str("channel", string(ch)).Int64("user_id", cred.UserID).Logger()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.Metrics.Webhook(string(ch), "bad_request")
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	if cred.WebhookSecret != "" && !validSignature(cred.WebhookSecret, body, r.Header.Get(SignatureHeader)) {
		h.Metrics.Webhook(string(ch), "bad_signature")
		log.Warn().Msg("webhook signature mismatch")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	dec, err := h.Decoders.Decoder(ch)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	updates, err := dec.DecodeWebhook(r.Header.Get("Content-Type"), body)
	if err != nil {
		h.Metrics.Webhook(string(ch), "bad_request")
		log.Warn().Err(err).Msg("webhook not decodable")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var res WebhookResult
	for _, u := range updates {
		out, err := h.Tracker.ApplyProviderEvent(r.Context(), ch, u.ProviderMessageID, tracker.Event{
			Status:           u.Status,
			ErrorCode:        u.ErrorCode,
			ErrorDescription: u.ErrorDescription,
			Source:           tracker.SourceWebhook,
		})
		switch {
		case err != nil:
			// The provider will redeliver; updates already applied are no-ops then.
			h.Metrics.Webhook(string(ch), "error")
			log.Error().Err(err).Str("provider_message_id", u.ProviderMessageID).Msg("status update failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		case out.Parked:
			res.Parked++
			h.Metrics.Webhook(string(ch), "parked")
		case out.Applied:
			res.Applied++
			h.Metrics.Webhook(string(ch), "applied")
		default:
			res.Ignored++
			h.Metrics.Webhook(string(ch), "ignored")
		}
	}

	writeJSON(w, http.StatusOK, res)
}

// Verify answers the Graph API subscription handshake with the credential's
// verify_token.
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	cred, ok := h.credential(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	token := cred.Get("verify_token")
	if q.Get("hub.mode") != "subscribe" || token == "" ||
		!hmac.Equal([]byte(q.Get("hub.verify_token")), []byte(token)) {
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, q.Get("hub.challenge"))
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func validSignature(secret string, body []byte, header string) bool {
	got := strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	sig, err := hex.DecodeString(got)
	if err != nil || len(sig) == 0 {
		return false
	}
	want, _ := hex.DecodeString(Sign(secret, body))
	return hmac.Equal(sig, want)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
