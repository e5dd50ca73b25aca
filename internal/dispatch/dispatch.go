// Package dispatch sends rendered payloads to channel providers and maps
// provider responses onto a canonical outcome.
//
// A call ends in exactly one of:
//   - Outcome{Kind: Accepted} with the provider message id,
//   - Outcome{Kind: Rejected} when the provider refuses the recipient,
//   - an *appErrors.TransientProviderError that is worth retrying,
//   - an *appErrors.ConfigurationError that will recur for the whole campaign.
package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-delivery/internal/config"
	"github.com/unclebandit/campaign-delivery/internal/model"
	"github.com/unclebandit/campaign-delivery/internal/render"
)

type OutcomeKind int

const (
	Accepted OutcomeKind = iota + 1
	Rejected
)

func (k OutcomeKind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

type Outcome struct {
	Kind              OutcomeKind
	ProviderMessageID string
	Code              string
	Reason            string
}

func accepted(id string) Outcome {
	return Outcome{Kind: Accepted, ProviderMessageID: id}
}

func rejected(code, reason string) Outcome {
	return Outcome{Kind: Rejected, Code: code, Reason: reason}
}

// Dispatcher is one channel's provider client. Implementations are safe for
// concurrent use; the credential is supplied per call.
type Dispatcher interface {
	Channel() model.Channel
	Send(ctx context.Context, p *render.Payload, recipient string, cred *model.ChannelCredential) (Outcome, error)
}

// StatusUpdate is one provider callback translated to a message status.
type StatusUpdate struct {
	ProviderMessageID string
	Status            model.MessageStatus
	ErrorCode         string
	ErrorDescription  string
}

// WebhookDecoder parses a channel's delivery callbacks.
type WebhookDecoder interface {
	DecodeWebhook(contentType string, body []byte) ([]StatusUpdate, error)
}

// Registry maps a channel to its dispatcher.
type Registry map[model.Channel]Dispatcher

func (r Registry) Get(ch model.Channel) (Dispatcher, error) {
	d, ok := r[ch]
	if !ok {
		return nil, fmt.Errorf("dispatch: no dispatcher for channel %q", ch)
	}
	return d, nil
}

// Decoder returns the webhook decoder of ch.
func (r Registry) Decoder(ch model.Channel) (WebhookDecoder, error) {
	d, err := r.Get(ch)
	if err != nil {
		return nil, err
	}
	if dec, ok := d.(WebhookDecoder); ok {
		return dec, nil
	}
	return jsonDecoder{}, nil
}

// New builds the registry for the configured backend ("http" or "mock").
func New(cfg config.ProviderConfig, log zerolog.Logger) (Registry, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch backend {
	case "", "http":
		reg := Registry{
			model.ChannelSMS:      NewSMS(cfg.TwilioBaseURL, newHTTPClient(cfg.Timeout(model.ChannelSMS))),
			model.ChannelTelegram: NewTelegram(cfg.TelegramBaseURL, newHTTPClient(cfg.Timeout(model.ChannelTelegram))),
			model.ChannelWhatsApp: NewWhatsApp(cfg.WhatsAppBaseURL, newHTTPClient(cfg.Timeout(model.ChannelWhatsApp))),
			model.ChannelGovSG:    NewGovSG(cfg.GovSGBaseURL, newHTTPClient(cfg.Timeout(model.ChannelGovSG))),
			model.ChannelEmail:    NewEmail(WithEmailTimeout(cfg.Timeout(model.ChannelEmail))),
		}
		log.Info().Str("backend", "http").Msg("dispatchers initialised")
		return reg, nil
	case "mock":
		reg := Registry{}
		for _, ch := range model.Channels {
			reg[ch] = NewMock(ch)
		}
		log.Info().Str("backend", "mock").Msg("dispatchers initialised")
		return reg, nil
	}
	return nil, fmt.Errorf("dispatch: unsupported provider backend %q", cfg.Backend)
}
