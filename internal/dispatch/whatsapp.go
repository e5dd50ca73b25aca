package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	appErrors "github.com/unclebandit/campaign-delivery/internal/errors"
	"github.com/unclebandit/campaign-delivery/internal/model"
	"github.com/unclebandit/campaign-delivery/internal/render"
)

// Graph API error codes.
var (
	cloudConfigCodes = map[int]bool{
		10:     true, // permission denied
		190:    true, // access token expired or invalid
		200:    true, // permission not granted
		131031: true, // business account locked
		132001: true, // template does not exist
		132000: true, // template parameter count mismatch
	}
	cloudRecipientCodes = map[int]bool{
		131026: true, // message undeliverable
		131030: true, // recipient not in allowed list
		131047: true, // re-engagement window closed
		131051: true, // unsupported message type for recipient
	}
	cloudTransientCodes = map[int]bool{
		1:      true,
		2:      true,
		4:      true, // app rate limit
		80007:  true, // WABA rate limit
		130429: true, // throughput reached
		131000: true, // generic server error
		131048: true, // spam rate limit
		131056: true, // pair rate limit
	}
)

// cloudAPI is the Meta Graph messages endpoint shared by WhatsApp and GovSG.
type cloudAPI struct {
	provider string
	baseURL  string
	client   HTTPClient
}

func (c *cloudAPI) post(ctx context.Context, cred *model.ChannelCredential, msg map[string]any) (Outcome, error) {
	phoneID, token := cred.Get("phone_number_id"), cred.Get("access_token")
	if phoneID == "" || token == "" {
		return Outcome{}, appErrors.NewConfiguration(c.provider, "phone_number_id and access_token are required")
	}
	msg["messaging_product"] = "whatsapp"

	res, err := postJSON(ctx, c.client, c.provider, c.baseURL+"/"+phoneID+"/messages",
		map[string]string{"Authorization": "Bearer " + token}, msg)
	if err != nil {
		return Outcome{}, err
	}

	var body struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
		Error struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
			Details struct {
				Details string `json:"details"`
			} `json:"error_data"`
		} `json:"error"`
	}
	_ = json.Unmarshal(res.Body, &body)

	if res.ok() {
		if len(body.Messages) == 0 || body.Messages[0].ID == "" {
			return Outcome{}, appErrors.NewTransient(c.provider, res.Status, fmt.Errorf("response without message id"))
		}
		return accepted(body.Messages[0].ID), nil
	}

	code := body.Error.Code
	reason := body.Error.Message
	if reason == "" {
		reason = res.snippet()
	}
	switch {
	case res.Status == http.StatusUnauthorized || cloudConfigCodes[code]:
		return Outcome{}, appErrors.NewConfiguration(c.provider, "graph %d: %s", code, reason)
	case cloudRecipientCodes[code]:
		return rejected(strconv.Itoa(code), reason), nil
	case cloudTransientCodes[code] || res.retryable():
		return Outcome{}, appErrors.NewTransient(c.provider, res.Status, fmt.Errorf("graph %d: %s", code, reason))
	}
	if code == 0 {
		code = res.Status
	}
	return rejected(strconv.Itoa(code), reason), nil
}

// DecodeWebhook parses a Graph API "messages" webhook with status entries.
func (c *cloudAPI) DecodeWebhook(contentType string, body []byte) ([]StatusUpdate, error) {
	var hook struct {
		Entry []struct {
			Changes []struct {
				Value struct {
					Statuses []struct {
						ID     string `json:"id"`
						Status string `json:"status"`
						Errors []struct {
							Code  int    `json:"code"`
							Title string `json:"title"`
						} `json:"errors"`
					} `json:"statuses"`
				} `json:"value"`
			} `json:"changes"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("%s webhook: %w", c.provider, err)
	}
	if len(hook.Entry) == 0 {
		return jsonDecoder{}.DecodeWebhook(contentType, body)
	}

	var out []StatusUpdate
	for _, e := range hook.Entry {
		for _, ch := range e.Changes {
			for _, s := range ch.Value.Statuses {
				u := StatusUpdate{ProviderMessageID: s.ID}
				switch strings.ToLower(s.Status) {
				case "sent":
					u.Status = model.MessageSent
				case "delivered":
					u.Status = model.MessageDelivered
				case "read":
					u.Status = model.MessageRead
				case "deleted":
					u.Status = model.MessageDeleted
				case "failed":
					u.Status = model.MessageError
					if len(s.Errors) > 0 {
						u.ErrorCode = strconv.Itoa(s.Errors[0].Code)
						u.ErrorDescription = s.Errors[0].Title
						if cloudRecipientCodes[s.Errors[0].Code] {
							u.Status = model.MessageInvalidRecipient
						}
					}
				default:
					continue
				}
				out = append(out, u)
			}
		}
	}
	return out, nil
}

// WhatsApp sends free-form text through the WhatsApp Cloud API. Credential
// keys: phone_number_id, access_token.
type WhatsApp struct {
	cloudAPI
}

func NewWhatsApp(baseURL string, client HTTPClient) *WhatsApp {
	return &WhatsApp{cloudAPI{provider: "whatsapp", baseURL: strings.TrimRight(baseURL, "/"), client: client}}
}

func (w *WhatsApp) Channel() model.Channel { return model.ChannelWhatsApp }

func (w *WhatsApp) Send(ctx context.Context, p *render.Payload, recipient string, cred *model.ChannelCredential) (Outcome, error) {
	return w.post(ctx, cred, map[string]any{
		"recipient_type": "individual",
		"to":             recipient,
		"type":           "text",
		"text":           map[string]any{"preview_url": false, "body": p.Text},
	})
}
