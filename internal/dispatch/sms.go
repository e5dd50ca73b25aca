package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	appErrors "github.com/unclebandit/campaign-delivery/internal/errors"
	"github.com/unclebandit/campaign-delivery/internal/model"
	"github.com/unclebandit/campaign-delivery/internal/render"
)

const smsProvider = "sms"

// Twilio error codes that describe the recipient rather than the account.
var twilioRecipientCodes = map[int]bool{
	21211: true, // invalid 'To' number
	21214: true, // 'To' number cannot be reached
	21408: true, // region not enabled
	21610: true, // recipient unsubscribed
	21612: true, // cannot route to this number
	21614: true, // not a mobile number
}

// Twilio error codes that mean the credential or sender is broken.
var twilioConfigCodes = map[int]bool{
	20003: true, // authentication failed
	20404: true, // account not found
	21606: true, // 'From' is not a valid sender
	21659: true, // 'From' is not a Twilio number
}

// SMS sends through the Twilio Messages API. Credential keys: account_sid,
// auth_token, from.
type SMS struct {
	baseURL string
	client  HTTPClient
}

func NewSMS(baseURL string, client HTTPClient) *SMS {
	return &SMS{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (s *SMS) Channel() model.Channel { return model.ChannelSMS }

func (s *SMS) Send(ctx context.Context, p *render.Payload, recipient string, cred *model.ChannelCredential) (Outcome, error) {
	sid, token, from := cred.Get("account_sid"), cred.Get("auth_token"), cred.Get("from")
	if sid == "" || token == "" || from == "" {
		return Outcome{}, appErrors.NewConfiguration(smsProvider, "account_sid, auth_token and from are required")
	}

	form := url.Values{}
	form.Set("To", recipient)
	form.Set("From", from)
	form.Set("Body", p.Text)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.baseURL, url.PathEscape(sid))
	res, err := postForm(ctx, s.client, smsProvider, endpoint, sid, token, form.Encode())
	if err != nil {
		return Outcome{}, err
	}

	var body struct {
		SID     string `json:"sid"`
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(res.Body, &body)

	if res.ok() {
		if body.SID == "" {
			return Outcome{}, appErrors.NewTransient(smsProvider, res.Status, fmt.Errorf("response without sid"))
		}
		return accepted(body.SID), nil
	}

	reason := body.Message
	if reason == "" {
		reason = res.snippet()
	}
	switch {
	case res.Status == http.StatusUnauthorized || twilioConfigCodes[body.Code]:
		return Outcome{}, appErrors.NewConfiguration(smsProvider, "twilio %d: %s", body.Code, reason)
	case twilioRecipientCodes[body.Code]:
		return rejected(strconv.Itoa(body.Code), reason), nil
	case res.retryable():
		return Outcome{}, appErrors.NewTransient(smsProvider, res.Status, fmt.Errorf("twilio %d: %s", body.Code, reason))
	}
	code := strconv.Itoa(body.Code)
	if body.Code == 0 {
		code = strconv.Itoa(res.Status)
	}
	return rejected(code, reason), nil
}

// Twilio status callback error codes that identify a bad destination.
var twilioUndeliverableCodes = map[string]bool{
	"30003": true, // unreachable handset
	"30005": true, // unknown destination
	"30006": true, // landline or unreachable carrier
}

// DecodeWebhook parses a Twilio status callback (form encoded).
func (s *SMS) DecodeWebhook(contentType string, body []byte) ([]StatusUpdate, error) {
	if !strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		return jsonDecoder{}.DecodeWebhook(contentType, body)
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("sms webhook: %w", err)
	}
	id := form.Get("MessageSid")
	if id == "" {
		return nil, fmt.Errorf("sms webhook: MessageSid missing")
	}

	u := StatusUpdate{ProviderMessageID: id, ErrorCode: form.Get("ErrorCode"), ErrorDescription: form.Get("ErrorMessage")}
	switch strings.ToLower(form.Get("MessageStatus")) {
	case "queued", "accepted", "scheduled":
		u.Status = model.MessageAccepted
	case "sending", "sent":
		u.Status = model.MessageSent
	case "delivered":
		u.Status = model.MessageDelivered
	case "read":
		u.Status = model.MessageRead
	case "undelivered", "failed":
		u.Status = model.MessageError
		if twilioUndeliverableCodes[u.ErrorCode] {
			u.Status = model.MessageInvalidRecipient
		}
	default:
		return nil, nil
	}
	return []StatusUpdate{u}, nil
}
