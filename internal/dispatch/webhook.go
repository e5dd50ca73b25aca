package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/unclebandit/campaign-delivery/internal/model"
)

type webhookEvent struct {
	MessageID         string `json:"message_id"`
	ProviderMessageID string `json:"provider_message_id"`
	Event             string `json:"event"`
	Status            string `json:"status"`
	Code              string `json:"error_code"`
	Reason            string `json:"reason"`
	ErrorDescription  string `json:"error_description"`
}

// decodeEvents accepts a single JSON object or an array of them.
func decodeEvents(body []byte) ([]webhookEvent, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	var events []webhookEvent
	if body[0] == '[' {
		if err := json.Unmarshal(body, &events); err != nil {
			return nil, err
		}
	} else {
		var ev webhookEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, err
		}
		events = []webhookEvent{ev}
	}
	for i := range events {
		if events[i].MessageID == "" {
			events[i].MessageID = events[i].ProviderMessageID
		}
		if events[i].Reason == "" {
			events[i].Reason = events[i].ErrorDescription
		}
	}
	return events, nil
}

// jsonDecoder handles the canonical callback shape
// {"provider_message_id": "...", "status": "delivered", "error_code": "...", "error_description": "..."}
// used by channels without a provider-specific format.
type jsonDecoder struct{}

func (jsonDecoder) DecodeWebhook(_ string, body []byte) ([]StatusUpdate, error) {
	events, err := decodeEvents(body)
	if err != nil {
		return nil, fmt.Errorf("webhook: %w", err)
	}
	out := make([]StatusUpdate, 0, len(events))
	for _, ev := range events {
		if ev.MessageID == "" {
			return nil, fmt.Errorf("webhook: provider message id missing")
		}
		status := model.MessageStatus(strings.ToLower(ev.Status))
		if !validStatus(status) {
			return nil, fmt.Errorf("webhook: unknown status %q", ev.Status)
		}
		out = append(out, StatusUpdate{
			ProviderMessageID: ev.MessageID,
			Status:            status,
			ErrorCode:         ev.Code,
			ErrorDescription:  ev.Reason,
		})
	}
	return out, nil
}

func validStatus(s model.MessageStatus) bool {
	for _, st := range model.MessageStatuses {
		if st == s {
			return true
		}
	}
	return false
}
