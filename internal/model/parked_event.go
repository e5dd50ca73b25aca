package model

import "time"

// ParkedEvent is a provider callback that arrived before any message carried
// its provider message id. It is replayed once the id is recorded.
type ParkedEvent struct {
	ID                int64         `db:"id" json:"id"`
	Channel           Channel       `db:"channel" json:"channel"`
	ProviderMessageID string        `db:"provider_message_id" json:"provider_message_id"`
	Status            MessageStatus `db:"status" json:"status"`
	ErrorCode         string        `db:"error_code" json:"error_code,omitempty"`
	ErrorDescription  string        `db:"error_description" json:"error_description,omitempty"`
	ReceivedAt        time.Time     `db:"received_at" json:"received_at"`
}
