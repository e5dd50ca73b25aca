package model

import "time"

// MessageStatus is the durable delivery state of a Message.
type MessageStatus string

const (
	MessageUnsent           MessageStatus = "unsent"
	MessageAccepted         MessageStatus = "accepted"
	MessageSent             MessageStatus = "sent"
	MessageDelivered        MessageStatus = "delivered"
	MessageRead             MessageStatus = "read"
	MessageInvalidRecipient MessageStatus = "invalid_recipient"
	MessageError            MessageStatus = "error"
	MessageDeleted          MessageStatus = "deleted"
)

// MessageStatuses lists every status in display order.
var MessageStatuses = []MessageStatus{
	MessageUnsent, MessageAccepted, MessageSent, MessageDelivered, MessageRead,
	MessageInvalidRecipient, MessageError, MessageDeleted,
}

// Message is the delivery record for one SendJob.
type Message struct {
	ID                string        `db:"id" json:"id"`
	CampaignID        int64         `db:"campaign_id" json:"campaign_id"`
	Recipient         string        `db:"recipient" json:"recipient"`
	Channel           Channel       `db:"channel" json:"channel"`
	ContentHash       *string       `db:"content_hash" json:"content_hash,omitempty"`
	ProviderMessageID *string       `db:"provider_message_id" json:"provider_message_id,omitempty"`
	Status            MessageStatus `db:"status" json:"status"`
	ErrorCode         *string       `db:"error_code" json:"error_code,omitempty"`
	ErrorDescription  *string       `db:"error_description" json:"error_description,omitempty"`
	AcceptedAt        *time.Time    `db:"accepted_at" json:"accepted_at,omitempty"`
	SentAt            *time.Time    `db:"sent_at" json:"sent_at,omitempty"`
	DeliveredAt       *time.Time    `db:"delivered_at" json:"delivered_at,omitempty"`
	ReadAt            *time.Time    `db:"read_at" json:"read_at,omitempty"`
	FailedAt          *time.Time    `db:"failed_at" json:"failed_at,omitempty"`
	DeletedAt         *time.Time    `db:"deleted_at" json:"deleted_at,omitempty"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at" json:"updated_at"`
}

// StampColumn names the timestamp column recorded when a message enters s.
func StampColumn(s MessageStatus) string {
	switch s {
	case MessageAccepted:
		return "accepted_at"
	case MessageSent:
		return "sent_at"
	case MessageDelivered:
		return "delivered_at"
	case MessageRead:
		return "read_at"
	case MessageInvalidRecipient, MessageError:
		return "failed_at"
	case MessageDeleted:
		return "deleted_at"
	}
	return ""
}

// Stamp sets the timestamp field matching s.
func (m *Message) Stamp(s MessageStatus, at time.Time) {
	t := at
	switch s {
	case MessageAccepted:
		m.AcceptedAt = &t
	case MessageSent:
		m.SentAt = &t
	case MessageDelivered:
		m.DeliveredAt = &t
	case MessageRead:
		m.ReadAt = &t
	case MessageInvalidRecipient, MessageError:
		m.FailedAt = &t
	case MessageDeleted:
		m.DeletedAt = &t
	}
}
