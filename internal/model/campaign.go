// internal/model/campaign.go
package model

import "time"

// Channel identifies the provider family a campaign is sent through.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelTelegram Channel = "telegram"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelGovSG    Channel = "govsg"
)

// Channels lists every supported channel.
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelTelegram, ChannelWhatsApp, ChannelGovSG}

// Valid reports whether c is one of the supported channels.
func (c Channel) Valid() bool {
	for _, ch := range Channels {
		if ch == c {
			return true
		}
	}
	return false
}

// CampaignStatus is the lifecycle state owned by the authoring subsystem.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignSent      CampaignStatus = "sent"
	CampaignHalted    CampaignStatus = "halted"
)

type Campaign struct {
	ID          int64          `db:"id" json:"id"`
	Name        string         `db:"name" json:"name"`
	UserID      int64          `db:"user_id" json:"user_id"`
	Channel     Channel        `db:"channel" json:"channel"`
	Status      CampaignStatus `db:"status" json:"status"`
	TemplateID  int64          `db:"template_id" json:"template_id"`
	HaltReason  *string        `db:"halt_reason" json:"halt_reason,omitempty"`
	ScheduledAt *time.Time     `db:"scheduled_at" json:"scheduled_at,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   *time.Time     `db:"updated_at" json:"updated_at,omitempty"`
}

// Dispatchable reports whether workers may send messages for the campaign.
func (c *Campaign) Dispatchable() bool {
	return c.Status == CampaignScheduled || c.Status == CampaignSending
}
