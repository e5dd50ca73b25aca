// Package events publishes message status changes and campaign alerts to a
// broker for downstream consumers (analytics, notifications).
package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-delivery/internal/config"
	"github.com/unclebandit/campaign-delivery/internal/model"
)

// StatusEvent is one applied message transition.
type StatusEvent struct {
	MessageID         string              `json:"message_id"`
	CampaignID        int64               `json:"campaign_id"`
	Recipient         string              `json:"recipient"`
	Channel           model.Channel       `json:"channel"`
	From              model.MessageStatus `json:"from"`
	To                model.MessageStatus `json:"to"`
	ProviderMessageID string              `json:"provider_message_id,omitempty"`
	ErrorCode         string              `json:"error_code,omitempty"`
	ErrorDescription  string              `json:"error_description,omitempty"`
	Source            string              `json:"source"`
	At                time.Time           `json:"at"`
}

type AlertKind string

const (
	AlertHalted    AlertKind = "halted"
	AlertCompleted AlertKind = "completed"
	AlertRejected  AlertKind = "rejected"
)

// CampaignAlert reports campaign level events that need attention.
type CampaignAlert struct {
	CampaignID int64         `json:"campaign_id"`
	UserID     int64         `json:"user_id"`
	Channel    model.Channel `json:"channel"`
	Kind       AlertKind     `json:"kind"`
	Reason     string        `json:"reason,omitempty"`
	At         time.Time     `json:"at"`
}

type Publisher interface {
	PublishStatus(ctx context.Context, ev StatusEvent) error
	PublishAlert(ctx context.Context, alert CampaignAlert) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) PublishStatus(context.Context, StatusEvent) error   { return nil }
func (Nop) PublishAlert(context.Context, CampaignAlert) error { return nil }
func (Nop) Close() error                                      { return nil }

// New builds the publisher selected by EVENTS_BACKEND: none, kafka or amqp.
func New(cfg *config.Config, log zerolog.Logger) (Publisher, error) {
	switch strings.ToLower(cfg.App.EventsBackend) {
	case "", "none":
		return Nop{}, nil
	case "kafka":
		return NewKafka(cfg.Kafka, log)
	case "amqp":
		return DialAMQP(cfg.AMQP, log)
	}
	return nil, fmt.Errorf("events: unsupported backend %q", cfg.App.EventsBackend)
}
