package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	appErrors "github.com/unclebandit/campaign-delivery/internal/errors"
	"github.com/unclebandit/campaign-delivery/internal/service"
)

const retryHeader = "x-retry-count"

// CampaignStarter materializes a campaign. service.CampaignService implements it.
type CampaignStarter interface {
	StartCampaign(ctx context.Context, campaignID int64) (*service.StartResult, error)
}

// CommandChannel is the part of *amqp.Channel the command consumer uses.
type CommandChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// StartCommand is the body of a campaign_start message.
type StartCommand struct {
	CampaignID int64 `json:"campaign_id"`
}

// CampaignCommandHandler consumes campaign start commands. Failures that can
// succeed later are republished with an incremented x-retry-count until
// MaxRedeliver; everything else is acked and logged.
type CampaignCommandHandler struct {
	Campaigns    CampaignStarter
	Channel      CommandChannel
	Queue        string
	MaxRedeliver int
	Log          zerolog.Logger
}

// Run declares the queue and handles deliveries until ctx is done.
func (h *CampaignCommandHandler) Run(ctx context.Context) error {
	q, err := h.Channel.QueueDeclare(h.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("command consumer: declare %s: %w", h.Queue, err)
	}
	if err := h.Channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("command consumer: qos: %w", err)
	}
	deliveries, err := h.Channel.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("command consumer: consume %s: %w", q.Name, err)
	}

	h.Log.Info().Str("queue", q.Name).Msg("waiting for campaign commands")
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("command consumer: delivery channel closed")
			}
			h.Handle(ctx, d)
		}
	}
}

// Handle processes one delivery and always settles it.
func (h *CampaignCommandHandler) Handle(ctx context.Context, d amqp.Delivery) {
	var cmd StartCommand
	if err := json.Unmarshal(d.Body, &cmd); err != nil || cmd.CampaignID <= 0 {
		h.Log.Warn().Err(err).Bytes("body", d.Body).Msg("invalid campaign command")
		d.Ack(false)
		return
	}
	log := h.Log.With().Int64("campaign_id", cmd.CampaignID).Logger()

	res, err := h.Campaigns.StartCampaign(ctx, cmd.CampaignID)
	switch {
	case err == nil:
		log.Info().Int("enqueued", res.Enqueued).Str("status", string(res.Status)).Msg("campaign command done")
		d.Ack(false)
		return
	case permanent(err):
		log.Warn().Err(err).Msg("campaign command rejected")
		d.Ack(false)
		return
	}

	retries := retryCount(d.Headers)
	if retries >= h.MaxRedeliver {
		log.Error().Err(err).Int("retries", retries).Msg("campaign command dropped")
		d.Ack(false)
		return
	}
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[retryHeader] = int32(retries + 1)
	pubErr := h.Channel.Publish("", h.Queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         d.Body,
	})
	if pubErr != nil {
		log.Error().Err(pubErr).Msg("republish failed; requeueing")
		d.Nack(false, true)
		return
	}
	log.Warn().Err(err).Int("retries", retries+1).Msg("campaign command will be retried")
	d.Ack(false)
}

func permanent(err error) bool {
	return appErrors.IsNotFound(err) ||
		appErrors.IsValidation(err) ||
		errors.Is(err, appErrors.ErrInvalidTransition) ||
		errors.Is(err, appErrors.ErrNoRecipients)
}

func retryCount(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int16:
		return int(v)
	}
	return 0
}
