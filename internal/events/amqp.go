package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/unclebandit/campaign-delivery/internal/config"
)

const (
	statusRoutingKey = "message.status"
	alertRoutingKey  = "campaign.alert"
)

// Channel is the part of *amqp.Channel the publisher uses.
type Channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQP publishes persistent JSON messages to a topic exchange.
type AMQP struct {
	ch       Channel
	conn     *amqp.Connection
	exchange string
	log      zerolog.Logger
}

// DialAMQP connects and declares the exchange.
func DialAMQP(cfg config.AMQPConfig, log zerolog.Logger) (*AMQP, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("events: amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("events: declare exchange %s: %w", cfg.Exchange, err)
	}
	p := NewAMQPWithChannel(ch, cfg.Exchange, log)
	p.conn = conn
	return p, nil
}

func NewAMQPWithChannel(ch Channel, exchange string, log zerolog.Logger) *AMQP {
	return &AMQP{ch: ch, exchange: exchange, log: log.With().Str("component", "events.amqp").Logger()}
}

func (a *AMQP) PublishStatus(_ context.Context, ev StatusEvent) error {
	return a.publish(statusRoutingKey+"."+string(ev.To), ev.MessageID, ev)
}

func (a *AMQP) PublishAlert(_ context.Context, alert CampaignAlert) error {
	return a.publish(alertRoutingKey+"."+string(alert.Kind), strconv.FormatInt(alert.CampaignID, 10), alert)
}

func (a *AMQP) publish(key, id string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("events: encode: %w", err)
	}
	err = a.ch.Publish(a.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("events: amqp publish %s: %w", key, err)
	}
	return nil
}

func (a *AMQP) Close() error {
	err := a.ch.Close()
	if a.conn != nil {
		if cerr := a.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
