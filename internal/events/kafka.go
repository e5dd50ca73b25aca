package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-delivery/internal/config"
)

// Kafka publishes JSON events with a sync producer. Status events are keyed by
// message id so one message's transitions stay ordered within a partition.
type Kafka struct {
	producer    sarama.SyncProducer
	statusTopic string
	alertTopic  string
	log         zerolog.Logger
}

func NewKafka(cfg config.KafkaConfig, log zerolog.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("events: at least one kafka broker is required")
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, producerConfig())
	if err != nil {
		return nil, fmt.Errorf("events: kafka producer: %w", err)
	}
	return NewKafkaWithProducer(producer, cfg, log), nil
}

// NewKafkaWithProducer wraps an existing producer.
func NewKafkaWithProducer(p sarama.SyncProducer, cfg config.KafkaConfig, log zerolog.Logger) *Kafka {
	return &Kafka{
		producer:    p,
		statusTopic: cfg.StatusTopic,
		alertTopic:  cfg.AlertTopic,
		log:         log.With().Str("component", "events.kafka").Logger(),
	}
}

func (k *Kafka) PublishStatus(_ context.Context, ev StatusEvent) error {
	return k.send(k.statusTopic, ev.MessageID, ev)
}

func (k *Kafka) PublishAlert(_ context.Context, alert CampaignAlert) error {
	return k.send(k.alertTopic, strconv.FormatInt(alert.CampaignID, 10), alert)
}

func (k *Kafka) send(topic, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("events: encode: %w", err)
	}
	partition, offset, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return fmt.Errorf("events: kafka send %s: %w", topic, err)
	}
	k.log.Debug().Str("topic", topic).Int32("partition", partition).Int64("offset", offset).Msg("event published")
	return nil
}

func (k *Kafka) Close() error { return k.producer.Close() }

func producerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 6
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	return cfg
}
