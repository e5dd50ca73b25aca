// Package tracker owns message delivery state. Every change goes through a
// compare-and-swap on the stored status, so concurrent workers and webhooks
// never move a message backwards.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/campaign-delivery/internal/errors"
	"github.com/unclebandit/campaign-delivery/internal/events"
	"github.com/unclebandit/campaign-delivery/internal/metrics"
	"github.com/unclebandit/campaign-delivery/internal/model"
)

const (
	maxCASRetries  = 8
	defaultParkTTL = 24 * time.Hour
)

// Store is the persistence the tracker needs. repository.MessageRepository
// and MemoryStore implement it.
type Store interface {
	Get(ctx context.Context, id string) (*model.Message, error)
	GetByProvider(ctx context.Context, channel model.Channel, providerMessageID string) (*model.Message, error)
	CompareAndSwap(ctx context.Context, next *model.Message, from model.MessageStatus) (bool, error)

	// Parked callbacks wait here until a message carries their provider id.
	Park(ctx context.Context, ev *model.ParkedEvent) error
	TakeParked(ctx context.Context, channel model.Channel, providerMessageID string) ([]model.ParkedEvent, error)
	PurgeParked(ctx context.Context, before time.Time) (int, error)
}

const (
	SourceDispatch = "dispatch"
	SourceWebhook  = "webhook"
	// SourceRetry marks the Error to Unsent reset done by a campaign retry.
	SourceRetry    = "retry"
)

// Event is a reported status for one message.
type Event struct {
	Status            model.MessageStatus
	ProviderMessageID string
	ContentHash       string
	ErrorCode         string
	ErrorDescription  string
	Source            string
}

// Result describes what ApplyOutcome did. Applied is false for replays and
// non-forward events; Message is the stored state either way. Parked means
// the provider id was not known yet and the event was held back.
type Result struct {
	Message *model.Message
	From    model.MessageStatus
	Applied bool
	Parked  bool
}

type Tracker struct {
	store     Store
	publisher events.Publisher
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time
	parkTTL   time.Duration
}

type Option func(*Tracker)

// WithParkTTL sets how long an unmatched callback is kept.
func WithParkTTL(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.parkTTL = d
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(t *Tracker) {
		if p != nil {
			t.publisher = p
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option { return func(t *Tracker) { t.metrics = m } }

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

func New(store Store, log zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		store:     store,
		publisher: events.Nop{},
		log:       log.With().Str("component", "tracker").Logger(),
		now:       time.Now,
		parkTTL:   defaultParkTTL,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) Get(ctx context.Context, messageID string) (*model.Message, error) {
	return t.store.Get(ctx, messageID)
}

// ApplyOutcome merges ev into the message. Non-forward events are no-ops.
func (t *Tracker) ApplyOutcome(ctx context.Context, messageID string, ev Event) (Result, error) {
	return t.apply(ctx, ev, func() (*model.Message, error) {
		return t.store.Get(ctx, messageID)
	})
}

// ApplyProviderEvent resolves the message through its provider message id.
// A callback can beat the dispatch that records the id; such events are
// parked and replayed by the transition that sets the id.
func (t *Tracker) ApplyProviderEvent(ctx context.Context, channel model.Channel, providerMessageID string, ev Event) (Result, error) {
	load := func() (*model.Message, error) {
		return t.store.GetByProvider(ctx, channel, providerMessageID)
	}
	res, err := t.apply(ctx, ev, load)
	if !errors.Is(err, appErrors.ErrMessageNotFound) {
		return res, err
	}

	parked := &model.ParkedEvent{
		Channel:           channel,
		ProviderMessageID: providerMessageID,
		Status:            ev.Status,
		ErrorCode:         ev.ErrorCode,
		ErrorDescription:  ev.ErrorDescription,
		ReceivedAt:        t.now(),
	}
	if err := t.store.Park(ctx, parked); err != nil {
		return Result{}, fmt.Errorf("tracker: park %s: %w", providerMessageID, err)
	}

	// The id may have been recorded between the lookup and the park, after
	// the recording side already drained the parked set.
	if _, err := load(); err != nil {
		if !errors.Is(err, appErrors.ErrMessageNotFound) {
			t.log.Warn().Err(err).Str("provider_message_id", providerMessageID).Msg("parked callback recheck failed")
		}
		t.log.Debug().
			Str("channel", string(channel)).
			Str("provider_message_id", providerMessageID).
			Str("status", string(ev.Status)).
			Msg("callback parked")
		return Result{Parked: true}, nil
	}
	if res, n := t.replayParked(ctx, channel, providerMessageID); n > 0 {
		return res, nil
	}
	return Result{Parked: true}, nil
}

// PurgeParked drops parked callbacks older than the park TTL.
func (t *Tracker) PurgeParked(ctx context.Context) (int, error) {
	return t.store.PurgeParked(ctx, t.now().Add(-t.parkTTL))
}

// replayParked applies every callback parked for the provider id and returns
// the last result with the number of events taken.
func (t *Tracker) replayParked(ctx context.Context, channel model.Channel, providerMessageID string) (Result, int) {
	parked, err := t.store.TakeParked(ctx, channel, providerMessageID)
	if err != nil {
		t.log.Error().Err(err).Str("provider_message_id", providerMessageID).Msg("parked callbacks not loaded")
		return Result{}, 0
	}
	var last Result
	for i := range parked {
		p := &parked[i]
		res, err := t.apply(ctx, Event{
			Status:           p.Status,
			ErrorCode:        p.ErrorCode,
			ErrorDescription: p.ErrorDescription,
			Source:           SourceWebhook,
		}, func() (*model.Message, error) {
			return t.store.GetByProvider(ctx, channel, providerMessageID)
		})
		if err != nil {
			t.log.Error().Err(err).Str("provider_message_id", providerMessageID).Msg("parked callback not applied; parking again")
			if perr := t.store.Park(ctx, p); perr != nil {
				t.log.Error().Err(perr).Str("provider_message_id", providerMessageID).Msg("parked callback lost")
			}
			continue
		}
		last = res
	}
	return last, len(parked)
}

func (t *Tracker) apply(ctx context.Context, ev Event, load func() (*model.Message, error)) (Result, error) {
	for i := 0; i < maxCASRetries; i++ {
		cur, err := load()
		if err != nil {
			return Result{}, err
		}

		to := Normalize(cur.Channel, ev.Status)
		if !Allowed(cur.Channel, cur.Status, to) {
			t.metrics.Transition(string(to), false)
			t.log.Debug().
				Str("message_id", cur.ID).
				Str("from", string(cur.Status)).
				Str("to", string(to)).
				Str("source", ev.Source).
				Msg("transition ignored")
			return Result{Message: cur, From: cur.Status}, nil
		}

		next := *cur
		next.Status = to
		next.Stamp(to, t.now())
		if ev.ProviderMessageID != "" && next.ProviderMessageID == nil {
			pid := ev.ProviderMessageID
			next.ProviderMessageID = &pid
		}
		if ev.ContentHash != "" {
			h := ev.ContentHash
			next.ContentHash = &h
		}
		if ev.ErrorCode != "" {
			c := ev.ErrorCode
			next.ErrorCode = &c
		}
		if ev.ErrorDescription != "" {
			d := ev.ErrorDescription
			next.ErrorDescription = &d
		}

		ok, err := t.store.CompareAndSwap(ctx, &next, cur.Status)
		if err != nil {
			return Result{}, fmt.Errorf("tracker: %s -> %s: %w", cur.Status, to, err)
		}
		if !ok {
			continue
		}

		t.metrics.Transition(string(to), true)
		t.log.Info().
			Str("message_id", next.ID).
			Int64("campaign_id", next.CampaignID).
			Str("from", string(cur.Status)).
			Str("to", string(to)).
			Str("source", ev.Source).
			Msg("message transitioned")
		t.publish(ctx, cur.Status, &next, ev.Source)
		if cur.ProviderMessageID == nil && next.ProviderMessageID != nil {
			t.replayParked(ctx, next.Channel, *next.ProviderMessageID)
		}
		return Result{Message: &next, From: cur.Status, Applied: true}, nil
	}
	return Result{}, fmt.Errorf("tracker: gave up after %d conflicting updates", maxCASRetries)
}

func (t *Tracker) publish(ctx context.Context, from model.MessageStatus, m *model.Message, source string) {
	ev := events.StatusEvent{
		MessageID:  m.ID,
		CampaignID: m.CampaignID,
		Recipient:  m.Recipient,
		Channel:    m.Channel,
		From:       from,
		To:         m.Status,
		Source:     source,
		At:         m.UpdatedAt,
	}
	if m.ProviderMessageID != nil {
		ev.ProviderMessageID = *m.ProviderMessageID
	}
	if m.ErrorCode != nil {
		ev.ErrorCode = *m.ErrorCode
	}
	if m.ErrorDescription != nil {
		ev.ErrorDescription = *m.ErrorDescription
	}
	if ev.At.IsZero() {
		ev.At = t.now()
	}
	// The transition is already durable; a lost event is logged, not retried.
	if err := t.publisher.PublishStatus(ctx, ev); err != nil {
		t.log.Warn().Err(err).Str("message_id", m.ID).Msg("status event not published")
	}
}
