package main

import (
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-delivery/internal/app"
	"github.com/unclebandit/campaign-delivery/internal/config"
	"github.com/unclebandit/campaign-delivery/internal/handler"
)

type stubChannel struct{}

func (stubChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}
func (stubChannel) Qos(int, int, bool) error { return nil }
func (stubChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return make(chan amqp.Delivery), nil
}
func (stubChannel) Publish(string, string, bool, bool, amqp.Publishing) error { return nil }

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestNewCommandHandlerDialFailure(t *testing.T) {
	refused := errors.New("connection refused")
	cfg := &config.Config{AMQP: config.AMQPConfig{URL: "amqp://nowhere"}}

	h, closer, err := newCommandHandler(&app.App{}, cfg, zerolog.Nop(), func(url string) (handler.CommandChannel, io.Closer, error) {
		assert.Equal(t, "amqp://nowhere", url)
		return nil, nil, refused
	})
	assert.ErrorIs(t, err, refused)
	assert.Nil(t, h)
	assert.Nil(t, closer)
}

func TestNewCommandHandlerWiresChannel(t *testing.T) {
	cfg := &config.Config{AMQP: config.AMQPConfig{URL: "amqp://broker", CommandQueue: "campaign_start", MaxRedeliver: 4}}
	closed := false

	h, closer, err := newCommandHandler(&app.App{}, cfg, zerolog.Nop(), func(string) (handler.CommandChannel, io.Closer, error) {
		return stubChannel{}, closerFunc(func() error { closed = true; return nil }), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "campaign_start", h.Queue)
	assert.Equal(t, 4, h.MaxRedeliver)
	assert.Equal(t, stubChannel{}, h.Channel)

	require.NoError(t, closer.Close())
	assert.True(t, closed)
}
