package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/campaign-delivery/internal/errors"
	"github.com/unclebandit/campaign-delivery/internal/model"
	"github.com/unclebandit/campaign-delivery/internal/render"
)

// Scenario is a scripted provider behaviour.
type Scenario string

const (
	ScenarioSuccess   Scenario = "success"
	ScenarioTransient Scenario = "transient"
	ScenarioRejected  Scenario = "rejected"
	ScenarioConfig    Scenario = "config"
	ScenarioTimeout   Scenario = "timeout"
)

// Call is one recorded Mock.Send.
type Call struct {
	Recipient string
	Payload   *render.Payload
	At        time.Time
}

// Mock is a scenario-driven dispatcher for local runs and tests.
//
// The scenario for a send is, in order: the next scripted entry for the
// recipient, the credential's "scenario" key, then the default. Recipients
// listed in the credential's comma separated "invalid_recipients" are
// rejected.
type Mock struct {
	channel  model.Channel
	fallback Scenario
	latency  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	scripts map[string][]Scenario
	calls   []Call
}

type MockOption func(*Mock)

func WithMockScenario(s Scenario) MockOption {
	return func(m *Mock) { m.fallback = s }
}

func WithMockLatency(d time.Duration) MockOption {
	return func(m *Mock) { m.latency = d }
}

func WithMockClock(now func() time.Time) MockOption {
	return func(m *Mock) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMock(ch model.Channel, opts ...MockOption) *Mock {
	m := &Mock{
		channel:  ch,
		fallback: ScenarioSuccess,
		now:      time.Now,
		scripts:  map[string][]Scenario{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Script queues scenarios for successive sends to recipient.
func (m *Mock) Script(recipient string, s ...Scenario) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[recipient] = append(m.scripts[recipient], s...)
}

// Calls returns the sends recorded so far.
func (m *Mock) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsTo counts sends to recipient.
func (m *Mock) CallsTo(recipient string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Recipient == recipient {
			n++
		}
	}
	return n
}

func (m *Mock) Channel() model.Channel { return m.channel }

func (m *Mock) Send(ctx context.Context, p *render.Payload, recipient string, cred *model.ChannelCredential) (Outcome, error) {
	if m.latency > 0 {
		t := time.NewTimer(m.latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return Outcome{}, appErrors.NewTransient("mock", 0, ctx.Err())
		case <-t.C:
		}
	}

	m.mu.Lock()
	m.calls = append(m.calls, Call{Recipient: recipient, Payload: p, At: m.now()})
	scenario := m.fallback
	if s := Scenario(cred.Get("scenario")); s != "" {
		scenario = s
	}
	for _, r := range strings.Split(cred.Get("invalid_recipients"), ",") {
		if r = strings.TrimSpace(r); r != "" && r == recipient {
			scenario = ScenarioRejected
		}
	}
	if q := m.scripts[recipient]; len(q) > 0 {
		scenario, m.scripts[recipient] = q[0], q[1:]
	}
	m.mu.Unlock()

	provider := "mock-" + string(m.channel)
	switch scenario {
	case ScenarioTransient:
		return Outcome{}, appErrors.NewTransient(provider, 503, errors.New("service unavailable"))
	case ScenarioRejected:
		return rejected("invalid_recipient", "mock: recipient rejected"), nil
	case ScenarioConfig:
		return Outcome{}, appErrors.NewConfiguration(provider, "credential rejected")
	case ScenarioTimeout:
		<-ctx.Done()
		return Outcome{}, appErrors.NewTransient(provider, 0, ctx.Err())
	}
	return accepted(provider + "-" + uuid.NewString()), nil
}
