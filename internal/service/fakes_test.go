package service_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-delivery/internal/config"
	"github.com/unclebandit/campaign-delivery/internal/dispatch"
	appErrors "github.com/unclebandit/campaign-delivery/internal/errors"
	"github.com/unclebandit/campaign-delivery/internal/events"
	"github.com/unclebandit/campaign-delivery/internal/model"
	"github.com/unclebandit/campaign-delivery/internal/queue"
	"github.com/unclebandit/campaign-delivery/internal/ratelimit"
	"github.com/unclebandit/campaign-delivery/internal/render"
	"github.com/unclebandit/campaign-delivery/internal/service"
	"github.com/unclebandit/campaign-delivery/internal/tracker"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// MockCampaignRepo keeps campaigns in memory.
type MockCampaignRepo struct {
	mu        sync.Mutex
	campaigns map[int64]*model.Campaign
}

func newCampaignRepo(cs ...*model.Campaign) *MockCampaignRepo {
	r := &MockCampaignRepo{campaigns: map[int64]*model.Campaign{}}
	for _, c := range cs {
		r.campaigns[c.ID] = c
	}
	return r
}

func (m *MockCampaignRepo) GetByID(_ context.Context, id int64) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (m *MockCampaignRepo) ListCampaigns(_ context.Context, offset, limit int, channel, status string) ([]*model.Campaign, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*model.Campaign
	for _, c := range m.campaigns {
		if (channel == "" || string(c.Channel) == channel) && (status == "" || string(c.Status) == status) {
			cp := *c
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	if offset >= len(all) {
		return []*model.Campaign{}, len(all), nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], len(all), nil
}

func (m *MockCampaignRepo) UpdateStatus(_ context.Context, id int64, from []model.CampaignStatus, to model.CampaignStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			c.HaltReason = nil
			return true, nil
		}
	}
	return false, nil
}

func (m *MockCampaignRepo) Halt(_ context.Context, id int64, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || !c.Dispatchable() {
		return false, nil
	}
	c.Status = model.CampaignHalted
	c.HaltReason = &reason
	return true, nil
}

func (m *MockCampaignRepo) status(id int64) model.CampaignStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.campaigns[id].Status
}

type MockTemplateRepo struct{ templates map[int64]*model.Template }

func (m *MockTemplateRepo) GetByID(_ context.Context, id int64) (*model.Template, error) {
	t, ok := m.templates[id]
	if !ok {
		return nil, appErrors.ErrTemplateNotFound
	}
	return t, nil
}

type MockRecipientRepo struct{ lists map[int64]*model.RecipientList }

func (m *MockRecipientRepo) GetByCampaign(_ context.Context, id int64) (*model.RecipientList, error) {
	if l, ok := m.lists[id]; ok {
		return l, nil
	}
	return &model.RecipientList{CampaignID: id}, nil
}

func (m *MockRecipientRepo) Save(_ context.Context, l *model.RecipientList) error {
	m.lists[l.CampaignID] = l
	return nil
}

type MockCredentialRepo struct {
	mu    sync.Mutex
	creds map[model.Channel]*model.ChannelCredential
}

func (m *MockCredentialRepo) Get(_ context.Context, _ int64, ch model.Channel) (*model.ChannelCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[ch]
	if !ok {
		return nil, appErrors.ErrCredentialNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MockCredentialRepo) set(c *model.ChannelCredential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[c.Channel] = c
}

type alertRecorder struct {
	events.Nop
	mu       sync.Mutex
	alerts   []events.CampaignAlert
	statuses []events.StatusEvent
}

func (r *alertRecorder) PublishStatus(_ context.Context, ev events.StatusEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, ev)
	return nil
}

func (r *alertRecorder) statusEvents() []events.StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.StatusEvent(nil), r.statuses...)
}

func (r *alertRecorder) PublishAlert(_ context.Context, a events.CampaignAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *alertRecorder) kinds() []events.AlertKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.AlertKind
	for _, a := range r.alerts {
		out = append(out, a.Kind)
	}
	return out
}

const campaignID int64 = 1

type harness struct {
	clock       *clock
	campaigns   *MockCampaignRepo
	recipients  *MockRecipientRepo
	credentials *MockCredentialRepo
	store       *tracker.MemoryStore
	queue       *queue.MemoryQueue
	mock        *dispatch.Mock
	alerts      *alertRecorder
	svc         *service.CampaignService
	worker      *service.Worker
}

type harnessOption func(*config.WorkerConfig, *config.RateLimitConfig, *model.ChannelCredential)

func withConcurrency(n int) harnessOption {
	return func(c *config.WorkerConfig, _ *config.RateLimitConfig, _ *model.ChannelCredential) { c.Concurrency, c.BatchSize = n, n }
}

func withMaxAttempts(n int) harnessOption {
	return func(c *config.WorkerConfig, _ *config.RateLimitConfig, _ *model.ChannelCredential) { c.MaxAttempts = n }
}

func withBucket(rate float64, burst int) harnessOption {
	return func(_ *config.WorkerConfig, _ *config.RateLimitConfig, cred *model.ChannelCredential) {
		cred.RatePerSecond, cred.Burst = rate, burst
	}
}

func withDispatchCost(ch model.Channel, cost int) harnessOption {
	return func(_ *config.WorkerConfig, rl *config.RateLimitConfig, _ *model.ChannelCredential) {
		rl.Cost = map[string]int{string(ch): cost}
	}
}

func withCredentialConfig(k, v string) harnessOption {
	return func(_ *config.WorkerConfig, _ *config.RateLimitConfig, cred *model.ChannelCredential) { cred.Config[k] = v }
}

// newHarness wires a campaign on ch with a "Hi {{name}}" template and one row
// per recipient address.
func newHarness(t *testing.T, ch model.Channel, addresses []string, opts ...harnessOption) *harness {
	t.Helper()
	c := &clock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}

	wcfg := config.WorkerConfig{
		ID:                "test-worker",
		Concurrency:       4,
		BatchSize:         4,
		PollInterval:      10 * time.Millisecond,
		VisibilityTimeout: time.Minute,
		MaxAttempts:       5,
		BaseBackoff:       time.Second,
		MaxBackoff:        time.Minute,
		HaltedRecheck:     time.Minute,
	}
	cred := &model.ChannelCredential{ID: 1, UserID: 7, Channel: ch, Config: model.Params{}}
	rl := config.RateLimitConfig{DefaultRate: 1000, DefaultBurst: 1000}
	for _, opt := range opts {
		opt(&wcfg, &rl, cred)
	}

	rows := make([][]string, 0, len(addresses))
	for i, a := range addresses {
		rows = append(rows, []string{a, "Friend " + string(rune('A'+i%26))})
	}

	h := &harness{
		clock: c,
		campaigns: newCampaignRepo(&model.Campaign{
			ID: campaignID, Name: "launch", UserID: 7, Channel: ch, Status: model.CampaignDraft, TemplateID: 1,
		}),
		recipients: &MockRecipientRepo{lists: map[int64]*model.RecipientList{
			campaignID: {CampaignID: campaignID, Headers: []string{"recipient", "name"}, Rows: rows},
		}},
		credentials: &MockCredentialRepo{creds: map[model.Channel]*model.ChannelCredential{ch: cred}},
		store:       tracker.NewMemoryStore(),
		mock:        dispatch.NewMock(ch, dispatch.WithMockClock(c.Now)),
		alerts:      &alertRecorder{},
	}
	h.store.Now = c.Now
	h.queue = queue.NewMemoryQueue(queue.Options{
		VisibilityTimeout: wcfg.VisibilityTimeout,
		MaxAttempts:       wcfg.MaxAttempts,
		BaseBackoff:       wcfg.BaseBackoff,
		MaxBackoff:        wcfg.MaxBackoff,
		Now:               c.Now,
		Jitter:            queue.NoJitter,
	})

	templates := &MockTemplateRepo{templates: map[int64]*model.Template{
		1: {ID: 1, Channel: ch, Subject: "Hello", Body: "Hi {{name}}"},
	}}
	renderer := render.New()
	trk := tracker.New(h.store, zerolog.Nop(), tracker.WithClock(c.Now))

	h.worker = service.NewWorker(service.WorkerDeps{
		Queue:       h.queue,
		Campaigns:   h.campaigns,
		Templates:   templates,
		Credentials: h.credentials,
		Tracker:     trk,
		Dispatchers: dispatch.Registry{ch: h.mock},
		Limiter:     ratelimit.NewMemoryLimiter(c.Now),
		Renderer:    renderer,
		Publisher:   h.alerts,
		Log:         zerolog.Nop(),
		Now:         c.Now,
	}, wcfg, rl,
		config.ProviderConfig{SMTPTimeout: 5 * time.Second, SMSTimeout: 5 * time.Second, TGTimeout: 5 * time.Second,
			WATimeout: 5 * time.Second, GovSGTimout: 5 * time.Second})

	h.svc = &service.CampaignService{
		CampaignRepo:  h.campaigns,
		TemplateRepo:  templates,
		RecipientRepo: h.recipients,
		MessageRepo:   h.store,
		Queue:         h.queue,
		Renderer:      renderer,
		Publisher:     h.alerts,
		Rates:         h.worker,
		Log:           zerolog.Nop(),
		Now:           c.Now,
	}
	return h
}

func (h *harness) messageByRecipient(r string) *model.Message {
	for _, m := range h.store.ByCampaign(campaignID) {
		if m.Recipient == r {
			return m
		}
	}
	return nil
}

func (h *harness) jobByRecipient(r string) *model.SendJob {
	for _, j := range h.queue.Jobs(campaignID) {
		if j.Recipient == r {
			return j
		}
	}
	return nil
}
