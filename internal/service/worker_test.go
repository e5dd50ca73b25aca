package service_test

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-delivery/internal/dispatch"
	"github.com/unclebandit/campaign-delivery/internal/events"
	"github.com/unclebandit/campaign-delivery/internal/model"
	"github.com/unclebandit/campaign-delivery/internal/render"
	"github.com/unclebandit/campaign-delivery/internal/tracker"
)

func TestOneInvalidRecipient(t *testing.T) {
	h := newHarness(t, model.ChannelSMS, []string{"+6590000001", "+6590000002", "+6590000003"},
		withCredentialConfig("invalid_recipients", "+6590000002"))
	ctx := context.Background()

	_, err := h.svc.StartCampaign(ctx, campaignID)
	require.NoError(t, err)
	require.NoError(t, h.worker.Drain(ctx))

	assert.Equal(t, model.MessageAccepted, h.messageByRecipient("+6590000001").Status)
	assert.Equal(t, model.MessageAccepted, h.messageByRecipient("+6590000003").Status)
	bad := h.messageByRecipient("+6590000002")
	assert.Equal(t, model.MessageInvalidRecipient, bad.Status)
	assert.Equal(t, "invalid_recipient", *bad.ErrorCode)

	assert.Equal(t, 1, h.mock.CallsTo("+6590000002"), "invalid recipient is never retried")
	assert.Equal(t, 1, h.jobByRecipient("+6590000002").Attempt)
	assert.Equal(t, model.JobFailed, h.jobByRecipient("+6590000002").Status)
	assert.Equal(t, model.CampaignSent, h.campaigns.status(campaignID))
	assert.Contains(t, h.alerts.kinds(), events.AlertCompleted)

	stats, err := h.svc.GetStats(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Sent)
	assert.Equal(t, 1, stats.Errored)
	assert.Zero(t, stats.Pending)
	assert.Equal(t, int64(2), stats.SendRate)
}

func TestTransientFailuresRetryWithBackoff(t *testing.T) {
	h := newHarness(t, model.ChannelWhatsApp, []string{"+6591111111"})
	ctx := context.Background()
	h.mock.Script("+6591111111", dispatch.ScenarioTransient, dispatch.ScenarioTransient)
	start := h.clock.Now()

	_, err := h.svc.StartCampaign(ctx, campaignID)
	require.NoError(t, err)

	require.NoError(t, h.worker.Drain(ctx))
	assert.Equal(t, model.JobRetrying, h.jobByRecipient("+6591111111").Status)

	h.clock.Advance(time.Second)
	require.NoError(t, h.worker.Drain(ctx))
	assert.Equal(t, 2, h.jobByRecipient("+6591111111").Attempt)

	// Second backoff is twice the first; nothing happens before it elapses.
	h.clock.Advance(time.Second)
	require.NoError(t, h.worker.Drain(ctx))
	assert.Len(t, h.mock.Calls(), 2)

	h.clock.Advance(time.Second)
	require.NoError(t, h.worker.Drain(ctx))

	job := h.jobByRecipient("+6591111111")
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Equal(t, 3, job.Attempt)

	msg := h.messageByRecipient("+6591111111")
	assert.Equal(t, model.MessageAccepted, msg.Status)
	require.NotNil(t, msg.ProviderMessageID)
	require.NotNil(t, msg.ContentHash)

	calls := h.mock.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, start, calls[0].At)
	assert.Equal(t, start.Add(time.Second), calls[1].At)
	assert.Equal(t, start.Add(3*time.Second), calls[2].At)
}

func TestRetriesExhaustedMarksError(t *testing.T) {
	h := newHarness(t, model.ChannelSMS, []string{"+6592222222"}, withMaxAttempts(2))
	ctx := context.Background()
	h.mock.Script("+6592222222", dispatch.ScenarioTransient, dispatch.ScenarioTransient)

	_, err := h.svc.StartCampaign(ctx, campaignID)
	require.NoError(t, err)
	require.NoError(t, h.worker.Drain(ctx))
	h.clock.Advance(time.Second)
	require.NoError(t, h.worker.Drain(ctx))

	assert.Equal(t, model.JobFailed, h.jobByRecipient("+6592222222").Status)
	msg := h.messageByRecipient("+6592222222")
	assert.Equal(t, model.MessageError, msg.Status)
	assert.Equal(t, "retries_exhausted", *msg.ErrorCode)
	assert.Equal(t, model.CampaignSent, h.campaigns.status(campaignID))

	res, err := h.svc.RetryFailed(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.MessagesReset)
	assert.Equal(t, 1, res.JobsRequeued)
	assert.Equal(t, model.CampaignSending, h.campaigns.status(campaignID))

	resets := h.alerts.statusEvents()
	require.Len(t, resets, 1)
	assert.Equal(t, model.MessageError, resets[0].From)
	assert.Equal(t, model.MessageUnsent, resets[0].To)
	assert.Equal(t, tracker.SourceRetry, resets[0].Source)
	assert.Equal(t, "+6592222222", resets[0].Recipient)

	job := h.jobByRecipient("+6592222222")
	assert.Equal(t, model.JobQueued, job.Status)
	assert.Zero(t, job.Attempt)

	require.NoError(t, h.worker.Drain(ctx))
	assert.Equal(t, model.MessageAccepted, h.messageByRecipient("+6592222222").Status)
	assert.Equal(t, model.CampaignSent, h.campaigns.status(campaignID))
}

func TestRetryFailedSkipsInvalidRecipients(t *testing.T) {
	h := newHarness(t, model.ChannelEmail, []string{"gone@example.org"},
		withCredentialConfig("invalid_recipients", "gone@example.org"))
	ctx := context.Background()

	_, err := h.svc.StartCampaign(ctx, campaignID)
	require.NoError(t, err)
	require.NoError(t, h.worker.Drain(ctx))

	res, err := h.svc.RetryFailed(ctx, campaignID)
	require.NoError(t, err)
	assert.Zero(t, res.MessagesReset)
	assert.Equal(t, 1, res.JobsRequeued)
	assert.Empty(t, h.alerts.statusEvents())

	require.NoError(t, h.worker.Drain(ctx))
	assert.Equal(t, 1, h.mock.CallsTo("gone@example.org"), "re-finalized without dispatch")
	assert.Equal(t, model.JobFailed, h.jobByRecipient("gone@example.org").Status)
	assert.Equal(t, model.MessageInvalidRecipient, h.messageByRecipient("gone@example.org").Status)
}

func TestRateLimitSpacesDispatches(t *testing.T) {
	var addrs []string
	for i := 0; i < 10; i++ {
		addrs = append(addrs, fmt.Sprintf("chat-%d", i))
	}
	h := newHarness(t, model.ChannelTelegram, addrs, withBucket(1, 5))
	ctx := context.Background()
	start := h.clock.Now()

	_, err := h.svc.StartCampaign(ctx, campaignID)
	require.NoError(t, err)

	for i := 0; i < 20 && len(h.mock.Calls()) < 10; i++ {
		require.NoError(t, h.worker.Drain(ctx))
		h.clock.Advance(time.Second)
	}

	calls := h.mock.Calls()
	require.Len(t, calls, 10)
	times := make([]time.Time, len(calls))
	for i, c := range calls {
		times[i] = c.At
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	for i := 0; i < 5; i++ {
		assert.Equal(t, start, times[i], "burst send %d", i)
	}
	for i := 5; i < 10; i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), time.Second, "send %d", i)
	}

	for _, j := range h.queue.Jobs(campaignID) {
		assert.Equal(t, 1, j.Attempt, "rate-limit releases do not count as attempts")
	}
	for _, m := range h.store.ByCampaign(campaignID) {
		assert.Equal(t, model.MessageSent, m.Status, "telegram acceptance is final")
	}
}

func TestConfigurationErrorHaltsCampaign(t *testing.T) {
	h := newHarness(t, model.ChannelGovSG, []string{"+6593000001", "+6593000002", "+6593000003"},
		withConcurrency(1), withCredentialConfig("scenario", "config"))
	ctx := context.Background()

	_, err := h.svc.StartCampaign(ctx, campaignID)
	require.NoError(t, err)
	require.NoError(t, h.worker.Drain(ctx))

	assert.Len(t, h.mock.Calls(), 1)
	assert.Equal(t, model.CampaignHalted, h.campaigns.status(campaignID))
	assert.Contains(t, h.alerts.kinds(), events.AlertHalted)
	for _, j := range h.queue.Jobs(campaignID) {
		assert.Equal(t, model.JobQueued, j.Status)
		assert.Zero(t, j.Attempt)
	}
	for _, m := range h.store.ByCampaign(campaignID) {
		assert.Equal(t, model.MessageUnsent, m.Status)
	}

	// Credentials fixed, campaign resumed: everything goes out.
	h.credentials.set(&model.ChannelCredential{ID: 1, UserID: 7, Channel: model.ChannelGovSG, Config: model.Params{}})
	require.NoError(t, h.svc.ResumeCampaign(ctx, campaignID))
	h.clock.Advance(time.Minute)
	require.NoError(t, h.worker.Drain(ctx))

	assert.Len(t, h.mock.Calls(), 4)
	assert.Equal(t, model.CampaignSent, h.campaigns.status(campaignID))
}

func TestUnsatisfiableRateLimitHaltsCampaign(t *testing.T) {
	h := newHarness(t, model.ChannelSMS, []string{"+6593100001", "+6593100002"},
		withBucket(1, 2), withDispatchCost(model.ChannelSMS, 3))
	ctx := context.Background()

	_, err := h.svc.StartCampaign(ctx, campaignID)
	require.NoError(t, err)
	require.NoError(t, h.worker.Drain(ctx))

	assert.Empty(t, h.mock.Calls())
	assert.Equal(t, model.CampaignHalted, h.campaigns.status(campaignID))
	assert.Contains(t, h.alerts.kinds(), events.AlertHalted)
	for _, j := range h.queue.Jobs(campaignID) {
		assert.Equal(t, model.JobQueued, j.Status)
		assert.Zero(t, j.Attempt)
	}

	// Later passes leave the halted campaign alone.
	h.clock.Advance(time.Minute)
	require.NoError(t, h.worker.Drain(ctx))
	assert.Empty(t, h.mock.Calls())
	assert.Equal(t, model.CampaignHalted, h.campaigns.status(campaignID))
}

func TestHaltedCampaignIsNotDispatched(t *testing.T) {
	h := newHarness(t, model.ChannelSMS, []string{"+6594000001", "+6594000002"})
	ctx := context.Background()

	_, err := h.svc.StartCampaign(ctx, campaignID)
	require.NoError(t, err)
	require.NoError(t, h.svc.HaltCampaign(ctx, campaignID, ""))
	require.NoError(t, h.worker.Drain(ctx))

	assert.Empty(t, h.mock.Calls())
	pending, err := h.queue.Pending(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

func TestRedeliveredJobIsNotSentTwice(t *testing.T) {
	h := newHarness(t, model.ChannelSMS, []string{"+6595000001"})
	ctx := context.Background()

	_, err := h.svc.StartCampaign(ctx, campaignID)
	require.NoError(t, err)

	// A worker leases the job, gets the provider to accept it, records that,
	// then dies before acking.
	leased, err := h.queue.Dequeue(ctx, "crashed", 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	trk := tracker.New(h.store, nopLogger(), tracker.WithClock(h.clock.Now))
	_, err = trk.ApplyOutcome(ctx, leased[0].MessageID, tracker.Event{Status: model.MessageAccepted, ProviderMessageID: "SM-first"})
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	require.NoError(t, h.worker.Drain(ctx))

	assert.Empty(t, h.mock.Calls())
	job := h.jobByRecipient("+6595000001")
	assert.Equal(t, model.JobCompleted, job.Status)
	msg := h.messageByRecipient("+6595000001")
	assert.Equal(t, "SM-first", *msg.ProviderMessageID)
}

type panickyDispatcher struct {
	calls atomic.Int32
}

func (p *panickyDispatcher) Channel() model.Channel { return model.ChannelSMS }

func (p *panickyDispatcher) Send(context.Context, *render.Payload, string, *model.ChannelCredential) (dispatch.Outcome, error) {
	if p.calls.Add(1) == 1 {
		panic("boom")
	}
	return dispatch.Outcome{Kind: dispatch.Accepted, ProviderMessageID: "SM-ok"}, nil
}

func TestPanicIsRecoveredAndRetried(t *testing.T) {
	h := newHarness(t, model.ChannelSMS, []string{"+6596000001"})
	ctx := context.Background()
	p := &panickyDispatcher{}
	h.worker.Dispatchers[model.ChannelSMS] = p

	_, err := h.svc.StartCampaign(ctx, campaignID)
	require.NoError(t, err)
	require.NoError(t, h.worker.Drain(ctx))
	assert.Equal(t, model.JobRetrying, h.jobByRecipient("+6596000001").Status)

	h.clock.Advance(time.Second)
	require.NoError(t, h.worker.Drain(ctx))
	assert.Equal(t, model.MessageAccepted, h.messageByRecipient("+6596000001").Status)
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, model.ChannelSMS, []string{"+6597000001"})
	_, err := h.svc.StartCampaign(context.Background(), campaignID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	require.Eventually(t, func() bool { return len(h.mock.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
