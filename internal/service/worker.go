package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/paulbellamy/ratecounter"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/unclebandit/campaign-delivery/internal/config"
	"github.com/unclebandit/campaign-delivery/internal/dispatch"
	appErrors "github.com/unclebandit/campaign-delivery/internal/errors"
	"github.com/unclebandit/campaign-delivery/internal/events"
	"github.com/unclebandit/campaign-delivery/internal/metrics"
	"github.com/unclebandit/campaign-delivery/internal/model"
	"github.com/unclebandit/campaign-delivery/internal/queue"
	"github.com/unclebandit/campaign-delivery/internal/ratelimit"
	"github.com/unclebandit/campaign-delivery/internal/render"
	"github.com/unclebandit/campaign-delivery/internal/repository"
	"github.com/unclebandit/campaign-delivery/internal/tracker"
)

// WorkerDeps are the collaborators of a Worker.
type WorkerDeps struct {
	Queue       queue.Queue
	Campaigns   repository.CampaignRepositoryInterface
	Templates   repository.TemplateRepositoryInterface
	Credentials repository.CredentialRepositoryInterface
	Tracker     *tracker.Tracker
	Dispatchers dispatch.Registry
	Limiter     ratelimit.Limiter
	Renderer    *render.Renderer
	Publisher   events.Publisher
	Metrics     *metrics.Metrics
	Log         zerolog.Logger
	Now         func() time.Time
}

// Worker pulls send jobs and drives each one through rate limiting, rendering,
// dispatch and state tracking. Many workers may share one queue.
type Worker struct {
	WorkerDeps
	cfg       config.WorkerConfig
	rateLimit config.RateLimitConfig
	providers config.ProviderConfig

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	templatesMu sync.Mutex
	templates   map[int64]*model.Template

	ratesMu sync.Mutex
	rates   map[int64]*ratecounter.RateCounter
}

func NewWorker(deps WorkerDeps, cfg config.WorkerConfig, rl config.RateLimitConfig, pc config.ProviderConfig) *Worker {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.ID == "" {
		cfg.ID = "worker"
	}
	deps.Log = deps.Log.With().Str("component", "worker").Str("worker_id", cfg.ID).Logger()
	return &Worker{
		WorkerDeps: deps,
		cfg:        cfg,
		rateLimit:  rl,
		providers:  pc,
		sem:        semaphore.NewWeighted(int64(cfg.Concurrency)),
		templates:  make(map[int64]*model.Template),
		rates:      make(map[int64]*ratecounter.RateCounter),
	}
}

// Run polls until ctx is cancelled, then waits for in-flight jobs.
func (w *Worker) Run(ctx context.Context) error {
	w.Log.Info().Int("concurrency", w.cfg.Concurrency).Msg("worker started")
	defer w.Log.Info().Msg("worker stopped")
	defer w.Wait()

	for {
		n, err := w.Tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.Log.Error().Err(err).Msg("dequeue failed")
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// Tick leases as many jobs as there are free slots (at most BatchSize) and
// starts processing them. It blocks while every slot is busy.
func (w *Worker) Tick(ctx context.Context) (int, error) {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	slots := 1
	for slots < w.cfg.BatchSize && w.sem.TryAcquire(1) {
		slots++
	}

	jobs, err := w.Queue.Dequeue(ctx, w.cfg.ID, slots)
	if err != nil {
		w.sem.Release(int64(slots))
		return 0, fmt.Errorf("worker: dequeue: %w", err)
	}
	if unused := slots - len(jobs); unused > 0 {
		w.sem.Release(int64(unused))
	}
	w.Metrics.Dequeued(len(jobs))

	for _, job := range jobs {
		w.wg.Add(1)
		go func(job *model.SendJob) {
			defer w.wg.Done()
			defer w.sem.Release(1)
			w.handle(context.WithoutCancel(ctx), job)
		}(job)
	}
	return len(jobs), nil
}

// Wait blocks until every started job has been acked.
func (w *Worker) Wait() { w.wg.Wait() }

// Drain processes until no job is eligible. Used by tests and one-shot runs.
func (w *Worker) Drain(ctx context.Context) error {
	for {
		n, err := w.Tick(ctx)
		w.Wait()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// SendRate is the campaign's accepted sends over the last second.
func (w *Worker) SendRate(campaignID int64) int64 {
	w.ratesMu.Lock()
	defer w.ratesMu.Unlock()
	if rc, ok := w.rates[campaignID]; ok {
		return rc.Rate()
	}
	return 0
}

func (w *Worker) countSend(campaignID int64) {
	w.ratesMu.Lock()
	rc, ok := w.rates[campaignID]
	if !ok {
		rc = ratecounter.NewRateCounter(time.Second)
		w.rates[campaignID] = rc
	}
	w.ratesMu.Unlock()
	rc.Incr(1)
}

func (w *Worker) handle(ctx context.Context, job *model.SendJob) {
	log := w.Log.With().
		Str("job_id", job.ID).
		Int64("campaign_id", job.CampaignID).
		Str("message_id", job.MessageID).
		Int("attempt", job.Attempt).
		Logger()

	out := func() (out queue.AckOutcome) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("job panicked")
				out = queue.Retry(fmt.Sprintf("panic: %v", r))
			}
		}()
		return w.process(ctx, job, log)
	}()

	status, err := w.Queue.Ack(ctx, job.ID, job.Lease(), out)
	if err != nil {
		if errors.Is(err, appErrors.ErrLeaseLost) {
			log.Warn().Msg("lease lost before ack; another worker owns the job")
			return
		}
		log.Error().Err(err).Str("ack", out.Kind.String()).Msg("ack failed")
		return
	}
	log.Debug().Str("ack", out.Kind.String()).Str("job_status", string(status)).Msg("job settled")

	if out.Kind == queue.AckRetry && status == model.JobFailed {
		// Retries exhausted before any provider accepted the message.
		w.record(ctx, log, job.MessageID, tracker.Event{
			Status:           model.MessageError,
			ErrorCode:        "retries_exhausted",
			ErrorDescription: out.Reason,
			Source:           tracker.SourceDispatch,
		})
	}
	if status.Terminal() {
		w.checkCompletion(ctx, job.CampaignID, log)
	}
}

func (w *Worker) process(ctx context.Context, job *model.SendJob, log zerolog.Logger) queue.AckOutcome {
	campaign, err := w.Campaigns.GetByID(ctx, job.CampaignID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return queue.Failed(err.Error())
		}
		return queue.Retry(err.Error())
	}
	if !campaign.Dispatchable() {
		log.Debug().Str("campaign_status", string(campaign.Status)).Msg("campaign not dispatchable; releasing job")
		return queue.Release(w.cfg.HaltedRecheck, "campaign "+string(campaign.Status))
	}

	msg, err := w.Tracker.Get(ctx, job.MessageID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return queue.Failed(err.Error())
		}
		return queue.Retry(err.Error())
	}
	switch {
	case msg.Status == model.MessageUnsent:
	case msg.Status == model.MessageInvalidRecipient || msg.Status == model.MessageError || msg.Status == model.MessageDeleted:
		return queue.Failed("message already " + string(msg.Status))
	default:
		// A previous lease got through to the provider.
		log.Info().Str("message_status", string(msg.Status)).Msg("message already dispatched")
		return queue.Completed()
	}

	cred, err := w.Credentials.Get(ctx, campaign.UserID, campaign.Channel)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return w.halt(ctx, campaign, log, appErrors.NewConfiguration(string(campaign.Channel), "no credential for user %d", campaign.UserID))
		}
		return queue.Retry(err.Error())
	}

	tmpl, err := w.template(ctx, campaign.TemplateID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return w.halt(ctx, campaign, log, appErrors.NewConfiguration(string(campaign.Channel), "%v", err))
		}
		return queue.Retry(err.Error())
	}

	payload, err := w.Renderer.Render(tmpl, job.Params)
	if err != nil {
		log.Warn().Err(err).Msg("render failed")
		w.record(ctx, log, job.MessageID, tracker.Event{
			Status:           model.MessageError,
			ErrorCode:        "render",
			ErrorDescription: err.Error(),
			Source:           tracker.SourceDispatch,
		})
		return queue.Failed(err.Error())
	}

	limit := ratelimit.Limit{Rate: w.rateLimit.DefaultRate, Burst: w.rateLimit.DefaultBurst}
	if cred.RatePerSecond > 0 && cred.Burst > 0 {
		limit = ratelimit.Limit{Rate: cred.RatePerSecond, Burst: cred.Burst}
	}
	decision, err := w.Limiter.TryAcquire(ctx, cred.Identity(), campaign.Channel, w.rateLimit.CostFor(campaign.Channel), limit)
	if err != nil {
		if appErrors.IsConfiguration(err) {
			return w.halt(ctx, campaign, log, err)
		}
		log.Error().Err(err).Msg("rate limiter unavailable")
		return queue.Release(w.cfg.BaseBackoff, "rate limiter: "+err.Error())
	}
	if !decision.Allowed {
		w.Metrics.RateDenied(string(campaign.Channel))
		return queue.Release(decision.RetryAfter, "rate limited")
	}

	d, err := w.Dispatchers.Get(campaign.Channel)
	if err != nil {
		return w.halt(ctx, campaign, log, appErrors.NewConfiguration(string(campaign.Channel), "%v", err))
	}

	if campaign.Status == model.CampaignScheduled {
		if _, err := w.Campaigns.UpdateStatus(ctx, campaign.ID, []model.CampaignStatus{model.CampaignScheduled}, model.CampaignSending); err != nil {
			log.Warn().Err(err).Msg("could not mark campaign sending")
		}
	}

	timeout := w.providers.Timeout(campaign.Channel)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	start := w.Now()
	outcome, err := d.Send(sendCtx, payload, job.Recipient, cred)
	cancel()
	took := w.Now().Sub(start)

	switch {
	case err == nil && outcome.Kind == dispatch.Accepted:
		w.Metrics.Dispatch(string(campaign.Channel), "accepted", took)
		w.countSend(campaign.ID)
		w.record(ctx, log, job.MessageID, tracker.Event{
			Status:            model.MessageAccepted,
			ProviderMessageID: outcome.ProviderMessageID,
			ContentHash:       payload.ContentHash,
			Source:            tracker.SourceDispatch,
		})
		return queue.Completed()

	case err == nil:
		w.Metrics.Dispatch(string(campaign.Channel), "rejected", took)
		log.Info().Str("code", outcome.Code).Str("reason", outcome.Reason).Msg("recipient rejected")
		w.record(ctx, log, job.MessageID, tracker.Event{
			Status:           model.MessageInvalidRecipient,
			ErrorCode:        outcome.Code,
			ErrorDescription: outcome.Reason,
			Source:           tracker.SourceDispatch,
		})
		return queue.Failed(outcome.Reason)

	case appErrors.IsConfiguration(err):
		w.Metrics.Dispatch(string(campaign.Channel), "configuration", took)
		return w.halt(ctx, campaign, log, err)
	}

	w.Metrics.Dispatch(string(campaign.Channel), "transient", took)
	log.Warn().Err(err).Msg("transient dispatch failure")
	return queue.Retry(err.Error())
}

// record applies ev. The provider call already happened, so a tracker failure
// is logged and the job is still settled.
func (w *Worker) record(ctx context.Context, log zerolog.Logger, messageID string, ev tracker.Event) {
	if _, err := w.Tracker.ApplyOutcome(ctx, messageID, ev); err != nil {
		log.Error().Err(err).Str("status", string(ev.Status)).Msg("could not record message status")
	}
}

// halt stops the campaign after a configuration error. The job goes back to
// the queue untouched so a resumed campaign picks it up.
func (w *Worker) halt(ctx context.Context, c *model.Campaign, log zerolog.Logger, cause error) queue.AckOutcome {
	halted, err := w.Campaigns.Halt(ctx, c.ID, cause.Error())
	if err != nil {
		log.Error().Err(err).Msg("could not halt campaign")
		return queue.Release(w.cfg.HaltedRecheck, cause.Error())
	}
	if halted {
		w.Metrics.Halted(string(c.Channel))
		log.Error().Err(cause).Msg("campaign halted")
		alert := events.CampaignAlert{
			CampaignID: c.ID,
			UserID:     c.UserID,
			Channel:    c.Channel,
			Kind:       events.AlertHalted,
			Reason:     cause.Error(),
			At:         w.Now(),
		}
		if err := w.Publisher.PublishAlert(ctx, alert); err != nil {
			log.Warn().Err(err).Msg("halt alert not published")
		}
	}
	return queue.Release(w.cfg.HaltedRecheck, cause.Error())
}

func (w *Worker) checkCompletion(ctx context.Context, campaignID int64, log zerolog.Logger) {
	pending, err := w.Queue.Pending(ctx, campaignID)
	if err != nil {
		log.Warn().Err(err).Msg("pending count failed")
		return
	}
	if pending > 0 {
		return
	}
	done, err := w.Campaigns.UpdateStatus(ctx, campaignID, []model.CampaignStatus{model.CampaignSending}, model.CampaignSent)
	if err != nil {
		log.Warn().Err(err).Msg("could not complete campaign")
		return
	}
	if done {
		log.Info().Msg("campaign sent")
		alert := events.CampaignAlert{CampaignID: campaignID, Kind: events.AlertCompleted, At: w.Now()}
		if err := w.Publisher.PublishAlert(ctx, alert); err != nil {
			log.Warn().Err(err).Msg("completion alert not published")
		}
	}
}

// template caches templates; they do not change once a campaign is sending.
func (w *Worker) template(ctx context.Context, id int64) (*model.Template, error) {
	w.templatesMu.Lock()
	t, ok := w.templates[id]
	w.templatesMu.Unlock()
	if ok {
		return t, nil
	}
	t, err := w.Templates.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	w.templatesMu.Lock()
	w.templates[id] = t
	w.templatesMu.Unlock()
	return t, nil
}
