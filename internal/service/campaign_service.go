// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/campaign-delivery/internal/errors"
	"github.com/unclebandit/campaign-delivery/internal/events"
	"github.com/unclebandit/campaign-delivery/internal/model"
	"github.com/unclebandit/campaign-delivery/internal/queue"
	"github.com/unclebandit/campaign-delivery/internal/render"
	"github.com/unclebandit/campaign-delivery/internal/repository"
	"github.com/unclebandit/campaign-delivery/internal/tracker"
)

// RateSource reports the live send rate of a campaign.
type RateSource interface {
	SendRate(campaignID int64) int64
}

type CampaignService struct {
	CampaignRepo  repository.CampaignRepositoryInterface
	TemplateRepo  repository.TemplateRepositoryInterface
	RecipientRepo repository.RecipientRepositoryInterface
	MessageRepo   repository.MessageRepositoryInterface
	Queue         queue.Queue
	Renderer      *render.Renderer
	Publisher     events.Publisher
	Rates         RateSource
	Log           zerolog.Logger
	Now           func() time.Time
}

type StartResult struct {
	CampaignID int64                `json:"campaign_id"`
	Status     model.CampaignStatus `json:"status"`
	Recipients int                  `json:"recipients"`
	Enqueued   int                  `json:"enqueued"`
	Duplicates int                  `json:"duplicates"`
}

type CampaignStats struct {
	CampaignID int64                       `json:"campaign_id"`
	Status     model.CampaignStatus        `json:"status"`
	Total      int                         `json:"total"`
	Sent       int                         `json:"sent"`
	Delivered  int                         `json:"delivered"`
	Errored    int                         `json:"error"`
	Pending    int                         `json:"pending_jobs"`
	SendRate   int64                       `json:"send_rate"`
	ByStatus   map[model.MessageStatus]int `json:"by_status"`
}

type RetryResult struct {
	CampaignID    int64 `json:"campaign_id"`
	MessagesReset int   `json:"messages_reset"`
	JobsRequeued  int   `json:"jobs_requeued"`
}

func (s *CampaignService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *CampaignService) publisher() events.Publisher {
	if s.Publisher == nil {
		return events.Nop{}
	}
	return s.Publisher
}

// StartCampaign validates every recipient against the template and creates
// one Message and one SendJob per unique recipient. A validation failure
// rejects the whole campaign before anything is enqueued. Re-running it on a
// started campaign only fills in what is missing.
func (s *CampaignService) StartCampaign(ctx context.Context, campaignID int64) (*StartResult, error) {
	log := s.Log.With().Int64("campaign_id", campaignID).Logger()

	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	switch campaign.Status {
	case model.CampaignDraft, model.CampaignScheduled, model.CampaignSending:
	default:
		return nil, fmt.Errorf("campaign %d is %s: %w", campaignID, campaign.Status, appErrors.ErrInvalidTransition)
	}

	tmpl, err := s.TemplateRepo.GetByID(ctx, campaign.TemplateID)
	if err != nil {
		return nil, err
	}
	if tmpl.Channel != campaign.Channel {
		return nil, fmt.Errorf("template %d is for %s, campaign %d sends %s: %w",
			tmpl.ID, tmpl.Channel, campaignID, campaign.Channel, appErrors.ErrChannelMismatch)
	}

	list, err := s.RecipientRepo.GetByCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if len(list.Rows) == 0 {
		return nil, fmt.Errorf("campaign %d: %w", campaignID, appErrors.ErrNoRecipients)
	}
	all, err := list.Recipients()
	if err != nil {
		return nil, err
	}
	recipients := uniqueRecipients(campaign.Channel, all)
	if len(recipients) == 0 {
		return nil, fmt.Errorf("campaign %d: %w", campaignID, appErrors.ErrNoRecipients)
	}

	if err := s.Renderer.Validate(tmpl, recipients); err != nil {
		log.Warn().Err(err).Msg("campaign rejected by validation")
		alert := events.CampaignAlert{
			CampaignID: campaign.ID, UserID: campaign.UserID, Channel: campaign.Channel,
			Kind: events.AlertRejected, Reason: err.Error(), At: s.now(),
		}
		if perr := s.publisher().PublishAlert(ctx, alert); perr != nil {
			log.Warn().Err(perr).Msg("rejection alert not published")
		}
		return nil, err
	}

	var eligible time.Time
	scheduled := campaign.ScheduledAt != nil && campaign.ScheduledAt.After(s.now())
	if scheduled {
		eligible = *campaign.ScheduledAt
	}

	result := &StartResult{CampaignID: campaignID, Recipients: len(recipients)}
	for _, rc := range recipients {
		msg := &model.Message{
			ID:         uuid.NewString(),
			CampaignID: campaignID,
			Recipient:  rc.Address,
			Channel:    campaign.Channel,
		}
		if _, err := s.MessageRepo.Create(ctx, msg); err != nil {
			return result, err
		}
		err := s.Queue.Enqueue(ctx, &model.SendJob{
			CampaignID:     campaignID,
			MessageID:      msg.ID,
			Recipient:      rc.Address,
			Params:         rc.Params,
			NextEligibleAt: eligible,
		})
		switch {
		case errors.Is(err, appErrors.ErrDuplicateJob):
			result.Duplicates++
		case err != nil:
			return result, err
		default:
			result.Enqueued++
		}
	}

	target, from := model.CampaignSending, []model.CampaignStatus{model.CampaignDraft, model.CampaignScheduled}
	if scheduled {
		target, from = model.CampaignScheduled, []model.CampaignStatus{model.CampaignDraft}
	}
	if _, err := s.CampaignRepo.UpdateStatus(ctx, campaignID, from, target); err != nil {
		return result, err
	}
	result.Status = target
	if campaign.Status == model.CampaignSending {
		result.Status = model.CampaignSending
	}

	log.Info().
		Int("recipients", result.Recipients).
		Int("enqueued", result.Enqueued).
		Int("duplicates", result.Duplicates).
		Str("status", string(result.Status)).
		Msg("campaign started")
	return result, nil
}

// uniqueRecipients keeps the first row per address. Email addresses compare
// case-insensitively.
func uniqueRecipients(ch model.Channel, in []model.Recipient) []model.Recipient {
	seen := make(map[string]bool, len(in))
	out := make([]model.Recipient, 0, len(in))
	for _, rc := range in {
		key := rc.Address
		if ch == model.ChannelEmail {
			key = strings.ToLower(key)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, rc)
	}
	return out
}

func (s *CampaignService) GetStats(ctx context.Context, campaignID int64) (*CampaignStats, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	byStatus, err := s.MessageRepo.Stats(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	pending, err := s.Queue.Pending(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	stats := &CampaignStats{
		CampaignID: campaignID,
		Status:     campaign.Status,
		Pending:    pending,
		ByStatus:   byStatus,
	}
	for st, n := range byStatus {
		stats.Total += n
		switch st {
		case model.MessageAccepted, model.MessageSent:
			stats.Sent += n
		case model.MessageDelivered, model.MessageRead:
			stats.Sent += n
			stats.Delivered += n
		case model.MessageError, model.MessageInvalidRecipient:
			stats.Errored += n
		}
	}
	if s.Rates != nil {
		stats.SendRate = s.Rates.SendRate(campaignID)
	}
	return stats, nil
}

// RetryFailed sends failed recipients again. Messages that errored before a
// provider accepted them go back to Unsent; their jobs restart at attempt 0.
func (s *CampaignService) RetryFailed(ctx context.Context, campaignID int64) (*RetryResult, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	reset, err := s.MessageRepo.ResetErrored(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	s.publishResets(ctx, reset)
	requeued, err := s.Queue.RetryFailed(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if requeued > 0 && campaign.Status == model.CampaignSent {
		if _, err := s.CampaignRepo.UpdateStatus(ctx, campaignID, []model.CampaignStatus{model.CampaignSent}, model.CampaignSending); err != nil {
			return nil, err
		}
	}
	s.Log.Info().Int64("campaign_id", campaignID).Int("messages_reset", len(reset)).Int("jobs_requeued", requeued).Msg("failed jobs requeued")
	return &RetryResult{CampaignID: campaignID, MessagesReset: len(reset), JobsRequeued: requeued}, nil
}

// publishResets reports each Error to Unsent reset on the status stream.
func (s *CampaignService) publishResets(ctx context.Context, reset []*model.Message) {
	for _, m := range reset {
		s.Log.Info().
			Str("message_id", m.ID).
			Int64("campaign_id", m.CampaignID).
			Str("from", string(model.MessageError)).
			Str("to", string(model.MessageUnsent)).
			Str("source", tracker.SourceRetry).
			Msg("message reset for retry")
		ev := events.StatusEvent{
			MessageID:  m.ID,
			CampaignID: m.CampaignID,
			Recipient:  m.Recipient,
			Channel:    m.Channel,
			From:       model.MessageError,
			To:         model.MessageUnsent,
			Source:     tracker.SourceRetry,
			At:         s.now(),
		}
		if err := s.publisher().PublishStatus(ctx, ev); err != nil {
			s.Log.Warn().Err(err).Str("message_id", m.ID).Msg("reset event not published")
		}
	}
}

func (s *CampaignService) HaltCampaign(ctx context.Context, campaignID int64, reason string) error {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "halted by operator"
	}
	ok, err := s.CampaignRepo.Halt(ctx, campaignID, reason)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("campaign %d is %s: %w", campaignID, campaign.Status, appErrors.ErrInvalidTransition)
	}
	alert := events.CampaignAlert{
		CampaignID: campaignID, UserID: campaign.UserID, Channel: campaign.Channel,
		Kind: events.AlertHalted, Reason: reason, At: s.now(),
	}
	if err := s.publisher().PublishAlert(ctx, alert); err != nil {
		s.Log.Warn().Err(err).Int64("campaign_id", campaignID).Msg("halt alert not published")
	}
	return nil
}

// ResumeCampaign lets workers pick up a halted campaign's queued jobs again.
func (s *CampaignService) ResumeCampaign(ctx context.Context, campaignID int64) error {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}
	ok, err := s.CampaignRepo.UpdateStatus(ctx, campaignID, []model.CampaignStatus{model.CampaignHalted}, model.CampaignSending)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("campaign %d is %s: %w", campaignID, campaign.Status, appErrors.ErrInvalidTransition)
	}
	return nil
}

func (s *CampaignService) GetCampaign(ctx context.Context, campaignID int64) (*model.Campaign, error) {
	return s.CampaignRepo.GetByID(ctx, campaignID)
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, channel, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, offset, pageSize, channel, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}
