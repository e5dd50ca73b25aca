// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/campaign-delivery/internal/errors"
	"github.com/unclebandit/campaign-delivery/internal/model"
	"github.com/unclebandit/campaign-delivery/internal/service"
)

// CampaignOperations is what the HTTP API exposes. service.CampaignService
// implements it.
type CampaignOperations interface {
	StartCampaign(ctx context.Context, campaignID int64) (*service.StartResult, error)
	GetStats(ctx context.Context, campaignID int64) (*service.CampaignStats, error)
	RetryFailed(ctx context.Context, campaignID int64) (*service.RetryResult, error)
	HaltCampaign(ctx context.Context, campaignID int64, reason string) error
	ResumeCampaign(ctx context.Context, campaignID int64) error
	GetCampaign(ctx context.Context, campaignID int64) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, page, pageSize int, channel, status string) ([]model.Campaign, map[string]int, error)
}

type CampaignController struct {
	CampaignService CampaignOperations
	Log             zerolog.Logger
}

func (c *CampaignController) Routes(r chi.Router) {
	r.Get("/campaigns", c.ListCampaigns)
	r.Route("/campaigns/{id}", func(r chi.Router) {
		r.Get("/", c.GetCampaign)
		r.Get("/stats", c.GetStats)
		r.Post("/start", c.StartCampaign)
		r.Post("/retry", c.RetryFailed)
		r.Post("/halt", c.HaltCampaign)
		r.Post("/resume", c.ResumeCampaign)
	})
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	// Parse query parameters
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	channel := r.URL.Query().Get("channel")
	status := r.URL.Query().Get("status")

	if channel != "" && !model.Channel(channel).Valid() {
		http.Error(w, "unknown channel", http.StatusBadRequest)
		return
	}

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), page, pageSize, channel, status)
	if err != nil {
		c.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination, // page, page_size, total_count, total_pages
	})
}

func (c *CampaignController) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	campaign, err := c.CampaignService.GetCampaign(r.Context(), id)
	if err != nil {
		c.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) GetStats(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	stats, err := c.CampaignService.GetStats(r.Context(), id)
	if err != nil {
		c.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// StartCampaign materializes the campaign's jobs; workers pick them up.
func (c *CampaignController) StartCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	res, err := c.CampaignService.StartCampaign(r.Context(), id)
	if err != nil {
		c.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (c *CampaignController) RetryFailed(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	res, err := c.CampaignService.RetryFailed(r.Context(), id)
	if err != nil {
		c.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *CampaignController) HaltCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := c.CampaignService.HaltCampaign(r.Context(), id, body.Reason); err != nil {
		c.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"campaign_id": id, "status": model.CampaignHalted})
}

func (c *CampaignController) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	if err := c.CampaignService.ResumeCampaign(r.Context(), id); err != nil {
		c.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"campaign_id": id, "status": model.CampaignSending})
}

func campaignID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (c *CampaignController) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case appErrors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, appErrors.ErrInvalidTransition):
		status = http.StatusConflict
	case appErrors.IsValidation(err), errors.Is(err, appErrors.ErrNoRecipients):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		c.Log.Error().Err(err).Msg("campaign request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
