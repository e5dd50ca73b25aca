package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-delivery/internal/controller"
	appErrors "github.com/unclebandit/campaign-delivery/internal/errors"
	"github.com/unclebandit/campaign-delivery/internal/model"
	"github.com/unclebandit/campaign-delivery/internal/service"
)

// --- Mock service ---

type MockCampaignService struct {
	campaigns  map[int64]*model.Campaign
	startErr   error
	haltReason string
}

func (m *MockCampaignService) StartCampaign(_ context.Context, id int64) (*service.StartResult, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	return &service.StartResult{CampaignID: id, Status: model.CampaignSending, Recipients: 2, Enqueued: 2}, nil
}

func (m *MockCampaignService) GetStats(_ context.Context, id int64) (*service.CampaignStats, error) {
	if _, ok := m.campaigns[id]; !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return &service.CampaignStats{CampaignID: id, Total: 3, Sent: 2, Errored: 1}, nil
}

func (m *MockCampaignService) RetryFailed(_ context.Context, id int64) (*service.RetryResult, error) {
	return &service.RetryResult{CampaignID: id, MessagesReset: 1, JobsRequeued: 1}, nil
}

func (m *MockCampaignService) HaltCampaign(_ context.Context, id int64, reason string) error {
	c, ok := m.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	if c.Status != model.CampaignSending {
		return appErrors.ErrInvalidTransition
	}
	m.haltReason = reason
	return nil
}

func (m *MockCampaignService) ResumeCampaign(context.Context, int64) error {
	return appErrors.ErrInvalidTransition
}

func (m *MockCampaignService) GetCampaign(_ context.Context, id int64) (*model.Campaign, error) {
	c, ok := m.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return c, nil
}

func (m *MockCampaignService) ListCampaigns(_ context.Context, page, pageSize int, _, _ string) ([]model.Campaign, map[string]int, error) {
	var out []model.Campaign
	for _, c := range m.campaigns {
		out = append(out, *c)
	}
	return out, map[string]int{"page": page, "page_size": pageSize, "total_count": len(out), "total_pages": 1}, nil
}

func newRouter(svc *MockCampaignService) http.Handler {
	ctrl := &controller.CampaignController{CampaignService: svc, Log: zerolog.Nop()}
	r := chi.NewRouter()
	ctrl.Routes(r)
	return r
}

func newService() *MockCampaignService {
	return &MockCampaignService{campaigns: map[int64]*model.Campaign{
		1: {ID: 1, Name: "launch", Channel: model.ChannelSMS, Status: model.CampaignSending},
	}}
}

func do(h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// --- Tests ---

func TestGetStats(t *testing.T) {
	w := do(newRouter(newService()), http.MethodGet, "/campaigns/1/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var stats service.CampaignStats
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if stats.Sent != 2 || stats.Errored != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestGetStatsNotFound(t *testing.T) {
	w := do(newRouter(newService()), http.MethodGet, "/campaigns/9/stats", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestInvalidCampaignID(t *testing.T) {
	w := do(newRouter(newService()), http.MethodGet, "/campaigns/abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestStartCampaign(t *testing.T) {
	w := do(newRouter(newService()), http.MethodPost, "/campaigns/1/start", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	var res service.StartResult
	json.NewDecoder(w.Body).Decode(&res)
	if res.Enqueued != 2 {
		t.Errorf("expected 2 enqueued, got %d", res.Enqueued)
	}
}

func TestStartCampaignErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&appErrors.MissingVariableError{Variables: []string{"name"}}, http.StatusUnprocessableEntity},
		{appErrors.ErrNoRecipients, http.StatusUnprocessableEntity},
		{appErrors.ErrInvalidTransition, http.StatusConflict},
		{appErrors.NewCampaignNotFound(1), http.StatusNotFound},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		svc := newService()
		svc.startErr = tc.err
		w := do(newRouter(svc), http.MethodPost, "/campaigns/1/start", nil)
		if w.Code != tc.want {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.want, w.Code)
		}
	}
}

func TestHaltCampaign(t *testing.T) {
	svc := newService()
	b, _ := json.Marshal(map[string]string{"reason": "wrong audience"})
	w := do(newRouter(svc), http.MethodPost, "/campaigns/1/halt", b)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if svc.haltReason != "wrong audience" {
		t.Errorf("reason not passed through: %q", svc.haltReason)
	}

	// Empty body is allowed.
	w = do(newRouter(svc), http.MethodPost, "/campaigns/1/halt", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 without body, got %d", w.Code)
	}
}

func TestResumeConflict(t *testing.T) {
	w := do(newRouter(newService()), http.MethodPost, "/campaigns/1/resume", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

func TestRetryFailed(t *testing.T) {
	w := do(newRouter(newService()), http.MethodPost, "/campaigns/1/retry", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var res service.RetryResult
	json.NewDecoder(w.Body).Decode(&res)
	if res.JobsRequeued != 1 {
		t.Errorf("expected 1 requeued job, got %d", res.JobsRequeued)
	}
}

func TestListCampaignsPagination(t *testing.T) {
	w := do(newRouter(newService()), http.MethodGet, "/campaigns?page=1&page_size=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Data       []model.Campaign `json:"data"`
		Pagination map[string]int   `json:"pagination"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Data) != 1 || resp.Pagination["page_size"] != 2 {
		t.Errorf("unexpected response: %+v", resp)
	}

	w = do(newRouter(newService()), http.MethodGet, "/campaigns?channel=fax", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown channel, got %d", w.Code)
	}
}
