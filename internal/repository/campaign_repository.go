package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/campaign-delivery/internal/errors"
	"github.com/unclebandit/campaign-delivery/internal/model"
)

type CampaignRepositoryInterface interface {
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, offset, limit int, channel, status string) ([]*model.Campaign, int, error)
	// UpdateStatus moves the campaign to status only when its current status is
	// one of from. It reports whether a row changed.
	UpdateStatus(ctx context.Context, id int64, from []model.CampaignStatus, to model.CampaignStatus) (bool, error)
	Halt(ctx context.Context, id int64, reason string) (bool, error)
}

type CampaignRepository struct {
	DB  *sqlx.DB
	Now func() time.Time
}

const campaignColumns = `id, name, user_id, channel, status, template_id, halt_reason, scheduled_at, created_at, updated_at`

func (r *CampaignRepository) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	var c model.Campaign
	err := r.DB.GetContext(ctx, &c, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, fmt.Errorf("campaign repository: get %d: %w", id, err)
	}
	return &c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, channel, status string) ([]*model.Campaign, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	if channel != "" {
		args = append(args, channel)
		where += fmt.Sprintf(" AND channel = $%d", len(args))
	}
	if status != "" {
		args = append(args, status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int
	if err := r.DB.GetContext(ctx, &total, `SELECT COUNT(*) FROM campaigns`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("campaign repository: count: %w", err)
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	campaigns := []*model.Campaign{}
	if err := r.DB.SelectContext(ctx, &campaigns, query, append(args, limit, offset)...); err != nil {
		return nil, 0, fmt.Errorf("campaign repository: list: %w", err)
	}
	return campaigns, total, nil
}

func (r *CampaignRepository) UpdateStatus(ctx context.Context, id int64, from []model.CampaignStatus, to model.CampaignStatus) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE campaigns SET status = $1, halt_reason = NULL, updated_at = $2
		WHERE id = $3 AND status = ANY($4)`,
		to, r.now(), id, pq.Array(statusStrings(from)))
	if err != nil {
		return false, fmt.Errorf("campaign repository: update status %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Halt stops a dispatchable campaign and records why.
func (r *CampaignRepository) Halt(ctx context.Context, id int64, reason string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE campaigns SET status = $1, halt_reason = $2, updated_at = $3
		WHERE id = $4 AND status = ANY($5)`,
		model.CampaignHalted, reason, r.now(), id,
		pq.Array([]string{string(model.CampaignScheduled), string(model.CampaignSending)}))
	if err != nil {
		return false, fmt.Errorf("campaign repository: halt %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func statusStrings(in []model.CampaignStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
