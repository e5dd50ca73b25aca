package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/unclebandit/campaign-delivery/internal/model"
)

// RecipientRepositoryInterface reads the CSV-derived recipient list of a campaign.
type RecipientRepositoryInterface interface {
	GetByCampaign(ctx context.Context, campaignID int64) (*model.RecipientList, error)
	Save(ctx context.Context, list *model.RecipientList) error
}

type RecipientRepository struct {
	DB *sqlx.DB
}

func (r *RecipientRepository) GetByCampaign(ctx context.Context, campaignID int64) (*model.RecipientList, error) {
	var (
		headers pq.StringArray
		rows    []byte
	)
	err := r.DB.QueryRowContext(ctx,
		`SELECT headers, rows FROM recipient_lists WHERE campaign_id = $1`, campaignID).
		Scan(&headers, &rows)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &model.RecipientList{CampaignID: campaignID}, nil
		}
		return nil, fmt.Errorf("recipient repository: get %d: %w", campaignID, err)
	}

	list := &model.RecipientList{CampaignID: campaignID, Headers: headers}
	if err := json.Unmarshal(rows, &list.Rows); err != nil {
		return nil, fmt.Errorf("recipient repository: decode rows %d: %w", campaignID, err)
	}
	return list, nil
}

// Save replaces the list of a campaign that has not started sending.
func (r *RecipientRepository) Save(ctx context.Context, list *model.RecipientList) error {
	rows, err := json.Marshal(list.Rows)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `
		INSERT INTO recipient_lists (campaign_id, headers, rows)
		SELECT $1, $2, $3 FROM campaigns
		WHERE id = $1 AND status IN ('draft', 'scheduled')
		ON CONFLICT (campaign_id) DO UPDATE SET headers = EXCLUDED.headers, rows = EXCLUDED.rows`,
		list.CampaignID, pq.Array(list.Headers), rows)
	if err != nil {
		return fmt.Errorf("recipient repository: save %d: %w", list.CampaignID, err)
	}
	return nil
}

var _ RecipientRepositoryInterface = (*RecipientRepository)(nil)
