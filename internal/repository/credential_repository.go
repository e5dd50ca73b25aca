package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	appErrors "github.com/unclebandit/campaign-delivery/internal/errors"
	"github.com/unclebandit/campaign-delivery/internal/model"
)

type CredentialRepositoryInterface interface {
	Get(ctx context.Context, userID int64, channel model.Channel) (*model.ChannelCredential, error)
}

// CredentialRepository is read-only; credentials are managed elsewhere.
type CredentialRepository struct {
	DB *sqlx.DB
}

func (r *CredentialRepository) Get(ctx context.Context, userID int64, channel model.Channel) (*model.ChannelCredential, error) {
	var c model.ChannelCredential
	err := r.DB.GetContext(ctx, &c, `
		SELECT id, user_id, channel, config, webhook_secret, rate_per_second, burst
		FROM channel_credentials WHERE user_id = $1 AND channel = $2`, userID, channel)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %d %s: %w", userID, channel, appErrors.ErrCredentialNotFound)
		}
		return nil, fmt.Errorf("credential repository: get: %w", err)
	}
	return &c, nil
}

var _ CredentialRepositoryInterface = (*CredentialRepository)(nil)
