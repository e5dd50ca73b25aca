package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	appErrors "github.com/unclebandit/campaign-delivery/internal/errors"
	"github.com/unclebandit/campaign-delivery/internal/model"
)

// MessageRepositoryInterface persists delivery records. CompareAndSwap is the
// only way a status changes once a message exists.
type MessageRepositoryInterface interface {
	Create(ctx context.Context, m *model.Message) (bool, error)
	Get(ctx context.Context, id string) (*model.Message, error)
	GetByProvider(ctx context.Context, channel model.Channel, providerMessageID string) (*model.Message, error)
	CompareAndSwap(ctx context.Context, next *model.Message, from model.MessageStatus) (bool, error)
	ResetErrored(ctx context.Context, campaignID int64) ([]*model.Message, error)
	Stats(ctx context.Context, campaignID int64) (map[model.MessageStatus]int, error)
}

type MessageRepository struct {
	DB  *sqlx.DB
	Now func() time.Time
}

const messageColumns = `id, campaign_id, recipient, channel, content_hash, provider_message_id, status,
	error_code, error_description, accepted_at, sent_at, delivered_at, read_at, failed_at, deleted_at,
	created_at, updated_at`

func (r *MessageRepository) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Create inserts an Unsent message. When the (campaign, recipient) pair exists
// already, m is filled from the stored row and Create reports false.
func (r *MessageRepository) Create(ctx context.Context, m *model.Message) (bool, error) {
	now := r.now()
	if m.Status == "" {
		m.Status = model.MessageUnsent
	}
	m.CreatedAt, m.UpdatedAt = now, now

	res, err := r.DB.ExecContext(ctx, `
		INSERT INTO messages (id, campaign_id, recipient, channel, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (campaign_id, recipient) DO NOTHING`,
		m.ID, m.CampaignID, m.Recipient, m.Channel, m.Status, now)
	if err != nil {
		return false, fmt.Errorf("message repository: create: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	err = r.DB.GetContext(ctx, m, `SELECT `+messageColumns+` FROM messages
		WHERE campaign_id = $1 AND recipient = $2`, m.CampaignID, m.Recipient)
	if err != nil {
		return false, fmt.Errorf("message repository: load existing: %w", err)
	}
	return false, nil
}

func (r *MessageRepository) Get(ctx context.Context, id string) (*model.Message, error) {
	var m model.Message
	err := r.DB.GetContext(ctx, &m, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", id, appErrors.ErrMessageNotFound)
		}
		return nil, fmt.Errorf("message repository: get %s: %w", id, err)
	}
	return &m, nil
}

func (r *MessageRepository) GetByProvider(ctx context.Context, channel model.Channel, providerMessageID string) (*model.Message, error) {
	var m model.Message
	err := r.DB.GetContext(ctx, &m, `SELECT `+messageColumns+` FROM messages
		WHERE channel = $1 AND provider_message_id = $2`, channel, providerMessageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("provider message %s: %w", providerMessageID, appErrors.ErrMessageNotFound)
		}
		return nil, fmt.Errorf("message repository: get by provider: %w", err)
	}
	return &m, nil
}

// CompareAndSwap writes next only if the stored status still equals from.
func (r *MessageRepository) CompareAndSwap(ctx context.Context, next *model.Message, from model.MessageStatus) (bool, error) {
	next.UpdatedAt = r.now()
	res, err := r.DB.NamedExecContext(ctx, `
		UPDATE messages SET
			status = :status,
			content_hash = COALESCE(:content_hash, content_hash),
			provider_message_id = COALESCE(:provider_message_id, provider_message_id),
			error_code = :error_code,
			error_description = :error_description,
			accepted_at = :accepted_at,
			sent_at = :sent_at,
			delivered_at = :delivered_at,
			read_at = :read_at,
			failed_at = :failed_at,
			deleted_at = :deleted_at,
			updated_at = :updated_at
		WHERE id = :id AND status = :from_status`,
		casArgs{Message: next, FromStatus: from})
	if err != nil {
		return false, fmt.Errorf("message repository: cas %s: %w", next.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type casArgs struct {
	*model.Message
	FromStatus model.MessageStatus `db:"from_status"`
}

// ResetErrored returns Error messages of the campaign to Unsent and reports
// the rows it changed. Those never reached a provider, so a fresh dispatch is
// safe.
func (r *MessageRepository) ResetErrored(ctx context.Context, campaignID int64) ([]*model.Message, error) {
	var out []*model.Message
	err := r.DB.SelectContext(ctx, &out, `
		UPDATE messages SET status = $1, error_code = NULL, error_description = NULL,
			failed_at = NULL, updated_at = $2
		WHERE campaign_id = $3 AND status = $4 AND provider_message_id IS NULL
		RETURNING `+messageColumns,
		model.MessageUnsent, r.now(), campaignID, model.MessageError)
	if err != nil {
		return nil, fmt.Errorf("message repository: reset errored %d: %w", campaignID, err)
	}
	return out, nil
}

func (r *MessageRepository) Stats(ctx context.Context, campaignID int64) (map[model.MessageStatus]int, error) {
	rows, err := r.DB.QueryxContext(ctx,
		`SELECT status, COUNT(*) FROM messages WHERE campaign_id = $1 GROUP BY status`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("message repository: stats %d: %w", campaignID, err)
	}
	defer rows.Close()

	stats := make(map[model.MessageStatus]int, len(model.MessageStatuses))
	for _, s := range model.MessageStatuses {
		stats[s] = 0
	}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[model.MessageStatus(status)] = count
	}
	return stats, rows.Err()
}

// Park stores a callback for a provider id no message carries yet.
func (r *MessageRepository) Park(ctx context.Context, ev *model.ParkedEvent) error {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = r.now()
	}
	_, err := r.DB.NamedExecContext(ctx, `
		INSERT INTO parked_events (channel, provider_message_id, status, error_code, error_description, received_at)
		VALUES (:channel, :provider_message_id, :status, :error_code, :error_description, :received_at)`, ev)
	if err != nil {
		return fmt.Errorf("message repository: park %s: %w", ev.ProviderMessageID, err)
	}
	return nil
}

// TakeParked deletes and returns the callbacks parked for a provider id in
// arrival order. A row is returned to exactly one caller.
func (r *MessageRepository) TakeParked(ctx context.Context, channel model.Channel, providerMessageID string) ([]model.ParkedEvent, error) {
	var out []model.ParkedEvent
	err := r.DB.SelectContext(ctx, &out, `
		DELETE FROM parked_events
		WHERE channel = $1 AND provider_message_id = $2
		RETURNING id, channel, provider_message_id, status, error_code, error_description, received_at`,
		channel, providerMessageID)
	if err != nil {
		return nil, fmt.Errorf("message repository: take parked %s: %w", providerMessageID, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PurgeParked drops callbacks received before the cutoff.
func (r *MessageRepository) PurgeParked(ctx context.Context, before time.Time) (int, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM parked_events WHERE received_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("message repository: purge parked: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

var _ MessageRepositoryInterface = (*MessageRepository)(nil)
