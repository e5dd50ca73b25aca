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

type TemplateRepositoryInterface interface {
	GetByID(ctx context.Context, id int64) (*model.Template, error)
}

type TemplateRepository struct {
	DB *sqlx.DB
}

// GetByID loads a template together with its attachments.
func (r *TemplateRepository) GetByID(ctx context.Context, id int64) (*model.Template, error) {
	var t model.Template
	err := r.DB.GetContext(ctx, &t,
		`SELECT id, channel, subject, body, provider_template FROM templates WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("template %d: %w", id, appErrors.ErrTemplateNotFound)
		}
		return nil, fmt.Errorf("template repository: get %d: %w", id, err)
	}

	t.Attachments = []model.Attachment{}
	err = r.DB.SelectContext(ctx, &t.Attachments, `
		SELECT id, template_id, filename, content_type, data
		FROM template_attachments WHERE template_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("template repository: attachments %d: %w", id, err)
	}
	return &t, nil
}

var _ TemplateRepositoryInterface = (*TemplateRepository)(nil)
