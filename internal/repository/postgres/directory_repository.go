package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/repository"
)

// DirectoryRepository reads assistants and phone lines.
type DirectoryRepository struct {
	db *sqlx.DB
}

// NewDirectoryRepository constructs the repository.
func NewDirectoryRepository(db *sqlx.DB) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

// GetAssistant fetches an assistant by id.
func (r *DirectoryRepository) GetAssistant(ctx context.Context, id uuid.UUID) (*domain.Assistant, error) {
	var rec struct {
		ID                  uuid.UUID `db:"id"`
		Name                string    `db:"name"`
		ProviderAssistantID string    `db:"provider_assistant_id"`
		Active              bool      `db:"active"`
	}
	err := r.db.GetContext(ctx, &rec, `SELECT id, name, provider_assistant_id, active FROM assistants WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("directory repo: get assistant: %w", err)
	}
	return &domain.Assistant{
		ID:                  rec.ID,
		Name:                rec.Name,
		ProviderAssistantID: rec.ProviderAssistantID,
		Active:              rec.Active,
	}, nil
}

// GetPhoneLine fetches a phone line by id.
func (r *DirectoryRepository) GetPhoneLine(ctx context.Context, id uuid.UUID) (*domain.PhoneLine, error) {
	var rec struct {
		ID                    uuid.UUID `db:"id"`
		Label                 string    `db:"label"`
		ProviderPhoneNumberID string    `db:"provider_phone_number_id"`
	}
	err := r.db.GetContext(ctx, &rec, `SELECT id, label, provider_phone_number_id FROM phone_lines WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("directory repo: get phone line: %w", err)
	}
	return &domain.PhoneLine{
		ID:                    rec.ID,
		Label:                 rec.Label,
		ProviderPhoneNumberID: rec.ProviderPhoneNumberID,
	}, nil
}
