package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/repository"
)

const contactColumns = `ct.id, ct.campaign_id, ct.name, ct.business_name, ct.phone, ct.original_phone,
	ct.batch_index, ct.created_at`

// ContactRepository persists campaign contacts.
type ContactRepository struct {
	db *sqlx.DB
}

// NewContactRepository constructs the repository.
func NewContactRepository(db *sqlx.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// BulkInsert inserts a batch of contacts and bumps the campaign's contact total.
func (r *ContactRepository) BulkInsert(ctx context.Context, campaignID uuid.UUID, contacts []domain.Contact) error {
	if len(contacts) == 0 {
		return nil
	}

	rows := contactRows(campaignID, contacts)
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, insertContactsQuery, rows); err != nil {
			return fmt.Errorf("contacts: bulk insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE campaigns SET total_contacts =
			(SELECT COUNT(*) FROM contacts WHERE campaign_id = $1) WHERE id = $1`, campaignID); err != nil {
			return fmt.Errorf("contacts: refresh total: %w", err)
		}
		return nil
	})
}

const insertContactsQuery = `INSERT INTO contacts (
	id, campaign_id, name, business_name, phone, original_phone, batch_index, created_at
) VALUES (:id, :campaign_id, :name, :business_name, :phone, :original_phone, :batch_index, :created_at)
ON CONFLICT (id) DO NOTHING`

func contactRows(campaignID uuid.UUID, contacts []domain.Contact) []map[string]any {
	rows := make([]map[string]any, 0, len(contacts))
	for _, c := range contacts {
		rows = append(rows, map[string]any{
			"id":             c.ID,
			"campaign_id":    campaignID,
			"name":           c.Name,
			"business_name":  c.BusinessName,
			"phone":          c.Phone,
			"original_phone": c.OriginalPhone,
			"batch_index":    c.BatchIndex,
			"created_at":     c.CreatedAt,
		})
	}
	return rows
}

// Get fetches a contact by id.
func (r *ContactRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Contact, error) {
	var rec contactRecord
	err := r.db.QueryRowxContext(ctx, `SELECT `+contactColumns+` FROM contacts ct WHERE ct.id = $1`, id).StructScan(&rec)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("contacts: get: %w", err)
	}
	contact := rec.toDomain()
	return &contact, nil
}

// NextUncalled returns contacts with no call row yet, lowest batch index first.
func (r *ContactRepository) NextUncalled(ctx context.Context, campaignID uuid.UUID, limit int, lowestBatchOnly bool) ([]domain.Contact, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `SELECT ` + contactColumns + `
		FROM contacts ct
		WHERE ct.campaign_id = $1
		  AND NOT EXISTS (SELECT 1 FROM calls cl WHERE cl.contact_id = ct.id)`
	if lowestBatchOnly {
		query += `
		  AND ct.batch_index IS NOT DISTINCT FROM (
			SELECT MIN(c2.batch_index) FROM contacts c2
			WHERE c2.campaign_id = $1
			  AND NOT EXISTS (SELECT 1 FROM calls cl2 WHERE cl2.contact_id = c2.id))`
	}
	query += `
		ORDER BY ct.batch_index ASC NULLS LAST, ct.created_at ASC, ct.id ASC
		LIMIT $2`

	rows, err := r.db.QueryxContext(ctx, query, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("contacts: select uncalled: %w", err)
	}
	defer rows.Close()

	var results []domain.Contact
	for rows.Next() {
		var rec contactRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("contacts: scan: %w", err)
		}
		results = append(results, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contacts: rows err: %w", err)
	}
	return results, nil
}

type contactRecord struct {
	ID            uuid.UUID     `db:"id"`
	CampaignID    uuid.UUID     `db:"campaign_id"`
	Name          string        `db:"name"`
	BusinessName  string        `db:"business_name"`
	Phone         string        `db:"phone"`
	OriginalPhone string        `db:"original_phone"`
	BatchIndex    sql.NullInt32 `db:"batch_index"`
	CreatedAt     time.Time     `db:"created_at"`
}

func (r contactRecord) toDomain() domain.Contact {
	contact := domain.Contact{
		ID:            r.ID,
		CampaignID:    r.CampaignID,
		Name:          r.Name,
		BusinessName:  r.BusinessName,
		Phone:         r.Phone,
		OriginalPhone: r.OriginalPhone,
		CreatedAt:     r.CreatedAt,
	}
	if r.BatchIndex.Valid {
		idx := int(r.BatchIndex.Int32)
		contact.BatchIndex = &idx
	}
	return contact
}
