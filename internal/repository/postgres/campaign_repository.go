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

const campaignColumns = `id, name, mode, cap, assistant_id, phone_line_id, total_contacts,
	created_at, started_at, completed_at`

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts a new campaign.
func (r *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	if _, err := r.db.NamedExecContext(ctx, insertCampaignQuery, campaignParams(campaign)); err != nil {
		return fmt.Errorf("campaign repo: insert: %w", err)
	}
	return nil
}

// CreateWithContacts inserts the campaign and its contacts in one transaction.
func (r *CampaignRepository) CreateWithContacts(ctx context.Context, campaign *domain.Campaign, contacts []domain.Contact) error {
	campaign.TotalContacts = len(contacts)
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, insertCampaignQuery, campaignParams(campaign)); err != nil {
			return fmt.Errorf("campaign repo: insert: %w", err)
		}
		if len(contacts) == 0 {
			return nil
		}
		if _, err := tx.NamedExecContext(ctx, insertContactsQuery, contactRows(campaign.ID, contacts)); err != nil {
			return fmt.Errorf("campaign repo: insert contacts: %w", err)
		}
		return nil
	})
}

const insertCampaignQuery = `INSERT INTO campaigns (
	id, name, mode, cap, assistant_id, phone_line_id, total_contacts, created_at, started_at, completed_at
) VALUES (
	:id, :name, :mode, :cap, :assistant_id, :phone_line_id, :total_contacts, :created_at, :started_at, :completed_at
)`

func campaignParams(campaign *domain.Campaign) map[string]any {
	return map[string]any{
		"id":             campaign.ID,
		"name":           campaign.Name,
		"mode":           string(campaign.Mode),
		"cap":            campaign.Cap,
		"assistant_id":   campaign.AssistantID,
		"phone_line_id":  campaign.PhoneLineID,
		"total_contacts": campaign.TotalContacts,
		"created_at":     campaign.CreatedAt,
		"started_at":     campaign.StartedAt,
		"completed_at":   campaign.CompletedAt,
	}
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	var record campaignRecord
	err := r.db.QueryRowxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id).StructScan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}

	campaign := record.toDomain()
	return &campaign, nil
}

// ListRunnable returns started, not yet completed campaigns, oldest first.
func (r *CampaignRepository) ListRunnable(ctx context.Context, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns
		WHERE started_at IS NOT NULL AND completed_at IS NULL
		ORDER BY started_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list runnable: %w", err)
	}
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign := record.toDomain()
		results = append(results, &campaign)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}
	return results, nil
}

// MarkStarted sets started_at if it is still null.
func (r *CampaignRepository) MarkStarted(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET started_at = $2 WHERE id = $1 AND started_at IS NULL`, id, at)
	if err != nil {
		return false, fmt.Errorf("campaign repo: mark started: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkCompletedIfDrained sets completed_at in a single statement so concurrent
// writers cannot complete a campaign twice or while work remains.
func (r *CampaignRepository) MarkCompletedIfDrained(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns c SET completed_at = $2
		WHERE c.id = $1
		  AND c.completed_at IS NULL
		  AND c.started_at IS NOT NULL
		  AND EXISTS (SELECT 1 FROM calls WHERE campaign_id = c.id)
		  AND NOT EXISTS (
			SELECT 1 FROM calls
			WHERE campaign_id = c.id AND status IN ('QUEUED', 'RINGING', 'IN_PROGRESS'))
		  AND NOT EXISTS (
			SELECT 1 FROM contacts ct
			WHERE ct.campaign_id = c.id
			  AND NOT EXISTS (SELECT 1 FROM calls cl WHERE cl.contact_id = ct.id))`, id, at)
	if err != nil {
		return false, fmt.Errorf("campaign repo: mark completed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	return n > 0, nil
}

// Stats aggregates call counts per status for a campaign.
func (r *CampaignRepository) Stats(ctx context.Context, id uuid.UUID) (*domain.CampaignStats, error) {
	stats := &domain.CampaignStats{CallsByStatus: make(map[domain.CallStatus]int64)}

	row := r.db.QueryRowxContext(ctx, `SELECT
		(SELECT COUNT(*) FROM contacts WHERE campaign_id = $1) AS total_contacts,
		(SELECT COUNT(*) FROM contacts ct WHERE ct.campaign_id = $1
			AND NOT EXISTS (SELECT 1 FROM calls cl WHERE cl.contact_id = ct.id)) AS uncalled`, id)
	if err := row.Scan(&stats.TotalContacts, &stats.UncalledCount); err != nil {
		return nil, fmt.Errorf("campaign repo: stats totals: %w", err)
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT status, COUNT(*) FROM calls WHERE campaign_id = $1 GROUP BY status`, id)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: stats by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("campaign repo: stats scan: %w", err)
		}
		s := domain.CallStatus(status)
		stats.CallsByStatus[s] = count
		if s.IsActive() {
			stats.ActiveCalls += count
		}
		if s.IsOccupying() {
			stats.OccupyingCalls += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: stats rows err: %w", err)
	}
	return stats, nil
}

type campaignRecord struct {
	ID            uuid.UUID    `db:"id"`
	Name          string       `db:"name"`
	Mode          string       `db:"mode"`
	Cap           int          `db:"cap"`
	AssistantID   uuid.UUID    `db:"assistant_id"`
	PhoneLineID   uuid.UUID    `db:"phone_line_id"`
	TotalContacts int          `db:"total_contacts"`
	CreatedAt     time.Time    `db:"created_at"`
	StartedAt     sql.NullTime `db:"started_at"`
	CompletedAt   sql.NullTime `db:"completed_at"`
}

func (r campaignRecord) toDomain() domain.Campaign {
	return domain.Campaign{
		ID:            r.ID,
		Name:          r.Name,
		Mode:          domain.DispatchMode(r.Mode),
		Cap:           r.Cap,
		AssistantID:   r.AssistantID,
		PhoneLineID:   r.PhoneLineID,
		TotalContacts: r.TotalContacts,
		CreatedAt:     r.CreatedAt,
		StartedAt:     nullTime(r.StartedAt),
		CompletedAt:   nullTime(r.CompletedAt),
	}
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
