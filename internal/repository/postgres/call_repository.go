package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/repository"
)

const callColumns = `id, campaign_id, contact_id, provider_call_id, status, started_at, ended_at,
	ended_reason, cost, recording_url, transcript, success_evaluation, last_status_at, created_at`

// CallRepository implements repository.CallRepository using PostgreSQL.
type CallRepository struct {
	db *sqlx.DB
}

// NewCallRepository constructs the repository.
func NewCallRepository(db *sqlx.DB) *CallRepository {
	return &CallRepository{db: db}
}

// Create inserts the call together with its first audit event. The insert is
// skipped when the contact already has a committed call; two transactions
// inserting for the same contact at once are not serialized by this check.
func (r *CallRepository) Create(ctx context.Context, call *domain.Call, event domain.CallEvent) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO calls (
			id, campaign_id, contact_id, provider_call_id, status, last_status_at, created_at
		) SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE NOT EXISTS (SELECT 1 FROM calls WHERE contact_id = $3)`,
			call.ID, call.CampaignID, call.ContactID, call.ProviderCallID, string(call.Status), call.LastStatusAt, call.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("call repo: insert: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("call repo: rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("call repo: contact %s already has a call: %w", call.ContactID, repository.ErrConflict)
		}

		event.CallID = call.ID
		return insertEvent(ctx, tx, event)
	})
}

// Get fetches a call by id.
func (r *CallRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Call, error) {
	return r.getOne(ctx, r.db, `SELECT `+callColumns+` FROM calls WHERE id = $1`, id)
}

// GetByProviderCallID fetches a call by the identifier the provider assigned.
func (r *CallRepository) GetByProviderCallID(ctx context.Context, providerCallID string) (*domain.Call, error) {
	return r.getOne(ctx, r.db, `SELECT `+callColumns+` FROM calls WHERE provider_call_id = $1 LIMIT 1`, providerCallID)
}

// CountOccupying counts calls holding provider capacity for one campaign.
func (r *CallRepository) CountOccupying(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM calls
		WHERE campaign_id = $1 AND status IN ('RINGING', 'IN_PROGRESS')`, campaignID); err != nil {
		return 0, fmt.Errorf("call repo: count occupying: %w", err)
	}
	return n, nil
}

// CountOccupyingAll counts calls holding provider capacity across all campaigns.
func (r *CallRepository) CountOccupyingAll(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM calls WHERE status IN ('RINGING', 'IN_PROGRESS')`); err != nil {
		return 0, fmt.Errorf("call repo: count occupying all: %w", err)
	}
	return n, nil
}

// ListActive returns non-terminal calls, stalest first.
func (r *CallRepository) ListActive(ctx context.Context, filter repository.ActiveCallFilter) ([]domain.Call, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}

	query := `SELECT ` + callColumns + ` FROM calls WHERE status IN ('QUEUED', 'RINGING', 'IN_PROGRESS')`
	args := []any{}
	if filter.StaleBefore != nil {
		args = append(args, *filter.StaleBefore)
		query += fmt.Sprintf(" AND last_status_at < $%d", len(args))
	}
	if filter.WithProviderID {
		query += " AND provider_call_id IS NOT NULL"
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY last_status_at ASC LIMIT $%d", len(args))

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("call repo: list active: %w", err)
	}
	defer rows.Close()

	var calls []domain.Call
	for rows.Next() {
		var rec callRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("call repo: scan: %w", err)
		}
		calls = append(calls, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("call repo: rows err: %w", err)
	}
	return calls, nil
}

// Transition locks the call row, applies fn and persists the result with its event.
func (r *CallRepository) Transition(ctx context.Context, callID uuid.UUID, fn repository.TransitionFunc) (*domain.Call, error) {
	var updated *domain.Call
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		call, err := r.getOne(ctx, tx, `SELECT `+callColumns+` FROM calls WHERE id = $1 FOR UPDATE`, callID)
		if err != nil {
			return err
		}

		event, err := fn(call)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `UPDATE calls SET
			provider_call_id = $2,
			status = $3,
			started_at = $4,
			ended_at = $5,
			ended_reason = $6,
			cost = $7,
			recording_url = $8,
			transcript = $9,
			success_evaluation = $10,
			last_status_at = $11
		WHERE id = $1`,
			call.ID, call.ProviderCallID, string(call.Status), call.StartedAt, call.EndedAt, call.EndedReason,
			call.Cost, call.RecordingURL, jsonParam(call.Transcript), call.SuccessEvaluation, call.LastStatusAt,
		); err != nil {
			return fmt.Errorf("call repo: update: %w", err)
		}

		event.CallID = call.ID
		if err := insertEvent(ctx, tx, event); err != nil {
			return err
		}
		updated = call
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListEvents returns the audit trail of a call in insertion order.
func (r *CallRepository) ListEvents(ctx context.Context, callID uuid.UUID) ([]domain.CallEvent, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT id, call_id, status, payload, created_at
		FROM call_events WHERE call_id = $1 ORDER BY created_at ASC, id ASC`, callID)
	if err != nil {
		return nil, fmt.Errorf("call repo: list events: %w", err)
	}
	defer rows.Close()

	var events []domain.CallEvent
	for rows.Next() {
		var rec eventRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("call repo: scan event: %w", err)
		}
		events = append(events, domain.CallEvent{
			ID:        rec.ID,
			CallID:    rec.CallID,
			Status:    domain.CallStatus(rec.Status),
			Payload:   json.RawMessage(rec.Payload),
			CreatedAt: rec.CreatedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("call repo: events rows err: %w", err)
	}
	return events, nil
}

func (r *CallRepository) getOne(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (*domain.Call, error) {
	var rec callRecord
	if err := sqlx.GetContext(ctx, q, &rec, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call repo: get: %w", err)
	}
	call := rec.toDomain()
	return &call, nil
}

func insertEvent(ctx context.Context, tx *sqlx.Tx, event domain.CallEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	payload := event.Payload
	if len(payload) == 0 || !json.Valid(payload) {
		payload = json.RawMessage(`{}`)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO call_events (id, call_id, status, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`, event.ID, event.CallID, string(event.Status), []byte(payload), event.CreatedAt); err != nil {
		return fmt.Errorf("call repo: insert event: %w", err)
	}
	return nil
}

func jsonParam(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

type callRecord struct {
	ID                uuid.UUID       `db:"id"`
	CampaignID        uuid.UUID       `db:"campaign_id"`
	ContactID         uuid.UUID       `db:"contact_id"`
	ProviderCallID    sql.NullString  `db:"provider_call_id"`
	Status            string          `db:"status"`
	StartedAt         sql.NullTime    `db:"started_at"`
	EndedAt           sql.NullTime    `db:"ended_at"`
	EndedReason       sql.NullString  `db:"ended_reason"`
	Cost              sql.NullFloat64 `db:"cost"`
	RecordingURL      sql.NullString  `db:"recording_url"`
	Transcript        []byte          `db:"transcript"`
	SuccessEvaluation sql.NullBool    `db:"success_evaluation"`
	LastStatusAt      time.Time       `db:"last_status_at"`
	CreatedAt         time.Time       `db:"created_at"`
}

func (r callRecord) toDomain() domain.Call {
	call := domain.Call{
		ID:             r.ID,
		CampaignID:     r.CampaignID,
		ContactID:      r.ContactID,
		ProviderCallID: nullString(r.ProviderCallID),
		Status:         domain.CallStatus(r.Status),
		StartedAt:      nullTime(r.StartedAt),
		EndedAt:        nullTime(r.EndedAt),
		EndedReason:    nullString(r.EndedReason),
		RecordingURL:   nullString(r.RecordingURL),
		LastStatusAt:   r.LastStatusAt,
		CreatedAt:      r.CreatedAt,
	}
	if len(r.Transcript) > 0 {
		call.Transcript = json.RawMessage(r.Transcript)
	}
	if r.Cost.Valid {
		v := r.Cost.Float64
		call.Cost = &v
	}
	if r.SuccessEvaluation.Valid {
		v := r.SuccessEvaluation.Bool
		call.SuccessEvaluation = &v
	}
	return call
}

type eventRecord struct {
	ID        uuid.UUID `db:"id"`
	CallID    uuid.UUID `db:"call_id"`
	Status    string    `db:"status"`
	Payload   []byte    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
